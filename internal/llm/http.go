package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const maxErrorBody = 2048

// PostJSON 发送 JSON 请求，非 2xx 响应会被转换为 PROVIDER_ERROR。调用方负责关闭返回的响应体。
func PostJSON(ctx context.Context, client *http.Client, provider, endpoint string, headers map[string]string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 %s 请求失败: %w", provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, TransportFailure(ctx, provider, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, StatusError(provider, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// PostStream 发送流式请求，headerTimeout 只约束等待响应头的阶段，超时返回 STREAM_TIMEOUT。
// 返回的响应体在 Close 时释放请求上下文。
func PostStream(ctx context.Context, client *http.Client, provider, endpoint string, headers map[string]string, payload []byte, headerTimeout time.Duration) (*http.Response, error) {
	if headerTimeout <= 0 {
		return PostJSON(ctx, client, provider, endpoint, headers, payload)
	}
	reqCtx, cancel := context.WithCancel(ctx)
	var expired atomic.Bool
	timer := time.AfterFunc(headerTimeout, func() {
		expired.Store(true)
		cancel()
	})

	resp, err := PostJSON(reqCtx, client, provider, endpoint, headers, payload)
	timer.Stop()
	if err != nil {
		cancel()
		if expired.Load() && ctx.Err() == nil {
			return nil, StreamTimeout(provider, headerTimeout)
		}
		return nil, err
	}
	if expired.Load() {
		resp.Body.Close()
		cancel()
		return nil, StreamTimeout(provider, headerTimeout)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
