package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// SessionHeader 用于服务端会话亲和。
	SessionHeader = "Mcp-Session"

	maxResponseBytes = 10 << 20
	maxErrorBytes    = 2048
)

// HTTPConfig 描述基于 HTTP POST 的 MCP 传输。
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// HTTPTransport 以一次 POST 对应一次 JSON-RPC 调用的方式与服务端通信。
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport 创建 HTTP 传输。
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPTransport{url: cfg.URL, headers: cfg.Headers, httpClient: client}
}

// Send 发送请求并解析响应。
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, t.statusError(httpResp)
	}
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{URL: t.url, Err: fmt.Errorf("read response body: %w", err)}
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Notify 发送通知，接受 200 或 202。
func (t *HTTPTransport) Notify(ctx context.Context, notif *Request) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, maxErrorBytes))

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return t.statusError(httpResp)
	}
	return nil
}

// Close 对 HTTP 传输无操作。
func (t *HTTPTransport) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

// SessionID 返回服务端分配的会话 ID。
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *HTTPTransport) post(ctx context.Context, payload *Request) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	if sid := t.SessionID(); sid != "" {
		httpReq.Header.Set(SessionHeader, sid)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{URL: t.url, Err: err}
	}
	if sid := httpResp.Header.Get(SessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

func (t *HTTPTransport) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	return &TransportError{URL: t.url, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
