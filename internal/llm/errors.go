package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	xerrors "OpenMCP-Chat/internal/errors"
)

// RetryableStatus 判断供应商返回的 HTTP 状态码是否值得整轮重试。
func RetryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooManyRequests:
		return true
	case status >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// StatusError 把供应商的错误响应转换为 PROVIDER_ERROR。
func StatusError(provider string, status int, body string) error {
	return xerrors.New(xerrors.CodeProviderError,
		fmt.Sprintf("%s 返回错误状态 %d: %s", provider, status, body),
		xerrors.WithRetryable(RetryableStatus(status)),
		xerrors.WithMetadata("provider", provider),
		xerrors.WithMetadata("status", strconv.Itoa(status)),
	)
}

// TransportFailure 把网络层错误转换为可重试的 PROVIDER_ERROR；调用方取消时返回 CANCELED。
func TransportFailure(ctx context.Context, provider string, err error) error {
	if ctx != nil && ctx.Err() != nil {
		return Canceled(ctx.Err())
	}
	return xerrors.Wrap(xerrors.CodeProviderError, err, fmt.Sprintf("请求 %s 失败", provider),
		xerrors.WithRetryable(true),
		xerrors.WithMetadata("provider", provider),
	)
}

// ProtocolError 表示响应格式不符合预期，不重试。
func ProtocolError(provider string, err error) error {
	return xerrors.Wrap(xerrors.CodeProviderError, err, fmt.Sprintf("解析 %s 响应失败", provider),
		xerrors.WithRetryable(false),
		xerrors.WithMetadata("provider", provider),
	)
}

// MalformedFrame 表示流中某一帧无法解析。该帧可能携带文本或参数片段，整轮重试。
func MalformedFrame(provider string, err error) error {
	return xerrors.Wrap(xerrors.CodeProviderError, err, fmt.Sprintf("%s 响应流中出现无法解析的数据帧", provider),
		xerrors.WithRetryable(true),
		xerrors.WithMetadata("provider", provider),
	)
}

// RemoteError 表示流中出现的供应商错误事件。
func RemoteError(provider, kind, message string, retryable bool) error {
	return xerrors.New(xerrors.CodeProviderError,
		fmt.Sprintf("%s 返回错误 %s: %s", provider, kind, message),
		xerrors.WithRetryable(retryable),
		xerrors.WithMetadata("provider", provider),
		xerrors.WithMetadata("type", kind),
	)
}

// Incomplete 表示流在 completed 之前结束。
func Incomplete(provider string, cause error) error {
	msg := fmt.Sprintf("%s 响应流提前结束", provider)
	if cause == nil {
		return xerrors.New(xerrors.CodeProviderError, msg, xerrors.WithRetryable(true),
			xerrors.WithMetadata("provider", provider))
	}
	return xerrors.Wrap(xerrors.CodeProviderError, cause, msg, xerrors.WithRetryable(true),
		xerrors.WithMetadata("provider", provider))
}

// StreamTimeout 表示等待下一个事件超过了单块超时。
func StreamTimeout(provider string, timeout time.Duration) error {
	return xerrors.New(xerrors.CodeStreamTimeout,
		fmt.Sprintf("%s 在 %s 内没有返回新的事件", provider, timeout),
		xerrors.WithMetadata("provider", provider),
		xerrors.WithMetadata("timeout", timeout.String()),
	)
}

// Canceled 把上下文错误包装为 CANCELED。
func Canceled(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeCanceled, err, "请求超出截止时间")
	}
	return xerrors.Wrap(xerrors.CodeCanceled, err, "请求已取消")
}
