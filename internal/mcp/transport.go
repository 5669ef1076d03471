package mcp

import (
	"context"
	"fmt"
)

// Transport 负责与 MCP 服务端交换 JSON-RPC 消息。
type Transport interface {
	// Send 发送请求并返回对应响应。
	Send(ctx context.Context, req *Request) (*Response, error)
	// Notify 发送通知，不等待响应内容。
	Notify(ctx context.Context, notif *Request) error
	Close() error
}

// TransportError 表示请求未能得到合法 JSON-RPC 响应。
type TransportError struct {
	URL    string
	Status int
	Body   string
	Err    error
}

// Error 实现 error 接口。
func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("mcp %s returned %d: %s", e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("mcp %s: %v", e.URL, e.Err)
}

// Unwrap 返回底层网络错误。
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary 报告错误是否值得重试：网络层失败、429 与 5xx。
func (e *TransportError) Temporary() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == 429:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

// ToolError 表示工具本身返回了 isError 结果。
type ToolError struct {
	Tool    string
	Message string
}

// Error 实现 error 接口。
func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s returned error: %s", e.Tool, e.Message)
}
