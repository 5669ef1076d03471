package mcp

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// 标准 JSON-RPC 错误码。
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// 实现自定义的服务端错误区间。
	codeServerErrorMin = -32099
	codeServerErrorMax = -32000
)

// Request 是 JSON-RPC 2.0 请求。
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest 构造带 ID 的请求。
func NewRequest(id int64, method string, params any) (*Request, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification 构造不需要响应的通知。
func NewNotification(method string, params any) (*Request, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: jsonrpcVersion, Method: method, Params: raw}, nil
}

// IsNotification 判断请求是否为通知。
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// Response 是 JSON-RPC 2.0 响应，Result 与 Error 二选一。
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError 是 JSON-RPC 2.0 错误对象。
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error 实现 error 接口。
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Temporary 报告错误是否属于服务端自定义的暂态区间，例如资源繁忙或请求超时。
func (e *RPCError) Temporary() bool {
	return e.Code >= codeServerErrorMin && e.Code <= codeServerErrorMax
}
