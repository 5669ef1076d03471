package llm

import (
	"context"
	"encoding/json"
)

// ToolSpec 描述提供给模型的可用工具。
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ResponseFormat 要求模型按 JSON schema 输出。
type ResponseFormat struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

// Request 描述一次模型调用的完整上下文。
type Request struct {
	System         string
	Turns          []Turn
	Tools          []ToolSpec
	ResponseFormat *ResponseFormat
}

// Provider 定义了调用大模型的统一接口。返回的 Stream 已经是归一化的事件序列。
type Provider interface {
	Name() string
	Open(ctx context.Context, req Request) (Stream, error)
}

// EventKind 是归一化事件的类型。
type EventKind string

const (
	EventTextDelta     EventKind = "text-delta"
	EventToolCallStart EventKind = "tool-call-start"
	EventToolCallDone  EventKind = "tool-call-done"
	EventUsage         EventKind = "usage"
	EventCompleted     EventKind = "completed"
)

// Event 是供应商无关的响应事件。
type Event struct {
	Kind      EventKind
	Text      string
	CallID    string
	ToolName  string
	Arguments json.RawMessage
	Input     int64
	Output    int64
}

// TextDelta 构造文本增量事件。
func TextDelta(text string) Event { return Event{Kind: EventTextDelta, Text: text} }

// ToolCallStart 构造工具调用开始事件。
func ToolCallStart(id, name string) Event {
	return Event{Kind: EventToolCallStart, CallID: id, ToolName: name}
}

// ToolCallDone 构造工具调用完成事件。
func ToolCallDone(id, name string, args json.RawMessage) Event {
	return Event{Kind: EventToolCallDone, CallID: id, ToolName: name, Arguments: args}
}

// UsageEvent 构造用量事件。
func UsageEvent(input, output int64) Event {
	return Event{Kind: EventUsage, Input: input, Output: output}
}

// Completed 构造结束事件。
func Completed() Event { return Event{Kind: EventCompleted} }

// Stream 是一次模型响应的事件序列。Recv 在 completed 之后返回 io.EOF。
type Stream interface {
	Recv(ctx context.Context) (Event, error)
	Close() error
}
