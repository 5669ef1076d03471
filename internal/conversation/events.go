package conversation

import (
	"encoding/json"
	"time"
)

// EventType 是推送给调用方的事件类型。
type EventType string

const (
	EventTextDelta EventType = "text-delta"
	EventTool      EventType = "tool-event"
	EventUsage     EventType = "usage"
	EventRetry     EventType = "retry"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// ToolPhase 描述工具调用所处阶段。
type ToolPhase string

const (
	ToolStarted   ToolPhase = "started"
	ToolCompleted ToolPhase = "completed"
	ToolFailed    ToolPhase = "failed"
)

// ToolEvent 描述一次工具调用的进展。
type ToolEvent struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Phase     ToolPhase       `json:"phase"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
}

// RetryEvent 表示本轮模型调用将被整轮重试。Discarded 是失败尝试已推送的文本，
// 流式调用方应从已收到的文本末尾去掉这一段。
type RetryEvent struct {
	Attempt   int    `json:"attempt"`
	Code      string `json:"code"`
	Discarded string `json:"discarded,omitempty"`
}

// Result 是一次完整对话的结果。
type Result struct {
	Text      string        `json:"text"`
	Usage     Usage         `json:"usage"`
	Rounds    int           `json:"rounds"`
	ToolCalls int           `json:"tool_calls"`
	Duration  time.Duration `json:"duration"`
}

// Event 是 Submit 返回的事件。
type Event struct {
	Type   EventType
	Text   string
	Tool   *ToolEvent
	Usage  *Usage
	Retry  *RetryEvent
	Result *Result
	Err    error
}
