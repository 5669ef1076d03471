package openai

import (
	"encoding/json"
	"sort"
	"strings"

	"OpenMCP-Chat/internal/llm"
)

type chunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type pendingCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

// decoder 按 index 拼接工具调用片段，在 finish_reason 或 [DONE] 时输出完成事件。
type decoder struct {
	provider string
	calls    map[int]*pendingCall
	flushed  bool
}

func newDecoder(provider string) *decoder {
	return &decoder{provider: provider, calls: make(map[int]*pendingCall)}
}

func (d *decoder) Decode(frame llm.Frame) ([]llm.Event, error) {
	data := strings.TrimSpace(frame.Data)
	if data == "" {
		return nil, nil
	}
	if data == "[DONE]" {
		events := d.flush()
		return append(events, llm.Completed()), nil
	}

	var c chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, llm.MalformedFrame(d.provider, err)
	}
	if c.Error != nil {
		return nil, llm.RemoteError(d.provider, c.Error.Type, c.Error.Message, c.Error.Type == "server_error")
	}

	var events []llm.Event
	for _, choice := range c.Choices {
		if choice.Delta.Content != "" {
			events = append(events, llm.TextDelta(choice.Delta.Content))
		}
		for pos, tc := range choice.Delta.ToolCalls {
			index := pos
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := d.calls[index]
			if !ok {
				call = &pendingCall{}
				d.calls[index] = call
			}
			if tc.ID != "" && !call.started {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name += tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
			if !call.started && call.name != "" {
				call.id = callID(call.id, index)
				call.started = true
				events = append(events, llm.ToolCallStart(call.id, call.name))
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			events = append(events, d.flush()...)
		}
	}
	if c.Usage != nil {
		events = append(events, llm.UsageEvent(c.Usage.PromptTokens, c.Usage.CompletionTokens))
	}
	return events, nil
}

func (d *decoder) flush() []llm.Event {
	if d.flushed || len(d.calls) == 0 {
		return nil
	}
	d.flushed = true
	indexes := make([]int, 0, len(d.calls))
	for idx := range d.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	events := make([]llm.Event, 0, len(indexes)*2)
	for _, idx := range indexes {
		call := d.calls[idx]
		if !call.started {
			call.id = callID(call.id, idx)
			events = append(events, llm.ToolCallStart(call.id, call.name))
		}
		events = append(events, llm.ToolCallDone(call.id, call.name, rawArguments(call.args.String())))
	}
	return events
}
