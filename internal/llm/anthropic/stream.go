package anthropic

import (
	"encoding/json"
	"strings"

	"OpenMCP-Chat/internal/llm"
)

type streamEvent struct {
	Type         string    `json:"type"`
	Index        int       `json:"index"`
	ContentBlock *content  `json:"content_block,omitempty"`
	Delta        *delta    `json:"delta,omitempty"`
	Message      *response `json:"message,omitempty"`
	Usage        *usage    `json:"usage,omitempty"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type delta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type toolBlock struct {
	id   string
	name string
	args strings.Builder
}

// decoder 跟踪进行中的 tool_use 块，并在 message_stop 时输出用量与结束事件。
type decoder struct {
	tools map[int]*toolBlock
	usage usage
}

func (d *decoder) Decode(frame llm.Frame) ([]llm.Event, error) {
	data := strings.TrimSpace(frame.Data)
	if data == "" || data == "[DONE]" {
		return nil, nil
	}
	var ev streamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, llm.MalformedFrame(providerName, err)
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			d.usage = ev.Message.Usage
		}
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			if d.tools == nil {
				d.tools = make(map[int]*toolBlock)
			}
			d.tools[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			return []llm.Event{llm.ToolCallStart(ev.ContentBlock.ID, ev.ContentBlock.Name)}, nil
		}
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "text" && ev.ContentBlock.Text != "" {
			return []llm.Event{llm.TextDelta(ev.ContentBlock.Text)}, nil
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				return []llm.Event{llm.TextDelta(ev.Delta.Text)}, nil
			}
		case "input_json_delta":
			if block, ok := d.tools[ev.Index]; ok {
				block.args.WriteString(ev.Delta.PartialJSON)
			}
		}
	case "content_block_stop":
		block, ok := d.tools[ev.Index]
		if !ok {
			return nil, nil
		}
		delete(d.tools, ev.Index)
		args := strings.TrimSpace(block.args.String())
		if args == "" {
			args = "{}"
		}
		return []llm.Event{llm.ToolCallDone(block.id, block.name, json.RawMessage(args))}, nil
	case "message_delta":
		if ev.Usage != nil {
			d.usage.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				d.usage.InputTokens = ev.Usage.InputTokens
			}
		}
	case "message_stop":
		return []llm.Event{llm.UsageEvent(d.usage.InputTokens, d.usage.OutputTokens), llm.Completed()}, nil
	case "error":
		kind, msg := "error", ""
		if ev.Error != nil {
			kind, msg = ev.Error.Type, ev.Error.Message
		}
		retryable := kind == "overloaded_error" || kind == "api_error"
		return nil, llm.RemoteError(providerName, kind, msg, retryable)
	}
	return nil, nil
}
