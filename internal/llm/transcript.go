package llm

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Role 表示消息角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType 区分助手消息中的内容块。
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockToolCall BlockType = "tool_call"
)

// ToolCall 是模型发出的一次工具调用指令。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Block 是助手消息的一个内容块：文本或工具调用。
type Block struct {
	Type     BlockType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// Turn 是对话记录中的一条消息。
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text,omitempty"`
	Blocks    []Block   `json:"blocks,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Result    string    `json:"result,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UserTurn 构造用户消息。
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Text: text, CreatedAt: time.Now().UTC()}
}

// AssistantTurn 构造助手消息。存在工具调用时，正文与调用指令一并以内容块保存。
func AssistantTurn(text string, calls []ToolCall) Turn {
	turn := Turn{Role: RoleAssistant, Text: text, CreatedAt: time.Now().UTC()}
	if len(calls) == 0 {
		return turn
	}
	if text != "" {
		turn.Blocks = append(turn.Blocks, Block{Type: BlockText, Text: text})
	}
	for i := range calls {
		call := calls[i]
		turn.Blocks = append(turn.Blocks, Block{Type: BlockToolCall, ToolCall: &call})
	}
	return turn
}

// ToolResultTurn 构造工具结果消息。
func ToolResultTurn(call ToolCall, result string, isError bool) Turn {
	return Turn{
		Role:      RoleTool,
		ToolName:  call.Name,
		CallID:    call.ID,
		Result:    result,
		IsError:   isError,
		CreatedAt: time.Now().UTC(),
	}
}

// ToolCalls 返回助手消息中的工具调用。
func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range t.Blocks {
		if b.Type == BlockToolCall && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// Content 返回用于计数与展示的文本。
func (t Turn) Content() string {
	if t.Role == RoleTool {
		return t.Result
	}
	if t.Text != "" || len(t.Blocks) == 0 {
		return t.Text
	}
	var sb strings.Builder
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func (t Turn) clone() Turn {
	if len(t.Blocks) == 0 {
		return t
	}
	blocks := make([]Block, len(t.Blocks))
	for i, b := range t.Blocks {
		blocks[i] = b
		if b.ToolCall != nil {
			call := *b.ToolCall
			call.Arguments = append(json.RawMessage(nil), b.ToolCall.Arguments...)
			blocks[i].ToolCall = &call
		}
	}
	t.Blocks = blocks
	return t
}

// Transcript 是只追加的对话记录。
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewTranscript 可选地以已有消息初始化记录。
func NewTranscript(turns ...Turn) *Transcript {
	t := &Transcript{}
	for _, turn := range turns {
		t.turns = append(t.turns, turn.clone())
	}
	return t
}

// Append 追加消息。
func (t *Transcript) Append(turns ...Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, turn := range turns {
		t.turns = append(t.turns, turn.clone())
	}
}

// Turns 返回全部消息的副本。
func (t *Transcript) Turns() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Turn, len(t.turns))
	for i, turn := range t.turns {
		out[i] = turn.clone()
	}
	return out
}

// Len 返回消息数量。
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Last 返回最后一条消息。
func (t *Transcript) Last() (Turn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.turns) == 0 {
		return Turn{}, false
	}
	return t.turns[len(t.turns)-1].clone(), true
}
