package llm

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// perTurnOverhead 近似每条消息的角色与分隔符开销。
const perTurnOverhead = 4

// TokenCounter 统计文本的 token 数。
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter 按模型选择分词器，未知模型回退到 cl100k_base。
func NewTiktokenCounter(model string) (TokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxCounter 以四个字符折算一个 token，用于分词器不可用的场合。
type ApproxCounter struct{}

// Count 实现 TokenCounter。
func (ApproxCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Window 限制发送给模型的历史长度。零值不做任何裁剪。
type Window struct {
	MaxTokens int
	MaxTurns  int
	Counter   TokenCounter
}

// Enabled 报告是否配置了任何限制。
func (w Window) Enabled() bool {
	return w.MaxTokens > 0 || w.MaxTurns > 0
}

// Apply 返回满足预算的最长后缀。结果总是从用户消息开始，并且总是包含最后一条用户消息及其后的全部消息。
func (w Window) Apply(system string, turns []Turn) []Turn {
	if !w.Enabled() || len(turns) == 0 {
		return turns
	}
	counter := w.Counter
	if counter == nil {
		counter = ApproxCounter{}
	}

	var starts []int
	for i, t := range turns {
		if t.Role == RoleUser {
			starts = append(starts, i)
		}
	}
	if len(starts) == 0 {
		return turns
	}

	costs := make([]int, len(turns))
	for i, t := range turns {
		costs[i] = turnTokens(counter, t)
	}
	budget := w.MaxTokens - counter.Count(system)

	start := starts[len(starts)-1]
	used := 0
	for i := start; i < len(turns); i++ {
		used += costs[i]
	}
	for k := len(starts) - 2; k >= 0; k-- {
		candidate := starts[k]
		extra := 0
		for i := candidate; i < start; i++ {
			extra += costs[i]
		}
		if w.MaxTokens > 0 && used+extra > budget {
			break
		}
		if w.MaxTurns > 0 && len(turns)-candidate > w.MaxTurns {
			break
		}
		start, used = candidate, used+extra
	}
	return turns[start:]
}

func turnTokens(counter TokenCounter, t Turn) int {
	n := perTurnOverhead + counter.Count(t.Content())
	for _, call := range t.ToolCalls() {
		n += counter.Count(call.Name) + counter.Count(string(call.Arguments))
	}
	return n
}
