package conversation

import (
	"log/slog"
	"time"

	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/llm"
)

const (
	defaultMaxRounds    = 8
	defaultTurnAttempts = 3
	defaultRetryDelay   = time.Second
)

// DispatchPolicy 决定一次响应中的多个工具调用如何执行。
type DispatchPolicy string

const (
	// DispatchAll 按顺序执行响应中的全部工具调用。
	DispatchAll DispatchPolicy = "all"
	// DispatchFirst 只执行第一个工具调用。
	DispatchFirst DispatchPolicy = "first"
)

// ParseDispatchPolicy 解析配置值，未知值按 DispatchAll 处理。
func ParseDispatchPolicy(v string) DispatchPolicy {
	if DispatchPolicy(v) == DispatchFirst {
		return DispatchFirst
	}
	return DispatchAll
}

// Outcome 汇总一次对话的结果，供指标采集使用。
type Outcome struct {
	Provider  string
	State     State
	Code      xerrors.Code
	Rounds    int
	ToolCalls int
	Usage     Usage
	Duration  time.Duration
}

// Observer 接收对话循环中的可观测事件。
type Observer interface {
	ToolCalled(name string, failed bool, d time.Duration)
	ProviderRetried(provider string, code xerrors.Code)
	ConversationFinished(o Outcome)
}

type nopObserver struct{}

func (nopObserver) ToolCalled(string, bool, time.Duration) {}
func (nopObserver) ProviderRetried(string, xerrors.Code)   {}
func (nopObserver) ConversationFinished(Outcome)           {}

// Option 定义可选配置。
type Option func(*Loop)

// WithMaxRounds 设置单次提交中模型调用的最大轮数。
func WithMaxRounds(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxRounds = n
		}
	}
}

// WithTurnAttempts 设置单轮模型调用的最大尝试次数。
func WithTurnAttempts(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.turnAttempts = n
		}
	}
}

// WithRetryDelay 设置整轮重试的线性退避步长。
func WithRetryDelay(d time.Duration) Option {
	return func(l *Loop) {
		if d >= 0 {
			l.retryDelay = d
		}
	}
}

// WithDispatch 设置工具调用策略。
func WithDispatch(p DispatchPolicy) Option {
	return func(l *Loop) {
		if p == DispatchAll || p == DispatchFirst {
			l.dispatch = p
		}
	}
}

// WithToolConcurrency 设置同一轮内工具调用的最大并发数。
func WithToolConcurrency(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithSystemPrompt 设置系统提示词。
func WithSystemPrompt(prompt string) Option {
	return func(l *Loop) {
		l.system = prompt
	}
}

// WithResponseFormat 要求模型按 JSON schema 输出。
func WithResponseFormat(f *llm.ResponseFormat) Option {
	return func(l *Loop) {
		l.format = f
	}
}

// WithWindow 限制每次发送给模型的历史。
func WithWindow(w llm.Window) Option {
	return func(l *Loop) {
		l.window = w
	}
}

// WithPrices 设置用量价格。
func WithPrices(p Prices) Option {
	return func(l *Loop) {
		l.usage = NewUsageCounter(p)
	}
}

// WithHistory 以已有的对话记录初始化。
func WithHistory(turns []llm.Turn) Option {
	return func(l *Loop) {
		l.transcript.Store(llm.NewTranscript(turns...))
	}
}

// WithObserver 注入可观测回调。
func WithObserver(o Observer) Option {
	return func(l *Loop) {
		if o != nil {
			l.observer = o
		}
	}
}

// WithLogger 替换日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}
