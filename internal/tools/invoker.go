package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/mcp"
	"OpenMCP-Chat/pkg/logger"
)

const (
	defaultCallAttempts = 3
	defaultCallTimeout  = 15 * time.Second
	defaultCallBackoff  = time.Second
	maxHistory          = 256
)

// CallRecord 记录一次成功的工具调用。
type CallRecord struct {
	Tool      string          `json:"tool"`
	Endpoint  string          `json:"endpoint"`
	Arguments json.RawMessage `json:"arguments"`
	Result    string          `json:"result"`
	Attempts  int             `json:"attempts"`
	Duration  time.Duration   `json:"duration"`
	At        time.Time       `json:"at"`
}

// Invoker 负责按名称执行工具调用，并处理瞬时失败的重试。
type Invoker struct {
	registry *Registry
	attempts int
	timeout  time.Duration
	backoff  LinearBackoff
	logger   *slog.Logger

	retries atomic.Int64

	mu      sync.Mutex
	history []CallRecord
}

// InvokerOption 定义可选配置。
type InvokerOption func(*Invoker)

// WithCallAttempts 设置单次调用的最大尝试次数。
func WithCallAttempts(n int) InvokerOption {
	return func(inv *Invoker) {
		if n > 0 {
			inv.attempts = n
		}
	}
}

// WithCallTimeout 设置每次尝试的超时。
func WithCallTimeout(d time.Duration) InvokerOption {
	return func(inv *Invoker) {
		if d > 0 {
			inv.timeout = d
		}
	}
}

// WithCallBackoff 设置线性退避步长。
func WithCallBackoff(step time.Duration) InvokerOption {
	return func(inv *Invoker) {
		if step >= 0 {
			inv.backoff = LinearBackoff{Step: step}
		}
	}
}

// NewInvoker 基于注册表创建调用器。
func NewInvoker(registry *Registry, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		registry: registry,
		attempts: defaultCallAttempts,
		timeout:  defaultCallTimeout,
		backoff:  LinearBackoff{Step: defaultCallBackoff},
		logger:   logger.Named("tools"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

// Invoke 调用指定工具。未注册的工具立即失败且不消耗重试次数。
func (inv *Invoker) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	desc, ok := inv.registry.Lookup(name)
	if !ok {
		return "", xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("tool %q is not registered", name),
			xerrors.WithMetadata("tool", name))
	}
	client, ok := inv.registry.client(desc.Endpoint)
	if !ok {
		return "", xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("endpoint %q for tool %q is closed", desc.Endpoint, name),
			xerrors.WithMetadata("tool", name))
	}

	parsed, err := decodeArguments(args)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeToolInvocation, err, fmt.Sprintf("invalid arguments for %s", name),
			xerrors.WithMetadata("tool", name))
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= inv.attempts; attempt++ {
		if attempt > 1 {
			inv.retries.Add(1)
		}
		result, err := inv.attempt(ctx, client, name, parsed)
		if err == nil {
			inv.remember(CallRecord{
				Tool:      name,
				Endpoint:  desc.Endpoint,
				Arguments: append(json.RawMessage(nil), args...),
				Result:    result,
				Attempts:  attempt,
				Duration:  time.Since(start),
				At:        time.Now().UTC(),
			})
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", xerrors.Wrap(xerrors.CodeCanceled, ctx.Err(), fmt.Sprintf("tool %s canceled", name))
		}
		if !transient(err) {
			return "", xerrors.Wrap(xerrors.CodeToolInvocation, err, fmt.Sprintf("tool %s failed", name),
				xerrors.WithMetadata("tool", name),
				xerrors.WithMetadata("attempts", fmt.Sprint(attempt)))
		}
		if attempt == inv.attempts {
			break
		}
		inv.logger.Warn("工具调用出现瞬时错误，准备重试",
			slog.String("tool", name),
			slog.String("endpoint", desc.Endpoint),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if err := wait(ctx, inv.backoff.Delay(attempt)); err != nil {
			return "", xerrors.Wrap(xerrors.CodeCanceled, err, fmt.Sprintf("tool %s canceled", name))
		}
	}
	return "", xerrors.Wrap(xerrors.CodeToolInvocation, lastErr,
		fmt.Sprintf("tool %s failed after %d attempts", name, inv.attempts),
		xerrors.WithMetadata("tool", name),
		xerrors.WithMetadata("attempts", fmt.Sprint(inv.attempts)))
}

func (inv *Invoker) attempt(ctx context.Context, client Client, name string, args map[string]any) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()
	return client.CallTool(attemptCtx, name, args)
}

// transient 判断错误是否属于可重试的瞬时失败。
func transient(err error) bool {
	var (
		transportErr *mcp.TransportError
		rpcErr       *mcp.RPCError
		toolErr      *mcp.ToolError
	)
	switch {
	case errors.As(err, &toolErr):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &rpcErr):
		return rpcErr.Temporary()
	case errors.As(err, &transportErr):
		return transportErr.Temporary()
	default:
		return false
	}
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (inv *Invoker) remember(rec CallRecord) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.history = append(inv.history, rec)
	if len(inv.history) > maxHistory {
		inv.history = append([]CallRecord(nil), inv.history[len(inv.history)-maxHistory:]...)
	}
}

// History 返回最近的成功调用记录。
func (inv *Invoker) History() []CallRecord {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]CallRecord(nil), inv.history...)
}

// Retries 返回累计的重试次数，不含首次尝试。
func (inv *Invoker) Retries() int64 {
	return inv.retries.Load()
}

// Tools 返回可提供给模型的工具列表。
func (inv *Invoker) Tools() []Descriptor {
	return inv.registry.All()
}
