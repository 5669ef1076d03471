package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenMCP-Chat/internal/mcp"
	"OpenMCP-Chat/pkg/logger"
)

// Descriptor 描述一个可供模型调用的远程工具，注册后不可变。
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Endpoint    string         `json:"endpoint"`
	URL         string         `json:"url"`
}

// Endpoint 是一个待发现的 MCP 服务地址。
type Endpoint struct {
	Name    string
	URL     string
	Headers map[string]string
}

// Client 是注册表对单个 MCP 服务所需的能力。
type Client interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Dialer 为端点创建客户端。
type Dialer func(ep Endpoint) Client

// HTTPDialer 返回基于 streamable HTTP 的默认 Dialer。
func HTTPDialer(httpClient *http.Client) Dialer {
	return func(ep Endpoint) Client {
		transport := mcp.NewHTTPTransport(mcp.HTTPConfig{URL: ep.URL, Headers: ep.Headers, Client: httpClient})
		return mcp.NewClient(ep.Name, transport)
	}
}

// EndpointStatus 是单个端点的发现结果。
type EndpointStatus struct {
	Endpoint string        `json:"endpoint"`
	URL      string        `json:"url"`
	Tools    int           `json:"tools"`
	Attempts int           `json:"attempts"`
	Err      error         `json:"-"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Conflict 记录一次被拒绝的同名注册。Name 为空表示整个端点因重名被拒绝。
type Conflict struct {
	Name        string `json:"name"`
	Kept        string `json:"kept_endpoint"`
	Rejected    string `json:"rejected_endpoint"`
	RejectedURL string `json:"rejected_url,omitempty"`
}

// ErrDuplicateEndpoint 表示端点名已被先注册的端点占用。
var ErrDuplicateEndpoint = errors.New("duplicate endpoint name")

// Registry 维护工具名到描述与客户端的映射。
type Registry struct {
	dialer  Dialer
	backoff ExponentialBackoff
	logger  *slog.Logger

	mu        sync.RWMutex
	tools     map[string]Descriptor
	order     []string
	clients   map[string]Client
	conflicts []Conflict
}

// RegistryOption 定义可选配置。
type RegistryOption func(*Registry)

// WithDialer 替换端点客户端的创建方式。
func WithDialer(d Dialer) RegistryOption {
	return func(r *Registry) {
		if d != nil {
			r.dialer = d
		}
	}
}

// WithDiscoveryBackoff 设置发现阶段的指数退避。
func WithDiscoveryBackoff(b ExponentialBackoff) RegistryOption {
	return func(r *Registry) {
		if b.Attempts > 0 {
			r.backoff = b
		}
	}
}

// NewRegistry 构造空注册表。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		dialer:  HTTPDialer(nil),
		backoff: DefaultDiscoveryBackoff(),
		logger:  logger.Named("tools"),
		tools:   make(map[string]Descriptor),
		clients: make(map[string]Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

type discovery struct {
	client Client
	defs   []mcp.ToolDefinition
	status EndpointStatus
}

// Initialize 并发查询所有端点并按配置顺序合并工具。单个端点失败只会被跳过。
func (r *Registry) Initialize(ctx context.Context, endpoints []Endpoint) []EndpointStatus {
	results := make([]discovery, len(endpoints))
	var g errgroup.Group
	for idx, ep := range endpoints {
		g.Go(func() error {
			results[idx] = r.discover(ctx, ep)
			return nil
		})
	}
	_ = g.Wait()

	statuses := make([]EndpointStatus, 0, len(results))
	for idx, res := range results {
		if res.status.Err != nil {
			r.logger.Warn("跳过不可用的工具端点",
				slog.String("endpoint", endpoints[idx].Name),
				slog.String("url", endpoints[idx].URL),
				slog.Int("attempts", res.status.Attempts),
				slog.Any("error", res.status.Err),
			)
			if res.client != nil {
				_ = res.client.Close()
			}
			statuses = append(statuses, res.status)
			continue
		}
		added, err := r.register(endpoints[idx], res.client, res.defs)
		res.status.Tools = added
		if err != nil {
			res.status.Err = fmt.Errorf("register %s: %w", endpoints[idx].Name, err)
		}
		statuses = append(statuses, res.status)
	}
	logger.Audit().Info("工具注册表加载完成",
		slog.Int("endpoints", len(endpoints)),
		slog.Int("tools", r.Len()),
		slog.Int("conflicts", len(r.Conflicts())),
	)
	return statuses
}

func (r *Registry) discover(ctx context.Context, ep Endpoint) discovery {
	start := time.Now()
	client := r.dialer(ep)
	status := EndpointStatus{Endpoint: ep.Name, URL: ep.URL}

	var lastErr error
	for attempt := 1; attempt <= r.backoff.Attempts; attempt++ {
		status.Attempts = attempt
		defs, err := listEndpoint(ctx, client)
		if err == nil {
			status.Elapsed = time.Since(start)
			return discovery{client: client, defs: defs, status: status}
		}
		lastErr = err
		if ctx.Err() != nil || attempt == r.backoff.Attempts {
			break
		}
		r.logger.Debug("工具端点连接失败，准备重试",
			slog.String("endpoint", ep.Name),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if err := wait(ctx, r.backoff.Delay(attempt)); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}
	status.Err = fmt.Errorf("discover %s: %w", ep.Name, lastErr)
	status.Elapsed = time.Since(start)
	return discovery{client: client, status: status}
}

func listEndpoint(ctx context.Context, client Client) ([]mcp.ToolDefinition, error) {
	if err := client.Initialize(ctx); err != nil {
		return nil, err
	}
	return client.ListTools(ctx)
}

// Register 将端点的工具加入注册表，同名工具保留先注册者并记录冲突。返回实际加入的数量。
// 端点名已存在时整个端点被拒绝，其客户端会被关闭。
func (r *Registry) Register(ep Endpoint, client Client, defs []mcp.ToolDefinition) int {
	added, _ := r.register(ep, client, defs)
	return added
}

func (r *Registry) register(ep Endpoint, client Client, defs []mcp.ToolDefinition) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.clients[ep.Name]; taken {
		r.conflicts = append(r.conflicts, Conflict{Kept: ep.Name, Rejected: ep.Name, RejectedURL: ep.URL})
		r.logger.Warn("拒绝重名的工具端点",
			slog.String("endpoint", ep.Name),
			slog.String("rejected_url", ep.URL),
		)
		if client != nil {
			_ = client.Close()
		}
		return 0, ErrDuplicateEndpoint
	}
	r.clients[ep.Name] = client
	added := 0
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		if existing, ok := r.tools[def.Name]; ok {
			r.conflicts = append(r.conflicts, Conflict{Name: def.Name, Kept: existing.Endpoint, Rejected: ep.Name})
			r.logger.Warn("拒绝重复的工具名",
				slog.String("tool", def.Name),
				slog.String("kept_endpoint", existing.Endpoint),
				slog.String("rejected_endpoint", ep.Name),
			)
			continue
		}
		r.tools[def.Name] = Descriptor{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
			Endpoint:    ep.Name,
			URL:         ep.URL,
		}
		r.order = append(r.order, def.Name)
		added++
	}
	return added, nil
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	return desc, ok
}

// All 按注册顺序返回全部工具。
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Len 返回已注册工具数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Conflicts 返回被拒绝的同名注册。
func (r *Registry) Conflicts() []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Conflict(nil), r.conflicts...)
}

func (r *Registry) client(endpoint string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[endpoint]
	return c, ok
}

// Close 关闭所有端点客户端。
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.clients = make(map[string]Client)
	return errors.Join(errs...)
}
