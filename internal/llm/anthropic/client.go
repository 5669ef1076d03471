package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"OpenMCP-Chat/internal/llm"
	"OpenMCP-Chat/pkg/logger"
)

const (
	providerName     = "claude"
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModelName = "claude-3-5-sonnet-latest"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 2000
	defaultTimeout   = 60 * time.Second
)

var defaultTemperature = 0.7

// Config 描述 Claude Messages API 的调用参数。
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	ChunkTimeout time.Duration
	MaxTokens    int
	Temperature  *float64
	Stream       bool
}

// Client 调用 Claude Messages API。
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	timeout      time.Duration
	chunkTimeout time.Duration
	maxTokens    int
	temperature  float64
	stream       bool
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient 创建 Claude 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Claude API Key")
	}
	c := &Client{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModelName,
		timeout:      defaultTimeout,
		chunkTimeout: llm.DefaultChunkTimeout,
		maxTokens:    defaultMaxTokens,
		temperature:  defaultTemperature,
		stream:       cfg.Stream,
		httpClient:   &http.Client{},
		logger:       logger.Named("llm").With(slog.String("provider", providerName)),
	}
	if v := strings.TrimSpace(cfg.BaseURL); v != "" {
		c.baseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(cfg.Model); v != "" {
		c.model = v
	}
	if cfg.Timeout > 0 {
		c.timeout = cfg.Timeout
	}
	if cfg.ChunkTimeout > 0 {
		c.chunkTimeout = cfg.ChunkTimeout
	}
	if cfg.MaxTokens > 0 {
		c.maxTokens = cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		c.temperature = *cfg.Temperature
	}
	return c, nil
}

// Name 返回供应商名称。
func (c *Client) Name() string { return providerName }

// Model 返回模型名称。
func (c *Client) Model() string { return c.model }

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
	Tools       []tool    `json:"tools,omitempty"`
}

type message struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type content struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type response struct {
	Role       string    `json:"role"`
	Model      string    `json:"model"`
	Content    []content `json:"content"`
	StopReason string    `json:"stop_reason"`
	Usage      usage     `json:"usage"`
}

// Open 发起一次 Messages 请求并返回归一化的事件流。
func (c *Client) Open(ctx context.Context, req llm.Request) (llm.Stream, error) {
	payload, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("序列化 Claude 请求失败: %w", err)
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": apiVersion,
	}
	endpoint := c.baseURL + "/messages"

	if c.stream {
		headers["Accept"] = "text/event-stream"
		resp, err := llm.PostStream(ctx, c.httpClient, providerName, endpoint, headers, payload, c.chunkTimeout)
		if err != nil {
			return nil, err
		}
		return llm.NewSSEStream(providerName, resp.Body, &decoder{}, c.chunkTimeout), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := llm.PostJSON(reqCtx, c.httpClient, providerName, endpoint, headers, payload)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, llm.StreamTimeout(providerName, c.timeout)
		}
		return nil, err
	}
	defer resp.Body.Close()

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, llm.StreamTimeout(providerName, c.timeout)
		}
		return nil, llm.ProtocolError(providerName, err)
	}

	var (
		text  strings.Builder
		calls []llm.ToolCall
	)
	for _, block := range decoded.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			calls = append(calls, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	c.logger.Debug("收到完整响应",
		slog.String("stop_reason", decoded.StopReason),
		slog.Int("tool_calls", len(calls)),
	)
	return llm.NewSliceStream(llm.Decompose(text.String(), calls, decoded.Usage.InputTokens, decoded.Usage.OutputTokens)...), nil
}

// buildRequest 转换对话记录。工具结果以 user 角色的 tool_result 块发送，相邻的同角色消息会被合并。
func (c *Client) buildRequest(req llm.Request) request {
	out := request{
		Model:       c.model,
		System:      strings.TrimSpace(req.System),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      c.stream,
	}
	push := func(role string, blocks ...content) {
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			return
		}
		out.Messages = append(out.Messages, message{Role: role, Content: blocks})
	}

	for _, turn := range req.Turns {
		switch turn.Role {
		case llm.RoleUser:
			push("user", content{Type: "text", Text: turn.Text})
		case llm.RoleAssistant:
			calls := turn.ToolCalls()
			var blocks []content
			if text := turn.Content(); text != "" {
				blocks = append(blocks, content{Type: "text", Text: text})
			}
			for i, call := range calls {
				id := call.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", call.Name, i)
				}
				args := call.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, content{Type: "tool_use", ID: id, Name: call.Name, Input: args})
			}
			if len(blocks) == 0 {
				continue
			}
			push("assistant", blocks...)
		case llm.RoleTool:
			push("user", content{Type: "tool_result", ToolUseID: turn.CallID, Content: turn.Result, IsError: turn.IsError})
		}
	}

	for _, t := range req.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}
