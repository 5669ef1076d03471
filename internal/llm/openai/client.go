package openai

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
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second

	qwenBaseURL   = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	qwenModelName = "qwen-plus"
)

// Config 描述了调用 Chat Completions 兼容接口所需的信息。
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

// Client 通过 HTTP 调用 OpenAI 兼容的大模型接口。
type Client struct {
	name          string
	apiKey        string
	baseURL       string
	model         string
	timeout       time.Duration
	chunkTimeout  time.Duration
	maxTokens     int
	temperature   *float64
	stream        bool
	enhanceFormat bool
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	return newClient("openai", cfg, defaultBaseURL, defaultModelName)
}

// NewQwenClient 创建通义千问客户端，使用 DashScope 的兼容模式接口。
// 配置了 JSON 输出格式时，会在最新的用户消息后追加格式要求。
func NewQwenClient(cfg Config) (*Client, error) {
	c, err := newClient("qwen", cfg, qwenBaseURL, qwenModelName)
	if err != nil {
		return nil, err
	}
	c.enhanceFormat = true
	return c, nil
}

func newClient(name string, cfg Config, baseURL, model string) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("未提供 %s API Key", name)
	}
	if v := strings.TrimSpace(cfg.BaseURL); v != "" {
		baseURL = v
	}
	if v := strings.TrimSpace(cfg.Model); v != "" {
		model = v
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	chunkTimeout := cfg.ChunkTimeout
	if chunkTimeout <= 0 {
		chunkTimeout = llm.DefaultChunkTimeout
	}

	return &Client{
		name:         name,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		timeout:      timeout,
		chunkTimeout: chunkTimeout,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		stream:       cfg.Stream,
		// 流式响应可能持续很久，整体超时交给 context 与单块超时控制。
		httpClient: &http.Client{},
		logger:     logger.Named("llm").With(slog.String("provider", name)),
	}, nil
}

// Name 返回供应商名称。
func (c *Client) Name() string {
	return c.name
}

// Model 返回模型名称。
func (c *Client) Model() string {
	return c.model
}

// Open 发起一次补全请求并返回归一化的事件流。
func (c *Client) Open(ctx context.Context, req llm.Request) (llm.Stream, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	endpoint := c.baseURL + "/chat/completions"

	if c.stream {
		headers["Accept"] = "text/event-stream"
		resp, err := llm.PostStream(ctx, c.httpClient, c.name, endpoint, headers, payload, c.chunkTimeout)
		if err != nil {
			return nil, err
		}
		return llm.NewSSEStream(c.name, resp.Body, newDecoder(c.name), c.chunkTimeout), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := llm.PostJSON(reqCtx, c.httpClient, c.name, endpoint, headers, payload)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, llm.StreamTimeout(c.name, c.timeout)
		}
		return nil, err
	}
	defer resp.Body.Close()

	var decoded completion
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, llm.StreamTimeout(c.name, c.timeout)
		}
		return nil, llm.ProtocolError(c.name, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, llm.ProtocolError(c.name, errors.New("响应中没有有效的 choices"))
	}

	msg := decoded.Choices[0].Message
	calls := make([]llm.ToolCall, 0, len(msg.ToolCalls))
	for idx, tc := range msg.ToolCalls {
		calls = append(calls, llm.ToolCall{
			ID:        callID(tc.ID, idx),
			Name:      tc.Function.Name,
			Arguments: rawArguments(tc.Function.Arguments),
		})
	}
	var input, output int64
	if decoded.Usage != nil {
		input, output = decoded.Usage.PromptTokens, decoded.Usage.CompletionTokens
	}
	c.logger.Debug("收到完整响应",
		slog.Int("tool_calls", len(calls)),
		slog.Int64("input_tokens", input),
		slog.Int64("output_tokens", output),
	)
	return llm.NewSliceStream(llm.Decompose(msg.Content, calls, input, output)...), nil
}

type message struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type completion struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	messages := make([]message, 0, len(req.Turns)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, message{Role: "system", Content: &system})
	}

	lastUser := -1
	for idx, turn := range req.Turns {
		if turn.Role == llm.RoleUser {
			lastUser = idx
		}
	}
	for idx, turn := range req.Turns {
		switch turn.Role {
		case llm.RoleUser:
			text := turn.Text
			if c.enhanceFormat && idx == lastUser {
				text = llm.EnhanceWithFormat(text, req.ResponseFormat)
			}
			messages = append(messages, message{Role: "user", Content: &text})
		case llm.RoleAssistant:
			text := turn.Content()
			msg := message{Role: "assistant", Content: &text}
			for _, call := range turn.ToolCalls() {
				wc := wireToolCall{ID: call.ID, Type: "function"}
				wc.Function.Name = call.Name
				wc.Function.Arguments = string(rawArguments(string(call.Arguments)))
				msg.ToolCalls = append(msg.ToolCalls, wc)
			}
			if len(msg.ToolCalls) > 0 && text == "" {
				msg.Content = nil
			}
			messages = append(messages, msg)
		case llm.RoleTool:
			result := turn.Result
			messages = append(messages, message{Role: "tool", Content: &result, ToolCallID: turn.CallID})
		}
	}

	body := map[string]any{
		"model":    c.model,
		"messages": messages,
	}
	if len(req.Tools) > 0 {
		tools := make([]wireTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.InputSchema
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, wireTool{Type: "function", Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: params}})
		}
		body["tools"] = tools
	}
	if c.temperature != nil {
		body["temperature"] = *c.temperature
	}
	if c.maxTokens > 0 {
		body["max_tokens"] = c.maxTokens
	}
	if rf := req.ResponseFormat; rf != nil && len(rf.Schema) > 0 {
		name := rf.Name
		if name == "" {
			name = "response"
		}
		body["response_format"] = map[string]any{
			"type":        "json_schema",
			"json_schema": map[string]any{"name": name, "schema": rf.Schema},
		}
	}
	if c.stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 %s 请求失败: %w", c.name, err)
	}
	return encoded, nil
}

func callID(id string, index int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("call_%d", index)
}

func rawArguments(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}
