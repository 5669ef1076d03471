package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"OpenMCP-Chat/pkg/logger"
)

// ProtocolVersion 是初始化时声明的 MCP 协议版本。
const ProtocolVersion = "2024-11-05"

// ClientName 在 initialize 中作为 clientInfo.name 上报。
const ClientName = "openmcp-chat"

// ToolDefinition 是 tools/list 返回的工具描述。
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentBlock 是 tools/call 结果中的单个内容块。
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult 是 tools/call 的结果。
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      implementation `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

// Client 连接单个 MCP 服务端。
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu         sync.RWMutex
	serverName string
	tools      []ToolDefinition
}

// NewClient 基于传输层创建客户端。
func NewClient(name string, transport Transport) *Client {
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.Named("mcp").With(slog.String("mcp_server", name)),
	}
}

// Name 返回端点名称。
func (c *Client) Name() string {
	return c.name
}

// ServerName 返回初始化时服务端上报的名称。
func (c *Client) ServerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName
}

// Initialize 完成 initialize 握手并发送 notifications/initialized。
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      implementation{Name: ClientName, Version: "1.0.0"},
	}
	var result initializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.mu.Unlock()
	c.logger.Info("MCP 服务初始化完成",
		slog.String("server_name", result.ServerInfo.Name),
		slog.String("protocol_version", result.ProtocolVersion),
	)

	notif, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		return err
	}
	if err := c.transport.Notify(ctx, notif); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools 调用 tools/list，结果会被缓存。
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	cached := c.tools
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var result toolsListResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	if result.Tools == nil {
		result.Tools = []ToolDefinition{}
	}
	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	c.logger.Info("发现 MCP 工具", slog.Int("count", len(result.Tools)))
	return result.Tools, nil
}

// CallTool 调用工具并把文本内容块拼接为结果。
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{"name": name, "arguments": args}
	var result CallToolResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}
	text := ExtractText(result.Content)
	if result.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	return text, nil
}

// Ping 检查服务端是否存活。
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Close 关闭传输层。
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	req, err := NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return err
	}
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// ExtractText 拼接文本内容块，非文本块以占位符表示。
func ExtractText(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s]", b.Type))
	}
	return strings.Join(parts, "\n")
}
