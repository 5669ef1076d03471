package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"

	"OpenMCP-Chat/pkg/logger"
)

// ToolHandler 执行一个工具调用，返回文本结果。
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// Server 是一个最小化的 MCP 服务端，用于演示与测试。
type Server struct {
	name    string
	version string
	logger  *slog.Logger

	mu       sync.RWMutex
	tools    map[string]ToolDefinition
	handlers map[string]ToolHandler
}

// NewServer 创建 MCP 服务端。
func NewServer(name, version string) *Server {
	return &Server{
		name:     name,
		version:  version,
		logger:   logger.Named("mcp-server").With(slog.String("server", name)),
		tools:    make(map[string]ToolDefinition),
		handlers: make(map[string]ToolHandler),
	}
}

// AddTool 注册工具，同名工具会被覆盖。
func (s *Server) AddTool(def ToolDefinition, handler ToolHandler) {
	if def.InputSchema == nil {
		def.InputSchema = map[string]any{"type": "object"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[def.Name] = def
	s.handlers[def.Name] = handler
}

// ServeHTTP 处理一次 JSON-RPC POST。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBytes))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, &Response{JSONRPC: jsonrpcVersion, Error: &RPCError{Code: CodeParseError, Message: err.Error()}})
		return
	}
	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := &Response{JSONRPC: jsonrpcVersion, ID: req.ID}
	result, rpcErr := s.dispatch(r.Context(), &req)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}
	if req.Method == "initialize" {
		w.Header().Set(SessionHeader, uuid.NewString())
	}
	s.writeResponse(w, resp)
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return initializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      implementation{Name: s.name, Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return toolsListResult{Tools: s.listTools()}, nil
	case "tools/call":
		return s.callTool(ctx, req.Params)
	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) listTools() []ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(s.tools))
	for _, def := range s.tools {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	s.mu.RLock()
	handler, ok := s.handlers[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "unknown tool: " + params.Name}
	}

	text, err := handler(ctx, params.Arguments)
	if err != nil {
		s.logger.Warn("工具执行失败", slog.String("tool", params.Name), slog.Any("error", err))
		return CallToolResult{Content: []ContentBlock{{Type: "text", Text: err.Error()}}, IsError: true}, nil
	}
	return CallToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}, nil
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("写入响应失败", slog.Any("error", err))
	}
}
