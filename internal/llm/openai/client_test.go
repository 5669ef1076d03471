package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	qwen, err := NewQwenClient(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qwen.Name() != "qwen" || qwen.Model() != "qwen-plus" || qwen.baseURL != qwenBaseURL {
		t.Fatalf("unexpected qwen defaults: %s %s %s", qwen.Name(), qwen.Model(), qwen.baseURL)
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, stream bool) *Client {
	t.Helper()
	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second, Stream: stream})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()
	return client
}

func baseRequest() llm.Request {
	return llm.Request{
		System: "be brief",
		Turns:  []llm.Turn{llm.UserTurn("send greeting to Bob")},
		Tools: []llm.ToolSpec{{
			Name:        "greet",
			Description: "Greet a person",
			InputSchema: map[string]any{"type": "object"},
		}},
	}
}

func TestOpenNonStreaming(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"type":     "function",
						"function": map[string]any{"name": "greet", "arguments": `{"name":"Bob"}`},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 7},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv, false)
	stream, err := client.Open(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events, err := llm.Collect(context.Background(), stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if _, ok := captured.Body["stream"]; ok {
		t.Fatalf("non-streaming request must not set stream")
	}
	messages := captured.Body["messages"].([]any)
	if first := messages[0].(map[string]any); first["role"] != "system" {
		t.Fatalf("system prompt should lead: %+v", first)
	}
	if tools := captured.Body["tools"].([]any); len(tools) != 1 {
		t.Fatalf("tools should be forwarded: %+v", tools)
	}

	var done llm.Event
	var usage llm.Event
	for _, ev := range events {
		switch ev.Kind {
		case llm.EventToolCallDone:
			done = ev
		case llm.EventUsage:
			usage = ev
		}
	}
	if done.CallID != "call_0" || done.ToolName != "greet" || string(done.Arguments) != `{"name":"Bob"}` {
		t.Fatalf("unexpected tool call: %+v", done)
	}
	if usage.Input != 12 || usage.Output != 7 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if events[len(events)-1].Kind != llm.EventCompleted {
		t.Fatalf("response should end with completed")
	}
}

func TestOpenStreaming(t *testing.T) {
	var streamed map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&streamed)
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"index":0,"delta":{"content":"Let me "}}]}`,
			`{"choices":[{"index":0,"delta":{"content":"check."}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"greet","arguments":""}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"name\":"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Bob\"}"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"name":"add","arguments":"{\"a\":1,\"b\":2}"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":20,"completion_tokens":9}}`,
			`[DONE]`,
		}
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv, true)
	stream, err := client.Open(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events, err := llm.Collect(context.Background(), stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if streamed["stream"] != true {
		t.Fatalf("stream flag should be set")
	}
	if opts, _ := streamed["stream_options"].(map[string]any); opts["include_usage"] != true {
		t.Fatalf("include_usage should be requested: %+v", streamed["stream_options"])
	}

	var kinds []string
	var text strings.Builder
	var dones []llm.Event
	for _, ev := range events {
		kinds = append(kinds, string(ev.Kind))
		switch ev.Kind {
		case llm.EventTextDelta:
			text.WriteString(ev.Text)
		case llm.EventToolCallDone:
			dones = append(dones, ev)
		}
	}
	if text.String() != "Let me check." {
		t.Fatalf("unexpected text %q", text.String())
	}
	if len(dones) != 2 {
		t.Fatalf("expected 2 tool calls, got %v", kinds)
	}
	if dones[0].CallID != "call_abc" || string(dones[0].Arguments) != `{"name":"Bob"}` {
		t.Fatalf("unexpected first call: %+v", dones[0])
	}
	if dones[1].CallID != "call_1" || dones[1].ToolName != "add" {
		t.Fatalf("missing id should fall back to index: %+v", dones[1])
	}
	want := "text-delta,text-delta,tool-call-start,tool-call-start,tool-call-done,tool-call-done,usage,completed"
	if strings.Join(kinds, ",") != want {
		t.Fatalf("unexpected event order: %v", kinds)
	}
}

func TestOpenHTTPErrorClassification(t *testing.T) {
	for status, retryable := range map[int]bool{http.StatusBadRequest: false, http.StatusUnauthorized: false, http.StatusTooManyRequests: true, http.StatusBadGateway: true} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", status)
		}))
		client := newTestClient(t, srv, false)
		_, err := client.Open(context.Background(), baseRequest())
		srv.Close()
		if xerrors.CodeOf(err) != xerrors.CodeProviderError {
			t.Fatalf("status %d: expected PROVIDER_ERROR, got %v", status, err)
		}
		if xerrors.RetryableError(err) != retryable {
			t.Fatalf("status %d: expected retryable=%v", status, retryable)
		}
	}
}

func TestQwenEnhancesLatestUserTurn(t *testing.T) {
	var body struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": `{"city":"北京"}`}}},
		})
	}))
	defer srv.Close()

	client, err := NewQwenClient(Config{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	req := llm.Request{
		Turns: []llm.Turn{llm.UserTurn("first"), llm.AssistantTurn("ok", nil), llm.UserTurn("北京天气")},
		ResponseFormat: &llm.ResponseFormat{Name: "weather", Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
			"required":   []any{"city"},
		}},
	}
	stream, err := client.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := llm.Collect(context.Background(), stream); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}
	if body.Messages[0].Content != "first" {
		t.Fatalf("earlier user turns must not be enhanced")
	}
	if !strings.HasPrefix(body.Messages[2].Content, "北京天气") || !strings.Contains(body.Messages[2].Content, "city") {
		t.Fatalf("latest user turn should carry the format instruction: %q", body.Messages[2].Content)
	}
}

func TestBuildPayloadToolRound(t *testing.T) {
	client, _ := NewClient(Config{APIKey: "k"})
	call := llm.ToolCall{ID: "call_1", Name: "greet", Arguments: json.RawMessage(`{"name":"Bob"}`)}
	payload, err := client.buildPayload(llm.Request{Turns: []llm.Turn{
		llm.UserTurn("greet Bob"),
		llm.AssistantTurn("", []llm.ToolCall{call}),
		llm.ToolResultTurn(call, "Hello, Bob!", false),
	}})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	var decoded struct {
		Messages []message `json:"messages"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	assistant := decoded.Messages[1]
	if assistant.Content != nil || len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Function.Arguments != `{"name":"Bob"}` {
		t.Fatalf("unexpected assistant message: %+v", assistant)
	}
	tool := decoded.Messages[2]
	if tool.Role != "tool" || tool.ToolCallID != "call_1" || *tool.Content != "Hello, Bob!" {
		t.Fatalf("unexpected tool message: %+v", tool)
	}
}

func TestOpenStreamingHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: 200 * time.Millisecond, ChunkTimeout: 100 * time.Millisecond, Stream: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	start := time.Now()
	_, err = client.Open(context.Background(), baseRequest())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("open blocked for %s", elapsed)
	}
	if xerrors.CodeOf(err) != xerrors.CodeStreamTimeout {
		t.Fatalf("expected STREAM_TIMEOUT, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("expected header timeout to be retryable")
	}
}

func TestOpenStreamingMalformedFrameIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := newTestClient(t, srv, true)
	stream, err := client.Open(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = llm.Collect(context.Background(), stream)
	if xerrors.CodeOf(err) != xerrors.CodeProviderError || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable PROVIDER_ERROR, got %v", err)
	}
}
