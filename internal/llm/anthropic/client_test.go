package anthropic

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

func newTestClient(t *testing.T, srv *httptest.Server, stream bool) *Client {
	t.Helper()
	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Stream: stream})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()
	return client
}

func writeSSE(w http.ResponseWriter, events [][2]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, ev := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev[0], ev[1])
		flusher.Flush()
	}
}

func TestNewClientDefaults(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	client, err := NewClient(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.maxTokens != 2000 || client.temperature != 0.7 {
		t.Fatalf("unexpected defaults: %d %v", client.maxTokens, client.temperature)
	}
}

func TestOpenStreamingToolUse(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		writeSSE(w, [][2]string{
			{"message_start", `{"type":"message_start","message":{"role":"assistant","usage":{"input_tokens":25,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Greeting "}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Bob."}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"greet","input":{}}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"name\":"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Bob\"}"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":1}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":15}}`},
			{"message_stop", `{"type":"message_stop"}`},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv, true)
	stream, err := client.Open(context.Background(), llm.Request{Turns: []llm.Turn{llm.UserTurn("send greeting to Bob")}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	events, err := llm.Collect(context.Background(), stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if headers.Get("x-api-key") != "test" || headers.Get("anthropic-version") != apiVersion {
		t.Fatalf("missing auth headers: %v", headers)
	}

	var text strings.Builder
	var done, use llm.Event
	for _, ev := range events {
		switch ev.Kind {
		case llm.EventTextDelta:
			text.WriteString(ev.Text)
		case llm.EventToolCallDone:
			done = ev
		case llm.EventUsage:
			use = ev
		}
	}
	if text.String() != "Greeting Bob." {
		t.Fatalf("unexpected text %q", text.String())
	}
	if done.CallID != "toolu_1" || done.ToolName != "greet" || string(done.Arguments) != `{"name":"Bob"}` {
		t.Fatalf("unexpected tool call: %+v", done)
	}
	if use.Input != 25 || use.Output != 15 {
		t.Fatalf("unexpected usage: %+v", use)
	}
	if events[len(events)-1].Kind != llm.EventCompleted {
		t.Fatalf("stream should end with completed")
	}
}

func TestOpenStreamingErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, [][2]string{
			{"error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv, true)
	stream, err := client.Open(context.Background(), llm.Request{Turns: []llm.Turn{llm.UserTurn("hi")}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = llm.Collect(context.Background(), stream)
	if xerrors.CodeOf(err) != xerrors.CodeProviderError || !xerrors.RetryableError(err) {
		t.Fatalf("overloaded error should be a retryable provider error, got %v", err)
	}
}

func TestOpenNonStreaming(t *testing.T) {
	var body request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": "Hello, Bob!"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 40, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	call := llm.ToolCall{ID: "toolu_1", Name: "greet", Arguments: json.RawMessage(`{"name":"Bob"}`)}
	client := newTestClient(t, srv, false)
	stream, err := client.Open(context.Background(), llm.Request{
		System: "be brief",
		Turns: []llm.Turn{
			llm.UserTurn("send greeting to Bob"),
			llm.AssistantTurn("", []llm.ToolCall{call}),
			llm.ToolResultTurn(call, "Hello, Bob!", false),
		},
		Tools: []llm.ToolSpec{{Name: "greet"}},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	events, err := llm.Collect(context.Background(), stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(events) != 3 || events[0].Text != "Hello, Bob!" || events[1].Input != 40 {
		t.Fatalf("unexpected events: %+v", events)
	}

	if body.System != "be brief" || body.MaxTokens != 2000 || body.Stream {
		t.Fatalf("unexpected request: %+v", body)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}
	result := body.Messages[2]
	if result.Role != "user" || result.Content[0].Type != "tool_result" || result.Content[0].ToolUseID != "toolu_1" {
		t.Fatalf("tool result should be sent as a user tool_result block: %+v", result)
	}
	if body.Tools[0].InputSchema["type"] != "object" {
		t.Fatalf("missing schema should default to an object")
	}
}

func TestBuildRequestMergesConsecutiveToolResults(t *testing.T) {
	client, _ := NewClient(Config{APIKey: "k"})
	a := llm.ToolCall{ID: "a", Name: "add"}
	b := llm.ToolCall{ID: "b", Name: "greet"}
	req := client.buildRequest(llm.Request{Turns: []llm.Turn{
		llm.UserTurn("do both"),
		llm.AssistantTurn("", []llm.ToolCall{a, b}),
		llm.ToolResultTurn(a, "3", false),
		llm.ToolResultTurn(b, "boom", true),
	}})
	if len(req.Messages) != 3 {
		t.Fatalf("tool results should merge into one user message: %+v", req.Messages)
	}
	results := req.Messages[2].Content
	if len(results) != 2 || !results[1].IsError {
		t.Fatalf("unexpected tool results: %+v", results)
	}
	if string(req.Messages[1].Content[0].Input) != "{}" {
		t.Fatalf("empty arguments should default to {}")
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

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, ChunkTimeout: 100 * time.Millisecond, Stream: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	start := time.Now()
	_, err = client.Open(context.Background(), llm.Request{Turns: []llm.Turn{llm.UserTurn("hi")}})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("open blocked for %s", elapsed)
	}
	if xerrors.CodeOf(err) != xerrors.CodeStreamTimeout {
		t.Fatalf("expected STREAM_TIMEOUT, got %v", err)
	}
}

func TestOpenStreamingMalformedFrameIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, [][2]string{
			{"message_start", `{"type":"message_start","message":{"role":"assistant","usage":{"input_tokens":3,"output_tokens":1}}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_del`},
			{"message_stop", `{"type":"message_stop"}`},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv, true)
	stream, err := client.Open(context.Background(), llm.Request{Turns: []llm.Turn{llm.UserTurn("hi")}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = llm.Collect(context.Background(), stream)
	if xerrors.CodeOf(err) != xerrors.CodeProviderError || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable PROVIDER_ERROR, got %v", err)
	}
}
