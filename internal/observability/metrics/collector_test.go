package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenMCP-Chat/internal/conversation"
	xerrors "OpenMCP-Chat/internal/errors"
)

func TestCollectorRendersConversationMetrics(t *testing.T) {
	c := NewCollector()
	c.ToolCalled("greet", false, 20*time.Millisecond)
	c.ToolCalled("greet", true, 2*time.Second)
	c.ProviderRetried("openai", xerrors.CodeStreamTimeout)
	c.ConversationFinished(conversation.Outcome{
		Provider: "openai", State: conversation.StateDone, Rounds: 2,
		Usage: conversation.Usage{InputUnits: 120, OutputUnits: 30},
	})
	c.ConversationFinished(conversation.Outcome{Provider: "openai", State: conversation.StateFailed, Code: xerrors.CodeMaxRoundsExceeded, Rounds: 8})
	c.TaskFinished("succeeded")

	out := c.Render()
	for _, want := range []string{
		`openmcp_tool_calls_total{tool="greet",status="ok"} 1`,
		`openmcp_tool_calls_total{tool="greet",status="failed"} 1`,
		`openmcp_provider_retries_total{provider="openai",code="STREAM_TIMEOUT"} 1`,
		`openmcp_conversations_total{provider="openai",state="done",code=""} 1`,
		`openmcp_conversations_total{provider="openai",state="failed",code="MAX_ROUNDS_EXCEEDED"} 1`,
		`openmcp_conversation_rounds_bucket{provider="openai",le="2"} 1`,
		`openmcp_conversation_rounds_bucket{provider="openai",le="+Inf"} 2`,
		`openmcp_conversation_rounds_sum{provider="openai"} 10`,
		`openmcp_usage_units_total{provider="openai",direction="input"} 120`,
		`openmcp_tool_call_duration_seconds_bucket{tool="greet",le="0.05"} 1`,
		`openmcp_tasks_total{status="succeeded"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestCollectorHTTPHandler(t *testing.T) {
	c := NewCollector()
	c.ObserveHTTPRequest("/api/v1/chat", "POST", 200, 30*time.Millisecond)
	c.ObserveHTTPRequest("/api/v1/chat", "POST", 503, time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	for _, want := range []string{
		`openmcp_http_requests_total{handler="/api/v1/chat",method="POST",code="200"} 1`,
		`openmcp_http_request_errors_total{handler="/api/v1/chat",method="POST"} 1`,
		`openmcp_http_request_duration_seconds_count{handler="/api/v1/chat",method="POST"} 2`,
		`openmcp_http_request_duration_seconds_bucket{handler="/api/v1/chat",method="POST",le="0.05"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestEscapeLabelValues(t *testing.T) {
	c := NewCollector()
	c.ToolCalled("we\"ird\n", false, 0)
	if !strings.Contains(c.Render(), `tool="we\"ird"`) {
		t.Fatalf("label values should be escaped:\n%s", c.Render())
	}
}
