package llm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTranscriptRoundTripPreservesText(t *testing.T) {
	transcript := NewTranscript()
	user := "  2+2?\n 中文与 emoji 🙂 "
	answer := "2+2=4\n\n```go\nfmt.Println(4)\n```"
	transcript.Append(UserTurn(user))
	transcript.Append(AssistantTurn(answer, nil))

	turns := transcript.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].Text != user {
		t.Fatalf("user text changed: %q", turns[0].Text)
	}
	if turns[1].Role != RoleAssistant || turns[1].Text != answer || len(turns[1].Blocks) != 0 {
		t.Fatalf("assistant text changed: %+v", turns[1])
	}
}

func TestTranscriptTurnsAreCopies(t *testing.T) {
	transcript := NewTranscript(UserTurn("hi"))
	transcript.Append(AssistantTurn("", []ToolCall{{ID: "1", Name: "greet", Arguments: json.RawMessage(`{"name":"Bob"}`)}}))

	turns := transcript.Turns()
	turns[0].Text = "mutated"
	turns[1].Blocks[0].ToolCall.Name = "mutated"
	turns[1].Blocks[0].ToolCall.Arguments[2] = 'X'

	fresh := transcript.Turns()
	if fresh[0].Text != "hi" {
		t.Fatalf("transcript should not be affected by caller mutation")
	}
	call := fresh[1].ToolCalls()[0]
	if call.Name != "greet" || !strings.Contains(string(call.Arguments), "name") {
		t.Fatalf("tool call should not be affected by caller mutation: %+v", call)
	}
}

func TestAssistantTurnWithToolCalls(t *testing.T) {
	calls := []ToolCall{
		{ID: "a", Name: "add", Arguments: json.RawMessage(`{"a":1,"b":2}`)},
		{ID: "b", Name: "greet", Arguments: json.RawMessage(`{"name":"Bob"}`)},
	}
	turn := AssistantTurn("let me check", calls)
	if len(turn.Blocks) != 3 || turn.Blocks[0].Type != BlockText {
		t.Fatalf("unexpected blocks: %+v", turn.Blocks)
	}
	got := turn.ToolCalls()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("tool calls should keep order: %+v", got)
	}
	if turn.Content() != "let me check" {
		t.Fatalf("unexpected content %q", turn.Content())
	}

	result := ToolResultTurn(calls[1], "Hello, Bob!", false)
	if result.Role != RoleTool || result.CallID != "b" || result.ToolName != "greet" || result.Content() != "Hello, Bob!" {
		t.Fatalf("unexpected tool turn: %+v", result)
	}
}

func TestTranscriptLast(t *testing.T) {
	transcript := NewTranscript()
	if _, ok := transcript.Last(); ok {
		t.Fatalf("empty transcript should have no last turn")
	}
	transcript.Append(UserTurn("a"), UserTurn("b"))
	last, ok := transcript.Last()
	if !ok || last.Text != "b" || transcript.Len() != 2 {
		t.Fatalf("unexpected last turn: %+v", last)
	}
}
