package llm

import (
	"strings"
	"testing"
)

func weatherFormat() *ResponseFormat {
	return &ResponseFormat{
		Name: "weather",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string", "description": "城市名"},
				"days": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"temp":  map[string]any{"type": "number"},
							"sunny": map[string]any{"type": "boolean"},
						},
					},
				},
				"meta": map[string]any{
					"type":     "object",
					"required": []any{"source"},
					"properties": map[string]any{
						"source": map[string]any{"type": "string"},
					},
				},
			},
			"required": []any{"city", "meta"},
		},
	}
}

func TestFormatInstructionBuildsExample(t *testing.T) {
	instruction := FormatInstruction(weatherFormat())
	for _, want := range []string{`"city": "城市名"`, `"temp": 0`, `"sunny": true`, "city, meta, meta.source"} {
		if !strings.Contains(instruction, want) {
			t.Fatalf("instruction missing %q:\n%s", want, instruction)
		}
	}
}

func TestFormatInstructionLimitsDepth(t *testing.T) {
	schema := map[string]any{"type": "string"}
	for i := 0; i < 6; i++ {
		schema = map[string]any{"type": "object", "properties": map[string]any{"n": schema}}
	}
	instruction := FormatInstruction(&ResponseFormat{Schema: schema})
	if !strings.Contains(instruction, `"n": "..."`) {
		t.Fatalf("deep schemas should be truncated:\n%s", instruction)
	}
}

func TestEnhanceWithFormat(t *testing.T) {
	if got := EnhanceWithFormat("hello", nil); got != "hello" {
		t.Fatalf("no format should leave text untouched, got %q", got)
	}
	plain := EnhanceWithFormat("北京天气", weatherFormat())
	if !strings.Contains(plain, "请以JSON格式返回结果。") {
		t.Fatalf("basic JSON requirement should be added")
	}
	mentioned := EnhanceWithFormat("give me JSON", weatherFormat())
	if strings.Contains(mentioned, "请以JSON格式返回结果。") {
		t.Fatalf("basic requirement should be skipped when json is mentioned")
	}
	if !strings.HasPrefix(mentioned, "give me JSON") {
		t.Fatalf("original text must be preserved")
	}
}
