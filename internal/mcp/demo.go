package mcp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// RegisterDemoTools 注册演示用的 add 与 greet 工具。
func RegisterDemoTools(s *Server) {
	s.AddTool(ToolDefinition{
		Name:        "add",
		Description: "Add two numbers",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []any{"a", "b"},
		},
	}, func(_ context.Context, args map[string]any) (string, error) {
		a, err := number(args, "a")
		if err != nil {
			return "", err
		}
		b, err := number(args, "b")
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(a+b, 'f', -1, 64), nil
	})

	s.AddTool(ToolDefinition{
		Name:        "greet",
		Description: "Greet a person by name",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
			"required": []any{"name"},
		},
	}, func(_ context.Context, args map[string]any) (string, error) {
		name, _ := args["name"].(string)
		if name == "" {
			return "", errors.New("name is required")
		}
		return fmt.Sprintf("Hello, %s!", name), nil
	})
}

func number(args map[string]any, key string) (float64, error) {
	switch v := args[key].(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number", key)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}
