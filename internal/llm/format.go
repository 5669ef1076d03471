package llm

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

const maxExampleDepth = 3

// FormatInstruction 根据 JSON schema 生成追加在用户消息之后的格式要求。
func FormatInstruction(format *ResponseFormat) string {
	if format == nil || len(format.Schema) == 0 {
		return ""
	}
	example := exampleJSON(format.Schema, 0)
	required := requiredFields(format.Schema, "")

	var sb strings.Builder
	sb.WriteString("\n\n请严格按照以下JSON格式返回结果：\n")
	sb.WriteString(example)
	sb.WriteString("\n\n重要提示：\n")
	sb.WriteString("1. 必须严格使用上述JSON中的字段名，不得更改或替换\n")
	if len(required) > 0 {
		fmt.Fprintf(&sb, "2. 必须包含以下所有必需字段：%s\n", strings.Join(required, ", "))
	} else {
		sb.WriteString("2. 字段可以按需省略，但不得改名\n")
	}
	sb.WriteString("3. 字段名必须完全一致，包括大小写\n")
	sb.WriteString("4. 请勿添加schema中未定义的额外字段\n")
	sb.WriteString("5. 确保返回的是有效的JSON格式")
	return sb.String()
}

// EnhanceWithFormat 在用户消息后追加 JSON 格式要求；消息未提及 json 时额外加一句基本要求。
func EnhanceWithFormat(text string, format *ResponseFormat) string {
	instruction := FormatInstruction(format)
	if instruction == "" {
		return text
	}
	if !strings.Contains(strings.ToLower(text), "json") {
		text += "\n\n请以JSON格式返回结果。"
	}
	return text + instruction
}

func exampleJSON(schema map[string]any, depth int) string {
	if depth > maxExampleDepth {
		return `"..."`
	}
	typ, _ := schema["type"].(string)
	if typ == "" {
		typ = "string"
	}
	switch typ {
	case "object":
		props, _ := schema["properties"].(map[string]any)
		if len(props) == 0 {
			return "{}"
		}
		keys := slices.Sorted(maps.Keys(props))
		indent := strings.Repeat("  ", depth+1)
		lines := []string{"{"}
		for i, key := range keys {
			child, _ := props[key].(map[string]any)
			comma := ","
			if i == len(keys)-1 {
				comma = ""
			}
			lines = append(lines, fmt.Sprintf("%s%q: %s%s", indent, key, exampleJSON(child, depth+1), comma))
		}
		lines = append(lines, strings.Repeat("  ", depth)+"}")
		return strings.Join(lines, "\n")
	case "array":
		items, ok := schema["items"].(map[string]any)
		if !ok {
			items = map[string]any{"type": "string"}
		}
		return fmt.Sprintf("[\n%s%s\n%s]", strings.Repeat("  ", depth+1), exampleJSON(items, depth+1), strings.Repeat("  ", depth))
	case "string":
		desc, _ := schema["description"].(string)
		if desc == "" {
			desc = "字符串值"
		}
		return fmt.Sprintf("%q", desc)
	case "number", "integer":
		return "0"
	case "boolean":
		return "true"
	default:
		return `"值"`
	}
}

func requiredFields(schema map[string]any, prefix string) []string {
	if t, _ := schema["type"].(string); t != "object" {
		return nil
	}
	props, _ := schema["properties"].(map[string]any)
	var fields []string
	for _, name := range stringList(schema["required"]) {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		fields = append(fields, path)
		if child, ok := props[name].(map[string]any); ok {
			fields = append(fields, requiredFields(child, path)...)
		}
	}
	return fields
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
