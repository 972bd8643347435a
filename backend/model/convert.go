package model

import (
	"encoding/json"
	"strings"
)

// turn is a provider neutral view of one message. Adapters build their wire
// messages from turns so any family's history can be sent to any provider.
type turn struct {
	role    Role
	text    string
	calls   []ToolCallInfo
	results []toolResult
}

type toolResult struct {
	id      string
	name    string
	content string
}

// functionResponseKey is the field holding a tool result inside a
// functionResponse payload.
const functionResponseKey = "result"

func toTurns(history []Message) []turn {
	callNames := map[string]string{}
	turns := make([]turn, 0, len(history))

	for _, m := range history {
		t := turn{role: normalizeRole(m.Role)}

		switch DetectShape(m).Shape {
		case ShapeToolCalls:
			t.text = m.Content.Text()
			for _, tc := range m.ToolCalls {
				args := tc.Function.Arguments
				if args == "" {
					args = "{}"
				}
				t.calls = append(t.calls, ToolCallInfo{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
			}
		case ShapePartsArray:
			var texts []string
			for _, p := range m.Parts {
				if p.Text != "" {
					texts = append(texts, p.Text)
				}
				if p.FunctionCall != nil {
					t.calls = append(t.calls, ToolCallInfo{
						ID:        partsKey(p.FunctionCall.Name),
						Name:      p.FunctionCall.Name,
						Arguments: marshalArgs(p.FunctionCall.Args),
					})
				}
				if p.FunctionResponse != nil {
					t.results = append(t.results, toolResult{
						id:      partsKey(p.FunctionResponse.Name),
						name:    p.FunctionResponse.Name,
						content: functionResponseText(p.FunctionResponse.Response),
					})
				}
			}
			t.text = strings.Join(texts, "")
		case ShapeArrayContent:
			var texts []string
			for _, b := range m.Content.Blocks() {
				switch b.Type {
				case BlockTypeText:
					if b.Text != "" {
						texts = append(texts, b.Text)
					}
				case BlockTypeToolUse:
					t.calls = append(t.calls, ToolCallInfo{ID: b.ID, Name: b.Name, Arguments: argumentsJSON(b.Input)})
				case BlockTypeToolResult:
					t.results = append(t.results, toolResult{id: b.ToolUseID, content: b.Content})
				}
			}
			t.text = strings.Join(texts, "")
		default:
			if m.Role == RoleTool && m.ToolCallID != "" {
				t.results = append(t.results, toolResult{id: m.ToolCallID, name: m.Name, content: m.Content.Text()})
			} else {
				t.text = m.Content.Text()
			}
		}

		for _, c := range t.calls {
			callNames[c.ID] = c.Name
		}
		for i := range t.results {
			if t.results[i].name == "" {
				t.results[i].name = callNames[t.results[i].id]
			}
		}

		turns = append(turns, t)
	}

	return turns
}

func normalizeRole(role Role) Role {
	switch role {
	case "model":
		return RoleAssistant
	case "":
		return RoleUser
	default:
		return role
	}
}

// systemInstruction merges the configured system prompt with system role
// turns, skipping exact duplicates.
func systemInstruction(prompt string, turns []turn) (string, []turn) {
	var parts []string
	if prompt != "" {
		parts = append(parts, prompt)
	}

	rest := make([]turn, 0, len(turns))
	for _, t := range turns {
		if t.role != RoleSystem {
			rest = append(rest, t)
			continue
		}
		if t.text != "" && t.text != prompt {
			parts = append(parts, t.text)
		}
	}

	return strings.Join(parts, "\n\n"), rest
}

func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// unmarshalArgs decodes a JSON arguments string into an object, falling back
// to an empty object for anything else.
func unmarshalArgs(arguments string) map[string]any {
	args := map[string]any{}
	if arguments == "" {
		return args
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func functionResponseText(response map[string]any) string {
	if v, ok := response[functionResponseKey].(string); ok && len(response) == 1 {
		return v
	}
	if len(response) == 0 {
		return ""
	}
	data, err := json.Marshal(response)
	if err != nil {
		return ""
	}
	return string(data)
}
