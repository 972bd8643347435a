package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func weatherCall(id string) ToolCall {
	return ToolCall{
		ID:       id,
		Type:     ToolCallTypeFunction,
		Function: ToolCallFunction{Name: "get_weather", Arguments: `{"location":"Boston"}`},
	}
}

func TestFilterMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		history        []Message
		expected       []Message
		expectedReport FilterReport
	}{
		{
			name: "balanced history is untouched",
			history: []Message{
				NewTextMessage(RoleUser, "weather?"),
				{Role: RoleAssistant, ToolCalls: []ToolCall{weatherCall("call_1")}},
				{Role: RoleTool, ToolCallID: "call_1", Name: "get_weather", Content: TextContent("Sunny")},
				NewTextMessage(RoleAssistant, "It is sunny."),
			},
			expected: []Message{
				NewTextMessage(RoleUser, "weather?"),
				{Role: RoleAssistant, ToolCalls: []ToolCall{weatherCall("call_1")}},
				{Role: RoleTool, ToolCallID: "call_1", Name: "get_weather", Content: TextContent("Sunny")},
				NewTextMessage(RoleAssistant, "It is sunny."),
			},
		},
		{
			name: "orphaned tool_calls entry drops the emptied message",
			history: []Message{
				NewTextMessage(RoleUser, "weather?"),
				{Role: RoleAssistant, ToolCalls: []ToolCall{weatherCall("call_1")}},
				NewTextMessage(RoleUser, "never mind"),
			},
			expected: []Message{
				NewTextMessage(RoleUser, "weather?"),
				NewTextMessage(RoleUser, "never mind"),
			},
			expectedReport: FilterReport{
				OrphanedToolCallIDs: []string{"call_1"},
				DroppedMessages:     1,
			},
		},
		{
			name: "orphaned tool_calls entry keeps accompanying text",
			history: []Message{
				{Role: RoleAssistant, Content: TextContent("Let me check"), ToolCalls: []ToolCall{weatherCall("call_1"), weatherCall("call_2")}},
				{Role: RoleTool, ToolCallID: "call_2", Content: TextContent("Sunny")},
			},
			expected: []Message{
				{Role: RoleAssistant, Content: TextContent("Let me check"), ToolCalls: []ToolCall{weatherCall("call_2")}},
				{Role: RoleTool, ToolCallID: "call_2", Content: TextContent("Sunny")},
			},
			expectedReport: FilterReport{OrphanedToolCallIDs: []string{"call_1"}},
		},
		{
			name: "orphaned tool_use block is stripped",
			history: []Message{
				{Role: RoleAssistant, Content: BlockContent(
					TextBlock("Checking"),
					ToolUseBlock("toolu_1", "get_weather", json.RawMessage(`{}`)),
				)},
				NewTextMessage(RoleUser, "hello?"),
			},
			expected: []Message{
				{Role: RoleAssistant, Content: BlockContent(TextBlock("Checking"))},
				NewTextMessage(RoleUser, "hello?"),
			},
			expectedReport: FilterReport{OrphanedToolUseIDs: []string{"toolu_1"}},
		},
		{
			name: "orphaned functionCall part is stripped by name",
			history: []Message{
				{Role: RoleAssistant, Parts: []Part{
					{FunctionCall: &FunctionCall{Name: "get_weather"}},
				}},
				{Role: RoleAssistant, Parts: []Part{
					{Text: "still here"},
					{FunctionCall: &FunctionCall{Name: "get_time"}},
				}},
				{Role: RoleUser, Parts: []Part{
					{FunctionResponse: &FunctionResponse{Name: "get_time", Response: map[string]any{"result": "noon"}}},
				}},
			},
			expected: []Message{
				{Role: RoleAssistant, Parts: []Part{
					{Text: "still here"},
					{FunctionCall: &FunctionCall{Name: "get_time"}},
				}},
				{Role: RoleUser, Parts: []Part{
					{FunctionResponse: &FunctionResponse{Name: "get_time", Response: map[string]any{"result": "noon"}}},
				}},
			},
			expectedReport: FilterReport{
				OrphanedFunctions: []string{"provider_get_weather"},
				DroppedMessages:   1,
			},
		},
		{
			name: "repeated function name strips only the unanswered call",
			history: []Message{
				NewTextMessage(RoleUser, "weather in Boston, then Paris?"),
				{Role: RoleAssistant, Parts: []Part{
					{FunctionCall: &FunctionCall{Name: "get_weather", Args: map[string]any{"location": "Boston"}}},
				}},
				{Role: RoleUser, Parts: []Part{
					{FunctionResponse: &FunctionResponse{Name: "get_weather", Response: map[string]any{"result": "Sunny"}}},
				}},
				{Role: RoleAssistant, Parts: []Part{
					{FunctionCall: &FunctionCall{Name: "get_weather", Args: map[string]any{"location": "Paris"}}},
				}},
			},
			expected: []Message{
				NewTextMessage(RoleUser, "weather in Boston, then Paris?"),
				{Role: RoleAssistant, Parts: []Part{
					{FunctionCall: &FunctionCall{Name: "get_weather", Args: map[string]any{"location": "Boston"}}},
				}},
				{Role: RoleUser, Parts: []Part{
					{FunctionResponse: &FunctionResponse{Name: "get_weather", Response: map[string]any{"result": "Sunny"}}},
				}},
			},
			expectedReport: FilterReport{
				OrphanedFunctions: []string{"provider_get_weather"},
				DroppedMessages:   1,
			},
		},
		{
			name: "parallel calls of one name keep the answered one",
			history: []Message{
				{Role: RoleAssistant, Parts: []Part{
					{FunctionCall: &FunctionCall{Name: "get_weather", Args: map[string]any{"location": "Boston"}}},
					{FunctionCall: &FunctionCall{Name: "get_weather", Args: map[string]any{"location": "Paris"}}},
				}},
				{Role: RoleUser, Parts: []Part{
					{FunctionResponse: &FunctionResponse{Name: "get_weather", Response: map[string]any{"result": "Sunny"}}},
				}},
			},
			expected: []Message{
				{Role: RoleAssistant, Parts: []Part{
					{FunctionCall: &FunctionCall{Name: "get_weather", Args: map[string]any{"location": "Boston"}}},
				}},
				{Role: RoleUser, Parts: []Part{
					{FunctionResponse: &FunctionResponse{Name: "get_weather", Response: map[string]any{"result": "Sunny"}}},
				}},
			},
			expectedReport: FilterReport{OrphanedFunctions: []string{"provider_get_weather"}},
		},
		{
			name: "result before its call does not match",
			history: []Message{
				{Role: RoleTool, ToolCallID: "call_1", Content: TextContent("Sunny")},
				{Role: RoleAssistant, ToolCalls: []ToolCall{weatherCall("call_1")}},
			},
			expected: []Message{
				{Role: RoleTool, ToolCallID: "call_1", Content: TextContent("Sunny")},
			},
			expectedReport: FilterReport{
				OrphanedToolCallIDs: []string{"call_1"},
				DroppedMessages:     1,
			},
		},
		{
			name: "empty message without orphans is kept",
			history: []Message{
				NewTextMessage(RoleAssistant, ""),
			},
			expected: []Message{
				NewTextMessage(RoleAssistant, ""),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			filtered, report := FilterMessagesWithReport(tt.history)
			if diff := cmp.Diff(tt.expected, filtered); diff != "" {
				t.Errorf("filtered history mismatch (-want +got):\n%s", diff)
			}

			if diff := cmp.Diff(tt.expectedReport, report, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("report mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFilterMessages_OrphanedToolCallIsGone(t *testing.T) {
	t.Parallel()

	history := []Message{
		NewTextMessage(RoleSystem, "You are helpful."),
		NewTextMessage(RoleUser, "What's the weather in Boston?"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{weatherCall("call_1")}},
		NewTextMessage(RoleUser, "Hello?"),
	}

	filtered := FilterMessages(history)

	encoded, err := json.Marshal(filtered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(encoded), "call_1") {
		t.Errorf("expected call_1 to be removed, got %s", encoded)
	}
	if len(filtered) != 3 {
		t.Errorf("expected 3 messages, got %d", len(filtered))
	}
}

func TestFilterMessages_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	history := []Message{
		{Role: RoleAssistant, Content: TextContent("Checking"), ToolCalls: []ToolCall{weatherCall("call_1"), weatherCall("call_2")}},
		{Role: RoleTool, ToolCallID: "call_2", Content: TextContent("Sunny")},
	}
	snapshot := CloneMessages(history)

	FilterMessages(history)

	if diff := cmp.Diff(snapshot, history); diff != "" {
		t.Errorf("input history was modified (-want +got):\n%s", diff)
	}
}

// A conversation that switches provider family every turn must survive
// sanitizing and re-composition unchanged, with each message keeping only
// its own family's fields.
func TestFilterMessages_MixedFamilies(t *testing.T) {
	t.Parallel()

	history := []Message{
		NewTextMessage(RoleUser, "What's the weather in Boston?"),
		{Role: RoleAssistant, Content: BlockContent(
			TextBlock("Checking"),
			ToolUseBlock("toolu_1", "get_weather", json.RawMessage(`{"location":"Boston"}`)),
		)},
		{Role: RoleUser, Content: BlockContent(ToolResultBlock("toolu_1", "Sunny"))},
		NewTextMessage(RoleAssistant, "It is sunny in Boston."),

		NewTextMessage(RoleUser, "And the time?"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{
			ID:       "call_1",
			Type:     ToolCallTypeFunction,
			Function: ToolCallFunction{Name: "get_time", Arguments: `{"timezone":"America/New_York"}`},
		}}},
		{Role: RoleTool, ToolCallID: "call_1", Name: "get_time", Content: TextContent("10:00")},
		NewTextMessage(RoleAssistant, "It is 10:00."),

		{Role: RoleUser, Parts: []Part{{Text: "Any news?"}}},
		{Role: RoleAssistant, Parts: []Part{{FunctionCall: &FunctionCall{
			Name: "get_news",
			Args: map[string]any{"topic": "boston"},
		}}}},
		{Role: RoleUser, Parts: []Part{{FunctionResponse: &FunctionResponse{
			Name:     "get_news",
			Response: map[string]any{"result": "Marathon on Monday"},
		}}}},
		{Role: RoleAssistant, Parts: []Part{{Text: "The marathon is on Monday."}}},
	}

	filtered, report := FilterMessagesWithReport(history)
	if !report.Empty() || report.DroppedMessages != 0 {
		t.Fatalf("expected nothing to be filtered, got %+v", report)
	}

	composed := ComposeAll(filtered)
	if len(composed) != len(history) {
		t.Fatalf("expected %d messages, got %d", len(history), len(composed))
	}

	expectedShapes := []Shape{
		ShapeStringContent, ShapeArrayContent, ShapeArrayContent, ShapeStringContent,
		ShapeStringContent, ShapeToolCalls, ShapeStringContent, ShapeStringContent,
		ShapePartsArray, ShapePartsArray, ShapePartsArray, ShapePartsArray,
	}

	for i, m := range composed {
		if m.Shape != expectedShapes[i] {
			t.Errorf("message %d: expected shape %s, got %s", i, expectedShapes[i], m.Shape)
		}

		switch m.Shape {
		case ShapeArrayContent:
			if m.Parts != nil || m.ToolCalls != nil {
				t.Errorf("message %d: array content leaked parts or tool calls", i)
			}
		case ShapeToolCalls:
			if m.Parts != nil || m.Content.IsBlocks() {
				t.Errorf("message %d: tool calls leaked parts or blocks", i)
			}
		case ShapePartsArray:
			if !m.Content.IsZero() || m.ToolCalls != nil {
				t.Errorf("message %d: parts leaked content or tool calls", i)
			}
		case ShapeStringContent:
			if m.Parts != nil || m.ToolCalls != nil || m.Content.IsBlocks() {
				t.Errorf("message %d: string content leaked other fields", i)
			}
		}

		original := history[i]
		original.Shape = m.Shape
		if diff := cmp.Diff(original, m); diff != "" {
			t.Errorf("message %d changed (-want +got):\n%s", i, diff)
		}
	}
}
