package model

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"slices"
)

// Shape names the wire representation a message was recognized as.
type Shape string

const (
	ShapeStringContent Shape = "STRING_CONTENT"
	ShapeArrayContent  Shape = "ARRAY_CONTENT"
	ShapePartsArray    Shape = "PARTS_ARRAY"
	ShapeToolCalls     Shape = "TOOL_CALLS"
)

func (s Shape) String() string {
	return string(s)
}

type Detection struct {
	Shape      Shape
	Confidence float64
	Metadata   ShapeMetadata
}

// ShapeMetadata summarizes the payload of a message. It feeds logging and
// telemetry only.
type ShapeMetadata struct {
	BlockCount    int
	BlockTypes    []BlockType
	HasText       bool
	HasToolUse    bool
	HasToolResult bool

	PartCount           int
	PartKinds           []string
	HasFunctionCall     bool
	HasFunctionResponse bool

	ToolCallCount int
	ToolNames     []string
}

const (
	partKindText             = "text"
	partKindFunctionCall     = "functionCall"
	partKindFunctionResponse = "functionResponse"
)

// DetectShape classifies a message. tool_calls beat parts, parts beat array
// content and array content beats a plain string. A message with none of
// these signals is reported as empty string content with zero confidence.
func DetectShape(m Message) Detection {
	switch {
	case len(m.ToolCalls) > 0:
		meta := ShapeMetadata{ToolCallCount: len(m.ToolCalls)}
		for _, tc := range m.ToolCalls {
			meta.ToolNames = appendUnique(meta.ToolNames, tc.Function.Name)
		}
		meta.HasText = m.Content.Text() != ""
		return Detection{Shape: ShapeToolCalls, Confidence: 1.0, Metadata: meta}
	case len(m.Parts) > 0:
		return Detection{Shape: ShapePartsArray, Confidence: 1.0, Metadata: partsMetadata(m.Parts)}
	case m.Content.IsBlocks():
		return Detection{Shape: ShapeArrayContent, Confidence: 1.0, Metadata: blocksMetadata(m.Content.Blocks())}
	case m.Content.IsString():
		return Detection{
			Shape:      ShapeStringContent,
			Confidence: 1.0,
			Metadata:   ShapeMetadata{HasText: m.Content.Text() != ""},
		}
	default:
		return Detection{Shape: ShapeStringContent}
	}
}

func blocksMetadata(blocks []ContentBlock) ShapeMetadata {
	meta := ShapeMetadata{BlockCount: len(blocks), BlockTypes: []BlockType{}}
	for _, b := range blocks {
		if !slices.Contains(meta.BlockTypes, b.Type) {
			meta.BlockTypes = append(meta.BlockTypes, b.Type)
		}
		switch b.Type {
		case BlockTypeText:
			meta.HasText = true
		case BlockTypeToolUse:
			meta.HasToolUse = true
			meta.ToolNames = appendUnique(meta.ToolNames, b.Name)
		case BlockTypeToolResult:
			meta.HasToolResult = true
		}
	}
	return meta
}

func partsMetadata(parts []Part) ShapeMetadata {
	meta := ShapeMetadata{PartCount: len(parts), PartKinds: []string{}}
	for _, p := range parts {
		if p.Text != "" {
			meta.HasText = true
			meta.PartKinds = appendUnique(meta.PartKinds, partKindText)
		}
		if p.FunctionCall != nil {
			meta.HasFunctionCall = true
			meta.PartKinds = appendUnique(meta.PartKinds, partKindFunctionCall)
			meta.ToolNames = appendUnique(meta.ToolNames, p.FunctionCall.Name)
		}
		if p.FunctionResponse != nil {
			meta.HasFunctionResponse = true
			meta.PartKinds = appendUnique(meta.PartKinds, partKindFunctionResponse)
		}
	}
	return meta
}

func appendUnique(values []string, v string) []string {
	if v == "" || slices.Contains(values, v) {
		return values
	}
	return append(values, v)
}

// Compose returns a canonical deep copy of m tagged with its detected shape.
// Only the primary payload of the detected shape is kept, so composing a
// composed message is a no-op.
func Compose(m Message) Message {
	detection := DetectShape(m)

	out := Message{
		Role:       m.Role,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
		Shape:      detection.Shape,
	}

	switch detection.Shape {
	case ShapeToolCalls:
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			if tc.Type == "" {
				tc.Type = ToolCallTypeFunction
			}
			if tc.Function.Arguments == "" {
				tc.Function.Arguments = "{}"
			}
			out.ToolCalls[i] = tc
		}
		if !m.Content.IsZero() {
			out.Content = TextContent(m.Content.Text())
		}
	case ShapePartsArray:
		out.Parts = m.Clone().Parts
	case ShapeArrayContent:
		out.Content = m.Content.clone()
	default:
		if detection.Confidence == 0 {
			slog.Warn("message shape not recognized, defaulting to empty string content", "role", m.Role)
		}
		out.Content = TextContent(m.Content.Text())
	}

	return out
}

// ComposeAll composes every message of a history.
func ComposeAll(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = Compose(m)
	}
	return out
}

// argumentsJSON returns tool call arguments as compact JSON, defaulting to an
// empty object. Input that is not valid JSON is returned trimmed.
func argumentsJSON(input json.RawMessage) string {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "{}"
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return string(trimmed)
	}
	return compact.String()
}
