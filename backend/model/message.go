package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single chat message in any of the wire representations the
// gateway understands. Exactly one of a string Content, a block Content or
// Parts carries the primary payload; ToolCalls may accompany string content.
type Message struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content,omitzero"`
	Parts      []Part     `json:"parts,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`

	// Shape records which representation Compose recognized the message as.
	Shape Shape `json:"shape,omitempty"`
}

func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: TextContent(text)}
}

type contentKind int

const (
	contentNone contentKind = iota
	contentString
	contentBlocks
)

// Content is either a plain string or an array of content blocks.
type Content struct {
	kind   contentKind
	text   string
	blocks []ContentBlock
}

func TextContent(text string) Content {
	return Content{kind: contentString, text: text}
}

func BlockContent(blocks ...ContentBlock) Content {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return Content{kind: contentBlocks, blocks: blocks}
}

func (c Content) IsZero() bool { return c.kind == contentNone }

func (c Content) IsString() bool { return c.kind == contentString }

func (c Content) IsBlocks() bool { return c.kind == contentBlocks }

func (c Content) Blocks() []ContentBlock { return c.blocks }

// Text returns the string payload, or the concatenated text blocks when the
// content is an array.
func (c Content) Text() string {
	switch c.kind {
	case contentString:
		return c.text
	case contentBlocks:
		var sb strings.Builder
		for _, b := range c.blocks {
			if b.Type == BlockTypeText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func (c Content) Equal(other Content) bool {
	if c.kind != other.kind || c.text != other.text || len(c.blocks) != len(other.blocks) {
		return false
	}
	for i := range c.blocks {
		if !c.blocks[i].Equal(other.blocks[i]) {
			return false
		}
	}
	return true
}

func (c Content) clone() Content {
	if c.kind != contentBlocks {
		return c
	}
	blocks := make([]ContentBlock, len(c.blocks))
	for i, b := range c.blocks {
		blocks[i] = b.clone()
	}
	return Content{kind: contentBlocks, blocks: blocks}
}

func (c Content) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case contentString:
		return json.Marshal(c.text)
	case contentBlocks:
		return json.Marshal(c.blocks)
	default:
		return []byte("null"), nil
	}
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
	case data[0] == '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*c = TextContent(text)
	case data[0] == '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		*c = BlockContent(blocks...)
	default:
		return fmt.Errorf("content must be a string or an array of blocks")
	}
	return nil
}

type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
)

// ContentBlock is the tagged union used by content-block style providers.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content}
}

func (b ContentBlock) Equal(other ContentBlock) bool {
	return b.Type == other.Type &&
		b.Text == other.Text &&
		b.ID == other.ID &&
		b.Name == other.Name &&
		bytes.Equal(b.Input, other.Input) &&
		b.ToolUseID == other.ToolUseID &&
		b.Content == other.Content
}

func (b ContentBlock) clone() ContentBlock {
	if b.Input != nil {
		b.Input = append(json.RawMessage(nil), b.Input...)
	}
	return b
}

// UnmarshalJSON accepts tool_result content either as a string or as an
// array of text blocks, which some providers echo back.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var raw struct {
		alias
		Content json.RawMessage `json:"content,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = ContentBlock(raw.alias)
	if len(raw.Content) == 0 {
		return nil
	}
	var content Content
	if err := content.UnmarshalJSON(raw.Content); err != nil {
		return fmt.Errorf("tool_result content: %w", err)
	}
	b.Content = content.Text()
	return nil
}

// Part is a single element of a parts-style message.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

func (p Part) clone() Part {
	if p.FunctionCall != nil {
		fc := *p.FunctionCall
		fc.Args = maps.Clone(fc.Args)
		p.FunctionCall = &fc
	}
	if p.FunctionResponse != nil {
		fr := *p.FunctionResponse
		fr.Response = maps.Clone(fr.Response)
		p.FunctionResponse = &fr
	}
	return p
}

func (p Part) isEmpty() bool {
	return p.Text == "" && p.FunctionCall == nil && p.FunctionResponse == nil
}

type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

const ToolCallTypeFunction = "function"

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Content = m.Content.clone()
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p.clone()
		}
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}

func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}
