package model

import (
	"log/slog"
	"maps"
	"slices"
)

// partsKeyPrefix namespaces function names of parts-style calls, which carry
// no identifier of their own.
const partsKeyPrefix = "provider_"

func partsKey(name string) string {
	return partsKeyPrefix + name
}

// partPosition locates a function call part within a history.
type partPosition struct {
	message int
	part    int
}

// FilterReport describes what FilterMessagesWithReport removed.
type FilterReport struct {
	OrphanedToolUseIDs  []string
	OrphanedToolCallIDs []string
	OrphanedFunctions   []string
	DroppedMessages     int
}

func (r FilterReport) Empty() bool {
	return len(r.OrphanedToolUseIDs) == 0 &&
		len(r.OrphanedToolCallIDs) == 0 &&
		len(r.OrphanedFunctions) == 0
}

// FilterMessages removes tool call references that are never acknowledged
// later in the history, so the result is valid on the wire for any provider.
// Calls are assumed to precede their results; a result that appears before
// its call does not match it. Parts-style calls carry no id, so a response
// answers the oldest unanswered call of the same name.
func FilterMessages(raw []Message) []Message {
	filtered, _ := FilterMessagesWithReport(raw)
	return filtered
}

func FilterMessagesWithReport(raw []Message) ([]Message, FilterReport) {
	pendingToolUse := map[string]struct{}{}
	pendingToolCalls := map[string]struct{}{}
	pendingFunctions := map[string][]partPosition{}

	filtered := make([]Message, 0, len(raw))
	for i, m := range raw {
		msg := Message{
			Role:       m.Role,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
			Shape:      m.Shape,
		}
		if !m.Content.IsZero() {
			msg.Content = m.Content.clone()
		}
		if m.Parts != nil {
			msg.Parts = m.Clone().Parts
		}
		if m.ToolCalls != nil {
			msg.ToolCalls = slices.Clone(m.ToolCalls)
		}

		for _, b := range msg.Content.Blocks() {
			switch b.Type {
			case BlockTypeToolUse:
				pendingToolUse[b.ID] = struct{}{}
			case BlockTypeToolResult:
				delete(pendingToolUse, b.ToolUseID)
			}
		}
		for _, tc := range msg.ToolCalls {
			pendingToolCalls[tc.ID] = struct{}{}
		}
		if msg.Role == RoleTool && msg.ToolCallID != "" {
			delete(pendingToolCalls, msg.ToolCallID)
		}
		for j, p := range msg.Parts {
			if p.FunctionCall != nil {
				key := partsKey(p.FunctionCall.Name)
				pendingFunctions[key] = append(pendingFunctions[key], partPosition{message: i, part: j})
			}
			if p.FunctionResponse != nil {
				key := partsKey(p.FunctionResponse.Name)
				if pending := pendingFunctions[key]; len(pending) > 1 {
					pendingFunctions[key] = pending[1:]
				} else {
					delete(pendingFunctions, key)
				}
			}
		}

		filtered = append(filtered, msg)
	}

	report := FilterReport{
		OrphanedToolUseIDs:  slices.Sorted(maps.Keys(pendingToolUse)),
		OrphanedToolCallIDs: slices.Sorted(maps.Keys(pendingToolCalls)),
		OrphanedFunctions:   slices.Sorted(maps.Keys(pendingFunctions)),
	}
	if report.Empty() {
		return filtered, report
	}

	orphanedParts := map[partPosition]struct{}{}
	for _, positions := range pendingFunctions {
		for _, pos := range positions {
			orphanedParts[pos] = struct{}{}
		}
	}

	out := filtered[:0]
	for i, msg := range filtered {
		stripped := false

		if msg.Content.IsBlocks() {
			blocks := msg.Content.Blocks()
			kept := make([]ContentBlock, 0, len(blocks))
			for _, b := range blocks {
				if _, orphan := pendingToolUse[b.ID]; orphan && b.Type == BlockTypeToolUse {
					stripped = true
					continue
				}
				kept = append(kept, b)
			}
			msg.Content = BlockContent(kept...)
		}

		if msg.ToolCalls != nil {
			msg.ToolCalls = slices.DeleteFunc(msg.ToolCalls, func(tc ToolCall) bool {
				_, orphan := pendingToolCalls[tc.ID]
				stripped = stripped || orphan
				return orphan
			})
			if len(msg.ToolCalls) == 0 {
				msg.ToolCalls = nil
			}
		}

		if msg.Parts != nil {
			kept := make([]Part, 0, len(msg.Parts))
			for j, p := range msg.Parts {
				if _, orphan := orphanedParts[partPosition{message: i, part: j}]; orphan {
					stripped = true
					continue
				}
				kept = append(kept, p)
			}
			msg.Parts = kept
		}

		if stripped && messageIsEmpty(msg) {
			report.DroppedMessages++
			continue
		}
		out = append(out, msg)
	}

	slog.Warn("removed orphaned tool calls from history",
		"tool_use_ids", report.OrphanedToolUseIDs,
		"tool_call_ids", report.OrphanedToolCallIDs,
		"functions", report.OrphanedFunctions,
		"dropped_messages", report.DroppedMessages,
	)

	return out, report
}

func messageIsEmpty(m Message) bool {
	if len(m.ToolCalls) > 0 {
		return false
	}
	if slices.ContainsFunc(m.Parts, func(p Part) bool { return !p.isEmpty() }) {
		return false
	}
	if m.Content.IsBlocks() {
		return len(m.Content.Blocks()) == 0
	}
	return m.Content.Text() == ""
}
