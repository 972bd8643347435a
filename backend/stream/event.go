package stream

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which of the outbound payloads an Event carries.
type Kind int

const (
	KindSentence Kind = iota + 1
	KindAssistantTurn
	KindTool
	KindError
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindSentence:
		return "sentence"
	case KindAssistantTurn:
		return "assistant_turn"
	case KindTool:
		return "tool"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type ToolStatus string

const (
	ToolStatusExecuting ToolStatus = "executing"
	ToolStatusCompleted ToolStatus = "completed"
)

// Event is one message pushed to a client while a turn is processed. Only
// the fields belonging to Kind are serialized.
type Event struct {
	Kind Kind

	Sentence      string
	FinalSentence bool

	Role    string
	Content string

	ToolName   string
	ToolStatus ToolStatus
	ToolResult *string

	Error string
}

func Sentence(text string, final bool) Event {
	return Event{Kind: KindSentence, Sentence: text, FinalSentence: final}
}

func AssistantTurn(content string) Event {
	return Event{Kind: KindAssistantTurn, Role: "assistant", Content: content}
}

func ToolExecuting(name string) Event {
	return Event{Kind: KindTool, ToolName: name, ToolStatus: ToolStatusExecuting}
}

func ToolCompleted(name, result string) Event {
	return Event{Kind: KindTool, ToolName: name, ToolStatus: ToolStatusCompleted, ToolResult: &result}
}

func Error(err error) Event {
	if err == nil {
		return Event{Kind: KindError}
	}
	return Event{Kind: KindError, Error: err.Error()}
}

func Done() Event {
	return Event{Kind: KindDone}
}

type sentencePayload struct {
	Sentence      string `json:"sentence"`
	FinalSentence bool   `json:"final_sentence"`
}

type turnPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolPayload struct {
	ToolCall   bool       `json:"tool_call"`
	ToolName   string     `json:"tool_name"`
	ToolStatus ToolStatus `json:"tool_status"`
	ToolResult *string    `json:"tool_result,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

type donePayload struct {
	Done bool `json:"done"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindSentence:
		return json.Marshal(sentencePayload{Sentence: e.Sentence, FinalSentence: e.FinalSentence})
	case KindAssistantTurn:
		return json.Marshal(turnPayload{Role: e.Role, Content: e.Content})
	case KindTool:
		return json.Marshal(toolPayload{ToolCall: true, ToolName: e.ToolName, ToolStatus: e.ToolStatus, ToolResult: e.ToolResult})
	case KindError:
		return json.Marshal(errorPayload{Error: e.Error})
	case KindDone:
		return json.Marshal(donePayload{Done: true})
	default:
		return nil, fmt.Errorf("cannot encode event of %s", e.Kind)
	}
}

// UnmarshalJSON infers the kind from the keys present.
func (e *Event) UnmarshalJSON(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}

	has := func(k string) bool {
		_, ok := keys[k]
		return ok
	}

	switch {
	case has("tool_call"):
		var p toolPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*e = Event{Kind: KindTool, ToolName: p.ToolName, ToolStatus: p.ToolStatus, ToolResult: p.ToolResult}
	case has("sentence"):
		var p sentencePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*e = Event{Kind: KindSentence, Sentence: p.Sentence, FinalSentence: p.FinalSentence}
	case has("role"):
		var p turnPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*e = Event{Kind: KindAssistantTurn, Role: p.Role, Content: p.Content}
	case has("error"):
		var p errorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*e = Event{Kind: KindError, Error: p.Error}
	case has("done"):
		*e = Event{Kind: KindDone}
	default:
		return fmt.Errorf("unrecognized event %s", data)
	}
	return nil
}
