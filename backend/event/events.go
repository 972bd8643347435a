package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/meanderings/gateway/backend/model"
)

// ToolExecuted is published after every tool invocation, successful or not.
type ToolExecuted struct {
	SessionID  uuid.UUID
	Provider   model.ProviderKind
	Model      string
	Turn       int
	ToolName   string
	ToolCallID string
	Duration   time.Duration
	Error      string
}

func (ToolExecuted) Event() {}

func (e ToolExecuted) Failed() bool { return e.Error != "" }

// TurnCompleted is published when a user turn reaches a final answer or
// aborts.
type TurnCompleted struct {
	SessionID uuid.UUID
	Provider  model.ProviderKind
	Model     string
	Turns     int
	ToolCalls int
	Usage     model.Usage
	Duration  time.Duration
	Streaming bool
	Error     string
}

func (TurnCompleted) Event() {}

// HistorySanitized is published when the sanitizer removed orphaned tool
// call references from a history.
type HistorySanitized struct {
	SessionID uuid.UUID
	Report    model.FilterReport
}

func (HistorySanitized) Event() {}
