package agent

import (
	"errors"
	"fmt"

	"github.com/meanderings/gateway/shared"
)

var (
	ErrMaxTurnsExceeded = errors.New("maximum number of turns exceeded")
	ErrNoAdapter        = errors.New("no model adapter configured")
	ErrNoInvoker        = errors.New("no tool invoker configured")
)

// ToolExecutionError reports a failed tool invocation. It aborts the turn.
type ToolExecutionError struct {
	ToolName   string
	ToolCallID string
	Err        error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// toolError wraps a tool failure so SourceOf attributes it to the tool.
func toolError(name, callID string, err error) error {
	return shared.Wrap(shared.ErrorSourceTool, &ToolExecutionError{ToolName: name, ToolCallID: callID, Err: err}, "")
}
