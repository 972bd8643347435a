package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grafana/sobek"
)

const defaultScriptTimeout = 2 * time.Second

type EvaluateInput struct {
	Script string `json:"script" jsonschema:"description=JavaScript program to evaluate. The value of the last expression is returned"`
}

// evaluate runs script in a fresh runtime without access to the host. The
// runtime is interrupted when ctx is done or timeout elapses.
func evaluate(ctx context.Context, script string, timeout time.Duration) (string, error) {
	if script == "" {
		return "", fmt.Errorf("script is required")
	}

	vm := sobek.New()
	vm.SetFieldNameMapper(sobek.TagFieldNameMapper("json", true))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunString(script)
	if err != nil {
		return "", fmt.Errorf("script failed: %w", err)
	}

	if value == nil || sobek.IsUndefined(value) {
		return "undefined", nil
	}
	if sobek.IsNull(value) {
		return "null", nil
	}

	exported := value.Export()
	if s, ok := exported.(string); ok {
		return s, nil
	}
	out, err := json.Marshal(exported)
	if err != nil {
		return value.String(), nil
	}
	return string(out), nil
}

func evaluateTool(timeout time.Duration) Tool {
	return NewTool("evaluate", "Evaluate a short JavaScript program, for example to do arithmetic or transform data. No I/O is available.",
		func(ctx context.Context, input EvaluateInput) (string, error) {
			return evaluate(ctx, input.Script, timeout)
		}, WithReadonly(true))
}
