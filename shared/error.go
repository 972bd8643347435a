package shared

import (
	"errors"
	"fmt"
)

type ErrorSource int

const (
	ErrorSourceTool ErrorSource = iota
	ErrorSourceAgent
	ErrorSourceProvider
	ErrorSourceSystem
	ErrorSourceUser
	ErrorSourceUnknown
)

func (s ErrorSource) String() string {
	switch s {
	case ErrorSourceTool:
		return "tool"
	case ErrorSourceAgent:
		return "agent"
	case ErrorSourceProvider:
		return "provider"
	case ErrorSourceSystem:
		return "system"
	case ErrorSourceUser:
		return "user"
	default:
		return "unknown"
	}
}

// GatewayError attributes a failure to the component that caused it so the
// outer layers can decide how to present it.
type GatewayError struct {
	Source  ErrorSource
	Message string
	Err     error
}

func Errorf(source ErrorSource, format string, a ...any) *GatewayError {
	return &GatewayError{
		Source:  source,
		Message: fmt.Sprintf(format, a...),
	}
}

func Wrap(source ErrorSource, err error, format string, a ...any) *GatewayError {
	return &GatewayError{
		Source:  source,
		Message: fmt.Sprintf(format, a...),
		Err:     err,
	}
}

func (e *GatewayError) Error() string {
	switch {
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// SourceOf returns the source of the outermost GatewayError in err's chain.
func SourceOf(err error) ErrorSource {
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Source
	}
	return ErrorSourceUnknown
}
