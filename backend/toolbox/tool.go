package toolbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

type ToolHandler[T any] func(ctx context.Context, input T) (string, error)

type ToolOptions struct {
	Readonly   bool
	Disabled   bool
	Categories []string
}

func DefaultToolOptions() *ToolOptions {
	return &ToolOptions{
		Readonly:   false,
		Categories: []string{},
	}
}

type ToolOption func(*ToolOptions)

func WithReadonly(readonly bool) ToolOption {
	return func(o *ToolOptions) {
		o.Readonly = readonly
	}
}

func WithDisabled() ToolOption {
	return func(o *ToolOptions) {
		o.Disabled = true
	}
}

func WithAdditionalCategory(category string) ToolOption {
	return func(o *ToolOptions) {
		o.Categories = append(o.Categories, category)
	}
}

// NewTool builds a tool whose input schema is reflected from T.
func NewTool[T any](name, description string, handler ToolHandler[T], opts ...ToolOption) Tool {
	options := DefaultToolOptions()
	for _, opt := range opts {
		opt(options)
	}

	genericHandler := func(ctx context.Context, arguments json.RawMessage) (string, error) {
		var input T
		if err := json.Unmarshal(arguments, &input); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
		return handler(ctx, input)
	}

	return Tool{
		Definition: Definition{
			Name:        name,
			Description: description,
			InputSchema: reflectSchema[T](),
			Enabled:     !options.Disabled,
		},
		Readonly:   options.Readonly,
		Categories: options.Categories,
		Handler:    genericHandler,
	}
}

func reflectSchema[T any]() *Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	var input T
	reflected := reflector.Reflect(input)

	raw, err := json.Marshal(reflected)
	if err != nil {
		return &Schema{Type: "object", Properties: map[string]any{}}
	}

	var schema Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return &Schema{Type: "object", Properties: map[string]any{}}
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	if schema.Properties == nil {
		schema.Properties = map[string]any{}
	}
	return &schema
}
