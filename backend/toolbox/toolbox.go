package toolbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolDisabled = errors.New("tool is disabled")
)

// Schema is the object schema of a tool's arguments.
type Schema struct {
	Type       string         `json:"type,omitempty" yaml:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string       `json:"required,omitempty" yaml:"required,omitempty"`
}

// Definition describes a tool to a model. Tools either declare an
// InputSchema or the legacy Parameters; InputSchema wins when both are set.
type Definition struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	InputSchema *Schema `json:"inputSchema,omitempty" yaml:"input_schema,omitempty"`
	Parameters  *Schema `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Enabled     bool    `json:"enabled" yaml:"enabled"`
}

// Schema returns the declared argument schema, or nil when the tool declares
// none.
func (d Definition) Schema() *Schema {
	switch {
	case d.InputSchema != nil:
		return d.InputSchema
	case d.Parameters != nil:
		return d.Parameters
	default:
		return nil
	}
}

type Handler func(ctx context.Context, arguments json.RawMessage) (string, error)

// Invoker executes a tool by name with JSON encoded arguments. The returned
// string is used verbatim as the tool result.
type Invoker interface {
	Invoke(ctx context.Context, name, argumentsJSON string) (string, error)
}

type InvokerFunc func(ctx context.Context, name, argumentsJSON string) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, name, argumentsJSON string) (string, error) {
	return f(ctx, name, argumentsJSON)
}

type Tool struct {
	Definition
	Readonly   bool
	Categories []string
	Handler    Handler
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Add(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s is already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Register adds a tool from a bare definition, as loaded from configuration.
func (r *Registry) Register(def Definition, handler Handler) error {
	return r.Add(Tool{Definition: def, Handler: handler})
}

func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	tool.Enabled = enabled
	r.tools[name] = tool
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns the enabled tools ordered by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		if tool.Enabled {
			defs = append(defs, tool.Definition)
		}
	}
	slices.SortFunc(defs, func(a, b Definition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return defs
}

func (r *Registry) Invoke(ctx context.Context, name, argumentsJSON string) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if !tool.Enabled {
		return "", fmt.Errorf("%w: %s", ErrToolDisabled, name)
	}

	arguments := json.RawMessage(argumentsJSON)
	if strings.TrimSpace(argumentsJSON) == "" {
		arguments = json.RawMessage("{}")
	}
	if !json.Valid(arguments) {
		return "", fmt.Errorf("tool %s: arguments are not valid JSON", name)
	}

	return tool.Handler(ctx, arguments)
}
