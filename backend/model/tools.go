package model

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/meanderings/gateway/backend/toolbox"
)

var errNoSchema = errors.New("tool declares neither inputSchema nor parameters")

type declaration struct {
	name        string
	description string
	properties  map[string]any
	required    []string
}

// declarations extracts the argument schema of every definition with its
// type names rewritten by recase. Definitions without a schema are reported
// as skipped.
func declarations(provider ProviderKind, definitions []toolbox.Definition, recase func(string) string) ([]declaration, []SkippedTool) {
	var (
		decls   []declaration
		skipped []SkippedTool
	)

	for _, def := range definitions {
		schema := def.Schema()
		if schema == nil {
			slog.Warn("skipping tool without schema", "provider", provider, "tool", def.Name)
			skipped = append(skipped, SkippedTool{Name: def.Name, Reason: errNoSchema.Error()})
			continue
		}

		properties, _ := recaseTypes(schema.Properties, recase).(map[string]any)
		if properties == nil {
			properties = map[string]any{}
		}

		decls = append(decls, declaration{
			name:        def.Name,
			description: def.Description,
			properties:  properties,
			required:    append([]string(nil), schema.Required...),
		})
	}

	return decls, skipped
}

// recaseTypes deep copies a JSON schema fragment, applying recase to every
// "type" keyword. A "type" key holding an object is a property of that name
// and is walked like any other schema.
func recaseTypes(v any, recase func(string) string) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			if _, property := child.(map[string]any); k == "type" && !property {
				out[k] = recaseTypeValue(child, recase)
				continue
			}
			out[k] = recaseTypes(child, recase)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = recaseTypes(child, recase)
		}
		return out
	default:
		return v
	}
}

func recaseTypeValue(v any, recase func(string) string) any {
	switch t := v.(type) {
	case string:
		return recase(t)
	case []any:
		out := make([]any, len(t))
		for i, s := range t {
			if str, ok := s.(string); ok {
				out[i] = recase(str)
			} else {
				out[i] = s
			}
		}
		return out
	default:
		return v
	}
}

func declarationNames(decls []declaration) []string {
	names := make([]string, len(decls))
	for i, d := range decls {
		names[i] = d.name
	}
	return names
}

var (
	lowerType = strings.ToLower
	upperType = strings.ToUpper
)
