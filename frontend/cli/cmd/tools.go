package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meanderings/gateway/backend/model"
	"github.com/meanderings/gateway/backend/toolbox"
)

type toolsOptions struct {
	Provider string
}

type toolDeclarations struct {
	Provider     string              `json:"provider"`
	Declarations any                 `json:"declarations"`
	Skipped      []model.SkippedTool `json:"skipped,omitempty"`
}

func NewToolsCmd() *cobra.Command {
	options := toolsOptions{}
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools offered to the model",
		Long: `List the built-in tools. With --provider the declarations are printed as JSON in
the form they are sent to that provider.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig(cmd.Context())
			registry, err := newToolRegistry(getFileSystem(cmd.Context()), cfg.Tools)
			if err != nil {
				return err
			}

			if options.Provider == "" {
				return printToolTable(cmd.OutOrStdout(), registry.Definitions())
			}

			adapter, err := declarationAdapter(options.Provider)
			if err != nil {
				return err
			}
			tools, skipped := adapter.TransformToolRegistry(registry.Definitions())

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(toolDeclarations{
				Provider:     options.Provider,
				Declarations: tools.Declarations,
				Skipped:      skipped,
			})
		},
	}

	cmd.Flags().StringVar(&options.Provider, "provider", "", "print declarations for this provider (anthropic, openai or gemini)")
	return cmd
}

func printToolTable(out io.Writer, definitions []toolbox.Definition) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tARGUMENTS\tDESCRIPTION")
	for _, def := range definitions {
		var arguments []string
		if schema := def.Schema(); schema != nil {
			for name := range schema.Properties {
				arguments = append(arguments, name)
			}
		}
		slices.Sort(arguments)
		fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, strings.Join(arguments, ","), def.Description)
	}
	return w.Flush()
}

// declarationAdapter returns an adapter that can only convert declarations.
func declarationAdapter(provider string) (model.Adapter, error) {
	kind, err := model.ParseProviderKind(provider)
	if err != nil {
		return nil, err
	}

	switch kind {
	case model.ProviderKindAnthropic:
		return model.NewAnthropicAdapterWithService(nil, defaultModel(provider))
	case model.ProviderKindOpenAI:
		return model.NewOpenAIAdapterWithService(nil, defaultModel(provider))
	default:
		return model.NewGeminiAdapterWithService(nil, defaultModel(provider))
	}
}
