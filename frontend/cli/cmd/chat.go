package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meanderings/gateway/backend/agent"
	"github.com/meanderings/gateway/backend/stream"
	"github.com/meanderings/gateway/shared"
)

const maxInputLine = 1 << 20

type chatOptions struct {
	Stream      bool
	Provider    string
	Model       string
	Session     string
	MetricsAddr string
}

func NewChatCmd() *cobra.Command {
	options := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured model",
		Long: `Read user input line by line from stdin and write conversation events to stdout
as JSON lines.

A line starting with '{' is read as a request object:
  {"user_input": "...", "chat_messages": [...]}
chat_messages, when present, replaces the conversation so far. The line /reset
starts a new conversation.`,
		Example: `  # Chat with streaming output
  gateway chat --stream

  # Use a different provider and model than configured
  gateway chat --provider openai --model gpt-4o`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *getConfig(cmd.Context())
			if options.Provider != "" && options.Provider != cfg.Provider {
				// settings of the configured provider do not carry over
				cfg.Provider = options.Provider
				cfg.Model = defaultModel(options.Provider)
				cfg.APIKeyEnv = ""
				cfg.BaseURL = ""
			}
			if options.Model != "" {
				cfg.Model = options.Model
			}
			if cmd.Flags().Changed("stream") {
				cfg.Stream = options.Stream
			}
			if options.MetricsAddr != "" {
				cfg.Metrics.Listen = options.MetricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			sessionID := uuid.New()
			if options.Session != "" {
				id, err := uuid.Parse(options.Session)
				if err != nil {
					return fmt.Errorf("invalid session id: %w", err)
				}
				sessionID = id
			}

			g, err := newGateway(cmd.Context(), &cfg)
			if err != nil {
				return err
			}
			defer g.Close()

			return runChat(cmd.Context(), g, sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&options.Stream, "stream", false, "stream the response as it is generated")
	cmd.Flags().StringVar(&options.Provider, "provider", "", "provider to use (anthropic, openai or gemini)")
	cmd.Flags().StringVar(&options.Model, "model", "", "model to use")
	cmd.Flags().StringVar(&options.Session, "session", "", "session id to attach events to")
	cmd.Flags().StringVar(&options.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	return cmd
}

func runChat(ctx context.Context, g *gateway, sessionID uuid.UUID, in io.Reader, out io.Writer) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	if addr := g.config.Metrics.Listen; addr != "" {
		server := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(g.metrics, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			slog.Info("serving metrics", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		defer stop()
		return chatLoop(ctx, g.sessions, sessionID, in, stream.NewWriterSink(out), g.config.Stream)
	})

	return group.Wait()
}

// chatLoop handles input lines until in is exhausted or ctx is done. A failed
// turn is reported to the sink and the loop continues.
func chatLoop(ctx context.Context, sessions *agent.Sessions, sessionID uuid.UUID, in io.Reader, sink stream.Sink, streaming bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxInputLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/reset" {
			sessions.Reset(sessionID)
			continue
		}

		inbound, err := parseInbound(line)
		if err != nil {
			emitError(ctx, sink, err)
			continue
		}

		_, err = sessions.Handle(ctx, sessionID, inbound, sink, streaming)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// tool failures were already reported by the orchestrator
			if shared.SourceOf(err) != shared.ErrorSourceTool {
				emitError(ctx, sink, err)
			}
		}
	}

	return scanner.Err()
}

func parseInbound(line string) (agent.Inbound, error) {
	if !strings.HasPrefix(line, "{") {
		return agent.Inbound{UserInput: line}, nil
	}

	var inbound agent.Inbound
	if err := json.Unmarshal([]byte(line), &inbound); err != nil {
		return agent.Inbound{}, shared.Wrap(shared.ErrorSourceUser, err, "invalid request")
	}
	if inbound.UserInput == "" && len(inbound.ChatMessages) == 0 {
		return agent.Inbound{}, shared.Errorf(shared.ErrorSourceUser, "request has neither user_input nor chat_messages")
	}
	return inbound, nil
}

func emitError(ctx context.Context, sink stream.Sink, err error) {
	if emitErr := sink.Emit(ctx, stream.Error(err)); emitErr != nil {
		slog.WarnContext(ctx, "failed to emit error", "error", emitErr)
	}
}
