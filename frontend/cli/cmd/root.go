package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/meanderings/gateway/shared/config"
)

var (
	// Version is the version of the CLI
	Version = "unknown"

	// GitCommit is the commit that the CLI was built from
	GitCommit = "unknown"

	// BuildDate is the date the CLI was built
	BuildDate = "unknown"
)

type globalOptions struct {
	LogLevel   LogLevel
	LogFormat  LogFormat
	LogFile    string
	ConfigPath string
}

func NewRootCmd() *cobra.Command {
	options := globalOptions{}
	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Gateway: talk to Anthropic, OpenAI and Gemini models through one tool-calling loop.",
		Long:          figure.NewFigure("gateway", "standard", true).String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			options.LogLevel = resolveLogLevel(cmd, &options)
			slog.SetDefault(newLogger(setupLogSink(cmd.ErrOrStderr(), options.LogFile), options.LogFormat, options.LogLevel.SlogLevel()))

			if !requiresConfig(cmd) {
				return nil
			}

			path := options.ConfigPath
			if path == "" {
				defaultPath, err := config.DefaultPath()
				if err != nil {
					return fmt.Errorf("failed to resolve config path: %w", err)
				}
				path = defaultPath
			}

			cfg, err := config.NewStore(getFileSystem(cmd.Context()), path).Load()
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), ContextKeyConfig, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().Var(&options.LogLevel, "log-level", "set the log level")
	cmd.PersistentFlags().Var(&options.LogFormat, "log-format", "log output format (text or json)")
	cmd.PersistentFlags().StringVar(&options.LogFile, "log-file", "", "also write logs to this file, rotated at 50 MB")
	cmd.PersistentFlags().StringVar(&options.ConfigPath, "config", "", "path to the gateway configuration file")

	cmd.AddCommand(NewChatCmd())
	cmd.AddCommand(NewToolsCmd())
	cmd.AddCommand(NewVersionCmd())
	return cmd
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := NewRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func requiresConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "help":
		return false
	}
	return true
}

func newLogger(output io.Writer, format LogFormat, level slog.Level) *slog.Logger {
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(tint.NewHandler(output, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isTerminal(output),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func setupLogSink(stderr io.Writer, logFile string) io.Writer {
	if logFile == "" {
		return stderr
	}

	fileLogger := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50,
		MaxAge:     7,
		MaxBackups: 3,
		Compress:   true,
	}
	return io.MultiWriter(stderr, fileLogger)
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (e *LogLevel) String() string {
	if e == nil {
		return ""
	}
	return string(*e)
}

func (e *LogLevel) Set(v string) error {
	for _, level := range []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError} {
		if v == string(level) {
			*e = level
			return nil
		}
	}
	return errors.New(`must be one of "debug", "info", "warn", or "error"`)
}

func (e *LogLevel) Type() string {
	return "log-level"
}

func (e *LogLevel) SlogLevel() slog.Level {
	switch *e {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	}

	return slog.LevelInfo
}

func resolveLogLevel(cmd *cobra.Command, options *globalOptions) LogLevel {
	if cmd.Flags().Changed("log-level") {
		return options.LogLevel
	}

	level := LogLevelWarn
	if env, ok := getEnv(cmd.Context())("GATEWAY_LOG_LEVEL"); ok {
		_ = level.Set(env)
	}
	return level
}

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

func (f *LogFormat) String() string {
	if f == nil || *f == "" {
		return string(LogFormatText)
	}
	return string(*f)
}

func (f *LogFormat) Set(v string) error {
	switch LogFormat(v) {
	case LogFormatText, LogFormatJSON:
		*f = LogFormat(v)
		return nil
	}
	return errors.New(`must be one of "text" or "json"`)
}

func (f *LogFormat) Type() string {
	return "log-format"
}
