package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/meanderings/gateway/backend/model"
	"github.com/meanderings/gateway/shared"
)

const testConfigPath = "/etc/gateway/gateway.yaml"

type TestScenario struct {
	Name            string
	Command         []string
	Stdin           string
	SetupFileSystem func(fs *afero.Afero)
	SetupEnv        map[string]string
	AdapterFactory  AdapterFactory
	Expected        TestExpectation
}

type TestExpectation struct {
	Stdout         string
	StdoutContains []string
	Error          string
}

func RunTests(t *testing.T, scenarios []TestScenario) {
	t.Helper()
	if len(scenarios) == 0 {
		t.Fatalf("no scenarios provided")
	}

	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			t.Parallel()

			fs := afero.NewMemMapFs()
			if scenario.SetupFileSystem != nil {
				scenario.SetupFileSystem(&afero.Afero{Fs: fs})
			}

			env := scenario.SetupEnv
			ctx := context.WithValue(context.Background(), ContextKeyFileSystem, fs)
			ctx = context.WithValue(ctx, ContextKeyEnv, func(key string) (string, bool) {
				value, ok := env[key]
				return value, ok
			})
			if scenario.AdapterFactory != nil {
				ctx = context.WithValue(ctx, ContextKeyAdapterFactory, scenario.AdapterFactory)
			}

			var stdout, stderr bytes.Buffer
			cmd := NewRootCmd()
			cmd.SetOut(&stdout)
			cmd.SetErr(&stderr)
			cmd.SetIn(strings.NewReader(scenario.Stdin))
			cmd.SetArgs(append(scenario.Command, "--config", testConfigPath))

			err := cmd.ExecuteContext(ctx)
			if scenario.Expected.Error != "" {
				if err == nil {
					t.Fatalf("expected error %q, got none", scenario.Expected.Error)
				}
				if diff := cmp.Diff(scenario.Expected.Error, err.Error()); diff != "" {
					t.Errorf("error mismatch (-want +got):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v\nlogs:\n%s", err, stderr.String())
			}

			if scenario.Expected.Stdout != "" {
				if diff := cmp.Diff(scenario.Expected.Stdout, stdout.String()); diff != "" {
					t.Errorf("stdout mismatch (-want +got):\n%s", diff)
				}
			}
			for _, fragment := range scenario.Expected.StdoutContains {
				if !strings.Contains(stdout.String(), fragment) {
					t.Errorf("expected stdout to contain %q, got:\n%s", fragment, stdout.String())
				}
			}
		})
	}
}

func writeConfig(content string) func(fs *afero.Afero) {
	return func(fs *afero.Afero) {
		if err := fs.WriteFile(testConfigPath, []byte(content), 0o600); err != nil {
			panic(err)
		}
	}
}

func openAICompletion(message string) string {
	return `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o","choices":[{"index":0,"message":` +
		message + `,"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`
}

// newScriptedOpenAIServer answers the n-th request with the n-th payload and
// repeats the last one afterwards.
func newScriptedOpenAIServer(t *testing.T, payloads ...string) *httptest.Server {
	t.Helper()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		i := min(int(requests.Add(1))-1, len(payloads)-1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payloads[i])
	}))
	t.Cleanup(server.Close)
	return server
}

func TestVersion(t *testing.T) {
	t.Parallel()

	RunTests(t, []TestScenario{
		{
			Name:    "version",
			Command: []string{"version"},
			Expected: TestExpectation{
				Stdout: fmt.Sprintf("gateway unknown (commit unknown, built unknown, %s/%s)\n", runtime.GOOS, runtime.GOARCH),
			},
		},
	})
}

func TestTools(t *testing.T) {
	t.Parallel()

	RunTests(t, []TestScenario{
		{
			Name:    "table of built-in tools",
			Command: []string{"tools"},
			Expected: TestExpectation{
				Stdout: "NAME          ARGUMENTS  DESCRIPTION\n" +
					"current_time  timezone   Get the current date and time.\n" +
					"evaluate      script     Evaluate a short JavaScript program, for example to do arithmetic or transform data. No I/O is available.\n" +
					"list_files    path       List the files and directories in a directory.\n" +
					"read_file     path       Read the contents of a file.\n",
			},
		},
		{
			Name:            "disabled tools are hidden",
			Command:         []string{"tools"},
			SetupFileSystem: writeConfig("tools:\n  disabled: [evaluate, list_files, read_file]\n"),
			Expected: TestExpectation{
				Stdout: "NAME          ARGUMENTS  DESCRIPTION\n" +
					"current_time  timezone   Get the current date and time.\n",
			},
		},
		{
			Name:    "gemini declarations use upper case types",
			Command: []string{"tools", "--provider", "gemini"},
			Expected: TestExpectation{
				StdoutContains: []string{`"provider": "gemini"`, `"name": "read_file"`, `"STRING"`},
			},
		},
		{
			Name:    "openai declarations",
			Command: []string{"tools", "--provider", "openai"},
			Expected: TestExpectation{
				StdoutContains: []string{`"provider": "openai"`, `"name": "evaluate"`, `"type": "string"`},
			},
		},
		{
			Name:     "unknown provider",
			Command:  []string{"tools", "--provider", "mistral"},
			Expected: TestExpectation{Error: `unsupported provider "mistral"`},
		},
		{
			Name:            "invalid configuration",
			Command:         []string{"tools"},
			SetupFileSystem: writeConfig("provider: openai\nmax_turns: 0\n"),
			Expected:        TestExpectation{Error: "invalid configuration: max_turns must be positive"},
		},
	})
}

func TestChat(t *testing.T) {
	t.Parallel()

	textServer := newScriptedOpenAIServer(t, openAICompletion(`{"role":"assistant","content":"Hello from the gateway."}`))
	toolServer := newScriptedOpenAIServer(t,
		openAICompletion(`{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"evaluate","arguments":"{\"script\":\"6 * 7\"}"}}]}`),
		openAICompletion(`{"role":"assistant","content":"The answer is 42."}`),
	)

	openAIConfig := func(server *httptest.Server) func(fs *afero.Afero) {
		return writeConfig(fmt.Sprintf("provider: openai\nmodel: gpt-4o\nbase_url: %s\nstream: false\nretry:\n  max_attempts: 1\n", server.URL))
	}
	apiKey := map[string]string{"OPENAI_API_KEY": "test-key"}

	RunTests(t, []TestScenario{
		{
			Name:            "single answer",
			Command:         []string{"chat"},
			Stdin:           "Hi\n",
			SetupFileSystem: openAIConfig(textServer),
			SetupEnv:        apiKey,
			Expected: TestExpectation{
				Stdout: `{"sentence":"Hello from the gateway.","final_sentence":true}` + "\n" +
					`{"role":"assistant","content":"Hello from the gateway."}` + "\n" +
					`{"done":true}` + "\n",
			},
		},
		{
			Name:            "tool round trip",
			Command:         []string{"chat"},
			Stdin:           "What is 6 times 7?\n",
			SetupFileSystem: openAIConfig(toolServer),
			SetupEnv:        apiKey,
			Expected: TestExpectation{
				Stdout: `{"tool_call":true,"tool_name":"evaluate","tool_status":"executing"}` + "\n" +
					`{"tool_call":true,"tool_name":"evaluate","tool_status":"completed","tool_result":"42"}` + "\n" +
					`{"sentence":"The answer is 42.","final_sentence":true}` + "\n" +
					`{"role":"assistant","content":"The answer is 42."}` + "\n" +
					`{"done":true}` + "\n",
			},
		},
		{
			Name:            "invalid request line",
			Command:         []string{"chat"},
			Stdin:           "{\"user_input\":\n\n",
			SetupFileSystem: openAIConfig(textServer),
			SetupEnv:        apiKey,
			Expected: TestExpectation{
				Stdout: `{"error":"invalid request: unexpected end of JSON input"}` + "\n",
			},
		},
		{
			Name:            "missing api key",
			Command:         []string{"chat"},
			SetupFileSystem: openAIConfig(textServer),
			Expected:        TestExpectation{Error: "environment variable OPENAI_API_KEY is not set"},
		},
		{
			Name:     "unknown provider",
			Command:  []string{"chat", "--provider", "mistral"},
			Expected: TestExpectation{Error: "unsupported provider \"mistral\"\nmodel is required"},
		},
		{
			Name:            "adapter construction fails",
			Command:         []string{"chat"},
			SetupFileSystem: openAIConfig(textServer),
			SetupEnv:        apiKey,
			AdapterFactory: func(ctx context.Context, provider model.ProviderKind, apiKey, modelName string, opts ...model.ProviderOption) (model.Adapter, error) {
				return nil, errors.New("boom")
			},
			Expected: TestExpectation{Error: "failed to create openai adapter: boom"},
		},
	})
}

func TestParseInbound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		line        string
		input       string
		messages    int
		expectedErr bool
	}{
		{name: "plain text", line: "Hello there", input: "Hello there"},
		{name: "request object", line: `{"user_input":"Hi","chat_messages":[{"role":"user","content":"Before"}]}`, input: "Hi", messages: 1},
		{name: "history only", line: `{"chat_messages":[{"role":"user","content":"Before"}]}`, messages: 1},
		{name: "empty object", line: `{}`, expectedErr: true},
		{name: "broken json", line: `{"user_input":`, expectedErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			inbound, err := parseInbound(tt.line)
			if tt.expectedErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				if source := shared.SourceOf(err); source != shared.ErrorSourceUser {
					t.Errorf("expected a user error, got %s", source)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if inbound.UserInput != tt.input {
				t.Errorf("expected user input %q, got %q", tt.input, inbound.UserInput)
			}
			if len(inbound.ChatMessages) != tt.messages {
				t.Errorf("expected %d chat messages, got %d", tt.messages, len(inbound.ChatMessages))
			}
		})
	}
}

func TestSetupLogSink(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	if w := setupLogSink(&stderr, ""); w != &stderr {
		t.Errorf("expected stderr to be used unchanged without a log file")
	}

	path := filepath.Join(t.TempDir(), "gateway.log")
	w := setupLogSink(&stderr, path)
	if _, err := io.WriteString(w, "turn completed\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(content) != "turn completed\n" {
		t.Errorf("expected log file to contain the line, got %q", content)
	}
	if stderr.String() != "turn completed\n" {
		t.Errorf("expected stderr to contain the line, got %q", stderr.String())
	}
}

func TestFlagValues(t *testing.T) {
	t.Parallel()

	var level LogLevel
	if err := level.Set("debug"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if level.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", level.SlogLevel())
	}
	if err := level.Set("verbose"); err == nil {
		t.Error("expected an error for an unknown level")
	}

	var format LogFormat
	if format.String() != "text" {
		t.Errorf("expected text as default format, got %q", format.String())
	}
	if err := format.Set("json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := format.Set("xml"); err == nil {
		t.Error("expected an error for an unknown format")
	}
}
