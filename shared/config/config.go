package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"

	DefaultFileName = "gateway.yaml"
)

type Config struct {
	Provider     string  `yaml:"provider"`
	Model        string  `yaml:"model"`
	BaseURL      string  `yaml:"base_url,omitempty"`
	APIKeyEnv    string  `yaml:"api_key_env,omitempty"`
	SystemPrompt string  `yaml:"system_prompt,omitempty"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int64   `yaml:"max_tokens"`
	MaxTurns     int     `yaml:"max_turns"`
	Stream       bool    `yaml:"stream"`

	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Session        SessionConfig        `yaml:"session"`
	Analytics      AnalyticsConfig      `yaml:"analytics"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Tools          ToolsConfig          `yaml:"tools"`
}

type RetryConfig struct {
	MaxAttempts  uint          `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type CircuitBreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

type SessionConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

type AnalyticsConfig struct {
	PosthogKey string `yaml:"posthog_key,omitempty"`
	Endpoint   string `yaml:"endpoint,omitempty"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

type ToolsConfig struct {
	Root     string   `yaml:"root,omitempty"`
	Disabled []string `yaml:"disabled,omitempty"`
}

func Default() *Config {
	return &Config{
		Provider:     ProviderAnthropic,
		Model:        "claude-sonnet-4-20250514",
		SystemPrompt: "You are a helpful assistant.",
		Temperature:  0.7,
		MaxTokens:    4096,
		MaxTurns:     10,
		Stream:       true,
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:    5,
			ResetTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			Capacity: 1000,
			TTL:      time.Hour,
		},
	}
}

// DefaultAPIKeyEnv returns the environment variable consulted for a
// provider's API key when api_key_env is not configured.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unsupported provider %q", c.Provider))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be between 0 and 2, got %v", c.Temperature))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, errors.New("max_tokens must be positive"))
	}
	if c.MaxTurns <= 0 {
		errs = append(errs, errors.New("max_turns must be positive"))
	}
	return errors.Join(errs...)
}

// APIKey resolves the provider API key from the environment.
func (c *Config) APIKey(lookup func(string) (string, bool)) (string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := c.APIKeyEnv
	if env == "" {
		env = DefaultAPIKeyEnv(c.Provider)
	}
	key, ok := lookup(env)
	if !ok || key == "" {
		return "", fmt.Errorf("environment variable %s is not set", env)
	}
	return key, nil
}

type Store struct {
	fs   *afero.Afero
	path string
}

func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: &afero.Afero{Fs: fs}, path: path}
}

// DefaultPath returns the config file location under the user config
// directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "gateway", DefaultFileName), nil
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the config file on top of the defaults. A missing file yields
// the defaults.
func (s *Store) Load() (*Config, error) {
	cfg := Default()

	exists, err := s.fs.Exists(s.path)
	if err != nil {
		return nil, err
	}
	if exists {
		content, err := s.fs.ReadFile(s.path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (s *Store) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	content, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return s.fs.WriteFile(s.path, content, 0o600)
}
