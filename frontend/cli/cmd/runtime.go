package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/posthog/posthog-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"github.com/meanderings/gateway/backend/agent"
	"github.com/meanderings/gateway/backend/analytics"
	"github.com/meanderings/gateway/backend/event"
	"github.com/meanderings/gateway/backend/model"
	"github.com/meanderings/gateway/backend/toolbox"
	"github.com/meanderings/gateway/shared/config"
	"github.com/meanderings/gateway/shared/resilience"
)

// gateway wires the configured adapter, tools and telemetry together.
type gateway struct {
	config    *config.Config
	adapter   model.Adapter
	registry  *toolbox.Registry
	metrics   *prometheus.Registry
	bus       *event.Bus
	posthog   posthog.Client
	forwarder *analytics.Forwarder
	sessions  *agent.Sessions
}

func newGateway(ctx context.Context, cfg *config.Config) (*gateway, error) {
	provider, err := model.ParseProviderKind(cfg.Provider)
	if err != nil {
		return nil, err
	}
	apiKey, err := cfg.APIKey(getEnv(ctx))
	if err != nil {
		return nil, err
	}

	g := &gateway{
		config:  cfg,
		metrics: prometheus.NewRegistry(),
	}
	g.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	g.registry, err = newToolRegistry(getFileSystem(ctx), cfg.Tools)
	if err != nil {
		return nil, err
	}

	g.adapter, err = getAdapterFactory(ctx)(ctx, provider, apiKey, cfg.Model, providerOptions(cfg, g.metrics)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", provider, err)
	}

	g.bus = event.NewBus(event.WithMetrics(g.metrics))
	if cfg.Analytics.PosthogKey != "" {
		client, err := posthog.NewWithConfig(cfg.Analytics.PosthogKey, posthog.Config{Endpoint: cfg.Analytics.Endpoint})
		if err != nil {
			g.bus.Close()
			return nil, fmt.Errorf("failed to create analytics client: %w", err)
		}
		g.posthog = client
		g.forwarder = analytics.NewForwarder(g.bus, client)
	}

	orchestrator := agent.New(g.adapter, g.registry,
		agent.WithSystemPrompt(cfg.SystemPrompt),
		agent.WithTemperature(cfg.Temperature),
		agent.WithMaxTokens(cfg.MaxTokens),
		agent.WithMaxTurns(cfg.MaxTurns),
		agent.WithEventBus(g.bus),
		agent.WithMetrics(g.metrics),
	)

	g.sessions, err = agent.NewSessions(orchestrator, cfg.Session.Capacity, cfg.Session.TTL)
	if err != nil {
		g.Close()
		return nil, err
	}

	return g, nil
}

func providerOptions(cfg *config.Config, metrics *prometheus.Registry) []model.ProviderOption {
	opts := []model.ProviderOption{
		model.WithMetrics(metrics),
		model.WithRetryConfig(&resilience.RetryConfig{
			MaxAttempts:        cfg.Retry.MaxAttempts,
			InitialDelay:       cfg.Retry.InitialDelay,
			MaxDelay:           cfg.Retry.MaxDelay,
			UseProviderBackoff: true,
			BackoffMultiplier:  cfg.Retry.Multiplier,
		}),
		model.WithCircuitBreaker(resilience.NewCircuitBreaker(cfg.Provider, cfg.CircuitBreaker.Threshold, cfg.CircuitBreaker.ResetTimeout)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, model.WithURL(cfg.BaseURL))
	}
	return opts
}

// newToolRegistry exposes the built-in tools. The file tools see a read-only
// view of fs, rooted at the configured directory when there is one.
func newToolRegistry(fs afero.Fs, cfg config.ToolsConfig) (*toolbox.Registry, error) {
	if cfg.Root != "" {
		fs = afero.NewBasePathFs(fs, cfg.Root)
	}
	fs = afero.NewReadOnlyFs(fs)

	registry, err := toolbox.NewRegistry(toolbox.Builtins(fs, time.Now)...)
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.Disabled {
		if err := registry.SetEnabled(name, false); err != nil {
			return nil, fmt.Errorf("failed to disable tool: %w", err)
		}
	}
	return registry, nil
}

func (g *gateway) Close() {
	if g.sessions != nil {
		g.sessions.Close()
	}
	if g.forwarder != nil {
		g.forwarder.Close()
	}
	if g.bus != nil {
		g.bus.Close()
	}
	if g.posthog != nil {
		if err := g.posthog.Close(); err != nil {
			slog.Warn("failed to flush analytics", "error", err)
		}
	}
}

// defaultModel returns the first catalog model of provider.
func defaultModel(provider string) string {
	kind, err := model.ParseProviderKind(provider)
	if err != nil {
		return ""
	}
	models := model.SupportedModels(kind)
	if len(models) == 0 {
		return ""
	}
	return models[0].Name
}
