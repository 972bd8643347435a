package cmd

import (
	"context"
	"os"

	"github.com/spf13/afero"

	"github.com/meanderings/gateway/backend/model"
	"github.com/meanderings/gateway/shared/config"
)

type ContextKey string

const (
	ContextKeyFileSystem     ContextKey = "file_system"
	ContextKeyConfig         ContextKey = "config"
	ContextKeyEnv            ContextKey = "env"
	ContextKeyAdapterFactory ContextKey = "adapter_factory"
)

// AdapterFactory builds the model adapter for a chat session.
type AdapterFactory func(ctx context.Context, provider model.ProviderKind, apiKey, modelName string, opts ...model.ProviderOption) (model.Adapter, error)

func getFileSystem(ctx context.Context) afero.Fs {
	if fs, ok := ctx.Value(ContextKeyFileSystem).(afero.Fs); ok {
		return fs
	}
	return afero.NewOsFs()
}

func getConfig(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(ContextKeyConfig).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

func getEnv(ctx context.Context) func(string) (string, bool) {
	if ctx != nil {
		if lookup, ok := ctx.Value(ContextKeyEnv).(func(string) (string, bool)); ok {
			return lookup
		}
	}
	return os.LookupEnv
}

func getAdapterFactory(ctx context.Context) AdapterFactory {
	if factory, ok := ctx.Value(ContextKeyAdapterFactory).(AdapterFactory); ok {
		return factory
	}
	return model.NewAdapter
}
