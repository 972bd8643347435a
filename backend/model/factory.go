package model

import (
	"context"
	"fmt"
)

// NewAdapter creates the adapter for provider.
func NewAdapter(ctx context.Context, provider ProviderKind, apiKey, model string, opts ...ProviderOption) (Adapter, error) {
	var (
		adapter Adapter
		err     error
	)

	switch provider {
	case ProviderKindAnthropic:
		adapter, err = NewAnthropicAdapter(apiKey, model, opts...)
	case ProviderKindOpenAI:
		adapter, err = NewOpenAIAdapter(apiKey, model, opts...)
	case ProviderKindGemini:
		adapter, err = NewGeminiAdapter(ctx, apiKey, model, opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	if err != nil {
		return nil, err
	}

	return adapter, nil
}
