package model

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Model struct {
	ID            uuid.UUID
	Provider      ProviderKind
	Name          string
	Capabilities  []Capability
	ContextWindow int64
	Pricing       ModelPricing
}

type ProviderKind string

const (
	ProviderKindAnthropic ProviderKind = "anthropic"
	ProviderKindOpenAI    ProviderKind = "openai"
	ProviderKindGemini    ProviderKind = "gemini"
)

func ParseProviderKind(s string) (ProviderKind, error) {
	switch kind := ProviderKind(s); kind {
	case ProviderKindAnthropic, ProviderKindOpenAI, ProviderKindGemini:
		return kind, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", s)
	}
}

func (k ProviderKind) Family() Family {
	switch k {
	case ProviderKindAnthropic:
		return FamilyContentBlocks
	case ProviderKindGemini:
		return FamilyParts
	default:
		return FamilyToolCalls
	}
}

type Capability string

const (
	CapabilityImage            Capability = "image"
	CapabilityPromptCache      Capability = "prompt_cache"
	CapabilityExtendedThinking Capability = "extended_thinking"
	CapabilityToolUse          Capability = "tool_use"
)

// ModelPricing is in USD per million tokens.
type ModelPricing struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
	}
}

func (u Usage) IsZero() bool {
	return u == Usage{}
}

var perMillion = decimal.NewFromInt(1_000_000)

// Cost returns the USD cost of u under pricing.
func (u Usage) Cost(pricing ModelPricing) decimal.Decimal {
	cost := decimal.NewFromInt(u.InputTokens).Mul(decimal.NewFromFloat(pricing.Input)).
		Add(decimal.NewFromInt(u.OutputTokens).Mul(decimal.NewFromFloat(pricing.Output))).
		Add(decimal.NewFromInt(u.CacheWriteTokens).Mul(decimal.NewFromFloat(pricing.CacheWrite))).
		Add(decimal.NewFromInt(u.CacheReadTokens).Mul(decimal.NewFromFloat(pricing.CacheRead)))
	return cost.Div(perMillion)
}

func SupportedModels(provider ProviderKind) []Model {
	switch provider {
	case ProviderKindAnthropic:
		return SupportedAnthropicModels()
	case ProviderKindOpenAI:
		return SupportedOpenAIModels()
	case ProviderKindGemini:
		return SupportedGeminiModels()
	}

	return nil
}

// LookupModel finds a catalog entry by provider and name.
func LookupModel(provider ProviderKind, name string) (Model, bool) {
	for _, m := range SupportedModels(provider) {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

func SupportedAnthropicModels() []Model {
	return []Model{
		{
			ID:            uuid.MustParse("0195b4e2-45b6-76df-b208-f48b7b0d5f51"),
			Provider:      ProviderKindAnthropic,
			Name:          "claude-sonnet-4-20250514",
			Capabilities:  []Capability{CapabilityImage, CapabilityPromptCache, CapabilityExtendedThinking, CapabilityToolUse},
			ContextWindow: 200000,
			Pricing:       ModelPricing{Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.3},
		},
		{
			ID:            uuid.MustParse("0195b4e2-45b6-76df-b208-f48b7b0d5f52"),
			Provider:      ProviderKindAnthropic,
			Name:          "claude-opus-4-20250514",
			Capabilities:  []Capability{CapabilityImage, CapabilityPromptCache, CapabilityExtendedThinking, CapabilityToolUse},
			ContextWindow: 200000,
			Pricing:       ModelPricing{Input: 15.0, Output: 75.0, CacheWrite: 18.75, CacheRead: 1.5},
		},
		{
			ID:            uuid.MustParse("0195b4e2-45b6-76df-b208-f48b7b0d5f53"),
			Provider:      ProviderKindAnthropic,
			Name:          "claude-3-5-haiku-20241022",
			Capabilities:  []Capability{CapabilityPromptCache, CapabilityToolUse},
			ContextWindow: 200000,
			Pricing:       ModelPricing{Input: 0.8, Output: 4.0, CacheWrite: 1.0, CacheRead: 0.08},
		},
	}
}

func SupportedOpenAIModels() []Model {
	return []Model{
		{
			ID:            uuid.MustParse("01960000-0001-7000-8000-000000000001"),
			Provider:      ProviderKindOpenAI,
			Name:          "gpt-4o",
			Capabilities:  []Capability{CapabilityImage, CapabilityToolUse},
			ContextWindow: 128000,
			Pricing:       ModelPricing{Input: 2.5, Output: 10.0, CacheRead: 1.25},
		},
		{
			ID:            uuid.MustParse("01960000-0002-7000-8000-000000000002"),
			Provider:      ProviderKindOpenAI,
			Name:          "gpt-4o-mini",
			Capabilities:  []Capability{CapabilityImage, CapabilityToolUse},
			ContextWindow: 128000,
			Pricing:       ModelPricing{Input: 0.15, Output: 0.6, CacheRead: 0.075},
		},
		{
			ID:            uuid.MustParse("01960000-0003-7000-8000-000000000003"),
			Provider:      ProviderKindOpenAI,
			Name:          "gpt-4.1",
			Capabilities:  []Capability{CapabilityImage, CapabilityToolUse},
			ContextWindow: 1047576,
			Pricing:       ModelPricing{Input: 2.0, Output: 8.0, CacheRead: 0.5},
		},
		{
			ID:            uuid.MustParse("01960000-0004-7000-8000-000000000004"),
			Provider:      ProviderKindOpenAI,
			Name:          "o4-mini",
			Capabilities:  []Capability{CapabilityImage, CapabilityToolUse},
			ContextWindow: 200000,
			Pricing:       ModelPricing{Input: 1.1, Output: 4.4, CacheRead: 0.275},
		},
	}
}

func SupportedGeminiModels() []Model {
	return []Model{
		{
			ID:            uuid.MustParse("01970000-0001-7000-8000-000000000001"),
			Provider:      ProviderKindGemini,
			Name:          "gemini-2.5-pro",
			Capabilities:  []Capability{CapabilityImage, CapabilityExtendedThinking, CapabilityToolUse},
			ContextWindow: 1048576,
			Pricing:       ModelPricing{Input: 1.25, Output: 10.0, CacheRead: 0.31},
		},
		{
			ID:            uuid.MustParse("01970000-0002-7000-8000-000000000002"),
			Provider:      ProviderKindGemini,
			Name:          "gemini-2.5-flash",
			Capabilities:  []Capability{CapabilityImage, CapabilityToolUse},
			ContextWindow: 1048576,
			Pricing:       ModelPricing{Input: 0.3, Output: 2.5, CacheRead: 0.075},
		},
	}
}
