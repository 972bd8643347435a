package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/meanderings/gateway/backend/toolbox"
	"github.com/meanderings/gateway/shared/conv"
	"google.golang.org/genai"
)

const (
	geminiRoleUser  = "user"
	geminiRoleModel = "model"
)

type GeminiModelService interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiAdapter speaks the parts family. Function calls carry no identifier,
// so calls and responses are matched by function name.
type GeminiAdapter struct {
	models    GeminiModelService
	model     string
	transport transport

	mu    sync.Mutex
	usage Usage
}

var _ Adapter = (*GeminiAdapter)(nil)

func NewGeminiAdapter(ctx context.Context, apiKey, model string, opts ...ProviderOption) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	providerOptions := buildProviderOptions(ProviderKindGemini, opts)

	clientConfig := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if providerOptions.URL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: providerOptions.URL}
	}
	if providerOptions.HTTPClient != nil {
		clientConfig.HTTPClient = providerOptions.HTTPClient
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return NewGeminiAdapterWithService(client.Models, model, opts...)
}

func NewGeminiAdapterWithService(models GeminiModelService, model string, opts ...ProviderOption) (*GeminiAdapter, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	return &GeminiAdapter{
		models:    models,
		model:     model,
		transport: newTransport(ProviderKindGemini, buildProviderOptions(ProviderKindGemini, opts)),
	}, nil
}

func (a *GeminiAdapter) Provider() ProviderKind { return ProviderKindGemini }

func (a *GeminiAdapter) Family() Family { return FamilyParts }

func (a *GeminiAdapter) Model() string { return a.model }

func (a *GeminiAdapter) TransformToolRegistry(definitions []toolbox.Definition) (ToolSet, []SkippedTool) {
	decls, skipped := declarations(ProviderKindGemini, definitions, upperType)

	var (
		functions []*genai.FunctionDeclaration
		names     []string
	)
	for _, d := range decls {
		schema, err := geminiSchema(d)
		if err != nil {
			slog.Warn("skipping tool with unsupported schema", "provider", ProviderKindGemini, "tool", d.name, "error", err)
			skipped = append(skipped, SkippedTool{Name: d.name, Reason: err.Error()})
			continue
		}
		functions = append(functions, &genai.FunctionDeclaration{
			Name:        d.name,
			Description: d.description,
			Parameters:  schema,
		})
		names = append(names, d.name)
	}

	var tools []*genai.Tool
	if len(functions) > 0 {
		tools = []*genai.Tool{{FunctionDeclarations: functions}}
	}

	return ToolSet{Names: names, Declarations: tools}, skipped
}

func geminiSchema(d declaration) (*genai.Schema, error) {
	raw := map[string]any{
		"type":       string(genai.TypeObject),
		"properties": d.properties,
	}
	if len(d.required) > 0 {
		raw["required"] = d.required
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}

	var schema genai.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to convert schema: %w", err)
	}
	return &schema, nil
}

func (a *GeminiAdapter) Send(ctx context.Context, history []Message, tools ToolSet, opts SendOptions) (TransportResult, error) {
	contents, config := a.buildRequest(history, tools, opts)

	if opts.Stream {
		return invoke(ctx, a.transport, func(ctx context.Context) (TransportResult, error) {
			next, stop := iter.Pull2(a.models.GenerateContentStream(ctx, a.model, contents, config))
			first, err, ok := next()
			if err != nil {
				stop()
				return nil, a.parseError(err)
			}
			return &geminiResult{next: next, stop: stop, first: first, hasFirst: ok}, nil
		})
	}

	return invoke(ctx, a.transport, func(ctx context.Context) (TransportResult, error) {
		response, err := a.models.GenerateContent(ctx, a.model, contents, config)
		if err != nil {
			return nil, a.parseError(err)
		}
		return &geminiResult{response: response}, nil
	})
}

func (a *GeminiAdapter) buildRequest(history []Message, tools ToolSet, opts SendOptions) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, turns := systemInstruction(opts.SystemPrompt, toTurns(history))

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if opts.Temperature > 0 {
		config.Temperature = conv.Ptr(float32(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if declared, ok := tools.Declarations.([]*genai.Tool); ok && len(declared) > 0 {
		config.Tools = declared
	}

	return geminiContents(turns), config
}

// geminiContents converts turns into user and model contents. Tool results
// travel as functionResponse parts of a user content.
func geminiContents(turns []turn) []*genai.Content {
	var contents []*genai.Content

	for _, t := range turns {
		var parts []*genai.Part
		role := geminiRoleUser

		if t.role == RoleAssistant {
			role = geminiRoleModel
			if t.text != "" {
				parts = append(parts, &genai.Part{Text: t.text})
			}
			for _, c := range t.calls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: c.Name, Args: unmarshalArgs(c.Arguments)},
				})
			}
		} else {
			for _, r := range t.results {
				name := r.name
				if name == "" {
					name = strings.TrimPrefix(r.id, partsKeyPrefix)
				}
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     name,
						Response: map[string]any{functionResponseKey: r.content},
					},
				})
			}
			if t.text != "" {
				parts = append(parts, &genai.Part{Text: t.text})
			}
		}
		if len(parts) == 0 {
			continue
		}

		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	return contents
}

func (a *GeminiAdapter) ParseResponse(result TransportResult) (*Response, error) {
	r, ok := result.(*geminiResult)
	if !ok || r.response == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, result)
	}

	acc := &geminiAccumulator{}
	acc.add(r.response, nil)
	return a.finish(acc), nil
}

func (a *GeminiAdapter) ProcessStreamingResponse(ctx context.Context, result TransportResult, onChunk func(string)) (*Response, error) {
	r, ok := result.(*geminiResult)
	if !ok || r.next == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, result)
	}
	defer r.Close()

	acc := &geminiAccumulator{}
	if r.hasFirst {
		acc.add(r.first, onChunk)
	}
	for {
		response, err, ok := r.next()
		if !ok {
			break
		}
		if err != nil {
			return nil, a.parseError(err)
		}
		acc.add(response, onChunk)
	}

	if err := ctx.Err(); err != nil {
		return nil, errorFromContext(ProviderKindGemini, err)
	}

	return a.finish(acc), nil
}

func (a *GeminiAdapter) finish(acc *geminiAccumulator) *Response {
	response := &Response{
		Text:       acc.text.String(),
		Usage:      acc.usage,
		StopReason: acc.stopReason,
	}
	for _, call := range acc.calls {
		response.ToolCalls = append(response.ToolCalls, call)
	}

	a.setUsage(response.Usage)
	return response
}

type geminiAccumulator struct {
	text       strings.Builder
	calls      []*genai.FunctionCall
	usage      Usage
	stopReason string
}

func (acc *geminiAccumulator) add(response *genai.GenerateContentResponse, onChunk func(string)) {
	if response == nil {
		return
	}

	if meta := response.UsageMetadata; meta != nil {
		cached := int64(meta.CachedContentTokenCount)
		acc.usage = Usage{
			InputTokens:     int64(meta.PromptTokenCount) - cached,
			OutputTokens:    int64(meta.CandidatesTokenCount),
			CacheReadTokens: cached,
		}
	}

	if len(response.Candidates) == 0 || response.Candidates[0] == nil {
		return
	}
	candidate := response.Candidates[0]
	if candidate.FinishReason != "" {
		acc.stopReason = string(candidate.FinishReason)
	}
	if candidate.Content == nil {
		return
	}

	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			acc.text.WriteString(part.Text)
			if onChunk != nil {
				onChunk(part.Text)
			}
		}
		if part.FunctionCall != nil {
			acc.calls = append(acc.calls, part.FunctionCall)
		}
	}
}

func (a *GeminiAdapter) FormatToolCallMessage(text string, call ToolCallInfo) Message {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Text: text})
	}
	parts = append(parts, Part{FunctionCall: &FunctionCall{Name: call.Name, Args: unmarshalArgs(call.Arguments)}})

	return Compose(Message{Role: RoleAssistant, Parts: parts})
}

func (a *GeminiAdapter) FormatToolResponseMessage(result, toolName, toolCallID string) Message {
	return Compose(Message{
		Role: RoleUser,
		Parts: []Part{{
			FunctionResponse: &FunctionResponse{
				Name:     toolName,
				Response: map[string]any{functionResponseKey: result},
			},
		}},
	})
}

func (a *GeminiAdapter) ExtractToolCallInfo(raw RawToolCall) (ToolCallInfo, error) {
	var call *genai.FunctionCall
	switch fc := raw.(type) {
	case *genai.FunctionCall:
		call = fc
	case genai.FunctionCall:
		call = &fc
	default:
		return ToolCallInfo{}, fmt.Errorf("%w: %T", ErrUnknownToolCall, raw)
	}
	if call == nil {
		return ToolCallInfo{}, fmt.Errorf("%w: nil function call", ErrUnknownToolCall)
	}

	return ToolCallInfo{
		ID:        partsKey(call.Name),
		Name:      call.Name,
		Arguments: marshalArgs(call.Args),
	}, nil
}

func (a *GeminiAdapter) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

func (a *GeminiAdapter) setUsage(usage Usage) {
	a.mu.Lock()
	a.usage = usage
	a.mu.Unlock()
}

func (a *GeminiAdapter) parseError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return errorFromStatus(ProviderKindGemini, apiErr.Code, nil, err)
	}
	return errorFromContext(ProviderKindGemini, err)
}

type geminiResult struct {
	response *genai.GenerateContentResponse

	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	first    *genai.GenerateContentResponse
	hasFirst bool
}

func (r *geminiResult) Streaming() bool { return r.next != nil }

func (r *geminiResult) Close() error {
	if r.stop != nil {
		r.stop()
	}
	return nil
}
