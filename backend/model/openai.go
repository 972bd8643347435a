package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/meanderings/gateway/backend/toolbox"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

type OpenAIChatCompletionService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// OpenAIAdapter speaks the tool_calls family through the chat completions
// API.
type OpenAIAdapter struct {
	chatService OpenAIChatCompletionService
	model       string
	transport   transport

	mu    sync.Mutex
	usage Usage
}

var _ Adapter = (*OpenAIAdapter)(nil)

func NewOpenAIAdapter(apiKey, model string, opts ...ProviderOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	providerOptions := buildProviderOptions(ProviderKindOpenAI, opts)

	clientOptions := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if providerOptions.URL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(providerOptions.URL))
	}
	if providerOptions.HTTPClient != nil {
		clientOptions = append(clientOptions, option.WithHTTPClient(providerOptions.HTTPClient))
	}

	client := openai.NewClient(clientOptions...)
	return NewOpenAIAdapterWithService(&client.Chat.Completions, model, opts...)
}

func NewOpenAIAdapterWithService(service OpenAIChatCompletionService, model string, opts ...ProviderOption) (*OpenAIAdapter, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	return &OpenAIAdapter{
		chatService: service,
		model:       model,
		transport:   newTransport(ProviderKindOpenAI, buildProviderOptions(ProviderKindOpenAI, opts)),
	}, nil
}

func (a *OpenAIAdapter) Provider() ProviderKind { return ProviderKindOpenAI }

func (a *OpenAIAdapter) Family() Family { return FamilyToolCalls }

func (a *OpenAIAdapter) Model() string { return a.model }

func (a *OpenAIAdapter) TransformToolRegistry(definitions []toolbox.Definition) (ToolSet, []SkippedTool) {
	decls, skipped := declarations(ProviderKindOpenAI, definitions, lowerType)

	tools := make([]openai.ChatCompletionToolParam, 0, len(decls))
	for _, d := range decls {
		parameters := shared.FunctionParameters{
			"type":       "object",
			"properties": d.properties,
		}
		if len(d.required) > 0 {
			parameters["required"] = d.required
		}

		tools = append(tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        d.name,
				Description: openai.String(d.description),
				Parameters:  parameters,
			},
		})
	}

	return ToolSet{Names: declarationNames(decls), Declarations: tools}, skipped
}

func (a *OpenAIAdapter) Send(ctx context.Context, history []Message, tools ToolSet, opts SendOptions) (TransportResult, error) {
	params := a.buildParams(history, tools, opts)

	if opts.Stream {
		stream, err := invoke(ctx, a.transport, func(ctx context.Context) (*ssestream.Stream[openai.ChatCompletionChunk], error) {
			stream := a.chatService.NewStreaming(ctx, params)
			if err := stream.Err(); err != nil {
				stream.Close()
				return nil, a.parseError(err)
			}
			return stream, nil
		})
		if err != nil {
			return nil, err
		}
		return &openAIResult{stream: stream}, nil
	}

	completion, err := invoke(ctx, a.transport, func(ctx context.Context) (*openai.ChatCompletion, error) {
		completion, err := a.chatService.New(ctx, params)
		if err != nil {
			return nil, a.parseError(err)
		}
		return completion, nil
	})
	if err != nil {
		return nil, err
	}
	return &openAIResult{completion: completion}, nil
}

func (a *OpenAIAdapter) buildParams(history []Message, tools ToolSet, opts SendOptions) openai.ChatCompletionNewParams {
	system, turns := systemInstruction(opts.SystemPrompt, toTurns(history))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.model),
		Messages: openAIMessages(system, turns),
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(opts.MaxTokens)
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if declared, ok := tools.Declarations.([]openai.ChatCompletionToolParam); ok && len(declared) > 0 {
		params.Tools = declared
	}
	if opts.Stream {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	}

	return params
}

// openAIMessages converts turns into chat messages. Every tool result becomes
// its own tool role message.
func openAIMessages(system string, turns []turn) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}

	for _, t := range turns {
		if t.role == RoleAssistant {
			if t.text == "" && len(t.calls) == 0 {
				continue
			}

			assistant := openai.ChatCompletionAssistantMessageParam{}
			if t.text != "" {
				assistant.Content.OfString = openai.String(t.text)
			}
			for _, c := range t.calls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: c.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: c.Arguments,
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			continue
		}

		for _, r := range t.results {
			messages = append(messages, openai.ToolMessage(r.content, r.id))
		}
		if t.text != "" {
			messages = append(messages, openai.UserMessage(t.text))
		}
	}

	return messages
}

func (a *OpenAIAdapter) ParseResponse(result TransportResult) (*Response, error) {
	r, ok := result.(*openAIResult)
	if !ok || r.completion == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, result)
	}
	return a.responseFromCompletion(r.completion), nil
}

func (a *OpenAIAdapter) ProcessStreamingResponse(ctx context.Context, result TransportResult, onChunk func(string)) (*Response, error) {
	r, ok := result.(*openAIResult)
	if !ok || r.stream == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, result)
	}
	defer r.Close()

	acc := openai.ChatCompletionAccumulator{}
	for r.stream.Next() {
		chunk := r.stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && onChunk != nil {
			onChunk(chunk.Choices[0].Delta.Content)
		}
	}

	if err := r.stream.Err(); err != nil {
		return nil, a.parseError(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errorFromContext(ProviderKindOpenAI, err)
	}

	return a.responseFromCompletion(&acc.ChatCompletion), nil
}

func (a *OpenAIAdapter) responseFromCompletion(completion *openai.ChatCompletion) *Response {
	cached := completion.Usage.PromptTokensDetails.CachedTokens
	response := &Response{
		Usage: Usage{
			InputTokens:     completion.Usage.PromptTokens - cached,
			OutputTokens:    completion.Usage.CompletionTokens,
			CacheReadTokens: cached,
		},
	}

	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		response.Text = choice.Message.Content
		response.StopReason = string(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			response.ToolCalls = append(response.ToolCalls, tc)
		}
	}

	a.setUsage(response.Usage)
	return response
}

func (a *OpenAIAdapter) FormatToolCallMessage(text string, call ToolCallInfo) Message {
	msg := Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{{
			ID:   call.ID,
			Type: ToolCallTypeFunction,
			Function: ToolCallFunction{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		}},
	}
	if text != "" {
		msg.Content = TextContent(text)
	}
	return Compose(msg)
}

func (a *OpenAIAdapter) FormatToolResponseMessage(result, toolName, toolCallID string) Message {
	return Compose(Message{
		Role:       RoleTool,
		ToolCallID: toolCallID,
		Name:       toolName,
		Content:    TextContent(result),
	})
}

func (a *OpenAIAdapter) ExtractToolCallInfo(raw RawToolCall) (ToolCallInfo, error) {
	var call openai.ChatCompletionMessageToolCall
	switch tc := raw.(type) {
	case openai.ChatCompletionMessageToolCall:
		call = tc
	case *openai.ChatCompletionMessageToolCall:
		call = *tc
	default:
		return ToolCallInfo{}, fmt.Errorf("%w: %T", ErrUnknownToolCall, raw)
	}

	return ToolCallInfo{ID: call.ID, Name: call.Function.Name, Arguments: argumentsJSON(json.RawMessage(call.Function.Arguments))}, nil
}

func (a *OpenAIAdapter) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

func (a *OpenAIAdapter) setUsage(usage Usage) {
	a.mu.Lock()
	a.usage = usage
	a.mu.Unlock()
}

func (a *OpenAIAdapter) parseError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return errorFromStatus(ProviderKindOpenAI, apiErr.StatusCode, header, err)
	}
	return errorFromContext(ProviderKindOpenAI, err)
}

type openAIResult struct {
	completion *openai.ChatCompletion
	stream     *ssestream.Stream[openai.ChatCompletionChunk]
}

func (r *openAIResult) Streaming() bool { return r.stream != nil }

func (r *openAIResult) Close() error {
	if r.stream == nil {
		return nil
	}
	return r.stream.Close()
}
