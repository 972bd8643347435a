package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/meanderings/gateway/backend/toolbox"
)

const defaultAnthropicMaxTokens = 4096

type AnthropicMessageService interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
	NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// AnthropicAdapter speaks the content block family.
type AnthropicAdapter struct {
	service   AnthropicMessageService
	model     string
	transport transport

	mu    sync.Mutex
	usage Usage
}

var _ Adapter = (*AnthropicAdapter)(nil)

func NewAnthropicAdapter(apiKey, model string, opts ...ProviderOption) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	providerOptions := buildProviderOptions(ProviderKindAnthropic, opts)

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

	client := anthropic.NewClient(clientOptions...)
	return NewAnthropicAdapterWithService(&client.Messages, model, opts...)
}

func NewAnthropicAdapterWithService(service AnthropicMessageService, model string, opts ...ProviderOption) (*AnthropicAdapter, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	return &AnthropicAdapter{
		service:   service,
		model:     model,
		transport: newTransport(ProviderKindAnthropic, buildProviderOptions(ProviderKindAnthropic, opts)),
	}, nil
}

func (a *AnthropicAdapter) Provider() ProviderKind { return ProviderKindAnthropic }

func (a *AnthropicAdapter) Family() Family { return FamilyContentBlocks }

func (a *AnthropicAdapter) Model() string { return a.model }

func (a *AnthropicAdapter) TransformToolRegistry(definitions []toolbox.Definition) (ToolSet, []SkippedTool) {
	decls, skipped := declarations(ProviderKindAnthropic, definitions, lowerType)

	tools := make([]anthropic.ToolUnionParam, 0, len(decls))
	for _, d := range decls {
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.name,
				Description: anthropic.String(d.description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: d.properties,
					Required:   d.required,
				},
			},
		})
	}

	return ToolSet{Names: declarationNames(decls), Declarations: tools}, skipped
}

func (a *AnthropicAdapter) Send(ctx context.Context, history []Message, tools ToolSet, opts SendOptions) (TransportResult, error) {
	params := a.buildParams(history, tools, opts)

	if opts.Stream {
		stream, err := invoke(ctx, a.transport, func(ctx context.Context) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
			stream := a.service.NewStreaming(ctx, params)
			if err := stream.Err(); err != nil {
				stream.Close()
				return nil, a.parseError(err)
			}
			return stream, nil
		})
		if err != nil {
			return nil, err
		}
		return &anthropicResult{stream: stream}, nil
	}

	message, err := invoke(ctx, a.transport, func(ctx context.Context) (*anthropic.Message, error) {
		message, err := a.service.New(ctx, params)
		if err != nil {
			return nil, a.parseError(err)
		}
		return message, nil
	})
	if err != nil {
		return nil, err
	}
	return &anthropicResult{message: message}, nil
}

func (a *AnthropicAdapter) buildParams(history []Message, tools ToolSet, opts SendOptions) anthropic.MessageNewParams {
	system, turns := systemInstruction(opts.SystemPrompt, toTurns(history))

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages:  anthropicMessages(turns),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if declared, ok := tools.Declarations.([]anthropic.ToolUnionParam); ok && len(declared) > 0 {
		params.Tools = declared
	}

	return params
}

// anthropicMessages converts turns into alternating user and assistant
// messages. Tool results travel as tool_result blocks of a user message.
func anthropicMessages(turns []turn) []anthropic.MessageParam {
	var messages []anthropic.MessageParam

	for _, t := range turns {
		var blocks []anthropic.ContentBlockParamUnion
		for _, r := range t.results {
			blocks = append(blocks, anthropic.NewToolResultBlock(r.id, r.content, false))
		}
		if t.text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(t.text))
		}
		for _, c := range t.calls {
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    c.ID,
					Name:  c.Name,
					Input: json.RawMessage(c.Arguments),
				},
			})
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if t.role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			continue
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
	}

	return messages
}

func (a *AnthropicAdapter) ParseResponse(result TransportResult) (*Response, error) {
	r, ok := result.(*anthropicResult)
	if !ok || r.message == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, result)
	}
	return a.responseFromMessage(r.message), nil
}

func (a *AnthropicAdapter) ProcessStreamingResponse(ctx context.Context, result TransportResult, onChunk func(string)) (*Response, error) {
	r, ok := result.(*anthropicResult)
	if !ok || r.stream == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, result)
	}
	defer r.Close()

	message := anthropic.Message{}
	for r.stream.Next() {
		event := r.stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" && onChunk != nil {
				onChunk(delta.Text)
			}
		}
	}

	if err := r.stream.Err(); err != nil {
		return nil, a.parseError(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errorFromContext(ProviderKindAnthropic, err)
	}

	return a.responseFromMessage(&message), nil
}

func (a *AnthropicAdapter) responseFromMessage(message *anthropic.Message) *Response {
	response := &Response{
		StopReason: string(message.StopReason),
		Usage: Usage{
			InputTokens:      message.Usage.InputTokens,
			OutputTokens:     message.Usage.OutputTokens,
			CacheWriteTokens: message.Usage.CacheCreationInputTokens,
			CacheReadTokens:  message.Usage.CacheReadInputTokens,
		},
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			response.ToolCalls = append(response.ToolCalls, anthropic.ToolUseBlock{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	response.Text = text.String()

	a.setUsage(response.Usage)
	return response
}

func (a *AnthropicAdapter) FormatToolCallMessage(text string, call ToolCallInfo) Message {
	var blocks []ContentBlock
	if text != "" {
		blocks = append(blocks, TextBlock(text))
	}
	blocks = append(blocks, ToolUseBlock(call.ID, call.Name, json.RawMessage(argumentsJSON(json.RawMessage(call.Arguments)))))

	return Compose(Message{Role: RoleAssistant, Content: BlockContent(blocks...)})
}

func (a *AnthropicAdapter) FormatToolResponseMessage(result, toolName, toolCallID string) Message {
	return Compose(Message{
		Role:    RoleUser,
		Content: BlockContent(ToolResultBlock(toolCallID, result)),
	})
}

func (a *AnthropicAdapter) ExtractToolCallInfo(raw RawToolCall) (ToolCallInfo, error) {
	switch call := raw.(type) {
	case anthropic.ToolUseBlock:
		return ToolCallInfo{ID: call.ID, Name: call.Name, Arguments: argumentsJSON(call.Input)}, nil
	case *anthropic.ToolUseBlock:
		return ToolCallInfo{ID: call.ID, Name: call.Name, Arguments: argumentsJSON(call.Input)}, nil
	default:
		return ToolCallInfo{}, fmt.Errorf("%w: %T", ErrUnknownToolCall, raw)
	}
}

func (a *AnthropicAdapter) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

func (a *AnthropicAdapter) setUsage(usage Usage) {
	a.mu.Lock()
	a.usage = usage
	a.mu.Unlock()
}

func (a *AnthropicAdapter) parseError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return errorFromStatus(ProviderKindAnthropic, apiErr.StatusCode, header, err)
	}
	return errorFromContext(ProviderKindAnthropic, err)
}

type anthropicResult struct {
	message *anthropic.Message
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (r *anthropicResult) Streaming() bool { return r.stream != nil }

func (r *anthropicResult) Close() error {
	if r.stream == nil {
		return nil
	}
	return r.stream.Close()
}
