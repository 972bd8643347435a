package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/meanderings/gateway/backend/event"
	"github.com/meanderings/gateway/backend/model"
	"github.com/meanderings/gateway/backend/stream"
	"github.com/meanderings/gateway/backend/toolbox"
	"github.com/meanderings/gateway/shared"
	"github.com/meanderings/gateway/shared/conv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const DefaultMaxTurns = 10

// ToolRegistry supplies the tools offered to the model and executes them.
type ToolRegistry interface {
	toolbox.Invoker
	Definitions() []toolbox.Definition
}

type Options struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int64
	MaxTurns     int
	Bus          *event.Bus
	Metrics      *prometheus.Registry
	Observer     StateObserver
}

func DefaultOptions() *Options {
	return &Options{MaxTurns: DefaultMaxTurns}
}

type Option func(*Options)

func WithSystemPrompt(prompt string) Option {
	return func(o *Options) {
		o.SystemPrompt = prompt
	}
}

func WithTemperature(temperature float64) Option {
	return func(o *Options) {
		o.Temperature = temperature
	}
}

func WithMaxTokens(maxTokens int64) Option {
	return func(o *Options) {
		o.MaxTokens = maxTokens
	}
}

func WithMaxTurns(maxTurns int) Option {
	return func(o *Options) {
		o.MaxTurns = maxTurns
	}
}

func WithEventBus(bus *event.Bus) Option {
	return func(o *Options) {
		o.Bus = bus
	}
}

func WithMetrics(registry *prometheus.Registry) Option {
	return func(o *Options) {
		o.Metrics = registry
	}
}

func WithStateObserver(observer StateObserver) Option {
	return func(o *Options) {
		o.Observer = observer
	}
}

// Orchestrator runs the request, tool, result loop of a conversation turn
// against one adapter. It holds no per-conversation state.
type Orchestrator struct {
	adapter  model.Adapter
	registry ToolRegistry
	options  *Options
	metrics  *orchestratorMetrics
}

func New(adapter model.Adapter, registry ToolRegistry, opts ...Option) *Orchestrator {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.MaxTurns <= 0 {
		options.MaxTurns = DefaultMaxTurns
	}

	return &Orchestrator{
		adapter:  adapter,
		registry: registry,
		options:  options,
		metrics:  newOrchestratorMetrics(options.Metrics),
	}
}

func (o *Orchestrator) Adapter() model.Adapter {
	return o.adapter
}

// Result is the outcome of a completed turn.
type Result struct {
	Response *model.Response
	// CompleteMessages is the sanitized history including every message
	// added during the turn. It never contains the configured system prompt.
	CompleteMessages []model.Message
	// Usage is summed over every provider call of the turn.
	Usage     model.Usage
	Cost      decimal.Decimal
	Turns     int
	ToolCalls int
}

type sessionKey struct{}

// WithSessionID attaches the id that published events are tagged with.
func WithSessionID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

func SessionIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(sessionKey{}).(uuid.UUID)
	return id
}

// MakeAPICall appends userInput (when not empty) to history and calls the
// provider until it answers without requesting a tool. Only the first tool
// call of a response is executed. The caller's history is not modified.
func (o *Orchestrator) MakeAPICall(ctx context.Context, history []model.Message, userInput string, sink stream.Sink, streaming bool) (*Result, error) {
	if o.adapter == nil {
		return nil, shared.Wrap(shared.ErrorSourceSystem, ErrNoAdapter, "")
	}
	if sink == nil {
		sink = stream.Discard
	}

	start := time.Now()
	state := &ConversationState{
		State:   StateAwaitingCall,
		History: model.CloneMessages(history),
	}
	if userInput != "" {
		state.History = append(state.History, model.Compose(model.NewTextMessage(model.RoleUser, userInput)))
	}

	result, err := o.run(ctx, state, sink, streaming)
	if err != nil {
		o.transition(ctx, state, StateError)
	}

	o.complete(ctx, state, start, streaming, err)
	if err != nil {
		return nil, err
	}

	o.emit(ctx, sink, stream.Done())
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, state *ConversationState, sink stream.Sink, streaming bool) (*Result, error) {
	for {
		if state.Turn >= o.options.MaxTurns {
			return nil, shared.Wrap(shared.ErrorSourceAgent, fmt.Errorf("%w: %d provider calls", ErrMaxTurnsExceeded, state.Turn), "")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state.History = o.sanitize(ctx, state.History)
		tools := o.tools()
		sendOptions := model.SendOptions{
			SystemPrompt: o.systemPrompt(state.History),
			Stream:       streaming,
			Temperature:  o.options.Temperature,
			MaxTokens:    o.options.MaxTokens,
		}

		o.transition(ctx, state, StateInFlight)
		state.Turn++
		response, err := o.call(ctx, state.History, tools, sendOptions, sink)
		if err != nil {
			return nil, err
		}
		state.Usage = state.Usage.Add(response.Usage)

		if !response.HasToolCalls() {
			o.transition(ctx, state, StateFinal)

			if streaming {
				o.emit(ctx, sink, stream.Sentence("", true))
			} else {
				o.emit(ctx, sink, stream.Sentence(response.Text, true))
			}
			o.emit(ctx, sink, stream.AssistantTurn(response.Text))

			state.History = append(state.History, model.Compose(model.NewTextMessage(model.RoleAssistant, response.Text)))
			o.transition(ctx, state, StateDone)

			return &Result{
				Response:         response,
				CompleteMessages: state.History,
				Usage:            state.Usage,
				Cost:             o.cost(state.Usage),
				Turns:            state.Turn,
				ToolCalls:        state.ToolCalls,
			}, nil
		}

		o.transition(ctx, state, StateToolRequested)
		if n := len(response.ToolCalls); n > 1 {
			slog.WarnContext(ctx, "response requested several tools, executing only the first", "requested", n)
		}

		call, err := o.adapter.ExtractToolCallInfo(response.ToolCalls[0])
		if err != nil {
			return nil, shared.Wrap(shared.ErrorSourceProvider, err, "failed to read tool call")
		}
		state.Pending = &PendingToolCall{Call: call, Text: response.Text}
		state.History = append(state.History, o.adapter.FormatToolCallMessage(response.Text, call))

		o.transition(ctx, state, StateExecutingTool)
		o.emit(ctx, sink, stream.ToolExecuting(call.Name))

		state.ToolCalls++
		output, err := o.execute(ctx, state, call)
		if err != nil {
			o.emit(ctx, sink, stream.Error(err))
			return nil, toolError(call.Name, call.ID, err)
		}
		o.emit(ctx, sink, stream.ToolCompleted(call.Name, output))

		state.History = append(state.History, o.adapter.FormatToolResponseMessage(output, call.Name, call.ID))
		state.Pending = nil
		o.transition(ctx, state, StateResultAppended)
		o.transition(ctx, state, StateAwaitingCall)
	}
}

// sanitize removes orphaned tool references and tags every message with its
// shape.
func (o *Orchestrator) sanitize(ctx context.Context, history []model.Message) []model.Message {
	filtered, report := model.FilterMessagesWithReport(history)
	if !report.Empty() {
		o.metrics.orphansRemoved(len(report.OrphanedToolUseIDs) + len(report.OrphanedToolCallIDs) + len(report.OrphanedFunctions))
		if o.options.Bus != nil {
			event.Publish(o.options.Bus, event.HistorySanitized{SessionID: SessionIDFromContext(ctx), Report: report})
		}
	}
	return model.ComposeAll(filtered)
}

func (o *Orchestrator) tools() model.ToolSet {
	if o.registry == nil {
		return model.ToolSet{}
	}
	tools, _ := o.adapter.TransformToolRegistry(o.registry.Definitions())
	return tools
}

// systemPrompt returns the configured prompt unless the history already
// carries a system message.
func (o *Orchestrator) systemPrompt(history []model.Message) string {
	for _, m := range history {
		if m.Role == model.RoleSystem {
			return ""
		}
	}
	return o.options.SystemPrompt
}

// call sends one request. Its errors are attributed to the provider; the
// message of the underlying error is kept as is.
func (o *Orchestrator) call(ctx context.Context, history []model.Message, tools model.ToolSet, opts model.SendOptions, sink stream.Sink) (*model.Response, error) {
	result, err := o.adapter.Send(ctx, history, tools, opts)
	if err != nil {
		return nil, shared.Wrap(shared.ErrorSourceProvider, err, "")
	}

	var response *model.Response
	if opts.Stream && result.Streaming() {
		response, err = o.adapter.ProcessStreamingResponse(ctx, result, func(chunk string) {
			o.emit(ctx, sink, stream.Sentence(chunk, false))
		})
	} else {
		defer result.Close()
		response, err = o.adapter.ParseResponse(result)
	}
	if err != nil {
		return nil, shared.Wrap(shared.ErrorSourceProvider, err, "")
	}
	return response, nil
}

func (o *Orchestrator) execute(ctx context.Context, state *ConversationState, call model.ToolCallInfo) (string, error) {
	start := time.Now()

	var (
		output string
		err    error
	)
	if o.registry == nil {
		err = ErrNoInvoker
	} else {
		output, err = o.registry.Invoke(ctx, call.Name, call.Arguments)
	}
	duration := time.Since(start)

	o.metrics.toolExecuted(call.Name, duration, err)

	executed := event.ToolExecuted{
		SessionID:  SessionIDFromContext(ctx),
		Provider:   o.adapter.Provider(),
		Model:      o.adapter.Model(),
		Turn:       state.Turn,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Duration:   duration,
	}
	if err != nil {
		executed.Error = err.Error()
		slog.ErrorContext(ctx, "tool execution failed", "tool", call.Name, "tool_call_id", call.ID, "error", err)
	} else {
		slog.DebugContext(ctx, "tool executed", "tool", call.Name, "tool_call_id", call.ID, "duration", duration, "output", conv.Truncate(output, 200))
	}
	if o.options.Bus != nil {
		event.Publish(o.options.Bus, executed)
	}

	return output, err
}

func (o *Orchestrator) complete(ctx context.Context, state *ConversationState, start time.Time, streaming bool, err error) {
	o.metrics.turnCompleted(string(o.adapter.Provider()), err)

	if o.options.Bus == nil {
		return
	}

	completed := event.TurnCompleted{
		SessionID: SessionIDFromContext(ctx),
		Provider:  o.adapter.Provider(),
		Model:     o.adapter.Model(),
		Turns:     state.Turn,
		Usage:     state.Usage,
		Duration:  time.Since(start),
		Streaming: streaming,
		ToolCalls: state.ToolCalls,
	}
	if err != nil {
		completed.Error = err.Error()
	}
	event.Publish(o.options.Bus, completed)
}

func (o *Orchestrator) cost(usage model.Usage) decimal.Decimal {
	m, ok := model.LookupModel(o.adapter.Provider(), o.adapter.Model())
	if !ok {
		return decimal.Zero
	}
	return usage.Cost(m.Pricing)
}

func (o *Orchestrator) transition(ctx context.Context, state *ConversationState, to State) {
	from := state.State
	if !CanTransition(from, to) {
		slog.ErrorContext(ctx, "invalid state transition", "from", from, "to", to, "turn", state.Turn)
	}
	state.State = to

	slog.DebugContext(ctx, "state transition", "from", from, "to", to, "turn", state.Turn)
	if o.options.Observer != nil {
		o.options.Observer(Transition{From: from, To: to, Turn: state.Turn})
	}
}

// emit delivers an event to the sink. A failing sink does not abort the
// turn; the history stays consistent for the next one.
func (o *Orchestrator) emit(ctx context.Context, sink stream.Sink, e stream.Event) {
	if err := sink.Emit(ctx, e); err != nil {
		slog.WarnContext(ctx, "failed to emit event", "kind", e.Kind, "error", err)
	}
}
