package analytics

import (
	"context"
	"log/slog"

	"github.com/meanderings/gateway/backend/event"
)

// Forwarder relays conversation telemetry from the event bus to posthog.
type Forwarder struct {
	client        Enqueuer
	subscriptions []*event.Subscription
}

func NewForwarder(bus *event.Bus, client Enqueuer) *Forwarder {
	f := &Forwarder{client: client}

	f.subscriptions = append(f.subscriptions,
		event.Subscribe[event.ToolExecuted](bus, f.toolExecuted, nil),
		event.Subscribe[event.TurnCompleted](bus, f.turnCompleted, nil),
		event.Subscribe[event.HistorySanitized](bus, f.historySanitized, nil),
	)
	return f
}

func (f *Forwarder) toolExecuted(ctx context.Context, e event.ToolExecuted) {
	err := EmitToolExecuted(f.client, e.SessionID, string(e.Provider), e.Model, e.ToolName, e.Duration.Milliseconds(), e.Failed())
	if err != nil {
		slog.WarnContext(ctx, "failed to enqueue analytics event", "event", "tool_executed", "error", err)
	}
}

func (f *Forwarder) turnCompleted(ctx context.Context, e event.TurnCompleted) {
	err := EmitTurnCompleted(f.client, e.SessionID, string(e.Provider), e.Model, e.Turns, e.ToolCalls,
		e.Usage.InputTokens, e.Usage.OutputTokens, e.Streaming, e.Error != "")
	if err != nil {
		slog.WarnContext(ctx, "failed to enqueue analytics event", "event", "turn_completed", "error", err)
	}
}

func (f *Forwarder) historySanitized(ctx context.Context, e event.HistorySanitized) {
	orphaned := len(e.Report.OrphanedToolUseIDs) + len(e.Report.OrphanedToolCallIDs) + len(e.Report.OrphanedFunctions)
	if err := EmitHistorySanitized(f.client, e.SessionID, orphaned, e.Report.DroppedMessages); err != nil {
		slog.WarnContext(ctx, "failed to enqueue analytics event", "event", "history_sanitized", "error", err)
	}
}

// Close stops forwarding. The posthog client is owned by the caller.
func (f *Forwarder) Close() {
	for _, sub := range f.subscriptions {
		sub.Unsubscribe()
	}
	f.subscriptions = nil
}
