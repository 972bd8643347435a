package analytics

import (
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
)

const anonymousID = "gateway"

// Enqueuer is the part of posthog.Client the gateway uses.
type Enqueuer interface {
	Enqueue(posthog.Message) error
}

func distinctID(sessionID uuid.UUID) string {
	if sessionID == uuid.Nil {
		return anonymousID
	}
	return sessionID.String()
}

func EmitToolExecuted(client Enqueuer, sessionID uuid.UUID, provider string, modelName string, toolName string, durationMs int64, failed bool) error {
	return client.Enqueue(posthog.Capture{
		DistinctId: distinctID(sessionID),
		Event:      "tool_executed",
		Properties: map[string]interface{}{
			"session_id":  sessionID.String(),
			"provider":    provider,
			"model_name":  modelName,
			"tool_name":   toolName,
			"duration_ms": durationMs,
			"failed":      failed,
		},
	})
}

func EmitTurnCompleted(client Enqueuer, sessionID uuid.UUID, provider string, modelName string, turns int, toolCalls int, inputTokens int64, outputTokens int64, streaming bool, failed bool) error {
	return client.Enqueue(posthog.Capture{
		DistinctId: distinctID(sessionID),
		Event:      "turn_completed",
		Properties: map[string]interface{}{
			"session_id":    sessionID.String(),
			"provider":      provider,
			"model_name":    modelName,
			"turns":         turns,
			"tool_calls":    toolCalls,
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
			"streaming":     streaming,
			"failed":        failed,
		},
	})
}

func EmitHistorySanitized(client Enqueuer, sessionID uuid.UUID, orphaned int, droppedMessages int) error {
	return client.Enqueue(posthog.Capture{
		DistinctId: distinctID(sessionID),
		Event:      "history_sanitized",
		Properties: map[string]interface{}{
			"session_id":       sessionID.String(),
			"orphaned":         orphaned,
			"dropped_messages": droppedMessages,
		},
	})
}
