package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
	"github.com/meanderings/gateway/backend/model"
	"github.com/meanderings/gateway/backend/stream"
)

const (
	DefaultSessionCapacity = 1000
	DefaultSessionTTL      = time.Hour
)

// Inbound is one client request for a session.
type Inbound struct {
	UserInput string `json:"user_input"`
	// ChatMessages, when not empty, replaces the stored history.
	ChatMessages []model.Message `json:"chat_messages,omitempty"`
}

type session struct {
	mu      sync.Mutex
	history []model.Message
}

// Sessions keeps the history of each conversation between requests. Idle
// sessions expire after the configured TTL; the least recently used ones are
// evicted once capacity is reached.
type Sessions struct {
	orchestrator *Orchestrator
	sessions     *otter.CacheWithVariableTTL[uuid.UUID, *session]
	ttl          time.Duration
	mu           sync.Mutex
}

func NewSessions(orchestrator *Orchestrator, capacity int, ttl time.Duration) (*Sessions, error) {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	cache, err := otter.MustBuilder[uuid.UUID, *session](capacity).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}

	return &Sessions{
		orchestrator: orchestrator,
		sessions:     &cache,
		ttl:          ttl,
	}, nil
}

func (s *Sessions) get(id uuid.UUID) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions.Get(id)
	if !ok {
		sess = &session{}
	}
	// refresh the expiry on every access
	s.sessions.Set(id, sess, s.ttl)
	return sess
}

// Handle runs one turn of session id. Turns of the same session run one at a
// time; the stored history only advances when the turn succeeds.
func (s *Sessions) Handle(ctx context.Context, id uuid.UUID, in Inbound, sink stream.Sink, streaming bool) (*Result, error) {
	sess := s.get(id)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	history := sess.history
	if len(in.ChatMessages) > 0 {
		history = in.ChatMessages
	}

	result, err := s.orchestrator.MakeAPICall(WithSessionID(ctx, id), history, in.UserInput, sink, streaming)
	if err != nil {
		slog.ErrorContext(ctx, "session turn failed", "session_id", id, "error", err)
		return nil, err
	}

	sess.history = result.CompleteMessages
	return result, nil
}

// History returns a copy of the stored history of session id.
func (s *Sessions) History(id uuid.UUID) []model.Message {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return model.CloneMessages(sess.history)
}

func (s *Sessions) Reset(id uuid.UUID) {
	s.sessions.Delete(id)
}

func (s *Sessions) Len() int {
	return s.sessions.Size()
}

func (s *Sessions) Close() {
	s.sessions.Close()
}
