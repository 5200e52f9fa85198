// Package relay orchestrates one chat turn: append the user message, fetch a
// completion, append the reply, then mirror the post-turn state best-effort.
package relay

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/antoniostano/chatrelay/internal/completion"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/session"
)

// Persister mirrors a session to the remote conversation store.
type Persister interface {
	Persist(ctx context.Context, sess *session.Session) (string, error)
}

type Service struct {
	sessions    *session.Store
	provider    completion.Provider
	mirror      Persister // nil when mirroring is disabled
	metrics     *observability.Metrics
	turnTimeout time.Duration
}

func New(sessions *session.Store, provider completion.Provider, mirror Persister, metrics *observability.Metrics, turnTimeout time.Duration) *Service {
	if turnTimeout <= 0 {
		turnTimeout = 60 * time.Second
	}
	return &Service{
		sessions:    sessions,
		provider:    provider,
		mirror:      mirror,
		metrics:     metrics,
		turnTimeout: turnTimeout,
	}
}

// SessionInfo is the per-turn metadata returned alongside the reply.
type SessionInfo struct {
	MessageCount   int    `json:"messageCount"`
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type TurnResult struct {
	Response string      `json:"response"`
	Info     SessionInfo `json:"sessionInfo"`
}

// Respond runs one full turn for the given session key. Turns for the same
// key are serialized; turns for different keys proceed in parallel. When the
// provider fails, the user message stays recorded and no synthetic assistant
// message is appended.
func (s *Service) Respond(ctx context.Context, key, text string) (TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return TurnResult{}, session.ErrEmptyMessage
	}
	start := time.Now()

	unlock := s.sessions.LockKey(key)
	defer unlock()

	_, created := s.sessions.GetOrCreate(key)
	if created {
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
		s.metrics.ActiveSessions.Set(float64(s.sessions.Stats().ActiveSessions))
	}

	snap, err := s.sessions.AppendUser(key, text)
	if err != nil {
		return TurnResult{}, err
	}
	s.metrics.Messages.WithLabelValues(string(session.RoleUser)).Inc()

	turnCtx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()

	reply, err := s.provider.Complete(turnCtx, snap.Messages)
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues(s.provider.Name(), errorCode(err)).Inc()
		return TurnResult{}, err
	}

	snap, err = s.sessions.AppendAssistant(key, reply)
	if err != nil {
		return TurnResult{}, err
	}
	s.metrics.Messages.WithLabelValues(string(session.RoleAssistant)).Inc()

	// Mirror the post-turn state. The reference system awaits this before
	// responding, so the conversation id is present as soon as the first
	// persist succeeds; failures downgrade to a warning and the turn still
	// completes from local state.
	if s.mirror != nil {
		wasNew := snap.RemoteID == ""
		id, perr := s.mirror.Persist(turnCtx, snap)
		switch {
		case perr != nil:
			log.Printf("mirror persist failed for session %s: %v", key, perr)
			s.metrics.MirrorWrites.WithLabelValues("failed").Inc()
		case wasNew:
			snap.RemoteID = id
			s.metrics.MirrorWrites.WithLabelValues("created").Inc()
		default:
			s.metrics.MirrorWrites.WithLabelValues("updated").Inc()
		}
	}

	s.metrics.ObserveTurnLatency(time.Since(start))
	return TurnResult{
		Response: reply,
		Info: SessionInfo{
			MessageCount:   snap.MessageCount,
			SessionID:      snap.Key,
			ConversationID: snap.RemoteID,
		},
	}, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, completion.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, completion.ErrMisconfigured):
		return "misconfigured"
	default:
		return "internal"
	}
}
