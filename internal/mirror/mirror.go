// Package mirror reconciles in-memory session state with the remote
// conversation store. Local state stays authoritative; remote failures are
// reported back but never block the caller-facing turn.
package mirror

import (
	"context"
	"fmt"

	"github.com/antoniostano/chatrelay/internal/session"
)

// RemoteStore is the subset of the conversation store the mirror writes to.
type RemoteStore interface {
	Create(ctx context.Context, sessionKey string, messages []session.Message) (string, error)
	Update(ctx context.Context, conversationID string, messages []session.Message) error
}

// RemoteIDSetter records the remote identifier on the authoritative session.
type RemoteIDSetter interface {
	SetRemoteID(key, id string) (string, error)
}

type Mirror struct {
	store    RemoteStore
	sessions RemoteIDSetter
}

func New(store RemoteStore, sessions RemoteIDSetter) *Mirror {
	return &Mirror{store: store, sessions: sessions}
}

// Persist mirrors the session's post-turn message list. The first successful
// call creates a remote record and pins its id on the session; every later
// call overwrites that same record. Callers run under the session's turn
// lock, so two turns for one key can never race a double create.
func (m *Mirror) Persist(ctx context.Context, sess *session.Session) (string, error) {
	if sess.RemoteID != "" {
		if err := m.store.Update(ctx, sess.RemoteID, sess.Messages); err != nil {
			return sess.RemoteID, fmt.Errorf("mirror update %s: %w", sess.RemoteID, err)
		}
		return sess.RemoteID, nil
	}

	id, err := m.store.Create(ctx, sess.Key, sess.Messages)
	if err != nil {
		return "", fmt.Errorf("mirror create: %w", err)
	}
	pinned, err := m.sessions.SetRemoteID(sess.Key, id)
	if err != nil {
		// Session vanished between turn end and persist (deleted or swept);
		// the record stays behind and a future turn creates a fresh one.
		return id, nil
	}
	return pinned, nil
}
