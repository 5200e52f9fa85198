package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrEmptyMessage = errors.New("message must not be empty")
)

// Store is the authoritative in-process owner of all conversation state.
// All mutation goes through its methods; returned sessions are clones.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	window   int
	maxAge   time.Duration
	locks    *keyedMutex

	totalConversations int64
	totalMessages      int64
}

func NewStore(window int, maxAge time.Duration) *Store {
	if window <= 0 {
		window = 15
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Store{
		sessions: make(map[string]*Session),
		window:   window,
		maxAge:   maxAge,
		locks:    newKeyedMutex(),
	}
}

// LockKey serializes turns for a single session key. Callers hold the lock
// across the whole turn (append, completion call, mirror write) so two
// concurrent turns for the same key cannot interleave. The janitor acquires
// the same lock before removing a session.
func (s *Store) LockKey(key string) (unlock func()) {
	return s.locks.Lock(key)
}

// GetOrCreate returns the session for key, creating a fresh one on first
// sight. The second return reports whether a new session was created.
func (s *Store) GetOrCreate(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return clone(sess), false
	}
	now := time.Now().UTC()
	sess := &Session{
		Key:          key,
		Messages:     make([]Message, 0, s.window),
		CreatedAt:    now,
		LastActivity: now,
	}
	s.sessions[key] = sess
	s.totalConversations++
	return clone(sess), true
}

// AppendUser records an inbound user message: bumps the turn counter and
// activity time, then trims the history to the configured window.
func (s *Store) AppendUser(key, text string) (*Session, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	sess.MessageCount++
	sess.LastActivity = now
	sess.Messages = append(sess.Messages, Message{Role: RoleUser, Content: text, Timestamp: now})
	s.trim(sess)
	s.totalMessages++
	return clone(sess), nil
}

// AppendAssistant records the generated reply. A turn adds at most two
// messages, so the user-append trim already bounds the window; trimming
// again here keeps the invariant locally obvious.
func (s *Store) AppendAssistant(key, text string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	sess.Messages = append(sess.Messages, Message{Role: RoleAssistant, Content: text, Timestamp: time.Now().UTC()})
	s.trim(sess)
	s.totalMessages++
	return clone(sess), nil
}

func (s *Store) trim(sess *Session) {
	if len(sess.Messages) > s.window {
		kept := make([]Message, s.window)
		copy(kept, sess.Messages[len(sess.Messages)-s.window:])
		sess.Messages = kept
	}
}

func (s *Store) Get(key string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

// List returns summaries of all live sessions in no particular order.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Summary{
			Key:          sess.Key,
			MessageCount: sess.MessageCount,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
		})
	}
	return out
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, key)
	return nil
}

// SetRemoteID links the session to its mirrored conversation record. The id
// sticks on first write; later calls return the id that won, so a retried
// persist can never fork a second remote record.
func (s *Store) SetRemoteID(key, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return "", ErrNotFound
	}
	if sess.RemoteID != "" {
		return sess.RemoteID, nil
	}
	sess.RemoteID = id
	return id, nil
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		TotalConversations: s.totalConversations,
		TotalMessages:      s.totalMessages,
		ActiveSessions:     len(s.sessions),
	}
}

// SweepExpired removes every session idle longer than the configured max age
// and reports how many were removed. Each candidate is re-checked under its
// turn lock so the sweep cannot race a turn that just revived the session.
func (s *Store) SweepExpired(now time.Time) int {
	cutoff := now.Add(-s.maxAge)

	s.mu.RLock()
	candidates := make([]string, 0)
	for key, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			candidates = append(candidates, key)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, key := range candidates {
		unlock := s.locks.Lock(key)
		s.mu.Lock()
		sess, ok := s.sessions[key]
		if ok && sess.LastActivity.Before(cutoff) {
			delete(s.sessions, key)
			removed++
		}
		s.mu.Unlock()
		unlock()
	}
	return removed
}

// StartJanitor runs SweepExpired on a ticker until ctx is cancelled.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := s.SweepExpired(time.Now().UTC())
				if onSweep != nil {
					onSweep(removed)
				}
			}
		}
	}()
}

func clone(sess *Session) *Session {
	c := *sess
	c.Messages = make([]Message, len(sess.Messages))
	copy(c.Messages, sess.Messages)
	return &c
}
