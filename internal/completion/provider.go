package completion

import (
	"context"
	"errors"

	"github.com/antoniostano/chatrelay/internal/session"
)

var (
	// ErrUnavailable marks quota, outage and timeout failures from the
	// completion provider; callers surface it as 503.
	ErrUnavailable = errors.New("completion provider unavailable")

	// ErrMisconfigured marks credential problems; callers surface a
	// generic 500 without leaking detail.
	ErrMisconfigured = errors.New("completion provider misconfigured")
)

// Provider generates one assistant reply from a role-tagged message list.
type Provider interface {
	Complete(ctx context.Context, messages []session.Message) (string, error)
	Name() string
}
