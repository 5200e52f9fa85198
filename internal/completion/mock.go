package completion

import (
	"context"
	"fmt"

	"github.com/antoniostano/chatrelay/internal/session"
)

// MockProvider is a local fallback used when no OpenAI key is configured.
// It echoes the latest user message so end-to-end flows stay exercisable.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Complete(_ context.Context, messages []session.Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == session.RoleUser {
			return fmt.Sprintf("You said: %s", messages[i].Content), nil
		}
	}
	return "Hello! How can I help you today?", nil
}
