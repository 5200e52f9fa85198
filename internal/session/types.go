package session

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a session's rolling history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the per-caller conversation state. Messages holds at most the
// configured window of recent entries; MessageCount keeps counting past trims.
type Session struct {
	Key          string    `json:"sessionId"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`

	// RemoteID links the session to its mirrored conversation record.
	// Empty until the first successful mirror write; set at most once.
	RemoteID string `json:"conversationId,omitempty"`
}

// Summary is the administrative listing view of a session.
type Summary struct {
	Key          string    `json:"sessionId"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Stats are process-wide aggregate counters.
type Stats struct {
	TotalConversations int64 `json:"totalConversations"`
	TotalMessages      int64 `json:"totalMessages"`
	ActiveSessions     int   `json:"activeSessions"`
}
