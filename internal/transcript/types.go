package transcript

import (
	"context"
	"strings"
	"time"
)

// Record is one persisted conversational message.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	LearnerID   string    `json:"learner_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists finalized conversation messages. In-flight turn state never
// touches the store; only messages the controller has appended to history.
type Store interface {
	Append(ctx context.Context, record Record) error
	History(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}

// NewStore picks the backend from configuration: Postgres when a database
// URL is set, otherwise the in-process store.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
