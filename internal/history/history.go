// Package history defines the narrow interface to whatever thread-history
// persistence the host application provides. The engine works without one;
// hosts that keep conversation history (for cross-visit restore or audit)
// plug an implementation in.
package history

import (
	"context"
	"time"
)

// Record is one persisted message, decoupled from the engine's in-memory
// message type so storage backends never see engine internals.
type Record struct {
	ID        string
	Role      string
	Content   string
	Status    string
	ErrorText string
	CreatedAt time.Time
}

// Store persists thread history keyed by session identifier.
type Store interface {
	// SaveMessage appends one message to the session's history.
	SaveMessage(ctx context.Context, sessionID string, rec Record) error

	// LoadThread returns the session's messages in conversation order.
	LoadThread(ctx context.Context, sessionID string) ([]Record, error)

	// ClearThread removes the session's history (new-conversation path).
	ClearThread(ctx context.Context, sessionID string) error
}
