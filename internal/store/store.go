// Package store provides the optional transcript log of chat messages.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashureev/adk-chat-ui/internal/domain"
)

// Transcript records chat messages outside the session cache.
// Entries are written for auditing only and are never loaded back.
type Transcript interface {
	// Record queues a message for writing. It never blocks the caller.
	Record(agentName, userID, sessionID string, msg domain.Message)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close flushes queued entries and releases the store.
	Close() error
}

// Entry is one persisted transcript row.
type Entry struct {
	ID        string
	Agent     string
	UserID    string
	SessionID string
	Role      domain.Role
	Content   string
	RawEvents []json.RawMessage
	CreatedAt time.Time
}

// Noop is a Transcript that discards everything.
type Noop struct{}

func (Noop) Record(string, string, string, domain.Message) {}
func (Noop) Ping(context.Context) error                     { return nil }
func (Noop) Close() error                                   { return nil }

var (
	_ Transcript = Noop{}
	_ Transcript = (*SQLiteStore)(nil)
)
