package agent

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/ashureev/adk-chat-ui/internal/domain"
)

// Upstream is the remote agent service as seen by the relay.
// Implementations absorb transport and parse failures and return neutral values.
type Upstream interface {
	ListAgents(ctx context.Context) []string
	CreateSession(ctx context.Context, agentName, userID, sessionID string) bool
	DeleteSession(ctx context.Context, agentName, userID, sessionID string) bool
	GetSessions(ctx context.Context, agentName, userID string) map[string]domain.SessionRecord
	GetSingleSession(ctx context.Context, agentName, userID, sessionID string) domain.SessionDetail

	// SendMessage returns nil when no reply is available.
	SendMessage(ctx context.Context, agentName, userID, sessionID, message string) *Reply

	// SendMessageStream yields upstream events in arrival order. A failure is
	// yielded once as a *StreamError and ends the sequence.
	SendMessageStream(ctx context.Context, agentName, userID, sessionID, message string) iter.Seq2[json.RawMessage, error]
}

// History is the local session cache used by the relay.
type History interface {
	CreateSession(agentName, userID, sessionID string) domain.CachedSession
	DeleteSession(agentName, userID, sessionID string)
	AddMessage(agentName, userID, sessionID string, role domain.Role, content string, rawEvents []json.RawMessage)
	GetMessages(agentName, userID, sessionID string) []domain.Message
	GetUserSessions(agentName, userID string) map[string]domain.CachedSession
}

// Ensure Client implements Upstream.
var _ Upstream = (*Client)(nil)
