// Package domain contains core domain types for the chat relay.
package domain

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// RoleFromAuthor maps an upstream event author onto a chat role.
// Anything other than the literal "user" is the assistant.
func RoleFromAuthor(author string) Role {
	if author == string(RoleUser) {
		return RoleUser
	}
	return RoleAssistant
}

// Message is one normalized chat turn.
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp string            `json:"timestamp"`
	RawEvents []json.RawMessage `json:"full_response,omitempty"`
}

// SessionRecord is the summary of an upstream session.
type SessionRecord struct {
	SessionID      string  `json:"sessionId"`
	Created        float64 `json:"created"`
	AppName        string  `json:"appName"`
	UserID         string  `json:"userId"`
	HasState       bool    `json:"hasState"`
	HasEvents      bool    `json:"hasEvents"`
	LastUpdateTime float64 `json:"lastUpdateTime"`
}

// SessionDetail is a single upstream session with its normalized history.
type SessionDetail struct {
	SessionID string          `json:"sessionId"`
	Messages  []Message       `json:"messages"`
	Metadata  SessionMetadata `json:"metadata"`
	Error     string          `json:"error,omitempty"`
}

// SessionMetadata carries the upstream session attributes that are not messages.
type SessionMetadata struct {
	AppName        string  `json:"appName,omitempty"`
	UserID         string  `json:"userId,omitempty"`
	LastUpdateTime float64 `json:"lastUpdateTime,omitempty"`
	EventCount     int     `json:"eventCount"`
	HasAnalytics   bool    `json:"hasAnalytics"`
}

// CachedSession is the process-local mirror of a session.
type CachedSession struct {
	SessionID string    `json:"sessionId"`
	Created   string    `json:"created,omitempty"`
	Messages  []Message `json:"messages"`
}

// CachedSessionSummary describes a cached session without its history.
type CachedSessionSummary struct {
	SessionID    string `json:"sessionId"`
	Created      string `json:"created,omitempty"`
	MessageCount int    `json:"messageCount"`
}

// Timestamp formats t the way message timestamps are exposed.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
