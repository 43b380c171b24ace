// Package session provides the process-local session cache.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ashureev/adk-chat-ui/internal/domain"
)

// Recorder receives every message appended to the cache.
type Recorder interface {
	Record(agentName, userID, sessionID string, msg domain.Message)
}

// Key returns the bucket key for an agent/user pair.
func Key(agentName, userID string) string {
	return agentName + ":" + userID
}

type entry struct {
	created  string
	messages []domain.Message
}

// Cache holds session metadata and message history keyed by
// "{agent}:{userId}" and then by session ID. Entries live until deleted.
type Cache struct {
	mu       sync.RWMutex
	buckets  map[string]map[string]*entry
	now      func() time.Time
	recorder Recorder
}

// Option configures a Cache.
type Option func(*Cache)

// WithRecorder mirrors appended messages to r.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		buckets: make(map[string]map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession starts an empty session, replacing any existing one with the same ID.
func (c *Cache) CreateSession(agentName, userID, sessionID string) domain.CachedSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{created: domain.Timestamp(c.now()), messages: []domain.Message{}}
	c.bucket(Key(agentName, userID))[sessionID] = e
	return snapshot(sessionID, e)
}

// DeleteSession removes a session. Missing sessions are ignored.
func (c *Cache) DeleteSession(agentName, userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(agentName, userID)
	if b, ok := c.buckets[key]; ok {
		delete(b, sessionID)
	}
}

// AddMessage appends a message stamped with the current time, creating the
// bucket and session if needed.
func (c *Cache) AddMessage(agentName, userID, sessionID string, role domain.Role, content string, rawEvents []json.RawMessage) {
	c.mu.Lock()
	b := c.bucket(Key(agentName, userID))
	e, ok := b[sessionID]
	if !ok {
		e = &entry{}
		b[sessionID] = e
	}
	msg := domain.Message{
		Role:      role,
		Content:   content,
		Timestamp: domain.Timestamp(c.now()),
		RawEvents: rawEvents,
	}
	e.messages = append(e.messages, msg)
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.Record(agentName, userID, sessionID, msg)
	}
}

// GetMessages returns a copy of a session's messages, empty if unknown.
func (c *Cache) GetMessages(agentName, userID, sessionID string) []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.buckets[Key(agentName, userID)][sessionID]
	if !ok {
		return []domain.Message{}
	}
	return append([]domain.Message{}, e.messages...)
}

// GetUserSessions returns copies of every cached session for the agent/user pair.
func (c *Cache) GetUserSessions(agentName, userID string) map[string]domain.CachedSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := c.buckets[Key(agentName, userID)]
	out := make(map[string]domain.CachedSession, len(b))
	for id, e := range b {
		out[id] = snapshot(id, e)
	}
	return out
}

// bucket returns the session map for key, creating it. Caller holds c.mu.
func (c *Cache) bucket(key string) map[string]*entry {
	b, ok := c.buckets[key]
	if !ok {
		b = make(map[string]*entry)
		c.buckets[key] = b
	}
	return b
}

func snapshot(sessionID string, e *entry) domain.CachedSession {
	return domain.CachedSession{
		SessionID: sessionID,
		Created:   e.created,
		Messages:  append([]domain.Message{}, e.messages...),
	}
}
