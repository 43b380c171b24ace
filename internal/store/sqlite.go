package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/adk-chat-ui/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	defaultQueueSize  = 1000
	insertMaxRetries  = 3
	insertRetryDelay  = 50 * time.Millisecond
	sqliteDSNSettings = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
)

// SQLiteStore is a Transcript backed by SQLite. Writes happen on a single
// background goroutine fed by a bounded queue.
type SQLiteStore struct {
	db     *sql.DB
	queue  chan Entry
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
}

// NewSQLite opens (or creates) the transcript database at dbPath.
func NewSQLite(dbPath string, queueSize int, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+sqliteDSNSettings)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the worker and readers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		queue:  make(chan Entry, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	go s.writeLoop()
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS transcript_entries (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		raw_events TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_session
		ON transcript_entries(agent, user_id, session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Record queues msg for writing. When the queue is full or the store is
// closed the entry is dropped with a warning.
func (s *SQLiteStore) Record(agentName, userID, sessionID string, msg domain.Message) {
	created, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
	if err != nil {
		created = time.Now()
	}
	entry := Entry{
		ID:        uuid.NewString(),
		Agent:     agentName,
		UserID:    userID,
		SessionID: sessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		RawEvents: msg.RawEvents,
		CreatedAt: created,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("transcript closed, dropping entry", "session_id", sessionID)
		return
	}
	select {
	case s.queue <- entry:
	default:
		s.logger.Warn("transcript queue full, dropping entry", "session_id", sessionID, "role", msg.Role)
	}
}

func (s *SQLiteStore) writeLoop() {
	defer close(s.done)
	for entry := range s.queue {
		if err := s.insertWithRetry(entry); err != nil {
			s.logger.Error("failed to write transcript entry",
				"session_id", entry.SessionID, "entry_id", entry.ID, "error", err)
		}
	}
}

// insertWithRetry retries with exponential backoff on SQLite lock conflicts.
func (s *SQLiteStore) insertWithRetry(entry Entry) error {
	var err error
	for i := 0; i < insertMaxRetries; i++ {
		err = s.insert(entry)
		if err == nil || !isConflictError(err) {
			return err
		}
		delay := insertRetryDelay * time.Duration(1<<i)
		s.logger.Debug("database locked during transcript write, retrying", "attempt", i+1, "delay", delay)
		time.Sleep(delay)
	}
	return err
}

func (s *SQLiteStore) insert(entry Entry) error {
	var rawEvents interface{}
	if len(entry.RawEvents) > 0 {
		data, err := json.Marshal(entry.RawEvents)
		if err != nil {
			return fmt.Errorf("encode raw events: %w", err)
		}
		rawEvents = string(data)
	}

	query := `
	INSERT INTO transcript_entries (id, agent, user_id, session_id, role, content, raw_events, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query,
		entry.ID, entry.Agent, entry.UserID, entry.SessionID,
		string(entry.Role), entry.Content, rawEvents, entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return nil
}

// entries returns the written entries of a session in insertion order.
func (s *SQLiteStore) entries(ctx context.Context, agentName, userID, sessionID string) ([]Entry, error) {
	query := `
		SELECT id, agent, user_id, session_id, role, content, raw_events, created_at
		FROM transcript_entries
		WHERE agent = ? AND user_id = ? AND session_id = ?
		ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, agentName, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var role string
		var rawEvents sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Agent, &e.UserID, &e.SessionID, &role, &e.Content, &rawEvents, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		e.Role = domain.Role(role)
		e.CreatedAt = time.Unix(0, createdAt)
		if rawEvents.Valid {
			if err := json.Unmarshal([]byte(rawEvents.String), &e.RawEvents); err != nil {
				return nil, fmt.Errorf("decode raw events: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return entries, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drains the queue and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// isConflictError reports SQLITE_BUSY and "database is locked" failures,
// both of which are worth retrying.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
