package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ashureev/adk-chat-ui/internal/analytics"
	"github.com/ashureev/adk-chat-ui/internal/domain"
	"github.com/tidwall/gjson"
)

const (
	sseDataPrefix   = "data: "
	errorBodyPrefix = 300
)

// statusError is a non-2xx upstream response.
type statusError struct {
	Status string
	Body   string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return "upstream returned " + e.Status
	}
	return fmt.Sprintf("upstream returned %s: %s", e.Status, e.Body)
}

// Client talks to the upstream agent service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cfg        ClientConfig
	logger     *slog.Logger
}

// NewClient creates a new upstream client. Timeouts are applied per call
// through the request context, so the underlying http.Client has none.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultClientConfig(cfg.BaseURL)
	if cfg.AdminTimeout <= 0 {
		cfg.AdminTimeout = defaults.AdminTimeout
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = defaults.MessageTimeout
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = defaults.MaxLineSize
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{},
		cfg:        cfg,
		logger:     logger,
	}
}

func (c *Client) sessionsPath(agentName, userID string) string {
	return "/apps/" + url.PathEscape(agentName) + "/users/" + url.PathEscape(userID) + "/sessions"
}

func (c *Client) sessionPath(agentName, userID, sessionID string) string {
	return c.sessionsPath(agentName, userID) + "/" + url.PathEscape(sessionID)
}

// do performs a bounded request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, body any, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close upstream response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{Status: resp.Status, Body: truncate(strings.TrimSpace(string(data)), errorBodyPrefix)}
	}
	return data, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ListAgents returns the agents the upstream exposes, or an empty list.
func (c *Client) ListAgents(ctx context.Context) []string {
	data, err := c.do(ctx, http.MethodGet, "/list-apps", nil, c.cfg.AdminTimeout)
	if err != nil {
		c.logger.Error("Failed to fetch agents", "error", err)
		return []string{}
	}

	var agents []string
	if err := json.Unmarshal(data, &agents); err != nil {
		c.logger.Error("Failed to decode agent list", "error", err)
		return []string{}
	}
	if agents == nil {
		agents = []string{}
	}
	return agents
}

// Ping checks that the upstream answers the agent listing.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/list-apps", nil, c.cfg.AdminTimeout)
	return err
}

// CreateSession creates a session upstream and reports whether it succeeded.
func (c *Client) CreateSession(ctx context.Context, agentName, userID, sessionID string) bool {
	_, err := c.do(ctx, http.MethodPost, c.sessionPath(agentName, userID, sessionID), struct{}{}, c.cfg.AdminTimeout)
	if err != nil {
		c.logger.Error("Failed to create session",
			"agent", agentName, "user_id", userID, "session_id", sessionID, "error", err)
		return false
	}
	return true
}

// DeleteSession deletes a session upstream. A non-2xx response is not logged
// as an error because the session may simply not exist.
func (c *Client) DeleteSession(ctx context.Context, agentName, userID, sessionID string) bool {
	_, err := c.do(ctx, http.MethodDelete, c.sessionPath(agentName, userID, sessionID), nil, c.cfg.AdminTimeout)
	var se *statusError
	switch {
	case err == nil:
		return true
	case errors.As(err, &se):
		c.logger.Debug("Upstream delete not applied", "session_id", sessionID, "status", se.Status)
		return false
	default:
		c.logger.Error("Failed to delete session",
			"agent", agentName, "user_id", userID, "session_id", sessionID, "error", err)
		return false
	}
}

// GetSessions returns the user's upstream sessions keyed by session ID.
func (c *Client) GetSessions(ctx context.Context, agentName, userID string) map[string]domain.SessionRecord {
	records := make(map[string]domain.SessionRecord)

	data, err := c.do(ctx, http.MethodGet, c.sessionsPath(agentName, userID), nil, c.cfg.AdminTimeout)
	if err != nil {
		c.logger.Error("Failed to fetch sessions", "agent", agentName, "user_id", userID, "error", err)
		return records
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		c.logger.Error("Failed to decode sessions", "agent", agentName, "user_id", userID, "error", err)
		return records
	}

	for _, s := range raw {
		rec, ok := sessionRecord(s)
		if !ok {
			c.logger.Warn("Skipping session without id", "agent", agentName, "user_id", userID)
			continue
		}
		records[rec.SessionID] = rec
	}
	return records
}

func sessionRecord(raw json.RawMessage) (domain.SessionRecord, bool) {
	fields := gjson.GetManyBytes(raw, "id", "lastUpdateTime", "appName", "userId", "state", "events")
	id := fields[0].String()
	if id == "" {
		return domain.SessionRecord{}, false
	}
	return domain.SessionRecord{
		SessionID:      id,
		Created:        fields[1].Float(),
		AppName:        fields[2].String(),
		UserID:         fields[3].String(),
		HasState:       !isBlank(fields[4]),
		HasEvents:      !isBlank(fields[5]),
		LastUpdateTime: fields[1].Float(),
	}, true
}

// GetSingleSession fetches one session and normalizes its events into messages.
// Non-empty analytics output in the session state is appended to the last
// assistant message. Failures are reported in the Error field.
func (c *Client) GetSingleSession(ctx context.Context, agentName, userID, sessionID string) domain.SessionDetail {
	detail := domain.SessionDetail{SessionID: sessionID, Messages: []domain.Message{}}

	data, err := c.do(ctx, http.MethodGet, c.sessionPath(agentName, userID, sessionID), nil, c.cfg.AdminTimeout)
	if err != nil {
		c.logger.Error("Failed to fetch session",
			"agent", agentName, "user_id", userID, "session_id", sessionID, "error", err)
		detail.Error = err.Error()
		return detail
	}
	if !gjson.ValidBytes(data) {
		c.logger.Error("Invalid session payload", "session_id", sessionID)
		detail.Error = "invalid session payload"
		return detail
	}

	session := gjson.ParseBytes(data)
	updated := session.Get("lastUpdateTime").Float()
	fallback := time.Now().UTC()
	if updated > 0 {
		fallback = epochSeconds(updated)
	}

	var events []json.RawMessage
	session.Get("events").ForEach(func(_, ev gjson.Result) bool {
		events = append(events, json.RawMessage(ev.Raw))
		return true
	})

	detail.Messages = NormalizeEvents(events, fallback)
	detail.Metadata = domain.SessionMetadata{
		AppName:        session.Get("appName").String(),
		UserID:         session.Get("userId").String(),
		LastUpdateTime: updated,
		EventCount:     len(events),
	}

	if output := session.Get("state." + analytics.StateKey); !isBlank(output) {
		detail.Metadata.HasAnalytics = true
		if !appendToLastAssistant(detail.Messages, analytics.Text(output)) {
			c.logger.Debug("Dropping analytics output without assistant message", "session_id", sessionID)
		}
	}
	return detail
}

// SendMessage posts a user turn and waits for the full batched reply.
// It returns nil on timeout or any other failure.
func (c *Client) SendMessage(ctx context.Context, agentName, userID, sessionID, message string) *Reply {
	data, err := c.do(ctx, http.MethodPost, "/run", newRunRequest(agentName, userID, sessionID, message, false), c.cfg.MessageTimeout)
	if err != nil {
		if classify(ctx, err).Code == ErrCodeTimeout {
			c.logger.Error("Request timed out", "agent", agentName, "session_id", sessionID)
		} else {
			c.logger.Error("Error sending message", "agent", agentName, "session_id", sessionID, "error", err)
		}
		return nil
	}

	var events []json.RawMessage
	if err := json.Unmarshal(data, &events); err != nil {
		c.logger.Error("Error decoding reply", "agent", agentName, "session_id", sessionID, "error", err)
		return nil
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	return &Reply{Text: ResponseText(events), Events: events}
}

// SendMessageStream posts a streaming run and yields each SSE data payload as
// an event. Lines without the data prefix, blank payloads and payloads that are
// not JSON objects are skipped. The connection is closed when the sequence ends
// or the consumer stops early.
func (c *Client) SendMessageStream(ctx context.Context, agentName, userID, sessionID, message string) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The deadline bounds each wait for upstream data, not the whole stream.
		var idle atomic.Bool
		deadline := time.AfterFunc(c.cfg.MessageTimeout, func() {
			idle.Store(true)
			cancel()
		})
		defer deadline.Stop()
		var timedOut bool
		fail := func(err error) *StreamError {
			if timedOut || idle.Load() {
				return &StreamError{Code: ErrCodeTimeout, Message: "upstream request timed out"}
			}
			return classify(ctx, err)
		}

		req, err := c.newRequest(ctx, http.MethodPost, "/run_sse", newRunRequest(agentName, userID, sessionID, message, true))
		if err != nil {
			yield(nil, &StreamError{Code: ErrCodeUnknown, Message: err.Error()})
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			se := fail(err)
			c.logger.Error("Stream request failed", "agent", agentName, "session_id", sessionID, "code", se.Code, "error", err)
			yield(nil, se)
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close upstream stream", "error", closeErr)
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyPrefix))
			err := &statusError{Status: resp.Status, Body: strings.TrimSpace(string(body))}
			c.logger.Error("Stream request rejected", "agent", agentName, "session_id", sessionID, "error", err)
			yield(nil, &StreamError{Code: ErrCodeRequestFailed, Message: err.Error()})
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), c.cfg.MaxLineSize)
		for scanner.Scan() {
			// Paused while the event is handled downstream.
			if !deadline.Stop() {
				timedOut = true
				break
			}
			if ev, ok := c.streamEvent(scanner.Text(), sessionID); ok && !yield(ev, nil) {
				return
			}
			deadline.Reset(c.cfg.MessageTimeout)
		}

		if err := scanner.Err(); err != nil || timedOut {
			if err == nil {
				err = context.DeadlineExceeded
			}
			se := fail(err)
			c.logger.Error("Stream interrupted", "agent", agentName, "session_id", sessionID, "code", se.Code, "error", err)
			yield(nil, se)
		}
	}
}

// streamEvent extracts the JSON object carried by one SSE line.
func (c *Client) streamEvent(line, sessionID string) (json.RawMessage, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, sseDataPrefix) {
		return nil, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
	if payload == "" {
		return nil, false
	}
	if !gjson.Valid(payload) || !gjson.Parse(payload).IsObject() {
		c.logger.Warn("Skipping malformed stream event", "session_id", sessionID, "payload", truncate(payload, 200))
		return nil, false
	}
	return json.RawMessage(payload), true
}

// classify maps a transport failure onto an in-band stream error.
func classify(ctx context.Context, err error) *StreamError {
	var netErr net.Error
	var urlErr *url.Error
	var se *statusError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &StreamError{Code: ErrCodeTimeout, Message: "upstream request timed out"}
	case errors.As(err, &se),
		errors.As(err, &urlErr),
		errors.Is(err, context.Canceled):
		return &StreamError{Code: ErrCodeRequestFailed, Message: err.Error()}
	default:
		return &StreamError{Code: ErrCodeUnknown, Message: err.Error()}
	}
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
