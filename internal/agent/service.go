package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"strings"

	"github.com/ashureev/adk-chat-ui/internal/analytics"
	"github.com/ashureev/adk-chat-ui/internal/domain"
)

var (
	// ErrCreateFailed is returned when the upstream refuses a new session.
	ErrCreateFailed = errors.New("failed to create session")
	// ErrNoReply is returned when a batched send produced no reply.
	ErrNoReply = errors.New("failed to get response")
)

// Service composes the upstream client and the local session cache into the
// flows exposed to the UI.
type Service struct {
	upstream Upstream
	history  History
	logger   *slog.Logger
}

// NewService creates a relay service.
func NewService(upstream Upstream, history History, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		upstream: upstream,
		history:  history,
		logger:   logger,
	}
}

// ListAgents returns the upstream agents.
func (s *Service) ListAgents(ctx context.Context) []string {
	return s.upstream.ListAgents(ctx)
}

// Sessions returns the user's upstream sessions. The local cache is not consulted.
func (s *Service) Sessions(ctx context.Context, agentName, userID string) map[string]domain.SessionRecord {
	return s.upstream.GetSessions(ctx, agentName, userID)
}

// Session returns one upstream session with its normalized history.
func (s *Service) Session(ctx context.Context, agentName, userID, sessionID string) domain.SessionDetail {
	return s.upstream.GetSingleSession(ctx, agentName, userID, sessionID)
}

// CreateSession creates the session upstream and, only if that succeeds, locally.
func (s *Service) CreateSession(ctx context.Context, agentName, userID, sessionID string) error {
	if !s.upstream.CreateSession(ctx, agentName, userID, sessionID) {
		return ErrCreateFailed
	}
	s.history.CreateSession(agentName, userID, sessionID)
	return nil
}

// DeleteSession removes the session upstream and locally regardless of the
// upstream outcome.
func (s *Service) DeleteSession(ctx context.Context, agentName, userID, sessionID string) {
	if !s.upstream.DeleteSession(ctx, agentName, userID, sessionID) {
		s.logger.Info("Upstream session delete skipped", "agent", agentName, "user_id", userID, "session_id", sessionID)
	}
	s.history.DeleteSession(agentName, userID, sessionID)
}

// SendMessage records the user turn, waits for the batched reply and records
// the assistant turn. The user turn stays recorded when no reply arrives.
func (s *Service) SendMessage(ctx context.Context, agentName, userID, sessionID, message string) (*SendResult, error) {
	s.logger.Info("Sending message", "agent", agentName, "user_id", userID, "session_id", sessionID, "message_length", len(message))
	s.history.AddMessage(agentName, userID, sessionID, domain.RoleUser, message, nil)

	reply := s.upstream.SendMessage(ctx, agentName, userID, sessionID, message)
	if reply == nil {
		return nil, ErrNoReply
	}

	s.history.AddMessage(agentName, userID, sessionID, domain.RoleAssistant, reply.Text, reply.Events)

	result := &SendResult{Response: reply.Text, FullResponse: reply.Events}
	if obj, ok := analytics.FromEvents(reply.Events); ok {
		result.Analytics = obj
	}
	return result, nil
}

// FrameKind classifies a frame forwarded to the UI during a stream.
type FrameKind int

const (
	FrameEvent FrameKind = iota
	FrameError
	FrameComplete
)

// Frame is one unit of the downstream event stream.
type Frame struct {
	Kind  FrameKind
	Event json.RawMessage
	Err   *StreamError
}

// MarshalJSON renders the frame as it is sent to the UI. Upstream events,
// including error-shaped ones, pass through unmodified.
func (f Frame) MarshalJSON() ([]byte, error) {
	switch {
	case f.Kind == FrameComplete:
		return []byte(`{"type":"complete"}`), nil
	case f.Event != nil:
		return f.Event, nil
	case f.Err != nil:
		return json.Marshal(map[string]string{
			"type":    "error",
			"error":   f.Err.Code,
			"message": f.Err.Message,
		})
	default:
		return json.Marshal(map[string]string{"type": "error", "error": ErrCodeUnknown})
	}
}

type streamState int

const (
	streamIdle streamState = iota
	streamStreaming
	streamErrored
	streamComplete
)

func (s streamState) String() string {
	switch s {
	case streamIdle:
		return "idle"
	case streamStreaming:
		return "streaming"
	case streamErrored:
		return "error"
	case streamComplete:
		return "complete"
	}
	return "unknown"
}

// StreamMessage records the user turn and relays the upstream stream.
//
// Events are forwarded in upstream order. An error ends the stream after the
// error frame; otherwise a single complete frame follows the last event. Text
// accumulated before the stream ends, for any reason, is recorded as one
// assistant message together with the raw events.
func (s *Service) StreamMessage(ctx context.Context, agentName, userID, sessionID, message string) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		s.logger.Info("Streaming message", "agent", agentName, "user_id", userID, "session_id", sessionID, "message_length", len(message))
		s.history.AddMessage(agentName, userID, sessionID, domain.RoleUser, message, nil)

		var (
			text    strings.Builder
			events  []json.RawMessage
			state   = streamIdle
			flushed bool
		)
		flush := func() {
			if flushed {
				return
			}
			flushed = true
			if text.Len() > 0 {
				s.history.AddMessage(agentName, userID, sessionID, domain.RoleAssistant, text.String(), events)
			}
			s.logger.Info("Stream finished",
				"agent", agentName, "session_id", sessionID,
				"state", state.String(), "events", len(events), "text_length", text.Len())
		}
		defer flush()

		for ev, err := range s.upstream.SendMessageStream(ctx, agentName, userID, sessionID, message) {
			if err != nil {
				state = streamErrored
				var se *StreamError
				if !errors.As(err, &se) {
					se = &StreamError{Code: ErrCodeUnknown, Message: err.Error()}
				}
				yield(Frame{Kind: FrameError, Err: se})
				return
			}

			state = streamStreaming
			if IsErrorEvent(ev) {
				state = streamErrored
				yield(Frame{Kind: FrameError, Event: ev})
				return
			}

			events = append(events, ev)
			for _, t := range EventTexts(ev) {
				text.WriteString(t)
			}
			if !yield(Frame{Kind: FrameEvent, Event: ev}) {
				return
			}
		}

		state = streamComplete
		flush()
		yield(Frame{Kind: FrameComplete})
	}
}

// CachedSessions summarizes the sessions held in the local cache.
func (s *Service) CachedSessions(agentName, userID string) map[string]domain.CachedSessionSummary {
	sessions := s.history.GetUserSessions(agentName, userID)
	out := make(map[string]domain.CachedSessionSummary, len(sessions))
	for id, cs := range sessions {
		out[id] = domain.CachedSessionSummary{
			SessionID:    id,
			Created:      cs.Created,
			MessageCount: len(cs.Messages),
		}
	}
	return out
}

// CachedMessages returns the locally recorded history of a session.
func (s *Service) CachedMessages(agentName, userID, sessionID string) []domain.Message {
	return s.history.GetMessages(agentName, userID, sessionID)
}
