package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/adk-chat-ui/internal/api"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// Handler serves the chat API consumed by the browser UI.
type Handler struct {
	svc         *Service
	maxBodySize int64
	logger      *slog.Logger
}

// NewHandler creates a new chat API handler.
func NewHandler(svc *Service, maxBodySize int64, logger *slog.Logger) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, maxBodySize: maxBodySize, logger: logger}
}

// RegisterRoutes registers the chat API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/list-agents", h.ListAgents)
		r.Get("/sessions", h.GetSessions)
		r.Get("/session/{sessionID}", h.GetSession)
		r.Post("/create-session", h.CreateSession)
		r.Delete("/delete-session", h.DeleteSession)
		r.Post("/send-message", h.SendMessage)
		r.Post("/send-message-sse", h.SendMessageSSE)
		r.Get("/cached-sessions", h.GetCachedSessions)
		r.Get("/cached-session/{sessionID}", h.GetCachedSession)
	})
}

// sessionRequest is the JSON body shared by the mutating endpoints.
// Pointers distinguish a missing field from an empty one.
type sessionRequest struct {
	Agent     *string `json:"agent"`
	UserID    *string `json:"userId"`
	SessionID *string `json:"sessionId"`
	Message   *string `json:"message"`
}

type requiredField struct {
	name  string
	value *string
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, withMessage bool) (*sessionRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errors.New("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return nil, errors.New("request body is required")
		}
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	fields := []requiredField{
		{"agent", req.Agent},
		{"userId", req.UserID},
		{"sessionId", req.SessionID},
	}
	if withMessage {
		fields = append(fields, requiredField{"message", req.Message})
	}
	for _, f := range fields {
		if f.value == nil {
			return nil, fmt.Errorf("missing required field: %s", f.name)
		}
	}
	return &req, nil
}

// ListAgents handles GET /api/list-agents.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, h.svc.ListAgents(r.Context()))
}

// GetSessions handles GET /api/sessions?agent=&user=.
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	agentName, userID := r.URL.Query().Get("agent"), r.URL.Query().Get("user")
	sessions := h.svc.Sessions(r.Context(), agentName, userID)

	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	h.logger.Info("Sessions fetched", "agent", agentName, "user_id", userID, "count", len(sessions), "session_ids", ids)

	api.JSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /api/session/{sessionID}?agent=&user=.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	detail := h.svc.Session(r.Context(), r.URL.Query().Get("agent"), r.URL.Query().Get("user"), sessionID)
	api.JSON(w, http.StatusOK, detail)
}

// CreateSession handles POST /api/create-session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r, false)
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.svc.CreateSession(r.Context(), *req.Agent, *req.UserID, *req.SessionID); err != nil {
		api.Fail(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	api.Success(w, map[string]interface{}{"sessionId": *req.SessionID})
}

// DeleteSession handles DELETE /api/delete-session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r, false)
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.svc.DeleteSession(r.Context(), *req.Agent, *req.UserID, *req.SessionID)
	api.Success(w, nil)
}

// SendMessage handles POST /api/send-message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r, true)
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := h.svc.SendMessage(r.Context(), *req.Agent, *req.UserID, *req.SessionID, *req.Message)
	if err != nil {
		h.logger.Error("Send message failed",
			"agent", *req.Agent, "session_id", *req.SessionID,
			"request_id", chiMiddleware.GetReqID(r.Context()), "error", err)
		api.Fail(w, http.StatusInternalServerError, "Failed to get response")
		return
	}

	body := map[string]interface{}{
		"response":      result.Response,
		"full_response": result.FullResponse,
	}
	if result.Analytics != nil {
		body["analytics"] = result.Analytics
	}
	api.Success(w, body)
}

// SendMessageSSE handles POST /api/send-message-sse, relaying the upstream
// stream as server-sent events.
func (h *Handler) SendMessageSSE(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r, true)
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Fail(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frame := range h.svc.StreamMessage(r.Context(), *req.Agent, *req.UserID, *req.SessionID, *req.Message) {
		data, err := json.Marshal(frame)
		if err != nil {
			h.logger.Warn("failed to marshal stream frame", "error", err)
			data = []byte(`{"type":"error","error":"unknown","message":"failed to serialize event"}`)
		}
		if err := writeSSEData(w, data); err != nil {
			h.logger.Warn("SSE client gone, stopping stream", "session_id", *req.SessionID, "error", err)
			return
		}
		flusher.Flush()
	}
}

// GetCachedSessions handles GET /api/cached-sessions?agent=&user=.
func (h *Handler) GetCachedSessions(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, h.svc.CachedSessions(r.URL.Query().Get("agent"), r.URL.Query().Get("user")))
}

// GetCachedSession handles GET /api/cached-session/{sessionID}?agent=&user=.
func (h *Handler) GetCachedSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messages := h.svc.CachedMessages(r.URL.Query().Get("agent"), r.URL.Query().Get("user"), sessionID)
	api.JSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"messages":  messages,
	})
}

func writeSSEData(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
