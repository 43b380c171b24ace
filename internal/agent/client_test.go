package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/adk-chat-ui/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		BaseURL:        srv.URL + "/",
		AdminTimeout:   time.Second,
		MessageTimeout: 2 * time.Second,
	}, nil)
}

func collect(seq func(func(json.RawMessage, error) bool)) ([]json.RawMessage, error) {
	var events []json.RawMessage
	var last error
	seq(func(ev json.RawMessage, err error) bool {
		if err != nil {
			last = err
			return true
		}
		events = append(events, ev)
		return true
	})
	return events, last
}

func TestClientListAgents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /list-apps", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `["weather","search"]`)
	})
	c := newTestClient(t, mux)
	assert.Equal(t, []string{"weather", "search"}, c.ListAgents(context.Background()))
	assert.NoError(t, c.Ping(context.Background()))
}

func TestClientListAgentsFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	agents := c.ListAgents(context.Background())
	assert.NotNil(t, agents)
	assert.Empty(t, agents)
	assert.Error(t, c.Ping(context.Background()))
}

func TestClientCreateSession(t *testing.T) {
	var gotPath, gotBody string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = io.WriteString(w, `{"id":"s1"}`)
	}))

	assert.True(t, c.CreateSession(context.Background(), "weather", "u1", "s1"))
	assert.Equal(t, "POST /apps/weather/users/u1/sessions/s1", gotPath)
	assert.JSONEq(t, `{}`, gotBody)
}

func TestClientCreateSessionRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	assert.False(t, c.CreateSession(context.Background(), "a", "u", "s"))
}

func TestClientDeleteSession(t *testing.T) {
	status := http.StatusOK
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(status)
	}))
	assert.True(t, c.DeleteSession(context.Background(), "a", "u", "s"))

	status = http.StatusNotFound
	assert.False(t, c.DeleteSession(context.Background(), "a", "u", "s"))
}

func TestClientGetSessions(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apps/a/users/u/sessions", r.URL.Path)
		_, _ = io.WriteString(w, `[
			{"id":"s1","lastUpdateTime":100,"appName":"a","userId":"u","state":{"x":1},"events":[1]},
			{"id":"s2","lastUpdateTime":200,"appName":"a","userId":"u","state":{},"events":[]},
			{"appName":"a"}
		]`)
	}))

	sessions := c.GetSessions(context.Background(), "a", "u")
	require.Len(t, sessions, 2)
	assert.Equal(t, domain.SessionRecord{
		SessionID:      "s1",
		Created:        100,
		AppName:        "a",
		UserID:         "u",
		HasState:       true,
		HasEvents:      true,
		LastUpdateTime: 100,
	}, sessions["s1"])
	assert.False(t, sessions["s2"].HasState)
	assert.False(t, sessions["s2"].HasEvents)
}

func TestClientGetSessionsFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	sessions := c.GetSessions(context.Background(), "a", "u")
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)
}

func TestClientGetSingleSession(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{
			"id":"s1","appName":"a","userId":"u","lastUpdateTime":50,
			"state":{"analytics_output":"{\"total\":3}"},
			"events":[
				{"author":"user","timestamp":10,"content":{"parts":[{"text":"hello"}]}},
				{"author":"agent","content":{"parts":[{"text":"line1"},{"text":"line2"}]}},
				{"author":"agent","actions":{"stateDelta":{}}}
			]
		}`)
	}))

	detail := c.GetSingleSession(context.Background(), "a", "u", "s1")
	assert.Empty(t, detail.Error)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, domain.RoleUser, detail.Messages[0].Role)
	assert.Equal(t, "1970-01-01T00:00:10Z", detail.Messages[0].Timestamp)
	assert.Equal(t, "line1\nline2\n\n{\"total\":3}", detail.Messages[1].Content)
	assert.Equal(t, "1970-01-01T00:00:50Z", detail.Messages[1].Timestamp)
	assert.Equal(t, domain.SessionMetadata{
		AppName:        "a",
		UserID:         "u",
		LastUpdateTime: 50,
		EventCount:     3,
		HasAnalytics:   true,
	}, detail.Metadata)
}

func TestClientGetSingleSessionAnalyticsWithoutAssistant(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"state":{"analytics_output":{"a":1}},"events":[
			{"author":"user","content":{"parts":[{"text":"hi"}]}}
		]}`)
	}))

	detail := c.GetSingleSession(context.Background(), "a", "u", "s1")
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "hi", detail.Messages[0].Content)
	assert.True(t, detail.Metadata.HasAnalytics)
}

func TestClientGetSingleSessionFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))

	detail := c.GetSingleSession(context.Background(), "a", "u", "missing")
	assert.Equal(t, "missing", detail.SessionID)
	assert.NotNil(t, detail.Messages)
	assert.Empty(t, detail.Messages)
	assert.Contains(t, detail.Error, "404")
}

func TestClientSendMessage(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/run", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `[{"content":{"parts":[{"text":"Hi"}]}},{"content":{"parts":[{"text":" there"}]}}]`)
	}))

	reply := c.SendMessage(context.Background(), "a", "u", "s", "hello")
	require.NotNil(t, reply)
	assert.Equal(t, "Hi there", reply.Text)
	assert.Len(t, reply.Events, 2)

	assert.Equal(t, "a", body["appName"])
	assert.Equal(t, "u", body["userId"])
	assert.Equal(t, "s", body["sessionId"])
	assert.Equal(t, map[string]any{
		"role":  "user",
		"parts": []any{map[string]any{"text": "hello"}},
	}, body["newMessage"])
	assert.NotContains(t, body, "streaming")
}

func TestClientSendMessageNotAList(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"detail":"oops"}`)
	}))
	assert.Nil(t, c.SendMessage(context.Background(), "a", "u", "s", "hello"))
}

func TestClientSendMessageTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{BaseURL: srv.URL, MessageTimeout: 50 * time.Millisecond}, nil)

	assert.Nil(t, c.SendMessage(context.Background(), "a", "u", "s", "hello"))
}

func sseHandler(t *testing.T, lines ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/run_sse", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["streaming"])

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			_, _ = fmt.Fprintf(w, "%s\n", line)
		}
	})
}

func TestClientSendMessageStream(t *testing.T) {
	c := newTestClient(t, sseHandler(t,
		`data: {"content":{"parts":[{"text":"Hi"}]}}`,
		``,
		`: keep-alive`,
		`data: not json`,
		`data: [1,2]`,
		`data: `,
		`event: message`,
		`data: {"content":{"parts":[{"text":" there"}]}}`,
	))

	events, err := collect(c.SendMessageStream(context.Background(), "a", "u", "s", "hello"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"content":{"parts":[{"text":"Hi"}]}}`, string(events[0]))
	assert.JSONEq(t, `{"content":{"parts":[{"text":" there"}]}}`, string(events[1]))
}

func TestClientSendMessageStreamEarlyStop(t *testing.T) {
	c := newTestClient(t, sseHandler(t,
		`data: {"n":1}`,
		`data: {"n":2}`,
		`data: {"n":3}`,
	))

	var seen int
	for _, err := range c.SendMessageStream(context.Background(), "a", "u", "s", "hello") {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestClientSendMessageStreamRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad app", http.StatusBadRequest)
	}))

	events, err := collect(c.SendMessageStream(context.Background(), "a", "u", "s", "hello"))
	assert.Empty(t, events)
	var se *StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeRequestFailed, se.Code)
	assert.Contains(t, se.Message, "bad app")
}

func TestClientSendMessageStreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"content\":{\"parts\":[{\"text\":\"partial\"}]}}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{BaseURL: srv.URL, MessageTimeout: 100 * time.Millisecond}, nil)

	events, err := collect(c.SendMessageStream(context.Background(), "a", "u", "s", "hello"))
	require.Len(t, events, 1)
	var se *StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeTimeout, se.Code)
}

func TestClientSendMessageStreamOutlivesIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 5; i++ {
			_, _ = fmt.Fprintf(w, "data: {\"n\":%d}\n\n", i)
			w.(http.Flusher).Flush()
			time.Sleep(60 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{BaseURL: srv.URL, MessageTimeout: 150 * time.Millisecond}, nil)

	events, err := collect(c.SendMessageStream(context.Background(), "a", "u", "s", "hello"))
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestClientSendMessageStreamSlowConsumer(t *testing.T) {
	c := newTestClient(t, sseHandler(t,
		`data: {"n":1}`,
		`data: {"n":2}`,
	))
	c.cfg.MessageTimeout = 50 * time.Millisecond

	var seen int
	for _, err := range c.SendMessageStream(context.Background(), "a", "u", "s", "hello") {
		require.NoError(t, err)
		seen++
		time.Sleep(100 * time.Millisecond)
	}
	assert.Equal(t, 2, seen)
}

func TestClientSendMessageStreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := NewClient(ClientConfig{BaseURL: url}, nil)

	_, err := collect(c.SendMessageStream(context.Background(), "a", "u", "s", "hello"))
	var se *StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeRequestFailed, se.Code)
}

func TestClassify(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	assert.Equal(t, ErrCodeTimeout, classify(expired, errors.New("read failed")).Code)
	assert.Equal(t, ErrCodeRequestFailed, classify(context.Background(), &statusError{Status: "502 Bad Gateway"}).Code)
	assert.Equal(t, ErrCodeRequestFailed, classify(context.Background(), context.Canceled).Code)
	assert.Equal(t, ErrCodeUnknown, classify(context.Background(), errors.New("weird")).Code)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	// "é" is two bytes; cutting inside it backs up to the rune start.
	assert.Equal(t, "a...", truncate("aé", 2))
	assert.Equal(t, "日...", truncate("日本", 4))
}
