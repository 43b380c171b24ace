// Package agent relays chat traffic between the browser UI and the upstream agent service.
package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream error codes delivered in-band to the UI.
const (
	ErrCodeTimeout       = "timeout"
	ErrCodeRequestFailed = "request_failed"
	ErrCodeUnknown       = "unknown"
)

// StreamError is the terminal failure of a streamed upstream call.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Reply is a complete batched answer from the upstream.
type Reply struct {
	Text   string
	Events []json.RawMessage
}

// ClientConfig holds upstream client settings.
type ClientConfig struct {
	BaseURL string
	// AdminTimeout bounds list/create/delete/fetch calls.
	AdminTimeout time.Duration
	// MessageTimeout bounds message exchange, streamed or not.
	MessageTimeout time.Duration
	// MaxLineSize is the largest SSE line accepted from the upstream.
	MaxLineSize int
}

// DefaultClientConfig returns the fixed production timeouts for baseURL.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:        baseURL,
		AdminTimeout:   5 * time.Second,
		MessageTimeout: 600 * time.Second,
		MaxLineSize:    4 << 20,
	}
}

type runRequest struct {
	AppName    string     `json:"appName"`
	UserID     string     `json:"userId"`
	SessionID  string     `json:"sessionId"`
	NewMessage newMessage `json:"newMessage"`
	Streaming  bool       `json:"streaming,omitempty"`
}

type newMessage struct {
	Role  string        `json:"role"`
	Parts []messagePart `json:"parts"`
}

type messagePart struct {
	Text string `json:"text"`
}

func newRunRequest(agentName, userID, sessionID, message string, streaming bool) runRequest {
	return runRequest{
		AppName:   agentName,
		UserID:    userID,
		SessionID: sessionID,
		NewMessage: newMessage{
			Role:  "user",
			Parts: []messagePart{{Text: message}},
		},
		Streaming: streaming,
	}
}

// SendResult is the outcome of a successful batched send.
type SendResult struct {
	Response     string            `json:"response"`
	FullResponse []json.RawMessage `json:"full_response"`
	Analytics    map[string]any    `json:"analytics,omitempty"`
}
