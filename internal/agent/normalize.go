package agent

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/ashureev/adk-chat-ui/internal/domain"
	"github.com/tidwall/gjson"
)

// EventTexts returns the non-empty text fragments of every content part of ev, in order.
func EventTexts(ev json.RawMessage) []string {
	parts := gjson.GetBytes(ev, "content.parts")
	if !parts.IsArray() {
		return nil
	}
	var texts []string
	parts.ForEach(func(_, part gjson.Result) bool {
		if !part.IsObject() {
			return true
		}
		text := part.Get("text")
		if text.Type == gjson.String && text.Str != "" {
			texts = append(texts, text.Str)
		}
		return true
	})
	return texts
}

// ResponseText concatenates the text of all events without separators.
func ResponseText(events []json.RawMessage) string {
	var b strings.Builder
	for _, ev := range events {
		for _, t := range EventTexts(ev) {
			b.WriteString(t)
		}
	}
	return b.String()
}

// IsErrorEvent reports whether an upstream event carries a top-level error.
func IsErrorEvent(ev json.RawMessage) bool {
	field := gjson.GetBytes(ev, "error")
	if !field.Exists() {
		return false
	}
	switch field.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return field.Str != ""
	}
	return true
}

// isBlank reports whether a JSON value is absent or falsy: null, false, "",
// 0, {} and [] all count as blank.
func isBlank(field gjson.Result) bool {
	switch field.Type {
	case gjson.Null, gjson.False:
		return true
	case gjson.String:
		return field.Str == ""
	case gjson.Number:
		return field.Num == 0
	}
	if field.IsObject() {
		return len(field.Map()) == 0
	}
	if field.IsArray() {
		return len(field.Array()) == 0
	}
	return false
}

// NormalizeEvent converts an upstream event into a chat message.
// Events without text are skipped.
func NormalizeEvent(ev json.RawMessage, fallback time.Time) (domain.Message, bool) {
	texts := EventTexts(ev)
	if len(texts) == 0 {
		return domain.Message{}, false
	}
	role := domain.RoleFromAuthor(gjson.GetBytes(ev, "author").String())
	msg := domain.Message{
		Role:      role,
		Content:   strings.Join(texts, "\n"),
		Timestamp: domain.Timestamp(eventTime(gjson.GetBytes(ev, "timestamp"), fallback)),
	}
	if role == domain.RoleAssistant {
		msg.RawEvents = []json.RawMessage{ev}
	}
	return msg, true
}

// NormalizeEvents converts a session's events into its message history.
func NormalizeEvents(events []json.RawMessage, fallback time.Time) []domain.Message {
	messages := make([]domain.Message, 0, len(events))
	for _, ev := range events {
		if msg, ok := NormalizeEvent(ev, fallback); ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

// appendToLastAssistant appends text to the last assistant message.
// It reports false when there is no assistant message.
func appendToLastAssistant(messages []domain.Message, text string) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleAssistant {
			messages[i].Content += "\n\n" + text
			return true
		}
	}
	return false
}

// eventTime reads an upstream epoch-seconds timestamp.
func eventTime(field gjson.Result, fallback time.Time) time.Time {
	if field.Type != gjson.Number || field.Num <= 0 {
		return fallback
	}
	return epochSeconds(field.Num)
}

func epochSeconds(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
