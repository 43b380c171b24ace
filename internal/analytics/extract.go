// Package analytics recovers structured payloads embedded in free-form agent output.
package analytics

import (
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// StateKey is the state-delta field agents use for structured side-channel output.
const StateKey = "analytics_output"

var (
	fencedJSONPattern    = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")
	trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)

	errNotObject = errors.New("payload is not a JSON object")
)

// Extract returns the JSON object carried by v.
//
// Strings are searched for a ```json fenced block first; a block that does not
// parse gets one repair pass. Strings without a fence are parsed whole.
// Maps are returned unchanged. Failures are logged and reported as ok=false.
func Extract(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return val, true
	case string:
		return extractString(val)
	case json.RawMessage:
		return extractRaw(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			slog.Warn("analytics: unsupported payload type", "error", err)
			return nil, false
		}
		return extractRaw(data)
	}
}

func extractRaw(data json.RawMessage) (map[string]any, bool) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return extractString(s)
	}
	obj, err := parseObject(string(data))
	if err != nil {
		slog.Error("analytics: failed to parse raw payload", "error", err)
		return nil, false
	}
	return obj, true
}

func extractString(text string) (map[string]any, bool) {
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		obj, err := parseObject(m[1])
		if err == nil {
			return obj, true
		}
		obj, err = parseObject(Repair(m[1]))
		if err != nil {
			slog.Error("analytics: failed to parse fenced JSON after repair", "error", err)
			return nil, false
		}
		return obj, true
	}

	obj, err := parseObject(text)
	if err != nil {
		slog.Error("analytics: failed to parse raw analytics output", "error", err)
		return nil, false
	}
	return obj, true
}

// Repair strips trailing commas before a closing brace or bracket and
// collapses whitespace runs to single spaces.
func Repair(s string) string {
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	return strings.Join(strings.Fields(s), " ")
}

func parseObject(s string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errNotObject
	}
	return obj, nil
}

// FromEvents returns the first recoverable payload found in the
// actions.stateDelta of the given raw upstream events.
func FromEvents(events []json.RawMessage) (map[string]any, bool) {
	for _, ev := range events {
		field := gjson.GetBytes(ev, "actions.stateDelta."+StateKey)
		if !field.Exists() || isEmpty(field) {
			continue
		}
		if obj, ok := Extract(json.RawMessage(field.Raw)); ok {
			return obj, true
		}
	}
	return nil, false
}

// Text renders a state value as literal text for appending to a message.
func Text(field gjson.Result) string {
	if field.Type == gjson.String {
		return field.Str
	}
	return field.Raw
}

func isEmpty(field gjson.Result) bool {
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
