package chat

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

// historyShape is the union of the history payloads seen from backends.
type historyShape struct {
	History  json.RawMessage `json:"history"`
	Messages json.RawMessage `json:"messages"`
	Session  json.RawMessage `json:"session"`
}

// HistoryPage is a normalized history payload.
type HistoryPage struct {
	Messages []Message
	// SessionMessageCount is the messageCount of an embedded session object, when one was sent.
	SessionMessageCount int
}

// NormalizeHistory turns any accepted history payload into canonical messages. Shapes are tried
// in order:
//
//  1. {"history": [...]}
//  2. {"messages": [...]}
//  3. {"session": [...]}
//  4. {"session": {"messages": [...]}}
//  5. [...]
//
// Anything else, including an empty body, yields no messages and no error. Only bytes that are
// not JSON at all are an error.
func NormalizeHistory(raw []byte) (HistoryPage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return HistoryPage{}, nil
	}
	if !json.Valid(raw) {
		return HistoryPage{}, errors.New("history: body is not JSON")
	}

	if raw[0] == '[' {
		return HistoryPage{Messages: decodeMessageList(raw)}, nil
	}
	if raw[0] != '{' {
		return HistoryPage{}, nil
	}

	var shape historyShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return HistoryPage{}, nil
	}

	page := HistoryPage{}
	var session struct {
		Messages     json.RawMessage `json:"messages"`
		MessageCount int             `json:"messageCount"`
	}
	sessionIsObject := isJSONObject(shape.Session)
	if sessionIsObject {
		_ = json.Unmarshal(shape.Session, &session)
		page.SessionMessageCount = session.MessageCount
	}

	switch {
	case isJSONArray(shape.History):
		page.Messages = decodeMessageList(shape.History)
	case isJSONArray(shape.Messages):
		page.Messages = decodeMessageList(shape.Messages)
	case isJSONArray(shape.Session):
		page.Messages = decodeMessageList(shape.Session)
	case sessionIsObject && isJSONArray(session.Messages):
		page.Messages = decodeMessageList(session.Messages)
	}
	return page, nil
}

// NormalizeLegacyHistory accepts the older endpoint's shapes: a bare list or {"messages": [...]}.
func NormalizeLegacyHistory(raw []byte) ([]Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("legacy history: body is not JSON")
	}
	if isJSONArray(raw) {
		return decodeMessageList(raw), nil
	}
	var shape historyShape
	if err := json.Unmarshal(raw, &shape); err == nil && isJSONArray(shape.Messages) {
		return decodeMessageList(shape.Messages), nil
	}
	return nil, nil
}

// decodeMessageList decodes element by element so a single odd entry does not hide the rest.
func decodeMessageList(raw json.RawMessage) []Message {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]Message, 0, len(items))
	for _, item := range items {
		var hm protocol.HistoryMessage
		if err := json.Unmarshal(item, &hm); err != nil {
			continue
		}
		out = append(out, messageFromHistory(hm))
	}
	return out
}

func messageFromHistory(hm protocol.HistoryMessage) Message {
	id := rawID(hm.ID)
	if id == "" {
		id = uuid.NewString()
	}
	// the legacy "type" field wins over "role" when both are present
	role := hm.Type
	if role == "" {
		role = hm.Role
	}
	return Message{
		ID:        id,
		Role:      normalizeRole(role),
		Content:   hm.Content,
		Sources:   sourcesFromWire(hm.Sources),
		Timestamp: parseRawTime(hm.Timestamp),
		IsError:   hm.IsError,
	}
}

func normalizeRole(r string) Role {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "user", "human":
		return RoleUser
	default:
		return RoleAssistant
	}
}

func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// parseRawTime accepts an RFC 3339 string or a number of milliseconds since the epoch.
func parseRawTime(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseTime(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if ms, err := n.Int64(); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		if f, err := n.Float64(); err == nil {
			return time.UnixMilli(int64(f)).UTC()
		}
	}
	return time.Time{}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

func isJSONArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
