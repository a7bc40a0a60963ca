package protocol

import "encoding/json"

// SessionSummary is the session record as exchanged with the backend.
type SessionSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"createdAt,omitempty"`
	LastActivity string `json:"lastActivity,omitempty"`
	MessageCount int    `json:"messageCount"`
}

// Source is a citation attached to an assistant reply. Every field is optional.
type Source struct {
	Title       string   `json:"title,omitempty"`
	URL         string   `json:"url,omitempty"`
	Description string   `json:"description,omitempty"`
	PublishedAt string   `json:"published_at,omitempty"`
	Source      string   `json:"source,omitempty"`
	Score       *float64 `json:"score,omitempty"`
}

type CreateSessionRequest struct {
	Title string `json:"title,omitempty"`
}

// SessionCreated answers both the create-session event and POST /api/chat/sessions.
type SessionCreated struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type UpdateSessionTitleRequest struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

type SessionTitleUpdated struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
}

type SessionUpdated struct {
	Session *SessionSummary `json:"session,omitempty"`
}

type DeleteSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type SessionDeleted struct {
	SessionID string `json:"sessionId"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// ErrorPayload is carried by session-error and stream-error. Backends disagree on the field name.
type ErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Text returns the first non-empty error description.
func (e ErrorPayload) Text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

type SendMessageRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type StreamChunk struct {
	SessionID string `json:"sessionId,omitempty"`
	Chunk     string `json:"chunk"`
}

type StreamComplete struct {
	SessionID string   `json:"sessionId,omitempty"`
	Response  string   `json:"response"`
	Sources   []Source `json:"sources,omitempty"`
	AutoTitle string   `json:"autoTitle,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the body returned by POST /chat. Older backends put the reply under "message".
type ChatResponse struct {
	Response  string   `json:"response,omitempty"`
	Message   string   `json:"message,omitempty"`
	Sources   []Source `json:"sources,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	AutoTitle string   `json:"autoTitle,omitempty"`
}

// Text returns the reply, preferring "response" over the legacy "message" field.
func (r ChatResponse) Text() string {
	if r.Response != "" {
		return r.Response
	}
	return r.Message
}

// HistoryMessage is one stored message as returned by the history endpoints.
// ID may be numeric or a string; Type is the legacy name of Role.
type HistoryMessage struct {
	ID        json.RawMessage `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Type      string          `json:"type,omitempty"`
	Content   string          `json:"content"`
	Sources   []Source        `json:"sources,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
}
