// Package chat is the session-scoped streaming chat state manager.
//
// A Coordinator owns the session registry and the conversation of the active session. It picks a
// transport per call (the push channel while it is connected, plain HTTP otherwise), assembles
// streamed reply fragments into one assistant message, and folds server confirmations back into
// local state. Presentation code reads plain View values and calls the Coordinator's methods; no
// transport detail leaks through.
package chat

import (
	"time"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

const (
	// DefaultSessionTitle is the placeholder title of a session nobody has named yet.
	DefaultSessionTitle = "New Chat"
	// ErrorReply replaces the assistant placeholder when a reply fails.
	ErrorReply = "Sorry, I encountered an error. Please try again."

	RenameAckTimeout  = 3000 * time.Millisecond
	TitleRefreshDelay = time.Second
)

// User-facing messages placed in the LastError slot.
const (
	ErrTextCreateSession = "Failed to create new session"
	ErrTextRenameSession = "Failed to update session title"
	ErrTextDeleteSession = "Failed to delete session"
	ErrTextSendMessage   = "Failed to send message"
	ErrTextLoadHistory   = "Failed to load session messages"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source is a citation attached to an assistant reply.
type Source struct {
	Title       string
	URL         string
	Description string
	PublishedAt string
	Source      string
	Score       *float64
}

type Message struct {
	ID          string
	Role        Role
	Content     string
	Sources     []Source
	Timestamp   time.Time
	IsStreaming bool
	IsError     bool
}

type Session struct {
	ID           string
	Title        string
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int
}

// Phase is where the active conversation is in the send cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSending    Phase = "sending"
	PhaseStreaming  Phase = "streaming"
	PhaseFinalizing Phase = "finalizing"
)

// View is everything presentation code needs, as plain data. Slices are shared snapshots and must
// not be modified.
type View struct {
	Sessions        []Session
	ActiveSessionID string
	Messages        []Message
	IsLoading       bool
	IsStreaming     bool
	Phase           Phase
	LastError       string
	Connected       bool
}

// ActiveSession returns the summary of the active session, if it is in the registry.
func (v View) ActiveSession() (Session, bool) {
	for _, s := range v.Sessions {
		if s.ID == v.ActiveSessionID {
			return s, true
		}
	}
	return Session{}, false
}

func sourcesFromWire(in []protocol.Source) []Source {
	out := make([]Source, 0, len(in))
	for _, s := range in {
		out = append(out, Source{
			Title:       s.Title,
			URL:         s.URL,
			Description: s.Description,
			PublishedAt: s.PublishedAt,
			Source:      s.Source,
			Score:       s.Score,
		})
	}
	return out
}

func sessionFromWire(s protocol.SessionSummary) Session {
	title := s.Title
	if title == "" {
		title = DefaultSessionTitle
	}
	return Session{
		ID:           s.ID,
		Title:        title,
		CreatedAt:    parseTime(s.CreatedAt),
		LastActivity: parseTime(s.LastActivity),
		MessageCount: s.MessageCount,
	}
}

// sessionFromCreated builds the summary of a freshly created session. A missing timestamp falls
// back to now.
func sessionFromCreated(c protocol.SessionCreated, now time.Time) Session {
	title := c.Title
	if title == "" {
		title = DefaultSessionTitle
	}
	ts := parseTime(c.Timestamp)
	if ts.IsZero() {
		ts = now
	}
	return Session{ID: c.SessionID, Title: title, CreatedAt: ts, LastActivity: ts}
}
