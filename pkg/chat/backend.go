package chat

import (
	"context"

	"github.com/go-go-golems/newschat/pkg/protocol"
	"github.com/go-go-golems/newschat/pkg/transport/push"
	"github.com/go-go-golems/newschat/pkg/transport/rest"
)

// PushTransport is the subset of *push.Client the Coordinator uses.
type PushTransport interface {
	Connected() bool
	On(event string, h push.Handler) (off func())
	OnStatus(fn func(connected bool)) (off func())
	Emit(ctx context.Context, event string, payload any) error
	JoinSession(ctx context.Context, sessionID string) error
	LeaveSession(ctx context.Context, sessionID string) error
}

// RequestTransport is the subset of *rest.Client the Coordinator uses.
type RequestTransport interface {
	ListSessions(ctx context.Context) ([]protocol.SessionSummary, error)
	CreateSession(ctx context.Context, title string) (protocol.SessionCreated, error)
	RenameSession(ctx context.Context, id, title string) (rest.RenameResult, error)
	DeleteSession(ctx context.Context, id string) error
	SendMessage(ctx context.Context, sessionID, message string) (protocol.ChatResponse, error)
	History(ctx context.Context, sessionID string) ([]byte, error)
	LegacyHistory(ctx context.Context, sessionID string) ([]byte, error)
}

var (
	_ PushTransport    = &push.Client{}
	_ RequestTransport = &rest.Client{}
)

const (
	transportPush    = "push"
	transportRequest = "request"
)

// RenameOutcomeKind tags how a rename resolved.
type RenameOutcomeKind int

const (
	// RenameAcknowledged: a title-updated event (or a successful request) confirmed the rename.
	RenameAcknowledged RenameOutcomeKind = iota
	// RenameSessionEchoed: a session-updated event carried the session back.
	RenameSessionEchoed
	// RenameErrored: the backend reported an error.
	RenameErrored
	// RenameTimedOut: nothing arrived in time and the title is applied locally anyway.
	RenameTimedOut
)

func (k RenameOutcomeKind) String() string {
	switch k {
	case RenameAcknowledged:
		return "acknowledged"
	case RenameSessionEchoed:
		return "session-echoed"
	case RenameErrored:
		return "errored"
	case RenameTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

type renameOutcome struct {
	Kind  RenameOutcomeKind
	Title string
	Err   error
}

// reply is the final state of one assistant turn.
type reply struct {
	Text      string
	Sources   []Source
	AutoTitle string
}

// sessionBackend is one way of carrying the mutating operations. The Coordinator holds one per
// transport and picks between them on every call.
type sessionBackend interface {
	name() string
	createSession(ctx context.Context, title string) (protocol.SessionCreated, error)
	renameSession(ctx context.Context, id, title string) renameOutcome
	deleteSession(ctx context.Context, id string) error
	// send delivers message and blocks until the reply is final. onChunk sees every streamed
	// fragment in arrival order.
	send(ctx context.Context, sessionID, message string, onChunk func(chunk string)) (reply, error)
}

type requestBackend struct {
	req RequestTransport
}

var _ sessionBackend = &requestBackend{}

func (b *requestBackend) name() string { return transportRequest }

func (b *requestBackend) createSession(ctx context.Context, title string) (protocol.SessionCreated, error) {
	return b.req.CreateSession(ctx, title)
}

func (b *requestBackend) renameSession(ctx context.Context, id, title string) renameOutcome {
	res, err := b.req.RenameSession(ctx, id, title)
	if err != nil {
		return renameOutcome{Kind: RenameErrored, Err: err}
	}
	if res.Session != nil && res.Session.ID == id && res.Session.Title != "" {
		return renameOutcome{Kind: RenameSessionEchoed, Title: res.Session.Title}
	}
	return renameOutcome{Kind: RenameAcknowledged, Title: title}
}

func (b *requestBackend) deleteSession(ctx context.Context, id string) error {
	return b.req.DeleteSession(ctx, id)
}

func (b *requestBackend) send(ctx context.Context, sessionID, message string, _ func(string)) (reply, error) {
	resp, err := b.req.SendMessage(ctx, sessionID, message)
	if err != nil {
		return reply{}, err
	}
	return reply{Text: resp.Text(), Sources: sourcesFromWire(resp.Sources), AutoTitle: resp.AutoTitle}, nil
}
