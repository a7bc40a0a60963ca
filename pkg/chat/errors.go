package chat

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrSessionStarted is returned by Send when no session was active. A new session has been
	// created and made active; the caller sends again.
	ErrSessionStarted = errors.New("no active session, started a new one")
	// ErrBusy is returned by Send while a reply is still in flight.
	ErrBusy = errors.New("a reply is still in progress")
	// ErrChannelLost resolves a push call whose channel dropped before the answer arrived.
	ErrChannelLost = errors.New("push channel lost before reply")
	// ErrClosed is returned by operations started after Close, and by a Send whose reply Close
	// abandoned.
	ErrClosed = errors.New("coordinator closed")
	// ErrReplyAbandoned is returned by a Send whose session was deleted before the reply arrived.
	ErrReplyAbandoned = errors.New("session deleted before the reply arrived")
)

// ServerError carries an error event sent by the backend.
type ServerError struct {
	Event   string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Event
	}
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}

// OperationError wraps a failed coordinator operation with the transport that carried it.
type OperationError struct {
	Op        string
	Transport string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s via %s: %v", e.Op, e.Transport, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
