// Package protocol defines the wire contract spoken between the chat client and the chat backend.
//
// Two transports carry the same operations:
//   - the push channel: JSON text frames shaped as {"event": "<name>", "data": <payload>} over a
//     websocket, with streamed reply fragments;
//   - the request channel: plain JSON request/response calls over HTTP.
//
// Both the client transports (pkg/transport/...) and the reference backend (pkg/devserver) use the
// types in this package so the two sides cannot drift.
package protocol

// Client -> server push events.
const (
	EventJoinSession        = "join-session"
	EventLeaveSession       = "leave-session"
	EventCreateSession      = "create-session"
	EventUpdateSessionTitle = "update-session-title"
	EventDeleteSession      = "delete-session"
	EventSendMessage        = "send-message"
)

// Server -> client push events.
const (
	EventSessionCreated      = "session-created"
	EventSessionTitleUpdated = "session-title-updated"
	EventSessionUpdated      = "session-updated"
	EventSessionDeleted      = "session-deleted"
	EventSessionError        = "session-error"
	EventStreamChunk         = "stream-chunk"
	EventStreamComplete      = "stream-complete"
	EventStreamError         = "stream-error"
)

// Lifecycle pseudo-events raised locally by the push client. They never travel on the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Request endpoints.
const (
	PathSessions      = "/api/chat/sessions"
	PathChat          = "/chat"
	PathLegacyHistory = "/api/chat/history"
	PathWebSocket     = "/ws"
)

// IdempotencyHeader carries a per-call key so retried mutations are applied once.
const IdempotencyHeader = "Idempotency-Key"
