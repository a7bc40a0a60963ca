package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

// notDispatchedError marks a push call that failed before its request left the client. Only those
// are safe to repeat over the request transport.
type notDispatchedError struct {
	err error
}

func (e *notDispatchedError) Error() string { return "not dispatched: " + e.err.Error() }

func (e *notDispatchedError) Unwrap() error { return e.err }

func notDispatched(err error) bool {
	var nd *notDispatchedError
	return errors.As(err, &nd)
}

type result[T any] struct {
	v   T
	err error
}

// waiter collects the first outcome among the listeners of one call. Listeners are registered with
// listen and all of them are removed by close, whichever branch won.
type waiter[T any] struct {
	ch   chan T
	offs []func()
}

func newWaiter[T any]() *waiter[T] {
	return &waiter[T]{ch: make(chan T, 1)}
}

// resolve keeps the first value and drops the rest. It never blocks the read goroutine.
func (w *waiter[T]) resolve(v T) {
	select {
	case w.ch <- v:
	default:
	}
}

func (w *waiter[T]) listen(off func()) {
	w.offs = append(w.offs, off)
}

func (w *waiter[T]) close() {
	for _, off := range w.offs {
		off()
	}
	w.offs = nil
}

// wait returns the first resolution. A nil timeout channel never fires.
func (w *waiter[T]) wait(ctx context.Context, timeout <-chan time.Time, onTimeout func() T) (T, error) {
	select {
	case v := <-w.ch:
		return v, nil
	case <-timeout:
		return onTimeout(), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type pushBackend struct {
	push          PushTransport
	renameTimeout time.Duration
	logger        zerolog.Logger
}

var _ sessionBackend = &pushBackend{}

func (b *pushBackend) name() string { return transportPush }

func (b *pushBackend) emit(ctx context.Context, event string, payload any) error {
	if err := b.push.Emit(ctx, event, payload); err != nil {
		return &notDispatchedError{err: err}
	}
	return nil
}

// watchChannel resolves the waiter with ErrChannelLost when the channel drops mid-call.
func watchChannel[T any](b *pushBackend, w *waiter[T], lost func() T) {
	w.listen(b.push.OnStatus(func(connected bool) {
		if !connected {
			w.resolve(lost())
		}
	}))
}

func serverError(event string, data json.RawMessage) (*ServerError, string) {
	p, err := protocol.DecodeData[protocol.ErrorPayload](data)
	if err != nil {
		// error events with a bare string or no payload still count as errors
		var s string
		_ = json.Unmarshal(data, &s)
		return &ServerError{Event: event, Message: s}, ""
	}
	return &ServerError{Event: event, Message: p.Text()}, p.SessionID
}

func (b *pushBackend) createSession(ctx context.Context, title string) (protocol.SessionCreated, error) {
	w := newWaiter[result[protocol.SessionCreated]]()
	defer w.close()

	w.listen(b.push.On(protocol.EventSessionCreated, func(data json.RawMessage) {
		created, err := protocol.DecodeData[protocol.SessionCreated](data)
		if err != nil || created.SessionID == "" {
			b.logger.Warn().Err(err).Msg("ignoring session-created without session id")
			return
		}
		w.resolve(result[protocol.SessionCreated]{v: created})
	}))
	w.listen(b.push.On(protocol.EventSessionError, func(data json.RawMessage) {
		se, _ := serverError(protocol.EventSessionError, data)
		w.resolve(result[protocol.SessionCreated]{err: se})
	}))
	watchChannel(b, w, func() result[protocol.SessionCreated] {
		return result[protocol.SessionCreated]{err: ErrChannelLost}
	})

	if err := b.emit(ctx, protocol.EventCreateSession, protocol.CreateSessionRequest{Title: title}); err != nil {
		return protocol.SessionCreated{}, err
	}
	res, err := w.wait(ctx, nil, nil)
	if err != nil {
		return protocol.SessionCreated{}, err
	}
	return res.v, res.err
}

// renameSession races the acknowledgment events against renameTimeout. On timeout the rename is
// reported as done with the requested title.
func (b *pushBackend) renameSession(ctx context.Context, id, title string) renameOutcome {
	w := newWaiter[renameOutcome]()
	defer w.close()

	w.listen(b.push.On(protocol.EventSessionTitleUpdated, func(data json.RawMessage) {
		ack, err := protocol.DecodeData[protocol.SessionTitleUpdated](data)
		if err != nil || ack.SessionID != id {
			return
		}
		w.resolve(renameOutcome{Kind: RenameAcknowledged, Title: title})
	}))
	w.listen(b.push.On(protocol.EventSessionUpdated, func(data json.RawMessage) {
		upd, err := protocol.DecodeData[protocol.SessionUpdated](data)
		if err != nil || upd.Session == nil || upd.Session.ID != id {
			return
		}
		echoed := upd.Session.Title
		if echoed == "" {
			echoed = title
		}
		w.resolve(renameOutcome{Kind: RenameSessionEchoed, Title: echoed})
	}))
	w.listen(b.push.On(protocol.EventSessionError, func(data json.RawMessage) {
		se, sid := serverError(protocol.EventSessionError, data)
		if sid != "" && sid != id {
			return
		}
		w.resolve(renameOutcome{Kind: RenameErrored, Err: se})
	}))

	if err := b.emit(ctx, protocol.EventUpdateSessionTitle, protocol.UpdateSessionTitleRequest{SessionID: id, Title: title}); err != nil {
		return renameOutcome{Kind: RenameErrored, Err: err}
	}

	timer := time.NewTimer(b.renameTimeout)
	defer timer.Stop()
	out, err := w.wait(ctx, timer.C, func() renameOutcome {
		b.logger.Info().Str("session_id", id).Dur("timeout", b.renameTimeout).Msg("no rename acknowledgment, applying title locally")
		return renameOutcome{Kind: RenameTimedOut, Title: title}
	})
	if err != nil {
		return renameOutcome{Kind: RenameErrored, Err: err}
	}
	return out
}

func (b *pushBackend) deleteSession(ctx context.Context, id string) error {
	w := newWaiter[error]()
	defer w.close()

	w.listen(b.push.On(protocol.EventSessionDeleted, func(data json.RawMessage) {
		del, err := protocol.DecodeData[protocol.SessionDeleted](data)
		if err != nil || del.SessionID != id {
			return
		}
		w.resolve(nil)
	}))
	w.listen(b.push.On(protocol.EventSessionError, func(data json.RawMessage) {
		se, sid := serverError(protocol.EventSessionError, data)
		if sid != "" && sid != id {
			return
		}
		w.resolve(se)
	}))
	watchChannel(b, w, func() error { return ErrChannelLost })

	if err := b.emit(ctx, protocol.EventDeleteSession, protocol.DeleteSessionRequest{SessionID: id}); err != nil {
		return err
	}
	res, err := w.wait(ctx, nil, nil)
	if err != nil {
		return err
	}
	return res
}

func (b *pushBackend) send(ctx context.Context, sessionID, message string, onChunk func(string)) (reply, error) {
	w := newWaiter[result[reply]]()
	defer w.close()

	w.listen(b.push.On(protocol.EventStreamChunk, func(data json.RawMessage) {
		chunk, err := protocol.DecodeData[protocol.StreamChunk](data)
		if err != nil {
			b.logger.Warn().Err(err).Msg("dropping undecodable stream-chunk")
			return
		}
		if chunk.SessionID != "" && chunk.SessionID != sessionID {
			return
		}
		if chunk.Chunk == "" || onChunk == nil {
			return
		}
		onChunk(chunk.Chunk)
	}))
	w.listen(b.push.On(protocol.EventStreamComplete, func(data json.RawMessage) {
		done, err := protocol.DecodeData[protocol.StreamComplete](data)
		if err != nil {
			w.resolve(result[reply]{err: errors.Wrap(err, "decode stream-complete")})
			return
		}
		if done.SessionID != "" && done.SessionID != sessionID {
			return
		}
		w.resolve(result[reply]{v: reply{
			Text:      done.Response,
			Sources:   sourcesFromWire(done.Sources),
			AutoTitle: done.AutoTitle,
		}})
	}))
	w.listen(b.push.On(protocol.EventStreamError, func(data json.RawMessage) {
		se, sid := serverError(protocol.EventStreamError, data)
		if sid != "" && sid != sessionID {
			return
		}
		w.resolve(result[reply]{err: se})
	}))
	watchChannel(b, w, func() result[reply] { return result[reply]{err: ErrChannelLost} })

	if err := b.emit(ctx, protocol.EventSendMessage, protocol.SendMessageRequest{SessionID: sessionID, Message: message}); err != nil {
		return reply{}, err
	}
	res, err := w.wait(ctx, nil, nil)
	if err != nil {
		return reply{}, err
	}
	return res.v, res.err
}
