package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// streamTarget is the state one Send call owns: the placeholder it created, the running text
// of the reply and the cancel func that abandons it.
type streamTarget struct {
	sessionID string
	epoch     uint64
	replyID   string
	buf       strings.Builder
	cancel    context.CancelFunc
}

// Send appends the user's message and an assistant placeholder, then fills the placeholder from
// the reply. With no active session it only creates one and returns ErrSessionStarted. Blank text
// is ignored. A session takes one message at a time: while an earlier reply for it is still
// outstanding, even one started before switching away and back, Send returns ErrBusy.
func (c *Coordinator) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	now := c.now()
	t := &streamTarget{replyID: uuid.NewString()}
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.cancel = cancel

	var gate error
	noSession := false
	c.mu.Lock()
	switch {
	case c.closed:
		gate = ErrClosed
	case c.registry.ActiveID() == "":
		noSession = true
	case c.conv.Busy() || c.inflight[c.registry.ActiveID()] != nil:
		gate = ErrBusy
	default:
		t.sessionID = c.registry.ActiveID()
		t.epoch = c.conv.Epoch()
		c.inflight[t.sessionID] = t
		c.conv.Append(
			Message{ID: uuid.NewString(), Role: RoleUser, Content: text, Timestamp: now},
			Message{ID: t.replyID, Role: RoleAssistant, Sources: []Source{}, Timestamp: now, IsStreaming: true},
		)
		c.conv.SetPhase(PhaseSending)
		c.conv.SetError("")
	}
	c.mu.Unlock()

	if gate != nil {
		return gate
	}
	if noSession {
		if _, err := c.CreateSession(ctx, ""); err != nil {
			return err
		}
		return ErrSessionStarted
	}
	defer c.release(t)
	c.notify()

	var r reply
	transport, err := c.withFallback("send message", func(b sessionBackend) error {
		var err error
		r, err = b.send(sendCtx, t.sessionID, text, func(chunk string) { c.applyChunk(t, chunk) })
		return err
	})
	if err != nil && ctx.Err() == nil && sendCtx.Err() != nil {
		// abandoned by DeleteSession or Close
		if c.isClosed() {
			return ErrClosed
		}
		c.logger.Debug().Str("session_id", t.sessionID).Msg("reply abandoned, session deleted")
		return ErrReplyAbandoned
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", t.sessionID).Str("transport", transport).Msg("send failed")
		c.failReply(t)
		return &OperationError{Op: "send message", Transport: transport, Err: err}
	}
	c.finishReply(t, r)
	return nil
}

// release frees the session for the next Send.
func (c *Coordinator) release(t *streamTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[t.sessionID] == t {
		delete(c.inflight, t.sessionID)
	}
}

// ownsLocked reports whether t's conversation is still the visible one.
func (c *Coordinator) ownsLocked(t *streamTarget) bool {
	return c.conv.SessionID() == t.sessionID && c.conv.Epoch() == t.epoch
}

// applyChunk extends the running text and copies it into the placeholder. The placeholder always
// shows the whole buffer, never buffer plus an older copy of itself.
func (c *Coordinator) applyChunk(t *streamTarget, chunk string) {
	c.update(func() {
		t.buf.WriteString(chunk)
		if !c.ownsLocked(t) {
			return
		}
		content := t.buf.String()
		applied := false
		c.conv.UpdateMessage(t.replyID, func(m *Message) {
			if m.IsStreaming {
				m.Content = content
				applied = true
			}
		})
		if applied && c.conv.Phase() == PhaseSending {
			c.conv.SetPhase(PhaseStreaming)
		}
	})
}

// finishReply replaces the placeholder with the final text and does the session bookkeeping.
func (c *Coordinator) finishReply(t *streamTarget, r reply) {
	sources := r.Sources
	if sources == nil {
		sources = []Source{}
	}
	titleWasDefault := false
	c.update(func() {
		if c.ownsLocked(t) {
			c.conv.SetPhase(PhaseFinalizing)
			c.conv.UpdateMessage(t.replyID, func(m *Message) {
				m.Content = r.Text
				m.Sources = sources
				m.IsStreaming = false
			})
			c.conv.SetPhase(PhaseIdle)
		}
		now := c.now()
		c.registry.Touch(t.sessionID, func(s *Session) {
			s.LastActivity = now
			s.MessageCount += 2
			if s.Title == DefaultSessionTitle {
				titleWasDefault = true
				if r.AutoTitle != "" {
					s.Title = r.AutoTitle
				}
			}
		})
	})
	if titleWasDefault {
		c.scheduleRefresh()
	}
}

func (c *Coordinator) failReply(t *streamTarget) {
	c.update(func() {
		if !c.ownsLocked(t) {
			return
		}
		c.conv.UpdateMessage(t.replyID, func(m *Message) {
			m.Content = ErrorReply
			m.IsError = true
			m.IsStreaming = false
		})
		c.conv.SetPhase(PhaseIdle)
		c.conv.SetError(ErrTextSendMessage)
	})
}
