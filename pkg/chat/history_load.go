package chat

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/newschat/pkg/transport/rest"
)

// loadHistory hydrates the conversation of id unless another selection replaced it meanwhile.
func (c *Coordinator) loadHistory(ctx context.Context, id string, epoch uint64) error {
	msgs, err := c.fetchHistory(ctx, id)

	stale := false
	c.update(func() {
		if c.conv.SessionID() != id || c.conv.Epoch() != epoch {
			stale = true
			return
		}
		if err != nil {
			c.conv.SetError(ErrTextLoadHistory)
			return
		}
		c.conv.Hydrate(msgs)
	})
	if stale {
		c.logger.Debug().Str("session_id", id).Msg("dropping history for a session no longer shown")
		return nil
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", id).Msg("could not load history")
		return &OperationError{Op: "load history", Transport: transportRequest, Err: err}
	}
	c.logger.Debug().Str("session_id", id).Int("messages", len(msgs)).Msg("history loaded")
	return nil
}

// fetchHistory asks the history endpoint first. When it has nothing but the session is known to
// have messages, the legacy endpoint gets a try. A backend answering with an error status means
// the session has no history yet.
func (c *Coordinator) fetchHistory(ctx context.Context, id string) ([]Message, error) {
	raw, err := c.req.History(ctx, id)
	if err != nil {
		var se *rest.StatusError
		if errors.As(err, &se) {
			c.logger.Info().Int("status", se.Status).Str("session_id", id).Msg("history endpoint refused, showing empty session")
			return nil, nil
		}
		return nil, err
	}
	page, err := NormalizeHistory(raw)
	if err != nil {
		return nil, err
	}
	if len(page.Messages) > 0 {
		return page.Messages, nil
	}

	count := page.SessionMessageCount
	if count == 0 {
		c.mu.Lock()
		if s, ok := c.registry.Get(id); ok {
			count = s.MessageCount
		}
		c.mu.Unlock()
	}
	if count <= 0 {
		return nil, nil
	}

	legacy, err := c.req.LegacyHistory(ctx, id)
	if err != nil {
		c.logger.Info().Err(err).Str("session_id", id).Msg("legacy history unavailable")
		return nil, nil
	}
	msgs, err := NormalizeLegacyHistory(legacy)
	if err != nil {
		c.logger.Info().Err(err).Str("session_id", id).Msg("legacy history unreadable")
		return nil, nil
	}
	return msgs, nil
}
