package devserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

// Reply is a full assistant answer before it is split into stream chunks.
type Reply struct {
	Text    string
	Sources []protocol.Source
}

// Responder produces the assistant side of a turn.
type Responder interface {
	Respond(ctx context.Context, sessionID string, history []StoredMessage, message string) (Reply, error)
}

// FailMarker makes the scripted responder fail the turn when the user message contains it.
const FailMarker = "[fail]"

// ScriptedResponder answers from a fixed table and echoes everything else.
type ScriptedResponder struct {
	Replies map[string]Reply
}

var _ Responder = &ScriptedResponder{}

// NewScriptedResponder returns a responder that knows "ping".
func NewScriptedResponder() *ScriptedResponder {
	return &ScriptedResponder{
		Replies: map[string]Reply{
			"ping": {Text: "pong"},
		},
	}
}

func (r *ScriptedResponder) Respond(ctx context.Context, _ string, history []StoredMessage, message string) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	if strings.Contains(message, FailMarker) {
		return Reply{}, errors.New("responder failed")
	}
	key := strings.ToLower(strings.TrimSpace(message))
	if reply, ok := r.Replies[key]; ok {
		return reply, nil
	}
	score := 0.5
	return Reply{
		Text: fmt.Sprintf("You asked: %q. This conversation has %d earlier messages.", message, len(history)),
		Sources: []protocol.Source{{
			Title:  "Scripted source",
			URL:    "https://example.com/newschat",
			Source: "devserver",
			Score:  &score,
		}},
	}, nil
}

// SplitChunks splits text into word chunks that concatenate back to text.
func SplitChunks(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.SplitAfter(text, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

const (
	autoTitleWords = 6
	autoTitleMax   = 40
)

// AutoTitle derives a session title from the first user message.
func AutoTitle(message string) string {
	words := strings.Fields(message)
	if len(words) > autoTitleWords {
		words = words[:autoTitleWords]
	}
	title := strings.Join(words, " ")
	if len(title) > autoTitleMax {
		title = strings.TrimSpace(title[:autoTitleMax]) + "..."
	}
	return title
}
