package cmds

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/newschat/pkg/chat"
)

type transcriptSource struct {
	Title string   `yaml:"title,omitempty"`
	URL   string   `yaml:"url,omitempty"`
	Score *float64 `yaml:"score,omitempty"`
}

type transcriptMessage struct {
	Role      string             `yaml:"role"`
	Content   string             `yaml:"content"`
	Timestamp time.Time          `yaml:"timestamp"`
	Error     bool               `yaml:"error,omitempty"`
	Sources   []transcriptSource `yaml:"sources,omitempty"`
}

type transcript struct {
	SessionID  string              `yaml:"session_id"`
	Title      string              `yaml:"title"`
	ExportedAt time.Time           `yaml:"exported_at"`
	Messages   []transcriptMessage `yaml:"messages"`
}

// buildTranscript snapshots the visible conversation. Streaming placeholders are skipped.
func buildTranscript(v chat.View, now time.Time) transcript {
	t := transcript{
		SessionID:  v.ActiveSessionID,
		ExportedAt: now.UTC(),
		Messages:   []transcriptMessage{},
	}
	if s, ok := v.ActiveSession(); ok {
		t.Title = s.Title
	}
	for _, m := range v.Messages {
		if m.IsStreaming {
			continue
		}
		tm := transcriptMessage{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp.UTC(),
			Error:     m.IsError,
		}
		for _, s := range m.Sources {
			tm.Sources = append(tm.Sources, transcriptSource{Title: s.Title, URL: s.URL, Score: s.Score})
		}
		t.Messages = append(t.Messages, tm)
	}
	return t
}

func writeTranscript(w io.Writer, t transcript) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return err
	}
	return enc.Close()
}
