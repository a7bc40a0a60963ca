package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/go-go-golems/newschat/pkg/chat"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
	activeStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
)

// renderer writes the conversation to a terminal, or plain text when out is not one.
type renderer struct {
	mu  sync.Mutex
	out io.Writer
	md  *glamour.TermRenderer
}

func newRenderer(out io.Writer) *renderer {
	r := &renderer{out: out}
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err == nil {
			r.md = md
		}
	}
	return r
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *renderer) markdown(s string) string {
	if r.md == nil {
		return s
	}
	out, err := r.md.Render(s)
	if err != nil {
		return s
	}
	return strings.TrimRight(out, "\n")
}

func (r *renderer) info(msg string) {
	r.printf("%s\n", dimStyle.Render(msg))
}

func (r *renderer) error(msg string) {
	r.printf("%s\n", errorStyle.Render(msg))
}

func (r *renderer) message(m chat.Message) {
	switch {
	case m.Role == chat.RoleUser:
		r.printf("%s %s\n", userStyle.Render("you>"), m.Content)
	case m.IsError:
		r.printf("%s %s\n", assistantStyle.Render("bot>"), errorStyle.Render(m.Content))
	default:
		r.printf("%s\n%s\n", assistantStyle.Render("bot>"), r.markdown(m.Content))
		r.sources(m.Sources)
	}
}

func (r *renderer) sources(sources []chat.Source) {
	for i, s := range sources {
		label := s.Title
		if label == "" {
			label = s.URL
		}
		line := fmt.Sprintf("  [%d] %s", i+1, label)
		if s.URL != "" && s.URL != label {
			line += " " + s.URL
		}
		r.printf("%s\n", dimStyle.Render(line))
	}
}

func (r *renderer) conversation(v chat.View) {
	if s, ok := v.ActiveSession(); ok {
		r.printf("%s\n", titleStyle.Render("== "+s.Title+" =="))
	}
	if v.IsLoading {
		r.info("loading...")
	}
	for _, m := range v.Messages {
		r.message(m)
	}
}

func (r *renderer) sessions(v chat.View) {
	if len(v.Sessions) == 0 {
		r.info("no sessions")
		return
	}
	for i, s := range v.Sessions {
		marker := "  "
		title := s.Title
		if s.ID == v.ActiveSessionID {
			marker = "* "
			title = activeStyle.Render(title)
		}
		r.printf("%s%2d. %s %s\n", marker, i+1, title,
			dimStyle.Render(fmt.Sprintf("(%d messages, %s, %s)", s.MessageCount, ago(s.LastActivity), s.ID)))
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02")
	}
}
