package cmds

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/newschat/pkg/chat"
)

const chatHelp = `commands:
  /new [title]      start a new session
  /sessions         list sessions
  /select <n|id>    switch to a session
  /rename <title>   rename the active session
  /delete [n|id]    delete a session (default: the active one)
  /reset            start over in a fresh session
  /show             print the active conversation
  /copy             copy the last reply to the clipboard
  /export [file]    write the conversation as YAML
  /dismiss          clear the current error
  /quit             leave
anything else is sent as a message`

func NewChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat client",
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	s, err := settingsFrom(cmd.Context())
	if err != nil {
		return err
	}
	rc, err := newRESTClient(s)
	if err != nil {
		return err
	}
	pc, err := newPushClient(s)
	if err != nil {
		return err
	}
	store, err := openStateStore(s)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	coord, err := chat.NewCoordinator(rc, chat.WithPushTransport(pc), chat.WithStateStore(store))
	if err != nil {
		return err
	}
	defer func() { _ = coord.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &repl{coord: coord, ui: newRenderer(cmd.OutOrStdout()), now: time.Now}
	lines := readLines(ctx, cmd.InOrStdin())

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := pc.Run(egCtx); err != nil {
			log.Warn().Err(err).Msg("push channel gave up, continuing over HTTP")
		}
		return nil
	})
	eg.Go(func() error {
		defer cancel()
		if !waitConnected(egCtx, pc, 2*time.Second) {
			log.Info().Msg("push channel not up yet, using HTTP until it connects")
		}
		if err := coord.Start(egCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return r.run(egCtx, lines)
	})
	err = eg.Wait()
	_ = pc.Close()
	return err
}

// readLines feeds lines from in into a channel that is closed at EOF or once ctx is done.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type repl struct {
	coord     *chat.Coordinator
	ui        *renderer
	now       func() time.Time
	shownErr  string
	writeClip func(string) error
}

func (r *repl) run(ctx context.Context, lines <-chan string) error {
	r.ui.conversation(r.coord.View())
	r.ui.info("type /help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, line); quit {
				return nil
			}
			r.reportError()
		}
	}
}

// reportError prints the error slot once per distinct error.
func (r *repl) reportError() {
	e := r.coord.View().LastError
	if e != "" && e != r.shownErr {
		r.ui.error(e + " (/dismiss to clear)")
	}
	r.shownErr = e
}

func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "exit", "q":
		return true
	case "help":
		r.ui.printf("%s\n", chatHelp)
	case "new":
		if s, err := r.coord.CreateSession(ctx, arg); err == nil {
			r.ui.info("started " + s.Title)
		}
	case "reset":
		if s, err := r.coord.Reset(ctx); err == nil {
			r.ui.info("started " + s.Title)
		}
	case "sessions":
		r.coord.RefreshSessions(ctx)
		r.ui.sessions(r.coord.View())
	case "select":
		id, ok := r.resolve(arg)
		if !ok {
			r.ui.error("no such session: " + arg)
			return false
		}
		_ = r.coord.SelectSession(ctx, id)
		r.ui.conversation(r.coord.View())
	case "rename":
		id := r.coord.View().ActiveSessionID
		if id == "" || arg == "" {
			r.ui.error("usage: /rename <title> with an active session")
			return false
		}
		if outcome, err := r.coord.RenameSession(ctx, id, arg); err == nil {
			r.ui.info("renamed (" + outcome.String() + ")")
		}
	case "delete":
		id := r.coord.View().ActiveSessionID
		if arg != "" {
			var ok bool
			if id, ok = r.resolve(arg); !ok {
				r.ui.error("no such session: " + arg)
				return false
			}
		}
		if id == "" {
			r.ui.error("no session to delete")
			return false
		}
		if err := r.coord.DeleteSession(ctx, id); err == nil {
			r.ui.info("deleted")
		}
	case "show":
		r.ui.conversation(r.coord.View())
	case "copy":
		r.copyLastReply()
	case "export":
		r.export(arg)
	case "dismiss":
		r.coord.ClearError()
	default:
		r.ui.error("unknown command /" + name + ", try /help")
	}
	return false
}

// resolve maps a 1-based list position, an id, or an id prefix to a session id.
func (r *repl) resolve(arg string) (string, bool) {
	sessions := r.coord.View().Sessions
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(sessions) {
		return sessions[n-1].ID, true
	}
	if arg == "" {
		return "", false
	}
	for _, s := range sessions {
		if s.ID == arg {
			return s.ID, true
		}
	}
	match := ""
	for _, s := range sessions {
		if strings.HasPrefix(s.ID, arg) {
			if match != "" {
				return "", false
			}
			match = s.ID
		}
	}
	return match, match != ""
}

// send streams the reply to text onto the terminal as it arrives.
func (r *repl) send(ctx context.Context, text string) {
	sub, unsubscribe := r.coord.Subscribe()
	f := &follower{coord: r.coord, ui: r.ui}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range sub {
			f.update()
		}
	}()

	err := r.coord.Send(ctx, text)
	if errors.Is(err, chat.ErrSessionStarted) {
		r.ui.info("started a new session")
		err = r.coord.Send(ctx, text)
	}
	unsubscribe()
	<-done

	if errors.Is(err, chat.ErrBusy) {
		r.ui.error("a reply is still in progress")
		return
	}
	// only a failed send leaves an error reply behind; other failures end in the error slot
	var opErr *chat.OperationError
	if err != nil && (!errors.As(err, &opErr) || opErr.Op != "send message") {
		return
	}
	f.finish()
}

// follower prints the growing assistant placeholder of one send.
type follower struct {
	coord   *chat.Coordinator
	ui      *renderer
	replyID string
	printed string
}

func lastAssistant(v chat.View) (chat.Message, bool) {
	if len(v.Messages) == 0 {
		return chat.Message{}, false
	}
	m := v.Messages[len(v.Messages)-1]
	return m, m.Role == chat.RoleAssistant
}

func (f *follower) update() {
	m, ok := lastAssistant(f.coord.View())
	if !ok || !m.IsStreaming {
		return
	}
	if m.ID != f.replyID {
		f.replyID = m.ID
		f.printed = ""
		f.ui.printf("%s\n", assistantStyle.Render("bot>"))
	}
	if strings.HasPrefix(m.Content, f.printed) && len(m.Content) > len(f.printed) {
		f.ui.printf("%s", m.Content[len(f.printed):])
		f.printed = m.Content
	}
}

func (f *follower) finish() {
	m, ok := lastAssistant(f.coord.View())
	if !ok || m.IsStreaming {
		return
	}
	if m.ID != f.replyID {
		f.ui.message(m)
		return
	}
	if f.printed != "" && (m.IsError || !strings.HasPrefix(m.Content, f.printed)) {
		f.ui.printf("\n")
		f.printed = ""
	}
	switch {
	case m.IsError:
		f.ui.error(m.Content)
	case f.printed == "":
		f.ui.printf("%s\n", f.ui.markdown(m.Content))
		f.ui.sources(m.Sources)
	default:
		f.ui.printf("%s\n", m.Content[len(f.printed):])
		f.ui.sources(m.Sources)
	}
}

func (r *repl) copyLastReply() {
	v := r.coord.View()
	for i := len(v.Messages) - 1; i >= 0; i-- {
		m := v.Messages[i]
		if m.Role != chat.RoleAssistant || m.IsStreaming || m.IsError {
			continue
		}
		write := r.writeClip
		if write == nil {
			write = clipboard.WriteAll
		}
		if err := write(m.Content); err != nil {
			r.ui.error("copy failed: " + err.Error())
			return
		}
		r.ui.info("copied last reply")
		return
	}
	r.ui.error("nothing to copy")
}

func (r *repl) export(path string) {
	t := buildTranscript(r.coord.View(), r.now())
	if path == "" {
		r.ui.mu.Lock()
		err := writeTranscript(r.ui.out, t)
		r.ui.mu.Unlock()
		if err != nil {
			r.ui.error("export failed: " + err.Error())
		}
		return
	}
	f, err := os.Create(path)
	if err != nil {
		r.ui.error("export failed: " + err.Error())
		return
	}
	err = writeTranscript(f, t)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		r.ui.error("export failed: " + err.Error())
		return
	}
	r.ui.info("exported " + strconv.Itoa(len(t.Messages)) + " messages to " + path)
}
