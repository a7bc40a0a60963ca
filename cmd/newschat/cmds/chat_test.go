package cmds

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/newschat/pkg/chat"
	"github.com/go-go-golems/newschat/pkg/devserver"
	"github.com/go-go-golems/newschat/pkg/transport/rest"
)

func newTestRepl(t *testing.T) (*repl, *bytes.Buffer, *devserver.Server) {
	t.Helper()
	srv := devserver.NewServer(devserver.WithChunkDelay(0), devserver.WithLogger(zerolog.Nop()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})

	rc, err := rest.NewClient(ts.URL, rest.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	coord, err := chat.NewCoordinator(rc, chat.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })
	require.NoError(t, coord.Start(context.Background()))

	out := &bytes.Buffer{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &repl{coord: coord, ui: newRenderer(out), now: func() time.Time { return now }}, out, srv
}

func feed(lines ...string) <-chan string {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return ch
}

func TestReplConversationOverHTTP(t *testing.T) {
	r, out, srv := newTestRepl(t)
	var clip string
	r.writeClip = func(s string) error {
		clip = s
		return nil
	}

	err := r.run(context.Background(), feed(
		"/new Test",
		"ping",
		"/sessions",
		"/copy",
		"/export",
		"/quit",
		"never reached",
	))
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "started Test")
	assert.Contains(t, got, "pong")
	assert.Contains(t, got, "(2 messages")
	assert.Contains(t, got, "copied last reply")
	assert.Contains(t, got, "title: Test")
	assert.Contains(t, got, "content: pong")
	assert.NotContains(t, got, "never reached")
	assert.Equal(t, "pong", clip)

	list := srv.Store().List()
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].MessageCount)
}

func TestReplSendWithoutSessionStartsOne(t *testing.T) {
	r, out, srv := newTestRepl(t)

	require.NoError(t, r.run(context.Background(), feed("ping")))

	assert.Contains(t, out.String(), "started a new session")
	assert.Contains(t, out.String(), "pong")
	require.Len(t, srv.Store().List(), 1)
}

func TestReplRenameAndDelete(t *testing.T) {
	r, out, srv := newTestRepl(t)

	require.NoError(t, r.run(context.Background(), feed(
		"/new Draft",
		"/rename Final",
		"/delete",
	)))

	got := out.String()
	assert.Contains(t, got, "renamed (")
	assert.Contains(t, got, "deleted")
	assert.Empty(t, srv.Store().List())
	assert.Empty(t, r.coord.View().ActiveSessionID)
}

func TestReplUnknownCommandAndUsage(t *testing.T) {
	r, out, _ := newTestRepl(t)

	require.NoError(t, r.run(context.Background(), feed(
		"/bogus",
		"/rename Something",
		"/select 7",
		"/copy",
	)))

	got := out.String()
	assert.Contains(t, got, "unknown command /bogus")
	assert.Contains(t, got, "usage: /rename")
	assert.Contains(t, got, "no such session: 7")
	assert.Contains(t, got, "nothing to copy")
}

func TestReplResolve(t *testing.T) {
	r, _, _ := newTestRepl(t)
	ctx := context.Background()

	a, err := r.coord.CreateSession(ctx, "A")
	require.NoError(t, err)
	b, err := r.coord.CreateSession(ctx, "B")
	require.NoError(t, err)
	r.coord.RefreshSessions(ctx)

	id, ok := r.resolve(a.ID)
	require.True(t, ok)
	assert.Equal(t, a.ID, id)

	id, ok = r.resolve(b.ID[:len(b.ID)-2])
	require.True(t, ok)
	assert.Equal(t, b.ID, id)

	sessions := r.coord.View().Sessions
	require.Len(t, sessions, 2)
	id, ok = r.resolve("2")
	require.True(t, ok)
	assert.Equal(t, sessions[1].ID, id)

	_, ok = r.resolve("")
	assert.False(t, ok)
	_, ok = r.resolve("zzz-not-an-id")
	assert.False(t, ok)
}

func TestReplSelectShowsHistory(t *testing.T) {
	r, out, srv := newTestRepl(t)
	ctx := context.Background()

	first, err := r.coord.CreateSession(ctx, "First")
	require.NoError(t, err)
	require.NoError(t, r.coord.Send(ctx, "ping"))
	_, err = r.coord.CreateSession(ctx, "Second")
	require.NoError(t, err)
	require.Len(t, srv.Store().List(), 2)

	r.coord.RefreshSessions(ctx)
	out.Reset()
	r.handle(ctx, "/select "+first.ID)

	got := out.String()
	assert.Contains(t, got, "== First ==")
	assert.True(t, strings.Contains(got, "you> ping") || strings.Contains(got, "ping"))
	assert.Contains(t, got, "pong")
	assert.Equal(t, first.ID, r.coord.View().ActiveSessionID)
}

func TestReadLinesStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lines := readLines(ctx, strings.NewReader("one\ntwo\nthree\n"))

	require.Equal(t, "one", <-lines)
	cancel()

	// the reader gives up on undelivered lines and closes the channel
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-lines:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestReadLinesClosesAtEOF(t *testing.T) {
	var got []string
	for l := range readLines(context.Background(), strings.NewReader("a\nb\n")) {
		got = append(got, l)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}
