package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

// echoServer answers create-session with session-created and closes the socket on "bye".
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.DecodeFrame(data)
			if err != nil {
				continue
			}
			switch env.Event {
			case protocol.EventCreateSession:
				req, _ := protocol.DecodeData[protocol.CreateSessionRequest](env.Data)
				b, _ := protocol.EncodeFrame(protocol.EventSessionCreated, protocol.SessionCreated{SessionID: "s1", Title: req.Title})
				_ = conn.WriteMessage(websocket.TextMessage, b)
			case "bye":
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestClientConnectsAndDispatches(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := NewClient(wsURL(srv), WithReconnect(0, 10*time.Millisecond))
	startClient(t, c)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	got := make(chan protocol.SessionCreated, 1)
	off := c.On(protocol.EventSessionCreated, func(data json.RawMessage) {
		p, err := protocol.DecodeData[protocol.SessionCreated](data)
		assert.NoError(t, err)
		got <- p
	})
	defer off()

	require.NoError(t, c.Emit(context.Background(), protocol.EventCreateSession, protocol.CreateSessionRequest{Title: "hello"}))

	select {
	case p := <-got:
		require.Equal(t, "s1", p.SessionID)
		require.Equal(t, "hello", p.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session-created")
	}
}

func TestClientOffRemovesOnlyItsHandler(t *testing.T) {
	c := NewClient("ws://unused")
	off1 := c.On(protocol.EventStreamChunk, func(json.RawMessage) {})
	off2 := c.On(protocol.EventStreamChunk, func(json.RawMessage) {})
	require.Equal(t, 2, c.HandlerCount(protocol.EventStreamChunk))

	off1()
	off1()
	require.Equal(t, 1, c.HandlerCount(protocol.EventStreamChunk))

	off2()
	require.Equal(t, 0, c.HandlerCount(protocol.EventStreamChunk))
}

func TestEmitWhileDisconnected(t *testing.T) {
	c := NewClient("ws://unused")
	require.False(t, c.Connected())
	err := c.Emit(context.Background(), protocol.EventSendMessage, protocol.SendMessageRequest{SessionID: "s1", Message: "hi"})
	require.True(t, errors.Is(err, ErrNotConnected))
	require.NoError(t, c.JoinSession(context.Background(), ""))
}

func TestClientReportsDisconnect(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	var mu sync.Mutex
	var seen []bool
	c := NewClient(wsURL(srv), WithReconnect(0, time.Hour))
	c.OnStatus(func(connected bool) {
		mu.Lock()
		seen = append(seen, connected)
		mu.Unlock()
	})
	disconnects := make(chan struct{}, 1)
	c.On(protocol.EventDisconnect, func(json.RawMessage) {
		select {
		case disconnects <- struct{}{}:
		default:
		}
	})
	startClient(t, c)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Emit(context.Background(), "bye", nil))

	select {
	case <-disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}
	require.False(t, c.Connected())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false}, seen)
}

func TestRunGivesUpAfterReconnectBudget(t *testing.T) {
	srv := echoServer(t)
	url := wsURL(srv)
	srv.Close()

	c := NewClient(url, WithReconnect(1, 5*time.Millisecond))
	var mu sync.Mutex
	connectErrors := 0
	c.On(protocol.EventConnectError, func(data json.RawMessage) {
		p, err := protocol.DecodeData[protocol.ErrorPayload](data)
		assert.NoError(t, err)
		assert.NotEmpty(t, p.Text())
		mu.Lock()
		connectErrors++
		mu.Unlock()
	})

	err := c.Run(context.Background())
	require.Error(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, connectErrors)
	require.False(t, c.Connected())
}
