package devserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(append([]Option{WithChunkDelay(0)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestHTTPSessionLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+protocol.PathSessions, protocol.CreateSessionRequest{}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created protocol.SessionCreated
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.SessionID)
	require.Equal(t, DefaultTitle, created.Title)

	resp, body = doJSON(t, http.MethodPost, ts.URL+protocol.PathChat, protocol.ChatRequest{Message: "ping", SessionID: created.SessionID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chat protocol.ChatResponse
	require.NoError(t, json.Unmarshal(body, &chat))
	require.Equal(t, "pong", chat.Response)
	require.Equal(t, "ping", chat.AutoTitle)
	require.Equal(t, created.SessionID, chat.SessionID)

	resp, body = doJSON(t, http.MethodGet, ts.URL+protocol.PathSessions, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list protocol.ListSessionsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Sessions, 1)
	require.Equal(t, "ping", list.Sessions[0].Title)
	require.Equal(t, 2, list.Sessions[0].MessageCount)

	resp, body = doJSON(t, http.MethodPut, ts.URL+protocol.PathSessions+"/"+created.SessionID, protocol.UpdateSessionTitleRequest{Title: "Renamed"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"title":"Renamed"`)

	resp, body = doJSON(t, http.MethodGet, ts.URL+protocol.PathSessions+"/"+created.SessionID+"/history", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist historyResponse
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist.History, 2)
	require.Equal(t, "user", hist.History[0].Type)
	require.Equal(t, "pong", hist.History[1].Content)

	resp, body = doJSON(t, http.MethodGet, ts.URL+protocol.PathLegacyHistory+"/"+created.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.HasPrefix(strings.TrimSpace(string(body)), "["))

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+protocol.PathSessions+"/"+created.SessionID+"?deleteSession=true", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+protocol.PathSessions+"/"+created.SessionID+"/history", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPDeleteWithoutFlagClearsMessages(t *testing.T) {
	srv, ts := newTestServer(t)
	s := srv.Store().Create("keep")
	_, err := srv.Store().AppendTurn(s.ID, "q", Reply{Text: "a"}, "")
	require.NoError(t, err)

	resp, _ := doJSON(t, http.MethodDelete, ts.URL+protocol.PathSessions+"/"+s.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, ok := srv.Store().Get(s.ID)
	require.True(t, ok)
	require.Equal(t, 0, got.MessageCount)
}

func TestHTTPIdempotentCreate(t *testing.T) {
	srv, ts := newTestServer(t)
	headers := map[string]string{protocol.IdempotencyHeader: "key-1"}

	resp1, body1 := doJSON(t, http.MethodPost, ts.URL+protocol.PathSessions, protocol.CreateSessionRequest{Title: "a"}, headers)
	resp2, body2 := doJSON(t, http.MethodPost, ts.URL+protocol.PathSessions, protocol.CreateSessionRequest{Title: "a"}, headers)
	require.Equal(t, resp1.StatusCode, resp2.StatusCode)
	require.Equal(t, body1, body2)
	require.Equal(t, "true", resp2.Header.Get("Idempotent-Replay"))
	require.Len(t, srv.Store().List(), 1)

	_, _ = doJSON(t, http.MethodPost, ts.URL+protocol.PathSessions, protocol.CreateSessionRequest{Title: "a"}, map[string]string{"X-Idempotency-Key": "key-2"})
	require.Len(t, srv.Store().List(), 2)
}

func TestHTTPErrors(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+protocol.PathChat, protocol.ChatRequest{Message: "  "}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+protocol.PathChat, protocol.ChatRequest{Message: "hi", SessionID: "missing"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	s := srv.Store().Create("x")
	resp, body := doJSON(t, http.MethodPost, ts.URL+protocol.PathChat, protocol.ChatRequest{Message: FailMarker, SessionID: s.ID}, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Contains(t, string(body), "responder failed")

	resp, _ = doJSON(t, http.MethodPut, ts.URL+protocol.PathSessions+"/"+s.ID, protocol.UpdateSessionTitleRequest{Title: ""}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, ts.URL+protocol.PathSessions+"/missing", protocol.UpdateSessionTitleRequest{Title: "x"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPChatWithoutSessionCreatesOne(t *testing.T) {
	srv, ts := newTestServer(t, WithLegacyReplyField())
	resp, body := doJSON(t, http.MethodPost, ts.URL+protocol.PathChat, protocol.ChatRequest{Message: "ping"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chat protocol.ChatResponse
	require.NoError(t, json.Unmarshal(body, &chat))
	require.Empty(t, chat.Response)
	require.Equal(t, "pong", chat.Message)
	require.Equal(t, "pong", chat.Text())
	_, ok := srv.Store().Get(chat.SessionID)
	require.True(t, ok)
}

func TestHTTPLegacyHistoryOnly(t *testing.T) {
	srv, ts := newTestServer(t, WithLegacyHistoryOnly())
	s := srv.Store().Create("x")
	_, err := srv.Store().AppendTurn(s.ID, "q", Reply{Text: "a"}, "")
	require.NoError(t, err)

	_, body := doJSON(t, http.MethodGet, ts.URL+protocol.PathSessions+"/"+s.ID+"/history", nil, nil)
	require.NotContains(t, string(body), `"history"`)
	require.Contains(t, string(body), `"messageCount":2`)
}

type wsTestClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, ts *httptest.Server) *wsTestClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + protocol.PathWebSocket
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsTestClient{t: t, conn: conn}
}

func (c *wsTestClient) emit(event string, payload any) {
	frame, err := protocol.EncodeFrame(event, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *wsTestClient) next() protocol.Envelope {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	env, err := protocol.DecodeFrame(data)
	require.NoError(c.t, err)
	return env
}

func (c *wsTestClient) expect(event string) protocol.Envelope {
	env := c.next()
	require.Equal(c.t, event, env.Event, "data: %s", string(env.Data))
	return env
}

func TestWSStreamingTurn(t *testing.T) {
	srv, ts := newTestServer(t)
	c := dialWS(t, ts)

	c.emit(protocol.EventCreateSession, protocol.CreateSessionRequest{})
	created, err := protocol.DecodeData[protocol.SessionCreated](c.expect(protocol.EventSessionCreated).Data)
	require.NoError(t, err)

	c.emit(protocol.EventSendMessage, protocol.SendMessageRequest{SessionID: created.SessionID, Message: "tell me the news"})

	var text strings.Builder
	var done protocol.StreamComplete
	for {
		env := c.next()
		if env.Event == protocol.EventStreamComplete {
			done, err = protocol.DecodeData[protocol.StreamComplete](env.Data)
			require.NoError(t, err)
			break
		}
		require.Equal(t, protocol.EventStreamChunk, env.Event)
		chunk, err := protocol.DecodeData[protocol.StreamChunk](env.Data)
		require.NoError(t, err)
		require.Equal(t, created.SessionID, chunk.SessionID)
		text.WriteString(chunk.Chunk)
	}
	require.Equal(t, done.Response, text.String())
	require.Equal(t, "tell me the news", done.AutoTitle)
	require.Len(t, done.Sources, 1)

	got, ok := srv.Store().Get(created.SessionID)
	require.True(t, ok)
	require.Equal(t, 2, got.MessageCount)
	require.Equal(t, 1, srv.Hub().Members(created.SessionID))
}

func TestWSStreamError(t *testing.T) {
	srv, ts := newTestServer(t)
	s := srv.Store().Create("x")
	c := dialWS(t, ts)

	c.emit(protocol.EventSendMessage, protocol.SendMessageRequest{SessionID: s.ID, Message: "boom " + FailMarker})
	payload, err := protocol.DecodeData[protocol.ErrorPayload](c.expect(protocol.EventStreamError).Data)
	require.NoError(t, err)
	require.Equal(t, s.ID, payload.SessionID)
	require.Contains(t, payload.Text(), "responder failed")

	c.emit(protocol.EventSendMessage, protocol.SendMessageRequest{SessionID: "missing", Message: "hi"})
	c.expect(protocol.EventStreamError)
}

func TestWSRenameAndDelete(t *testing.T) {
	srv, ts := newTestServer(t)
	s := srv.Store().Create("old")
	c := dialWS(t, ts)

	c.emit(protocol.EventJoinSession, s.ID)
	require.Eventually(t, func() bool { return srv.Hub().Members(s.ID) == 1 }, time.Second, 5*time.Millisecond)

	c.emit(protocol.EventUpdateSessionTitle, protocol.UpdateSessionTitleRequest{SessionID: s.ID, Title: "new"})
	updated, err := protocol.DecodeData[protocol.SessionTitleUpdated](c.expect(protocol.EventSessionTitleUpdated).Data)
	require.NoError(t, err)
	require.Equal(t, "new", updated.Title)
	echo, err := protocol.DecodeData[protocol.SessionUpdated](c.expect(protocol.EventSessionUpdated).Data)
	require.NoError(t, err)
	require.Equal(t, "new", echo.Session.Title)

	c.emit(protocol.EventUpdateSessionTitle, protocol.UpdateSessionTitleRequest{SessionID: "missing", Title: "x"})
	errPayload, err := protocol.DecodeData[protocol.ErrorPayload](c.expect(protocol.EventSessionError).Data)
	require.NoError(t, err)
	require.Equal(t, "missing", errPayload.SessionID)

	c.emit(protocol.EventDeleteSession, protocol.DeleteSessionRequest{SessionID: s.ID})
	deleted, err := protocol.DecodeData[protocol.SessionDeleted](c.expect(protocol.EventSessionDeleted).Data)
	require.NoError(t, err)
	require.Equal(t, s.ID, deleted.SessionID)
	require.Equal(t, 0, srv.Hub().Members(s.ID))

	c.emit(protocol.EventDeleteSession, protocol.DeleteSessionRequest{SessionID: s.ID})
	c.expect(protocol.EventSessionError)
}

func TestWSRoomsFanOutAndLeave(t *testing.T) {
	srv, ts := newTestServer(t)
	s := srv.Store().Create("shared")
	sender, watcher := dialWS(t, ts), dialWS(t, ts)

	watcher.emit(protocol.EventJoinSession, s.ID)
	require.Eventually(t, func() bool { return srv.Hub().Members(s.ID) == 1 }, time.Second, 5*time.Millisecond)

	sender.emit(protocol.EventSendMessage, protocol.SendMessageRequest{SessionID: s.ID, Message: "ping"})
	chunk, err := protocol.DecodeData[protocol.StreamChunk](watcher.expect(protocol.EventStreamChunk).Data)
	require.NoError(t, err)
	require.Equal(t, "pong", chunk.Chunk)
	watcher.expect(protocol.EventStreamComplete)
	sender.expect(protocol.EventStreamChunk)
	sender.expect(protocol.EventStreamComplete)

	watcher.emit(protocol.EventLeaveSession, s.ID)
	require.Eventually(t, func() bool { return srv.Hub().Members(s.ID) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWSMalformedFrame(t *testing.T) {
	_, ts := newTestServer(t)
	c := dialWS(t, ts)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	c.expect(protocol.EventSessionError)
}

func TestServerCloseDisconnectsPeers(t *testing.T) {
	srv, ts := newTestServer(t)
	c := dialWS(t, ts)
	c.emit(protocol.EventCreateSession, protocol.CreateSessionRequest{})
	c.expect(protocol.EventSessionCreated)

	require.NoError(t, srv.Close())
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.conn.ReadMessage()
	require.Error(t, err)
}
