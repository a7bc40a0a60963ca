// Package push is the client side of the persistent bidirectional chat channel.
//
// A Client owns one websocket at a time, reconnects on its own, and fans decoded frames out to
// per-event handlers. Handlers are registered per call and removed with the returned off func, so a
// slow or abandoned operation never observes events meant for a later one.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

// ErrNotConnected is returned by Emit while no channel is up.
var ErrNotConnected = errors.New("push channel not connected")

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultHandshakeTimeout  = 20 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// Handler receives the raw data of one event. Handlers run serially on the read goroutine.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id uint64
	fn Handler
}

type statusEntry struct {
	id uint64
	fn func(connected bool)
}

// Client is a reconnecting websocket client speaking the protocol envelope.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger zerolog.Logger

	reconnectAttempts int
	reconnectDelay    time.Duration
	writeTimeout      time.Duration

	connected atomic.Bool

	connMu sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex

	handlersMu sync.Mutex
	handlers   map[string][]handlerEntry
	status     []statusEntry
	nextID     uint64
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithHeader(h http.Header) Option {
	return func(c *Client) {
		c.header = h.Clone()
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithReconnect sets how many consecutive failed dials are tolerated and the pause between them.
// A negative attempt count retries forever.
func WithReconnect(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.reconnectAttempts = attempts
		if delay > 0 {
			c.reconnectDelay = delay
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.writeTimeout = d
	}
}

// NewClient creates a client for the given ws:// or wss:// URL. Nothing is dialed until Run.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		logger:            log.With().Str("component", "push").Str("url", url).Logger(),
		reconnectAttempts: DefaultReconnectAttempts,
		reconnectDelay:    DefaultReconnectDelay,
		writeTimeout:      DefaultWriteTimeout,
		handlers:          map[string][]handlerEntry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports the most recently observed channel status.
func (c *Client) Connected() bool {
	if c == nil {
		return false
	}
	return c.connected.Load()
}

// Run dials and serves the channel until ctx is done, Close is called, or the reconnect budget is
// exhausted. Lifecycle changes are reported through OnStatus and the connect/disconnect events.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.connMu.Lock()
	c.cancel = cancel
	c.connMu.Unlock()

	failures := 0
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.logger.Warn().Err(err).Int("attempt", failures).Msg("push: dial failed")
			c.dispatch(protocol.EventConnectError, errorData(err))
			if c.reconnectAttempts >= 0 && failures > c.reconnectAttempts {
				return errors.Wrapf(err, "push: giving up after %d attempts", failures)
			}
			if !sleepCtx(ctx, c.reconnectDelay) {
				return nil
			}
			continue
		}
		failures = 0

		c.attach(conn)
		err = c.readLoop(ctx, conn)
		c.detach(conn)

		if ctx.Err() != nil {
			return nil
		}
		c.logger.Info().Err(err).Msg("push: channel lost, reconnecting")
		if !sleepCtx(ctx, c.reconnectDelay) {
			return nil
		}
	}
}

// Close stops Run and drops the current connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.connMu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.connMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.logger.Info().Msg("push: connected")
	c.setConnected(true)
}

func (c *Client) detach(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()
	c.setConnected(false)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("size", len(data)).Msg("push: dropping undecodable frame")
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	c.handlersMu.Lock()
	status := c.status
	c.handlersMu.Unlock()
	for _, s := range status {
		s.fn(v)
	}
	if v {
		c.dispatch(protocol.EventConnect, nil)
	} else {
		c.dispatch(protocol.EventDisconnect, nil)
	}
}

// On registers h for event. The returned func removes exactly this registration and is safe to
// call more than once.
func (c *Client) On(event string, h Handler) (off func()) {
	if h == nil {
		return func() {}
	}
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	// copy-on-write so dispatch can iterate a snapshot without holding the lock
	next := make([]handlerEntry, 0, len(c.handlers[event])+1)
	next = append(next, c.handlers[event]...)
	c.handlers[event] = append(next, handlerEntry{id: id, fn: h})
	c.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.removeHandler(event, id) })
	}
}

func (c *Client) removeHandler(event string, id uint64) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	cur := c.handlers[event]
	next := make([]handlerEntry, 0, len(cur))
	for _, e := range cur {
		if e.id != id {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(c.handlers, event)
		return
	}
	c.handlers[event] = next
}

// OnStatus registers fn for connect/disconnect transitions.
func (c *Client) OnStatus(fn func(connected bool)) (off func()) {
	if fn == nil {
		return func() {}
	}
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	next := make([]statusEntry, 0, len(c.status)+1)
	next = append(next, c.status...)
	c.status = append(next, statusEntry{id: id, fn: fn})
	c.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			defer c.handlersMu.Unlock()
			kept := make([]statusEntry, 0, len(c.status))
			for _, s := range c.status {
				if s.id != id {
					kept = append(kept, s)
				}
			}
			c.status = kept
		})
	}
}

// HandlerCount reports how many handlers are registered for event.
func (c *Client) HandlerCount(event string) int {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	return len(c.handlers[event])
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.handlersMu.Lock()
	hs := c.handlers[event]
	c.handlersMu.Unlock()
	if len(hs) == 0 {
		c.logger.Debug().Str("event", event).Msg("push: no handler for event")
		return
	}
	for _, h := range hs {
		h.fn(data)
	}
}

// Emit sends one event. It fails fast with ErrNotConnected while the channel is down.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	frame, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrapf(err, "push: emit %s", event)
	}
	c.logger.Debug().Str("event", event).Int("size", len(frame)).Msg("push: emitted")
	return nil
}

// JoinSession subscribes the channel to a session room. Empty ids are ignored.
func (c *Client) JoinSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return c.Emit(ctx, protocol.EventJoinSession, sessionID)
}

// LeaveSession unsubscribes the channel from a session room. Empty ids are ignored.
func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return c.Emit(ctx, protocol.EventLeaveSession, sessionID)
}

func errorData(err error) json.RawMessage {
	b, _ := json.Marshal(protocol.ErrorPayload{Error: err.Error()})
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
