package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/newschat/pkg/statestore"
	"github.com/go-go-golems/newschat/pkg/transport/rest"
)

// Coordinator is the single entry point for presentation code. All operations block until the
// backend has answered (or the push rename window has passed) and are safe to call from several
// goroutines. State changes are announced on the channels returned by Subscribe.
type Coordinator struct {
	req    RequestTransport
	push   PushTransport
	store  statestore.Store
	logger zerolog.Logger
	now    func() time.Time

	renameTimeout     time.Duration
	titleRefreshDelay time.Duration

	requestBackend *requestBackend
	pushBackend    *pushBackend

	mu           sync.Mutex
	registry     *Registry
	conv         *Conversation
	closed       bool
	refreshTimer *time.Timer
	offStatus    func()
	// sends still waiting for their reply, by session. Push replies carry only a session id, so
	// a session never has more than one.
	inflight map[string]*streamTarget

	roomMu sync.Mutex
	joined string

	subsMu  sync.Mutex
	subs    map[uint64]chan struct{}
	nextSub uint64
}

type Option func(*Coordinator)

// WithPushTransport enables the push channel. Without it every call goes over requests.
func WithPushTransport(p PushTransport) Option {
	return func(c *Coordinator) {
		c.push = p
	}
}

// WithStateStore sets where the active session id is remembered. Defaults to memory.
func WithStateStore(s statestore.Store) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.store = s
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithRenameTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.renameTimeout = d
		}
	}
}

func WithTitleRefreshDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.titleRefreshDelay = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCoordinator(req RequestTransport, opts ...Option) (*Coordinator, error) {
	if req == nil {
		return nil, errors.New("chat coordinator: request transport is required")
	}
	c := &Coordinator{
		req:               req,
		store:             statestore.NewMemoryStore(),
		logger:            log.With().Str("component", "chat").Logger(),
		now:               time.Now,
		renameTimeout:     RenameAckTimeout,
		titleRefreshDelay: TitleRefreshDelay,
		registry:          NewRegistry(),
		conv:              NewConversation(),
		subs:              map[uint64]chan struct{}{},
		inflight:          map[string]*streamTarget{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.requestBackend = &requestBackend{req: c.req}
	if c.push != nil {
		c.pushBackend = &pushBackend{push: c.push, renameTimeout: c.renameTimeout, logger: c.logger}
	}
	return c, nil
}

// Start loads the session list, restores the remembered session and begins following the push
// channel. Failures along the way are logged and leave the coordinator usable.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.push != nil {
		off := c.push.OnStatus(c.onStatus)
		c.mu.Lock()
		c.offStatus = off
		c.mu.Unlock()
	}

	c.RefreshSessions(ctx)

	id, ok, err := c.store.Get(ctx, statestore.KeyCurrentSession)
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not read remembered session")
	}
	if ok && id != "" {
		if err := c.SelectSession(ctx, id); err != nil {
			c.logger.Warn().Err(err).Str("session_id", id).Msg("could not restore session")
		}
	}
	c.syncRoom(ctx)
	return ctx.Err()
}

// Close stops background work. The transports are owned by the caller and stay open.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	for id, t := range c.inflight {
		t.cancel()
		delete(c.inflight, id)
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	off := c.offStatus
	c.offStatus = nil
	c.mu.Unlock()
	if off != nil {
		off()
	}

	c.subsMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// View returns the current state as plain data.
func (c *Coordinator) View() View {
	connected := c.push != nil && c.push.Connected()
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		Sessions:        c.registry.Sessions(),
		ActiveSessionID: c.registry.ActiveID(),
		Messages:        c.conv.Messages(),
		IsLoading:       c.conv.Loading(),
		IsStreaming:     c.conv.Streaming(),
		Phase:           c.conv.Phase(),
		LastError:       c.conv.LastError(),
		Connected:       connected,
	}
}

// Subscribe returns a channel that receives a signal after state changes. Signals coalesce; read
// View to get the latest state. The channel is closed by cancel or Close.
func (c *Coordinator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.subsMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			if cur, ok := c.subs[id]; ok {
				close(cur)
				delete(c.subs, id)
			}
		})
	}
}

func (c *Coordinator) notify() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// update runs fn under the state lock and then signals subscribers.
func (c *Coordinator) update(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
	c.notify()
}

// ClearError dismisses the current error.
func (c *Coordinator) ClearError() {
	c.update(func() { c.conv.SetError("") })
}

// backend picks the push backend when the channel is up right now.
func (c *Coordinator) backend() sessionBackend {
	if c.pushBackend != nil && c.push.Connected() {
		return c.pushBackend
	}
	return c.requestBackend
}

// withFallback runs call on the preferred backend and repeats it over requests when the push
// attempt never left the client.
func (c *Coordinator) withFallback(op string, call func(sessionBackend) error) (string, error) {
	b := c.backend()
	err := call(b)
	if err != nil && b.name() == transportPush && notDispatched(err) {
		c.logger.Info().Err(err).Str("op", op).Msg("push channel unavailable, using request transport")
		b = c.requestBackend
		err = call(b)
	}
	return b.name(), err
}

// RefreshSessions reloads the session list. The list is never an error: when the backend is
// unreachable the registry becomes empty.
func (c *Coordinator) RefreshSessions(ctx context.Context) []Session {
	list := c.listSessions(ctx)
	var out []Session
	c.update(func() {
		c.registry.Replace(list)
		out = c.registry.Sessions()
	})
	return out
}

func (c *Coordinator) listSessions(ctx context.Context) []Session {
	summaries, err := c.req.ListSessions(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not list sessions")
		return []Session{}
	}
	out := make([]Session, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, sessionFromWire(s))
	}
	return out
}

// CreateSession asks the backend for a new session, puts it first in the registry and makes it
// active with an empty conversation.
func (c *Coordinator) CreateSession(ctx context.Context, title string) (Session, error) {
	if c.isClosed() {
		return Session{}, ErrClosed
	}
	var s Session
	transport, err := c.withFallback("create session", func(b sessionBackend) error {
		created, err := b.createSession(ctx, strings.TrimSpace(title))
		if err != nil {
			return err
		}
		s = sessionFromCreated(created, c.now())
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("transport", transport).Msg("create session failed")
		c.update(func() { c.conv.SetError(ErrTextCreateSession) })
		return Session{}, &OperationError{Op: "create session", Transport: transport, Err: err}
	}

	c.update(func() {
		c.registry.Prepend(s)
		c.activateLocked(ctx, s.ID)
		c.conv.Reset(s.ID)
	})
	c.logger.Debug().Str("session_id", s.ID).Str("transport", transport).Msg("session created")
	c.syncRoom(ctx)
	return s, nil
}

// Reset starts over in a brand new session.
func (c *Coordinator) Reset(ctx context.Context) (Session, error) {
	return c.CreateSession(ctx, "")
}

// SelectSession makes id active, clears the conversation and loads its history. Selecting the
// already active session does nothing.
func (c *Coordinator) SelectSession(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.registry.ActiveID() == id {
		c.mu.Unlock()
		return nil
	}
	c.activateLocked(ctx, id)
	c.conv.Reset(id)
	epoch := c.conv.Epoch()
	c.mu.Unlock()
	c.notify()

	c.syncRoom(ctx)
	return c.loadHistory(ctx, id, epoch)
}

// RenameSession sets a session title. Over the push channel a missing acknowledgment still ends
// in the requested title after the rename window. Blank titles are ignored.
func (c *Coordinator) RenameSession(ctx context.Context, id, title string) (RenameOutcomeKind, error) {
	title = strings.TrimSpace(title)
	if id == "" || title == "" {
		return RenameAcknowledged, nil
	}
	if c.isClosed() {
		return RenameErrored, ErrClosed
	}
	var out renameOutcome
	transport, err := c.withFallback("rename session", func(b sessionBackend) error {
		out = b.renameSession(ctx, id, title)
		if out.Kind == RenameErrored {
			return out.Err
		}
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", id).Str("transport", transport).Msg("rename failed")
		c.update(func() { c.conv.SetError(ErrTextRenameSession) })
		return RenameErrored, &OperationError{Op: "rename session", Transport: transport, Err: err}
	}

	c.update(func() {
		c.registry.Update(id, func(s *Session) { s.Title = out.Title })
	})
	c.logger.Debug().Str("session_id", id).Str("outcome", out.Kind.String()).Msg("session renamed")
	return out.Kind, nil
}

// DeleteSession removes a session once the backend confirmed it. Deleting the active session
// leaves no session active; nothing is created in its place.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if c.isClosed() {
		return ErrClosed
	}
	transport, err := c.withFallback("delete session", func(b sessionBackend) error {
		return b.deleteSession(ctx, id)
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", id).Str("transport", transport).Msg("delete failed")
		c.update(func() { c.conv.SetError(ErrTextDeleteSession) })
		return &OperationError{Op: "delete session", Transport: transport, Err: err}
	}

	wasActive := false
	c.update(func() {
		// a reply for a deleted session has nowhere to go
		if t, ok := c.inflight[id]; ok {
			t.cancel()
			delete(c.inflight, id)
		}
		wasActive = c.registry.Remove(id)
		if wasActive {
			c.persistLocked(ctx, "")
			c.conv.Reset("")
		}
	})
	if wasActive {
		c.syncRoom(ctx)
	}
	return nil
}

// activateLocked switches the active id and remembers it.
func (c *Coordinator) activateLocked(ctx context.Context, id string) {
	c.registry.SetActive(id)
	c.persistLocked(ctx, id)
}

func (c *Coordinator) persistLocked(ctx context.Context, id string) {
	var err error
	if id == "" {
		err = c.store.Delete(ctx, statestore.KeyCurrentSession)
	} else {
		err = c.store.Set(ctx, statestore.KeyCurrentSession, id)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", id).Msg("could not remember active session")
	}
}

func (c *Coordinator) onStatus(connected bool) {
	if connected {
		c.syncRoom(context.Background())
	} else {
		c.roomMu.Lock()
		c.joined = ""
		c.roomMu.Unlock()
	}
	c.notify()
}

// syncRoom makes the joined push room follow the active session.
func (c *Coordinator) syncRoom(ctx context.Context) {
	if c.push == nil || !c.push.Connected() {
		return
	}
	c.roomMu.Lock()
	defer c.roomMu.Unlock()

	c.mu.Lock()
	want := c.registry.ActiveID()
	c.mu.Unlock()
	if want == c.joined {
		return
	}
	if c.joined != "" {
		if err := c.push.LeaveSession(ctx, c.joined); err != nil {
			c.logger.Debug().Err(err).Str("session_id", c.joined).Msg("leave room failed")
		}
	}
	c.joined = ""
	if want == "" {
		return
	}
	if err := c.push.JoinSession(ctx, want); err != nil {
		c.logger.Debug().Err(err).Str("session_id", want).Msg("join room failed")
		return
	}
	c.joined = want
}

func (c *Coordinator) scheduleRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(c.titleRefreshDelay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), rest.DefaultTimeout)
		defer cancel()
		c.RefreshSessions(ctx)
	})
}
