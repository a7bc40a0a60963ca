// Package devserver is a small reference backend for the chat client. It serves the session API
// over HTTP, streams replies over a websocket push channel, and fans stream frames out to session
// rooms through a watermill bus (in-memory, or Redis Streams when configured).
//
// It exists so the client can be exercised end to end. Replies come from a Responder; the default
// ScriptedResponder needs no model.
package devserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

const (
	DefaultChunkDelay   = 20 * time.Millisecond
	DefaultIdleTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Server is the HTTP and websocket backend.
type Server struct {
	store     *Store
	responder Responder
	bus       *Bus
	hub       *Hub
	idem      *idempotencyCache
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	chunkDelay        time.Duration
	idleTimeout       time.Duration
	writeTimeout      time.Duration
	legacyHistoryOnly bool
	legacyReplyField  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	peersMu sync.Mutex
	peers   map[*Peer]struct{}

	closeOnce sync.Once
}

type Option func(*Server)

func WithResponder(r Responder) Option {
	return func(s *Server) {
		if r != nil {
			s.responder = r
		}
	}
}

// WithBus replaces the in-memory bus. The server takes ownership and closes it.
func WithBus(b *Bus) Option {
	return func(s *Server) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithStore(st *Store) Option {
	return func(s *Server) {
		if st != nil {
			s.store = st
		}
	}
}

func WithChunkDelay(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.chunkDelay = d
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLegacyHistoryOnly makes the session history endpoint answer with the session record only,
// so clients have to use the legacy history endpoint for messages.
func WithLegacyHistoryOnly() Option {
	return func(s *Server) {
		s.legacyHistoryOnly = true
	}
}

// WithLegacyReplyField puts POST /chat replies under "message" instead of "response".
func WithLegacyReplyField() Option {
	return func(s *Server) {
		s.legacyReplyField = true
	}
}

func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:        NewStore(),
		responder:    NewScriptedResponder(),
		idem:         newIdempotencyCache(),
		logger:       log.With().Str("component", "devserver").Logger(),
		chunkDelay:   DefaultChunkDelay,
		idleTimeout:  DefaultIdleTimeout,
		writeTimeout: DefaultWriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		peers:        map[*Peer]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewMemoryBus()
	}
	s.hub = NewHub(s.bus, s.idleTimeout)
	return s
}

func (s *Server) Store() *Store {
	return s.store
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routes of both transports.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.PathSessions, s.handleListSessions)
	mux.HandleFunc("POST "+protocol.PathSessions, s.idempotent(s.handleCreateSession))
	mux.HandleFunc("PUT "+protocol.PathSessions+"/{id}", s.idempotent(s.handleRenameSession))
	mux.HandleFunc("DELETE "+protocol.PathSessions+"/{id}", s.idempotent(s.handleDeleteSession))
	mux.HandleFunc("GET "+protocol.PathSessions+"/{id}/history", s.handleHistory)
	mux.HandleFunc("GET "+protocol.PathLegacyHistory+"/{id}", s.handleLegacyHistory)
	mux.HandleFunc("POST "+protocol.PathChat, s.idempotent(s.handleChat))
	mux.HandleFunc("GET "+protocol.PathWebSocket, s.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Close stops running streams, disconnects every peer, and closes the bus.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.peersMu.Lock()
		for p := range s.peers {
			_ = p.Close()
		}
		s.peersMu.Unlock()
		s.wg.Wait()
		s.hub.Close()
		err = s.bus.Close()
	})
	return err
}

func (s *Server) trackPeer(p *Peer) bool {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) untrackPeer(p *Peer) {
	s.peersMu.Lock()
	delete(s.peers, p)
	s.peersMu.Unlock()
}

// goStream runs fn as a tracked background stream. It reports false once the server is closing.
func (s *Server) goStream(fn func(ctx context.Context)) bool {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

// answer asks the responder for a reply to text in the context of the session's history.
func (s *Server) answer(ctx context.Context, sessionID, text string) (Reply, error) {
	history, err := s.store.Messages(sessionID)
	if err != nil {
		return Reply{}, err
	}
	reply, err := s.responder.Respond(ctx, sessionID, history, text)
	if err != nil {
		return Reply{}, errors.Wrap(err, "generate reply")
	}
	return reply, nil
}

// streamTurn publishes the reply to text as chunks followed by stream-complete, or stream-error.
func (s *Server) streamTurn(ctx context.Context, sessionID, text string) {
	logger := s.logger.With().Str("session_id", sessionID).Logger()
	fail := func(err error) {
		logger.Warn().Err(err).Msg("stream failed")
		if perr := s.hub.Publish(sessionID, protocol.EventStreamError, protocol.ErrorPayload{SessionID: sessionID, Error: err.Error()}); perr != nil {
			logger.Error().Err(perr).Msg("publish stream-error failed")
		}
	}

	reply, err := s.answer(ctx, sessionID, text)
	if err != nil {
		fail(err)
		return
	}
	for i, chunk := range SplitChunks(reply.Text) {
		if i > 0 && !sleepCtx(ctx, s.chunkDelay) {
			return
		}
		if err := s.hub.Publish(sessionID, protocol.EventStreamChunk, protocol.StreamChunk{SessionID: sessionID, Chunk: chunk}); err != nil {
			logger.Error().Err(err).Msg("publish chunk failed")
			return
		}
	}
	autoTitle, err := s.store.AppendTurn(sessionID, text, reply, AutoTitle(text))
	if err != nil {
		fail(err)
		return
	}
	err = s.hub.Publish(sessionID, protocol.EventStreamComplete, protocol.StreamComplete{
		SessionID: sessionID,
		Response:  reply.Text,
		Sources:   reply.Sources,
		AutoTitle: autoTitle,
	})
	if err != nil {
		logger.Error().Err(err).Msg("publish stream-complete failed")
		return
	}
	logger.Debug().Int("chars", len(reply.Text)).Str("auto_title", autoTitle).Msg("stream complete")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
