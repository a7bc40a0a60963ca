package devserver

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

var errHubClosed = errors.New("hub closed")

type room struct {
	pool   *ConnectionPool
	stream *StreamCoordinator
}

// Hub maps session ids to rooms. Stream frames reach a room through the bus; session
// notifications are written to the room directly.
type Hub struct {
	bus         *Bus
	idleTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

func NewHub(bus *Bus, idleTimeout time.Duration) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		bus:         bus,
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		rooms:       map[string]*room{},
	}
}

// Join adds p to the room of sessionID, creating the room on first use.
func (h *Hub) Join(sessionID string, p *Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	if r, ok := h.rooms[sessionID]; ok {
		r.pool.Add(p)
		return nil
	}

	if err := h.bus.prepare(h.ctx, sessionID); err != nil {
		return err
	}
	r := &room{}
	r.pool = NewConnectionPool(sessionID, h.idleTimeout, func() { h.dropIdle(sessionID, r) })
	r.stream = NewStreamCoordinator(sessionID, h.bus.Subscriber(), func(env protocol.Envelope, cur StreamCursor, frame []byte) {
		log.Trace().Str("component", "devserver").Str("session_id", sessionID).Str("event", env.Event).Uint64("seq", cur.Seq).Msg("room frame")
		r.pool.Broadcast(frame)
	})
	if err := r.stream.Start(h.ctx); err != nil {
		return err
	}
	r.pool.Add(p)
	h.rooms[sessionID] = r
	log.Debug().Str("component", "devserver").Str("session_id", sessionID).Msg("room opened")
	return nil
}

func (h *Hub) Leave(sessionID string, p *Peer) {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	if r != nil {
		r.pool.Remove(p)
	}
}

// Drop removes p from every room.
func (h *Hub) Drop(p *Peer) {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		r.pool.Remove(p)
	}
}

// Members reports how many peers are in the room of sessionID.
func (h *Hub) Members(sessionID string) int {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.pool.Count()
}

// InRoom reports whether p joined the room of sessionID.
func (h *Hub) InRoom(sessionID string, p *Peer) bool {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	return r != nil && r.pool.Has(p)
}

// Publish sends a stream frame through the bus so every room subscriber sees it in order.
func (h *Hub) Publish(sessionID, event string, payload any) error {
	frame, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	return h.bus.PublishFrame(sessionID, frame)
}

// Notify writes a frame straight to the room, skipping the bus.
func (h *Hub) Notify(sessionID, event string, payload any) error {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	if r == nil {
		return nil
	}
	frame, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	r.pool.Broadcast(frame)
	return nil
}

// CloseRoom tears down the room of a deleted session.
func (h *Hub) CloseRoom(sessionID string) {
	h.mu.Lock()
	r := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	h.mu.Unlock()
	if r != nil {
		r.pool.CloseAll()
		r.stream.Stop()
	}
}

func (h *Hub) dropIdle(sessionID string, r *room) {
	h.mu.Lock()
	if h.rooms[sessionID] != r || !r.pool.IsEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, sessionID)
	h.mu.Unlock()
	r.stream.Stop()
	log.Debug().Str("component", "devserver").Str("session_id", sessionID).Msg("idle room closed")
}

func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := h.rooms
	h.rooms = map[string]*room{}
	h.mu.Unlock()

	h.cancel()
	for _, r := range rooms {
		r.pool.CloseAll()
		r.stream.Stop()
	}
}
