package devserver

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionPool holds the peers joined to one session room.
// It centralizes broadcasting, error handling, and idle detection so the hub stays small.
type ConnectionPool struct {
	sessionID   string
	mu          sync.Mutex
	peers       map[*Peer]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewConnectionPool(sessionID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		sessionID:   sessionID,
		peers:       map[*Peer]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (cp *ConnectionPool) Add(p *Peer) {
	if cp == nil || p == nil {
		return
	}
	cp.mu.Lock()
	cp.peers[p] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

// Remove takes p out of the room. The peer stays open; it may be in other rooms.
func (cp *ConnectionPool) Remove(p *Peer) {
	if cp == nil || p == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.peers, p)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Has(p *Peer) bool {
	if cp == nil || p == nil {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, ok := cp.peers[p]
	return ok
}

// Broadcast writes data to every peer. A peer that fails the write is dropped and closed.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for p := range cp.peers {
		if err := p.Write(data); err != nil {
			log.Warn().Err(err).Str("component", "devserver").Str("session_id", cp.sessionID).Str("peer_id", p.ID()).Msg("ws broadcast failed, dropping peer")
			delete(cp.peers, p)
			_ = p.Close()
		}
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.peers)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

// CloseAll empties the room and stops the idle timer.
func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for p := range cp.peers {
		delete(cp.peers, p)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.peers) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.peers) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
