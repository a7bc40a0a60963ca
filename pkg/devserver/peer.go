package devserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

// wsConn is the write side of *websocket.Conn.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var errPeerClosed = errors.New("peer closed")

// Peer is one websocket client. Writes are serialized because gorilla connections allow a single
// concurrent writer.
type Peer struct {
	id           string
	conn         wsConn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewPeer(conn wsConn, writeTimeout time.Duration) *Peer {
	return &Peer{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) Write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

// Send encodes payload under event and writes it.
func (p *Peer) Send(event string, payload any) error {
	frame, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	return p.Write(frame)
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}
