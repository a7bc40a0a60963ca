package devserver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	failing  bool
	closedCh chan struct{}
}

func newStubConn() *stubConn {
	return &stubConn{closedCh: make(chan struct{})}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("broken pipe")
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
	return nil
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

func (s *stubConn) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.writes))
	for _, w := range s.writes {
		out = append(out, string(w))
	}
	return out
}

func (s *stubConn) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func TestConnectionPoolBroadcastsToAllPeers(t *testing.T) {
	pool := NewConnectionPool("s1", 0, nil)
	a, b := newStubConn(), newStubConn()
	pool.Add(NewPeer(a, 0))
	pool.Add(NewPeer(b, 0))

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))

	require.Equal(t, []string{"one", "two"}, a.written())
	require.Equal(t, []string{"one", "two"}, b.written())
	require.Equal(t, 2, pool.Count())
}

func TestConnectionPoolDropsFailingPeer(t *testing.T) {
	pool := NewConnectionPool("s1", 0, nil)
	good, bad := newStubConn(), newStubConn()
	bad.failing = true
	goodPeer, badPeer := NewPeer(good, 0), NewPeer(bad, 0)
	pool.Add(goodPeer)
	pool.Add(badPeer)

	pool.Broadcast([]byte("frame"))

	require.Equal(t, 1, pool.Count())
	require.True(t, pool.Has(goodPeer))
	require.False(t, pool.Has(badPeer))
	require.True(t, bad.isClosed())
	require.False(t, good.isClosed())
}

func TestConnectionPoolRemoveKeepsPeerOpen(t *testing.T) {
	pool := NewConnectionPool("s1", 0, nil)
	conn := newStubConn()
	p := NewPeer(conn, 0)
	pool.Add(p)
	pool.Remove(p)

	require.True(t, pool.IsEmpty())
	require.False(t, conn.isClosed())
}

func TestConnectionPoolIdleCallback(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool("s1", 20*time.Millisecond, func() { idle <- struct{}{} })
	p := NewPeer(newStubConn(), 0)
	pool.Add(p)
	pool.Remove(p)

	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback not called")
	}
}

func TestConnectionPoolRejoinCancelsIdle(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool("s1", 50*time.Millisecond, func() { idle <- struct{}{} })
	p := NewPeer(newStubConn(), 0)
	pool.Add(p)
	pool.Remove(p)
	pool.Add(p)

	select {
	case <-idle:
		t.Fatal("idle callback fired for a non-empty room")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPeerWriteAfterClose(t *testing.T) {
	conn := newStubConn()
	p := NewPeer(conn, time.Second)
	require.NoError(t, p.Send("stream-chunk", map[string]string{"chunk": "a"}))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.ErrorIs(t, p.Write([]byte("x")), errPeerClosed)
	require.Equal(t, []string{`{"event":"stream-chunk","data":{"chunk":"a"}}`}, conn.written())
}
