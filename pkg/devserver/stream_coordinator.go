package devserver

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

type StreamCursor struct {
	StreamID string
	Seq      uint64
}

// StreamCoordinator consumes the bus topic of one session and hands each valid frame to onFrame
// in order.
type StreamCoordinator struct {
	sessionID  string
	subscriber message.Subscriber

	onFrame func(protocol.Envelope, StreamCursor, []byte)

	seq atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewStreamCoordinator(
	sessionID string,
	subscriber message.Subscriber,
	onFrame func(protocol.Envelope, StreamCursor, []byte),
) *StreamCoordinator {
	return &StreamCoordinator{
		sessionID:  sessionID,
		subscriber: subscriber,
		onFrame:    onFrame,
	}
}

// Start subscribes before returning so frames published right after Start are not missed.
func (sc *StreamCoordinator) Start(ctx context.Context) error {
	if sc == nil || sc.subscriber == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := sc.subscriber.Subscribe(runCtx, topicForSession(sc.sessionID))
	if err != nil {
		cancel()
		return errors.Wrapf(err, "stream coordinator: subscribe %s", sc.sessionID)
	}
	sc.cancel = cancel
	sc.running = true
	sc.done = make(chan struct{})
	go sc.consume(ch, sc.done)
	return nil
}

// Stop cancels the subscription and waits for the consume loop to drain.
func (sc *StreamCoordinator) Stop() {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	cancel, done := sc.cancel, sc.done
	sc.cancel = nil
	sc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (sc *StreamCoordinator) IsRunning() bool {
	if sc == nil {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.running
}

func (sc *StreamCoordinator) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	logger := log.With().Str("component", "devserver").Str("session_id", sc.sessionID).Logger()
	logger.Debug().Msg("stream coordinator: started")
	for msg := range ch {
		env, err := protocol.DecodeFrame(msg.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("stream coordinator: dropping undecodable frame")
			msg.Ack()
			continue
		}
		streamID := extractStreamID(msg)
		cur := StreamCursor{
			StreamID: streamID,
			Seq:      sc.nextSeq(streamID),
		}
		if sc.onFrame != nil {
			sc.onFrame(env, cur, msg.Payload)
		}
		msg.Ack()
	}
	logger.Debug().Msg("stream coordinator: stopped")
	sc.mu.Lock()
	sc.running = false
	sc.mu.Unlock()
}

func (sc *StreamCoordinator) nextSeq(streamID string) uint64 {
	if streamID != "" {
		if derived, ok := deriveSeqFromStreamID(streamID); ok {
			for {
				current := sc.seq.Load()
				next := derived
				if next <= current {
					next = current + 1
				}
				if sc.seq.CompareAndSwap(current, next) {
					return next
				}
			}
		}
	}
	for {
		current := sc.seq.Load()
		next := uint64(time.Now().UnixMilli()) * 1_000_000
		if next <= current {
			next = current + 1
		}
		if sc.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

// extractStreamID reads the Redis entry id when the frame came through Redis Streams.
func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// deriveSeqFromStreamID maps "<ms>-<n>" to a monotonic number.
func deriveSeqFromStreamID(streamID string) (uint64, bool) {
	ms, n, ok := strings.Cut(streamID, "-")
	if !ok {
		return 0, false
	}
	msv, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, false
	}
	nv, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return 0, false
	}
	return msv*1_000_000 + nv, true
}
