package devserver

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

const maxIdempotencyEntries = 1024

func idempotencyKeyFromRequest(r *http.Request) string {
	key := ""
	if r != nil {
		key = strings.TrimSpace(r.Header.Get(protocol.IdempotencyHeader))
		if key == "" {
			key = strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
		}
	}
	return key
}

func requestIDFromKey(key string) string {
	if key != "" {
		return key
	}
	return "req-" + uuid.NewString()
}

type cachedResponse struct {
	status int
	body   []byte
}

// idempotencyCache replays the response of a mutation whose key was already seen.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
	order   []string
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: map[string]cachedResponse{}}
}

func (c *idempotencyCache) get(key string) (cachedResponse, bool) {
	if key == "" {
		return cachedResponse{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.entries[key]
	return resp, ok
}

func (c *idempotencyCache) put(key string, status int, body []byte) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	c.entries[key] = cachedResponse{status: status, body: append([]byte(nil), body...)}
	c.order = append(c.order, key)
	if len(c.order) > maxIdempotencyEntries {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
}
