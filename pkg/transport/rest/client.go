// Package rest is the request/response fallback transport. Every call is one HTTP round-trip with
// no streaming.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

const DefaultTimeout = 30 * time.Second

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

// Client talks to the chat backend's HTTP API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient validates baseURL and returns a client rooted at it.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("rest: base URL is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, "rest: invalid base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("rest: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  log.With().Str("component", "rest").Str("base_url", trimmed).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type idempotencyKey struct{}

// WithIdempotencyKey makes every mutating call made with ctx carry key. A caller retrying an
// operation reuses the same ctx so the backend can replay the first answer. Without a key each
// call gets a fresh one, which only covers that single attempt.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, strings.TrimSpace(key))
}

func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

func (c *Client) endpoint(p string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + p
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func sessionPath(id string) string {
	return protocol.PathSessions + "/" + url.PathEscape(id)
}

// do performs one call. out may be nil; a []byte pointer receives the raw body.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s: marshal request", op)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		key := IdempotencyKeyFrom(ctx)
		if key == "" {
			key = uuid.NewString()
		}
		req.Header.Set(protocol.IdempotencyHeader, key)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, op)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "%s: read body", op)
	}
	c.logger.Debug().
		Str("op", op).
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("rest call")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	switch dst := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*dst = raw
		return nil
	default:
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrapf(err, "%s: decode response", op)
		}
		return nil
	}
}

// ListSessions fetches the session collection.
func (c *Client) ListSessions(ctx context.Context) ([]protocol.SessionSummary, error) {
	var resp protocol.ListSessionsResponse
	if err := c.do(ctx, "list sessions", http.MethodGet, c.endpoint(protocol.PathSessions, nil), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// CreateSession asks the backend for a new session. An empty title lets the backend pick one.
func (c *Client) CreateSession(ctx context.Context, title string) (protocol.SessionCreated, error) {
	var resp protocol.SessionCreated
	err := c.do(ctx, "create session", http.MethodPost, c.endpoint(protocol.PathSessions, nil), protocol.CreateSessionRequest{Title: title}, &resp)
	if err != nil {
		return protocol.SessionCreated{}, err
	}
	if resp.SessionID == "" {
		return protocol.SessionCreated{}, errors.New("create session: response without sessionId")
	}
	return resp, nil
}

// RenameResult is whatever the backend echoed for a rename. Either field may be empty.
type RenameResult struct {
	Title   string
	Session *protocol.SessionSummary
}

// RenameSession sets a session title.
func (c *Client) RenameSession(ctx context.Context, id, title string) (RenameResult, error) {
	var resp struct {
		protocol.SessionTitleUpdated
		Session *protocol.SessionSummary `json:"session,omitempty"`
	}
	err := c.do(ctx, "rename session", http.MethodPut, c.endpoint(sessionPath(id), nil), protocol.UpdateSessionTitleRequest{SessionID: id, Title: title}, &resp)
	if err != nil {
		return RenameResult{}, err
	}
	return RenameResult{Title: resp.Title, Session: resp.Session}, nil
}

// DeleteSession removes a session together with its history.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("deleteSession", "true")
	return c.do(ctx, "delete session", http.MethodDelete, c.endpoint(sessionPath(id), q), nil, nil)
}

// SendMessage posts one user message and waits for the whole reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string) (protocol.ChatResponse, error) {
	var resp protocol.ChatResponse
	err := c.do(ctx, "send message", http.MethodPost, c.endpoint(protocol.PathChat, nil), protocol.ChatRequest{Message: message, SessionID: sessionID}, &resp)
	if err != nil {
		return protocol.ChatResponse{}, err
	}
	return resp, nil
}

// History returns the raw body of the session history endpoint. Its shape varies by backend.
func (c *Client) History(ctx context.Context, sessionID string) ([]byte, error) {
	var raw []byte
	err := c.do(ctx, "session history", http.MethodGet, c.endpoint(sessionPath(sessionID)+"/history", nil), nil, &raw)
	return raw, err
}

// LegacyHistory returns the raw body of the older per-session history endpoint.
func (c *Client) LegacyHistory(ctx context.Context, sessionID string) ([]byte, error) {
	var raw []byte
	err := c.do(ctx, "legacy history", http.MethodGet, c.endpoint(protocol.PathLegacyHistory+"/"+url.PathEscape(sessionID), nil), nil, &raw)
	return raw, err
}
