package devserver

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

// DefaultTitle is given to sessions created without a title. Sessions still carrying it get an
// auto-title after their first exchange.
const DefaultTitle = "New Chat"

var ErrSessionNotFound = errors.New("session not found")

// StoredMessage is one persisted turn half.
type StoredMessage struct {
	ID        int64
	Type      string
	Content   string
	Sources   []protocol.Source
	Timestamp time.Time
	IsError   bool
}

type sessionRecord struct {
	id           string
	title        string
	createdAt    time.Time
	lastActivity time.Time
	messages     []StoredMessage
}

func (r *sessionRecord) summary() protocol.SessionSummary {
	return protocol.SessionSummary{
		ID:           r.id,
		Title:        r.title,
		CreatedAt:    r.createdAt.UTC().Format(time.RFC3339Nano),
		LastActivity: r.lastActivity.UTC().Format(time.RFC3339Nano),
		MessageCount: len(r.messages),
	}
}

// Store keeps sessions and their messages in memory.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionRecord
	nextMsgID int64
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: map[string]*sessionRecord{},
		now:      time.Now,
	}
}

// Create adds a session. A blank title becomes DefaultTitle.
func (s *Store) Create(title string) protocol.SessionSummary {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	now := s.now()
	rec := &sessionRecord{
		id:           uuid.NewString(),
		title:        title,
		createdAt:    now,
		lastActivity: now,
	}
	s.mu.Lock()
	s.sessions[rec.id] = rec
	s.mu.Unlock()
	return rec.summary()
}

// List returns all sessions, most recently active first.
func (s *Store) List() []protocol.SessionSummary {
	s.mu.RLock()
	recs := make([]*sessionRecord, 0, len(s.sessions))
	for _, r := range s.sessions {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].lastActivity.Equal(recs[j].lastActivity) {
			return recs[i].id < recs[j].id
		}
		return recs[i].lastActivity.After(recs[j].lastActivity)
	})
	out := make([]protocol.SessionSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.summary())
	}
	s.mu.RUnlock()
	return out
}

func (s *Store) Get(id string) (protocol.SessionSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	if !ok {
		return protocol.SessionSummary{}, false
	}
	return r.summary(), true
}

func (s *Store) Rename(id, title string) (protocol.SessionSummary, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return protocol.SessionSummary{}, errors.New("title is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	if !ok {
		return protocol.SessionSummary{}, ErrSessionNotFound
	}
	r.title = title
	return r.summary(), nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

// Clear drops the messages of a session but keeps the session itself.
func (s *Store) Clear(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	r.messages = nil
	return nil
}

// Messages returns a copy of the stored messages of a session.
func (s *Store) Messages(id string) ([]StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return append([]StoredMessage(nil), r.messages...), nil
}

// AppendTurn records a user message and the reply to it. When the session still has the default
// title, it is replaced by candidateTitle and that title is returned.
func (s *Store) AppendTurn(id, userText string, reply Reply, candidateTitle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	if !ok {
		return "", ErrSessionNotFound
	}
	now := s.now()
	s.nextMsgID++
	r.messages = append(r.messages, StoredMessage{
		ID:        s.nextMsgID,
		Type:      "user",
		Content:   userText,
		Timestamp: now,
	})
	s.nextMsgID++
	r.messages = append(r.messages, StoredMessage{
		ID:        s.nextMsgID,
		Type:      "assistant",
		Content:   reply.Text,
		Sources:   append([]protocol.Source(nil), reply.Sources...),
		Timestamp: now,
	})
	r.lastActivity = now

	autoTitle := ""
	if r.title == DefaultTitle && strings.TrimSpace(candidateTitle) != "" {
		r.title = candidateTitle
		autoTitle = candidateTitle
	}
	return autoTitle, nil
}
