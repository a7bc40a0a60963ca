package chat

// Registry is the ordered session collection plus the active session id. Every change replaces the
// backing slice, so a slice handed out by Sessions is never modified afterwards. Registry is not
// safe for concurrent use; the Coordinator serializes access.
type Registry struct {
	sessions []Session
	activeID string
}

func NewRegistry() *Registry {
	return &Registry{sessions: []Session{}}
}

func (r *Registry) Sessions() []Session { return r.sessions }

func (r *Registry) ActiveID() string { return r.activeID }

func (r *Registry) SetActive(id string) { r.activeID = id }

func (r *Registry) Get(id string) (Session, bool) {
	for _, s := range r.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return Session{}, false
}

// Replace swaps in a fresh list from the backend. Later duplicates of an id are dropped.
func (r *Registry) Replace(list []Session) {
	next := make([]Session, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		if s.ID == "" {
			continue
		}
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		next = append(next, s)
	}
	r.sessions = next
}

// Prepend inserts s as the most recent session, replacing any entry with the same id.
func (r *Registry) Prepend(s Session) {
	next := make([]Session, 0, len(r.sessions)+1)
	next = append(next, s)
	for _, cur := range r.sessions {
		if cur.ID != s.ID {
			next = append(next, cur)
		}
	}
	r.sessions = next
}

// Update applies fn to a copy of the session with the given id. It reports whether the id was found.
func (r *Registry) Update(id string, fn func(*Session)) bool {
	idx := r.index(id)
	if idx < 0 {
		return false
	}
	next := make([]Session, len(r.sessions))
	copy(next, r.sessions)
	fn(&next[idx])
	r.sessions = next
	return true
}

// Touch applies fn like Update and moves the session to the front.
func (r *Registry) Touch(id string, fn func(*Session)) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	fn(&s)
	r.Prepend(s)
	return true
}

// Remove drops a session and reports whether it was the active one. Removing the active session
// clears the active id.
func (r *Registry) Remove(id string) (wasActive bool) {
	if idx := r.index(id); idx >= 0 {
		next := make([]Session, 0, len(r.sessions)-1)
		next = append(next, r.sessions[:idx]...)
		next = append(next, r.sessions[idx+1:]...)
		r.sessions = next
	}
	if id != "" && r.activeID == id {
		r.activeID = ""
		return true
	}
	return false
}

func (r *Registry) index(id string) int {
	for i, s := range r.sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}
