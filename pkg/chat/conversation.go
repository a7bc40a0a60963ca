package chat

// Conversation holds the messages and transient flags of exactly one session. Like Registry it
// replaces its message slice on every change and relies on the Coordinator for locking.
type Conversation struct {
	sessionID string
	// epoch changes on every Reset so late history loads and stream events can tell they are stale
	epoch     uint64
	messages  []Message
	loading   bool
	streaming bool
	phase     Phase
	lastError string
}

func NewConversation() *Conversation {
	return &Conversation{messages: []Message{}, phase: PhaseIdle}
}

// Reset replaces the whole snapshot with an empty one for sessionID.
func (c *Conversation) Reset(sessionID string) {
	c.sessionID = sessionID
	c.epoch++
	c.messages = []Message{}
	c.loading = false
	c.streaming = false
	c.phase = PhaseIdle
	c.lastError = ""
}

func (c *Conversation) SessionID() string { return c.sessionID }

func (c *Conversation) Epoch() uint64 { return c.epoch }

func (c *Conversation) Messages() []Message { return c.messages }

func (c *Conversation) Busy() bool { return c.loading || c.streaming }

func (c *Conversation) Loading() bool { return c.loading }

func (c *Conversation) Streaming() bool { return c.streaming }

// Append adds messages at the end. A timestamp earlier than the last message's is raised to it so
// the list stays ordered by time.
func (c *Conversation) Append(msgs ...Message) {
	next := make([]Message, 0, len(c.messages)+len(msgs))
	next = append(next, c.messages...)
	for _, m := range msgs {
		if n := len(next); n > 0 && m.Timestamp.Before(next[n-1].Timestamp) {
			m.Timestamp = next[n-1].Timestamp
		}
		next = append(next, m)
	}
	c.messages = next
}

// Hydrate puts loaded history in front of whatever was appended since the last Reset.
func (c *Conversation) Hydrate(history []Message) {
	next := make([]Message, 0, len(history)+len(c.messages))
	next = append(next, history...)
	next = append(next, c.messages...)
	c.messages = next
}

// UpdateMessage applies fn to a copy of the message with the given id. It reports whether the
// message still exists.
func (c *Conversation) UpdateMessage(id string, fn func(*Message)) bool {
	for i := range c.messages {
		if c.messages[i].ID != id {
			continue
		}
		next := make([]Message, len(c.messages))
		copy(next, c.messages)
		fn(&next[i])
		c.messages = next
		return true
	}
	return false
}

func (c *Conversation) Message(id string) (Message, bool) {
	for _, m := range c.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

func (c *Conversation) SetPhase(p Phase) {
	c.phase = p
	switch p {
	case PhaseIdle:
		c.loading, c.streaming = false, false
	case PhaseSending, PhaseStreaming:
		c.loading, c.streaming = true, true
	}
}

func (c *Conversation) Phase() Phase { return c.phase }

func (c *Conversation) SetError(msg string) { c.lastError = msg }

func (c *Conversation) LastError() string { return c.lastError }
