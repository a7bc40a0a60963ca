package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConversationResetReplacesSnapshot(t *testing.T) {
	c := NewConversation()
	c.Reset("s1")
	c.Append(Message{ID: "m1", Role: RoleUser, Content: "hi"})
	c.SetPhase(PhaseStreaming)
	c.SetError("boom")
	epoch := c.Epoch()

	c.Reset("s2")
	require.Equal(t, "s2", c.SessionID())
	require.Greater(t, c.Epoch(), epoch)
	require.Empty(t, c.Messages())
	require.False(t, c.Busy())
	require.Equal(t, PhaseIdle, c.Phase())
	require.Empty(t, c.LastError())
}

func TestConversationAppendKeepsTimeOrder(t *testing.T) {
	c := NewConversation()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.Append(Message{ID: "1", Timestamp: t0})
	c.Append(Message{ID: "2", Timestamp: t0.Add(-time.Hour)}, Message{ID: "3", Timestamp: t0.Add(time.Minute)})

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, t0, msgs[1].Timestamp)
	require.Equal(t, t0.Add(time.Minute), msgs[2].Timestamp)
}

func TestConversationUpdateMessageIsCopyOnWrite(t *testing.T) {
	c := NewConversation()
	c.Append(Message{ID: "a", Content: "old", IsStreaming: true})
	before := c.Messages()

	require.True(t, c.UpdateMessage("a", func(m *Message) {
		m.Content = "new"
		m.IsStreaming = false
	}))
	require.False(t, c.UpdateMessage("missing", func(m *Message) { m.Content = "x" }))

	require.Equal(t, "old", before[0].Content)
	m, ok := c.Message("a")
	require.True(t, ok)
	require.Equal(t, "new", m.Content)
	require.False(t, m.IsStreaming)
}

func TestConversationHydratePutsHistoryFirst(t *testing.T) {
	c := NewConversation()
	c.Reset("s1")
	c.Append(Message{ID: "typed-while-loading"})
	c.Hydrate([]Message{{ID: "h1"}, {ID: "h2"}})

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "h1", msgs[0].ID)
	require.Equal(t, "typed-while-loading", msgs[2].ID)
}

func TestConversationPhaseDrivesFlags(t *testing.T) {
	c := NewConversation()
	c.SetPhase(PhaseSending)
	require.True(t, c.Loading())
	require.True(t, c.Streaming())
	c.SetPhase(PhaseFinalizing)
	require.True(t, c.Busy())
	c.SetPhase(PhaseIdle)
	require.False(t, c.Busy())
}
