package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/4xmen/hamdam/internal/models"
)

func TestBroadcastInRegistrationOrder(t *testing.T) {
	d := New()

	var calls []int
	d.AddMessageListener(42, func(models.Message) { calls = append(calls, 42) })
	d.AddMessageListener(AllConversations, func(models.Message) { calls = append(calls, AllConversations) })
	d.AddMessageListener(7, func(models.Message) { calls = append(calls, 7) })

	d.Broadcast(models.Message{ID: 1, SenderID: 42, RecipientID: 1})

	require.Equal(t, []int{42, AllConversations, 7}, calls)
}

func TestReRegistrationReplaces(t *testing.T) {
	d := New()

	var first, second int
	d.AddMessageListener(1, func(models.Message) {})
	d.AddMessageListener(42, func(models.Message) { first++ })
	d.AddMessageListener(42, func(models.Message) { second++ })

	require.Equal(t, 2, d.Len())

	d.Broadcast(models.Message{ID: 1})
	d.Broadcast(models.Message{ID: 2})

	require.Zero(t, first, "replaced listener must never be invoked again")
	require.Equal(t, 2, second)
}

func TestReplacementKeepsSlot(t *testing.T) {
	d := New()

	var calls []string
	d.AddMessageListener(1, func(models.Message) { calls = append(calls, "one") })
	d.AddMessageListener(2, func(models.Message) { calls = append(calls, "two") })
	d.AddMessageListener(1, func(models.Message) { calls = append(calls, "one-again") })

	d.Broadcast(models.Message{})

	require.Equal(t, []string{"one-again", "two"}, calls)
}

func TestRemoveMessageListener(t *testing.T) {
	d := New()

	called := false
	d.AddMessageListener(42, func(models.Message) { called = true })
	d.RemoveMessageListener(42)
	d.RemoveMessageListener(99)

	d.Broadcast(models.Message{ID: 1})

	require.False(t, called)
	require.Zero(t, d.Len())
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	d := New()

	delivered := 0
	d.AddMessageListener(1, func(models.Message) { delivered++ })
	d.AddMessageListener(2, func(models.Message) { panic("boom") })
	d.AddMessageListener(3, func(models.Message) { delivered++ })

	require.NotPanics(t, func() { d.Broadcast(models.Message{ID: 5}) })
	require.Equal(t, 2, delivered)
}

func TestMatchingScopesConversation(t *testing.T) {
	const self, counterparty = 1, 42

	d := New()

	var scoped, all []int
	d.AddMessageListener(counterparty, Matching(self, counterparty, func(m models.Message) {
		scoped = append(scoped, m.ID)
	}))
	d.AddMessageListener(AllConversations, func(m models.Message) {
		all = append(all, m.ID)
	})

	d.Broadcast(models.Message{ID: 1, SenderID: counterparty, RecipientID: self})
	d.Broadcast(models.Message{ID: 2, SenderID: self, RecipientID: counterparty})
	d.Broadcast(models.Message{ID: 3, SenderID: 43, RecipientID: self})
	d.Broadcast(models.Message{ID: 4, SenderID: self, RecipientID: 43})

	require.Equal(t, []int{1, 2}, scoped)
	require.Equal(t, []int{1, 2, 3, 4}, all)
}

func TestNilListenerIgnored(t *testing.T) {
	d := New()
	d.AddMessageListener(1, nil)
	require.Zero(t, d.Len())
}
