package ingest

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func drainEvents(sub *Subscriber) []TradeEvent {
	var events []TradeEvent
	for {
		select {
		case event := <-sub.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestHubBroadcastsToAllSubscribers(t *testing.T) {
	hub := newTestHub()
	first := hub.Subscribe(4)
	second := hub.Subscribe(4)
	defer hub.Unsubscribe(first.ID())
	defer hub.Unsubscribe(second.ID())

	hub.Publish(TradeEvent{AgentID: "agent-1", Trade: TradeRecord{TxSignature: "sig-1"}})

	require.Len(t, drainEvents(first), 1)
	require.Len(t, drainEvents(second), 1)
}

func TestHubAgentFilter(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(4)
	defer hub.Unsubscribe(sub.ID())

	sub.SetFilter("agent-1")
	hub.Publish(TradeEvent{AgentID: "agent-1", Trade: TradeRecord{TxSignature: "sig-1"}})
	hub.Publish(TradeEvent{AgentID: "agent-2", Trade: TradeRecord{TxSignature: "sig-2"}})

	events := drainEvents(sub)
	require.Len(t, events, 1)
	assert.Equal(t, "sig-1", events[0].Trade.TxSignature)

	// Clearing the filter widens back to every agent.
	sub.SetFilter("")
	hub.Publish(TradeEvent{AgentID: "agent-2", Trade: TradeRecord{TxSignature: "sig-3"}})
	events = drainEvents(sub)
	require.Len(t, events, 1)
	assert.Equal(t, "sig-3", events[0].Trade.TxSignature)
}

func TestHubDropsEventsForSlowSubscriber(t *testing.T) {
	hub := newTestHub()
	slow := hub.Subscribe(2)
	fast := hub.Subscribe(8)
	defer hub.Unsubscribe(slow.ID())
	defer hub.Unsubscribe(fast.ID())

	for i := 0; i < 5; i++ {
		hub.Publish(TradeEvent{AgentID: "agent-1"})
	}

	// The slow subscriber keeps only its buffer; the fast one sees all
	// five. Publish never blocked either way.
	assert.Len(t, drainEvents(slow), 2)
	assert.Len(t, drainEvents(fast), 5)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(1)

	hub.Unsubscribe(sub.ID())
	assert.Zero(t, hub.SubscriberCount())

	_, open := <-sub.Events()
	assert.False(t, open)

	// Unsubscribing twice is harmless.
	hub.Unsubscribe(sub.ID())
}

func TestHubPublishWithNoSubscribers(t *testing.T) {
	hub := newTestHub()
	hub.Publish(TradeEvent{AgentID: "agent-1"})
	assert.Zero(t, hub.SubscriberCount())
}
