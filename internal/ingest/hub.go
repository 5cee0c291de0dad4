package ingest

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// TradeEvent is the broadcast unit published once per newly inserted trade.
type TradeEvent struct {
	AgentID string
	Trade   TradeRecord
}

// Subscriber is one hub registration. Events are delivered on a buffered
// channel; a subscriber that stops draining loses events rather than
// stalling the pipeline.
type Subscriber struct {
	id     string
	events chan TradeEvent

	mu      sync.Mutex
	agentID string
}

func (s *Subscriber) ID() string {
	return s.id
}

func (s *Subscriber) Events() <-chan TradeEvent {
	return s.events
}

// SetFilter narrows delivery to one agent; empty restores all agents.
func (s *Subscriber) SetFilter(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentID = agentID
}

func (s *Subscriber) wants(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID == "" || s.agentID == agentID
}

// Hub fans newly ingested trades out to live-feed connections. Delivery is
// best effort: the ingestion path never blocks on a consumer.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscriber{
		id:     uuid.NewString(),
		events: make(chan TradeEvent, buffer),
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	return sub
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if ok {
		close(sub.events)
	}
}

func (h *Hub) Publish(event TradeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		if !sub.wants(event.AgentID) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			// Full buffer means a slow consumer; drop, don't block.
			h.logger.Debug("dropped trade event for slow subscriber",
				"subscriber", sub.id,
				"agent", event.AgentID,
				"tx", event.Trade.TxSignature,
			)
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
