package ingest

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLiveFeedServer(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &Service{logger: logger, hub: NewHub(logger)}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleLiveFeed)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return s, server
}

func dialLiveFeed(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", want, hub.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) liveFeedEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var envelope liveFeedEnvelope
	require.NoError(t, conn.ReadJSON(&envelope))
	return envelope
}

func TestLiveFeedStreamsTrades(t *testing.T) {
	s, server := newLiveFeedServer(t)
	conn := dialLiveFeed(t, server)
	waitForSubscribers(t, s.hub, 1)

	s.hub.Publish(TradeEvent{AgentID: "agent-1", Trade: TradeRecord{TxSignature: "sig-1"}})

	envelope := readEnvelope(t, conn)
	assert.Equal(t, "trade", envelope.Type)
	assert.Equal(t, "agent-1", envelope.AgentID)
	assert.NotZero(t, envelope.TS)
}

func TestLiveFeedSubscribeFilter(t *testing.T) {
	s, server := newLiveFeedServer(t)
	conn := dialLiveFeed(t, server)
	waitForSubscribers(t, s.hub, 1)

	require.NoError(t, conn.WriteJSON(liveFeedRequest{Type: "subscribe", AgentID: "agent-2"}))

	// The filter is applied by the read loop; give it a moment before
	// publishing the event that must be dropped.
	time.Sleep(50 * time.Millisecond)
	s.hub.Publish(TradeEvent{AgentID: "agent-1", Trade: TradeRecord{TxSignature: "sig-1"}})
	s.hub.Publish(TradeEvent{AgentID: "agent-2", Trade: TradeRecord{TxSignature: "sig-2"}})

	envelope := readEnvelope(t, conn)
	assert.Equal(t, "agent-2", envelope.AgentID)

	// Unsubscribe widens back to the full feed.
	require.NoError(t, conn.WriteJSON(liveFeedRequest{Type: "unsubscribe"}))
	time.Sleep(50 * time.Millisecond)
	s.hub.Publish(TradeEvent{AgentID: "agent-1", Trade: TradeRecord{TxSignature: "sig-3"}})

	envelope = readEnvelope(t, conn)
	assert.Equal(t, "agent-1", envelope.AgentID)
}

func TestLiveFeedDisconnectRemovesSubscriber(t *testing.T) {
	s, server := newLiveFeedServer(t)
	conn := dialLiveFeed(t, server)
	waitForSubscribers(t, s.hub, 1)

	conn.Close()
	waitForSubscribers(t, s.hub, 0)
}
