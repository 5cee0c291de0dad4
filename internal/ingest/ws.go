package ingest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type liveFeedRequest struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type liveFeedEnvelope struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId,omitempty"`
	Data    any    `json:"data,omitempty"`
	TS      int64  `json:"ts"`
}

var liveFeedUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleLiveFeed upgrades to a websocket and streams newly ingested trades.
// Clients may send {type:"subscribe", agentId} to narrow the feed to one
// agent and {type:"unsubscribe"} to widen it again; unknown frames are
// ignored.
func (s *Service) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := liveFeedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.hub.Subscribe(64)
	defer s.hub.Unsubscribe(sub.ID())

	readErrCh := make(chan error, 1)
	go s.liveFeedReadLoop(ctx, conn, sub, readErrCh)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			envelope := liveFeedEnvelope{
				Type:    "trade",
				AgentID: event.AgentID,
				Data:    event.Trade,
				TS:      time.Now().Unix(),
			}
			if err := writeLiveFeedJSON(conn, envelope); err != nil {
				return
			}
		}
	}
}

func (s *Service) liveFeedReadLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message liveFeedRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		switch strings.ToLower(strings.TrimSpace(message.Type)) {
		case "subscribe":
			sub.SetFilter(strings.TrimSpace(message.AgentID))
		case "unsubscribe":
			sub.SetFilter("")
		}
	}
}

func writeLiveFeedJSON(conn *websocket.Conn, payload liveFeedEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}
