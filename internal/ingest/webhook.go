package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/curvetrack/backend/internal/chain"
)

const webhookSignatureHeader = "X-Webhook-Signature"

// ErrInvalidSignature marks a webhook delivery whose HMAC does not match.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// handleWebhook serves POST /webhooks/{chain}. The body is authenticated
// with an HMAC-SHA256 of the raw bytes under the chain's shared secret,
// then acknowledged with 200 before any store write happens; processing
// runs in the background and redelivery is absorbed by the trade key.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rawTag := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	tag, err := chain.Parse(rawTag)
	if err != nil {
		http.Error(w, "unknown chain", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	secret := s.cfg.Chains[string(tag)].WebhookSecret
	if err := verifyWebhookSignature(body, r.Header.Get(webhookSignatureHeader), secret); err != nil {
		s.logger.Warn("rejected webhook", "chain", tag, "err", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	payloads, err := splitWebhookBody(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)

	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		inserted, err := s.pipeline.ProcessBatch(ctx, tag, payloads)
		if err != nil {
			s.logger.Error("webhook processing failed", "chain", tag, "err", err)
			return
		}
		if inserted > 0 {
			s.logger.Info("webhook batch ingested", "chain", tag, "events", len(payloads), "inserted", inserted)
		}
	}()
}

func verifyWebhookSignature(body []byte, header string, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return errors.New("webhook secret not configured")
	}

	provided, err := hex.DecodeString(strings.TrimSpace(header))
	if err != nil || len(provided) == 0 {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// splitWebhookBody accepts either a single event object or a JSON array of
// events, which is how indexing providers batch deliveries.
func splitWebhookBody(body []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.New("empty body")
	}

	if strings.HasPrefix(trimmed, "[") {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}

	var single json.RawMessage
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []json.RawMessage{single}, nil
}
