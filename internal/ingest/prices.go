package ingest

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/curvetrack/backend/internal/chain"
)

const pythPriceSource = "pyth"

type BasePriceTickInput struct {
	Chain       chain.Chain
	Source      string
	FeedID      string
	PublishTime int64
	Price       float64
	Conf        float64
	ReceivedAt  int64
}

type BasePriceRecord struct {
	Chain       string  `json:"chain"`
	Source      string  `json:"source"`
	FeedID      string  `json:"feed_id"`
	PublishTime int64   `json:"publish_time"`
	Price       float64 `json:"price"`
	Conf        float64 `json:"conf"`
	ReceivedAt  int64   `json:"received_at"`
}

func (s *Store) InsertBasePriceTick(ctx context.Context, input BasePriceTickInput) (bool, error) {
	source := strings.TrimSpace(input.Source)
	if source == "" {
		source = pythPriceSource
	}
	feedID := strings.ToLower(strings.TrimSpace(input.FeedID))
	if feedID == "" {
		return false, fmt.Errorf("feed id is required")
	}
	if input.Price <= 0 {
		return false, fmt.Errorf("price must be > 0")
	}
	now := time.Now().Unix()
	publishTime := input.PublishTime
	if publishTime <= 0 {
		publishTime = now
	}
	receivedAt := input.ReceivedAt
	if receivedAt <= 0 {
		receivedAt = now
	}

	result, err := s.db.ExecContext(
		ctx,
		`
		INSERT INTO base_price_ticks (
			chain, source, feed_id, publish_time, price, conf, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain, source, publish_time) DO NOTHING
		`,
		string(input.Chain),
		source,
		feedID,
		publishTime,
		input.Price,
		input.Conf,
		receivedAt,
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetBasePriceAt returns the base-asset USD price in effect at the given
// unix time: the latest tick at or before it, falling back to the earliest
// known tick when the trade predates the stream.
func (s *Store) GetBasePriceAt(ctx context.Context, tag chain.Chain, atUnix int64) (float64, error) {
	row := s.db.QueryRowContext(
		ctx,
		`
		SELECT price
		FROM base_price_ticks
		WHERE chain = ? AND publish_time <= ?
		ORDER BY publish_time DESC, id DESC
		LIMIT 1
		`,
		string(tag),
		atUnix,
	)

	var price float64
	err := row.Scan(&price)
	if err == nil {
		return price, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	row = s.db.QueryRowContext(
		ctx,
		`
		SELECT price
		FROM base_price_ticks
		WHERE chain = ?
		ORDER BY publish_time ASC, id ASC
		LIMIT 1
		`,
		string(tag),
	)
	if err := row.Scan(&price); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return price, nil
}

func (s *Store) GetLatestBasePrice(ctx context.Context, tag chain.Chain) (BasePriceRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`
		SELECT chain, source, feed_id, publish_time, price, conf, received_at
		FROM base_price_ticks
		WHERE chain = ?
		ORDER BY publish_time DESC, id DESC
		LIMIT 1
		`,
		string(tag),
	)

	var item BasePriceRecord
	if err := row.Scan(
		&item.Chain,
		&item.Source,
		&item.FeedID,
		&item.PublishTime,
		&item.Price,
		&item.Conf,
		&item.ReceivedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BasePriceRecord{}, ErrNotFound
		}
		return BasePriceRecord{}, err
	}

	item.Price = round2(item.Price)
	item.Conf = round6(item.Conf)
	return item, nil
}

// GetBasePriceChange24h reports the percentage move of the base asset over
// the last 24 hours, 0 when the window has too little data.
func (s *Store) GetBasePriceChange24h(ctx context.Context, tag chain.Chain) (float64, error) {
	latest, err := s.GetLatestBasePrice(ctx, tag)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	then, err := s.GetBasePriceAt(ctx, tag, time.Now().Add(-24*time.Hour).Unix())
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if then <= 0 {
		return 0, nil
	}

	return round2((latest.Price - then) / then * 100), nil
}

type pythStreamEnvelope struct {
	Parsed []pythPriceUpdate `json:"parsed"`
}

type pythPriceUpdate struct {
	ID    string            `json:"id"`
	Price pythPriceSnapshot `json:"price"`
}

type pythPriceSnapshot struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

func (s *Service) runPythPriceStream(ctx context.Context) {
	if !s.cfg.EnablePythPriceStream {
		return
	}

	endpoint := strings.TrimSpace(s.cfg.PythStreamURL)
	feeds := s.pythFeedChains()
	if endpoint == "" || len(feeds) == 0 {
		s.logger.Warn("pyth price stream disabled due to missing endpoint or feed ids")
		return
	}

	reconnectDelay := s.cfg.PythReconnectInterval
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}

	client := &http.Client{}
	s.logger.Info(
		"pyth price stream enabled",
		"endpoint", endpoint,
		"feeds", len(feeds),
		"reconnect_delay", reconnectDelay.String(),
	)

	for {
		if err := ctx.Err(); err != nil {
			return
		}

		err := s.consumePythPriceStream(ctx, client, endpoint, feeds)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("pyth price stream disconnected", "err", err, "retry_in", reconnectDelay.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// pythFeedChains maps the configured Hermes feed ids back to their chains.
func (s *Service) pythFeedChains() map[string]chain.Chain {
	feeds := make(map[string]chain.Chain)
	for _, tag := range chain.All() {
		source, ok := s.cfg.Chains[string(tag)]
		if !ok {
			continue
		}
		feedID := strings.ToLower(strings.TrimSpace(source.PythFeedID))
		if feedID == "" {
			continue
		}
		feeds[feedID] = tag
	}
	return feeds
}

func (s *Service) consumePythPriceStream(
	ctx context.Context,
	client *http.Client,
	endpoint string,
	feeds map[string]chain.Chain,
) error {
	streamURL, err := buildPythStreamURL(endpoint, feeds)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("build pyth stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("open pyth stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("open pyth stream: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024), 64*1024*1024)

	var eventData strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if eventData.Len() == 0 {
				continue
			}
			if err := s.processPythStreamEvent(ctx, eventData.String(), feeds); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("failed to process pyth stream event", "err", err)
			}
			eventData.Reset()
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if eventData.Len() > 0 {
			eventData.WriteByte('\n')
		}
		eventData.WriteString(payload)
	}

	if eventData.Len() > 0 {
		if err := s.processPythStreamEvent(ctx, eventData.String(), feeds); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("failed to process final pyth stream event", "err", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read pyth stream: %w", err)
	}

	return io.EOF
}

func (s *Service) processPythStreamEvent(ctx context.Context, rawEvent string, feeds map[string]chain.Chain) error {
	payload := strings.TrimSpace(rawEvent)
	if payload == "" || payload == "[DONE]" {
		return nil
	}

	var event pythStreamEnvelope
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return fmt.Errorf("decode pyth stream event: %w", err)
	}
	if len(event.Parsed) == 0 {
		return nil
	}

	now := time.Now().Unix()
	for _, update := range event.Parsed {
		updateID := strings.ToLower(strings.TrimSpace(update.ID))
		tag, ok := feeds[updateID]
		if !ok {
			continue
		}

		price, err := decodePythPrice(update.Price.Price, update.Price.Expo)
		if err != nil || price <= 0 {
			continue
		}
		conf, err := decodePythPrice(update.Price.Conf, update.Price.Expo)
		if err != nil {
			conf = 0
		}

		publishTime := update.Price.PublishTime
		if publishTime <= 0 {
			publishTime = now
		}

		_, err = s.store.InsertBasePriceTick(ctx, BasePriceTickInput{
			Chain:       tag,
			Source:      pythPriceSource,
			FeedID:      updateID,
			PublishTime: publishTime,
			Price:       price,
			Conf:        conf,
			ReceivedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("store pyth tick: %w", err)
		}
	}

	return nil
}

func buildPythStreamURL(endpoint string, feeds map[string]chain.Chain) (string, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse pyth endpoint: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid pyth endpoint: %q", endpoint)
	}

	query := parsedURL.Query()
	query.Del("ids[]")
	for feedID := range feeds {
		query.Add("ids[]", feedID)
	}
	if strings.TrimSpace(query.Get("parsed")) == "" {
		query.Set("parsed", "true")
	}
	parsedURL.RawQuery = query.Encode()

	return parsedURL.String(), nil
}

func decodePythPrice(raw string, expo int32) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("empty price")
	}

	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, err
	}

	if expo < 0 {
		return value / math.Pow10(int(-expo)), nil
	}
	if expo > 0 {
		return value * math.Pow10(int(expo)), nil
	}
	return value, nil
}
