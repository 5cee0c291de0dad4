package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/curvetrack/backend/internal/chain"
	"github.com/curvetrack/backend/internal/config"
)

const tokenMetadataCacheTTL = 24 * time.Hour

type TokenMetadata struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// MetadataSource resolves a token address to its symbol and name.
type MetadataSource interface {
	Lookup(ctx context.Context, tag chain.Chain, address string) (TokenMetadata, error)
}

// Enricher caches token metadata lookups in Redis, falling back to an
// in-process map when Redis is unavailable. Lookups failing is expected and
// never fails ingestion; the repair loop backfills stored rows later.
type Enricher struct {
	source MetadataSource
	redis  *redis.Client
	logger *slog.Logger

	mu    sync.RWMutex
	local map[string]TokenMetadata
}

func NewEnricher(source MetadataSource, redisClient *redis.Client, logger *slog.Logger) *Enricher {
	return &Enricher{
		source: source,
		redis:  redisClient,
		logger: logger,
		local:  make(map[string]TokenMetadata),
	}
}

func (e *Enricher) Lookup(ctx context.Context, tag chain.Chain, address string) (TokenMetadata, error) {
	if e.source == nil {
		return TokenMetadata{}, errors.New("no metadata source configured")
	}

	key := fmt.Sprintf("token-meta:%s:%s", tag, address)
	if meta, ok := e.cached(ctx, key); ok {
		return meta, nil
	}

	meta, err := e.source.Lookup(ctx, tag, address)
	if err != nil {
		return TokenMetadata{}, err
	}
	if meta.Symbol == "" {
		return TokenMetadata{}, fmt.Errorf("no metadata for %s on %s", address, tag)
	}

	e.cache(ctx, key, meta)
	return meta, nil
}

func (e *Enricher) cached(ctx context.Context, key string) (TokenMetadata, bool) {
	if e.redis != nil {
		raw, err := e.redis.Get(ctx, key).Result()
		if err == nil {
			var meta TokenMetadata
			if err := json.Unmarshal([]byte(raw), &meta); err == nil {
				return meta, true
			}
		} else if !errors.Is(err, redis.Nil) {
			e.logger.Debug("redis metadata read failed", "key", key, "err", err)
		}
	}

	e.mu.RLock()
	meta, ok := e.local[key]
	e.mu.RUnlock()
	return meta, ok
}

func (e *Enricher) cache(ctx context.Context, key string, meta TokenMetadata) {
	if e.redis != nil {
		if raw, err := json.Marshal(meta); err == nil {
			if err := e.redis.Set(ctx, key, raw, tokenMetadataCacheTTL).Err(); err != nil {
				e.logger.Debug("redis metadata write failed", "key", key, "err", err)
			}
		}
	}

	e.mu.Lock()
	e.local[key] = meta
	e.mu.Unlock()
}

// httpMetadataSource resolves metadata against the same indexing APIs the
// poller uses: the token-metadata endpoint on solana, an RPC method on
// monad.
type httpMetadataSource struct {
	client    *http.Client
	solanaURL string
	solanaKey string
	monadURL  string
	monadKey  string
}

func NewHTTPMetadataSource(cfg config.IngestorConfig) MetadataSource {
	solanaCfg := cfg.Chains[string(chain.Solana)]
	monadCfg := cfg.Chains[string(chain.Monad)]
	return &httpMetadataSource{
		client:    &http.Client{Timeout: cfg.PollRequestTimeout},
		solanaURL: strings.TrimRight(strings.TrimSpace(solanaCfg.APIURL), "/"),
		solanaKey: strings.TrimSpace(solanaCfg.APIKey),
		monadURL:  strings.TrimSpace(monadCfg.APIURL),
		monadKey:  strings.TrimSpace(monadCfg.APIKey),
	}
}

func (h *httpMetadataSource) Lookup(ctx context.Context, tag chain.Chain, address string) (TokenMetadata, error) {
	switch tag {
	case chain.Solana:
		return h.lookupSolana(ctx, address)
	case chain.Monad:
		return h.lookupMonad(ctx, address)
	default:
		return TokenMetadata{}, fmt.Errorf("%w: %q", chain.ErrUnknownChain, tag)
	}
}

func (h *httpMetadataSource) lookupSolana(ctx context.Context, mint string) (TokenMetadata, error) {
	if h.solanaURL == "" {
		return TokenMetadata{}, errors.New("solana api url not configured")
	}

	payload, err := json.Marshal(map[string]any{"mintAccounts": []string{mint}})
	if err != nil {
		return TokenMetadata{}, err
	}

	endpoint := h.solanaURL + "/token-metadata"
	if h.solanaKey != "" {
		endpoint += "?api-key=" + h.solanaKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return TokenMetadata{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return TokenMetadata{}, fmt.Errorf("fetch solana token metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TokenMetadata{}, fmt.Errorf("fetch solana token metadata: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded []struct {
		OnChainMetadata struct {
			Metadata struct {
				Data struct {
					Symbol string `json:"symbol"`
					Name   string `json:"name"`
				} `json:"data"`
			} `json:"metadata"`
		} `json:"onChainMetadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return TokenMetadata{}, fmt.Errorf("decode solana token metadata: %w", err)
	}
	if len(decoded) == 0 {
		return TokenMetadata{}, fmt.Errorf("no metadata for mint %s", mint)
	}

	data := decoded[0].OnChainMetadata.Metadata.Data
	return TokenMetadata{
		Symbol: strings.TrimSpace(data.Symbol),
		Name:   strings.TrimSpace(data.Name),
	}, nil
}

func (h *httpMetadataSource) lookupMonad(ctx context.Context, address string) (TokenMetadata, error) {
	if h.monadURL == "" {
		return TokenMetadata{}, errors.New("monad api url not configured")
	}

	payload, err := json.Marshal(monadRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "dex_getTokenMetadata",
		Params:  []any{address},
	})
	if err != nil {
		return TokenMetadata{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.monadURL, bytes.NewReader(payload))
	if err != nil {
		return TokenMetadata{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.monadKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.monadKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return TokenMetadata{}, fmt.Errorf("fetch monad token metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TokenMetadata{}, fmt.Errorf("fetch monad token metadata: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Result TokenMetadata  `json:"result"`
		Error  *monadRPCError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return TokenMetadata{}, fmt.Errorf("decode monad token metadata: %w", err)
	}
	if decoded.Error != nil {
		return TokenMetadata{}, fmt.Errorf("monad rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}

	decoded.Result.Symbol = strings.TrimSpace(decoded.Result.Symbol)
	decoded.Result.Name = strings.TrimSpace(decoded.Result.Name)
	return decoded.Result, nil
}

// runRepairLoop periodically backfills token symbols/names that enrichment
// missed at insert time.
func (s *Service) runRepairLoop(ctx context.Context) error {
	interval := s.cfg.RepairInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.repairTokenMetadata(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("token metadata repair failed", "err", err)
			}
		}
	}
}

func (s *Service) repairTokenMetadata(ctx context.Context) error {
	pending, err := s.store.ListTokensMissingMetadata(ctx, 100)
	if err != nil {
		return err
	}

	repaired := 0
	for _, token := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		meta, err := s.enricher.Lookup(ctx, token.Chain, token.Address)
		if err != nil {
			s.logger.Debug("metadata still unavailable", "chain", token.Chain, "token", token.Address, "err", err)
			continue
		}

		updated, err := s.store.UpdateTokenMetadata(ctx, token.Chain, token.Address, meta.Symbol, meta.Name)
		if err != nil {
			return err
		}
		repaired += int(updated)
	}

	if repaired > 0 {
		s.logger.Info("token metadata repaired", "rows", repaired)
	}
	return nil
}

type pendingToken struct {
	Chain   chain.Chain
	Address string
}

// ListTokensMissingMetadata returns distinct traded tokens whose symbol is
// still empty, excluding base assets.
func (s *Store) ListTokensMissingMetadata(ctx context.Context, limit int) ([]pendingToken, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT chain, address FROM (
			SELECT chain, token_in_address AS address
			FROM trades
			WHERE token_in_symbol = ''
			UNION
			SELECT chain, token_out_address AS address
			FROM trades
			WHERE token_out_symbol = ''
		) pending
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []pendingToken
	for rows.Next() {
		var tag string
		var item pendingToken
		if err := rows.Scan(&tag, &item.Address); err != nil {
			return nil, err
		}
		item.Chain = chain.Chain(tag)
		if chain.IsBaseAsset(item.Chain, item.Address) {
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

// UpdateTokenMetadata backfills symbol/name on every stored trade touching
// the token, returning how many rows changed.
func (s *Store) UpdateTokenMetadata(ctx context.Context, tag chain.Chain, address, symbol, name string) (int64, error) {
	total := int64(0)

	result, err := s.db.ExecContext(ctx, `
		UPDATE trades
		SET token_in_symbol = ?, token_in_name = ?
		WHERE chain = ? AND token_in_address = ? AND token_in_symbol = ''
	`, symbol, name, string(tag), address)
	if err != nil {
		return 0, err
	}
	if affected, err := result.RowsAffected(); err == nil {
		total += affected
	}

	result, err = s.db.ExecContext(ctx, `
		UPDATE trades
		SET token_out_symbol = ?, token_out_name = ?
		WHERE chain = ? AND token_out_address = ? AND token_out_symbol = ''
	`, symbol, name, string(tag), address)
	if err != nil {
		return total, err
	}
	if affected, err := result.RowsAffected(); err == nil {
		total += affected
	}

	return total, nil
}
