package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/curvetrack/backend/internal/chain"
)

// Poller is the safety net under the webhook receiver: every interval it
// pulls each registered wallet's recent transactions straight from the
// chain's indexing API and pushes them through the same pipeline. Idempotent
// inserts make the overlap with webhook deliveries free.
type Poller struct {
	store      *Store
	pipeline   *Pipeline
	sources    map[chain.Chain]TransactionSource
	interval   time.Duration
	batchLimit int
	logger     *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]string
}

func NewPoller(
	store *Store,
	pipeline *Pipeline,
	sources map[chain.Chain]TransactionSource,
	interval time.Duration,
	batchLimit int,
	logger *slog.Logger,
) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchLimit <= 0 {
		batchLimit = 200
	}
	return &Poller{
		store:      store,
		pipeline:   pipeline,
		sources:    sources,
		interval:   interval,
		batchLimit: batchLimit,
		logger:     logger,
		lastSeen:   make(map[string]string),
	}
}

func (p *Poller) Run(ctx context.Context) error {
	if len(p.sources) == 0 {
		p.logger.Warn("fallback poller disabled, no transaction sources configured")
		<-ctx.Done()
		return nil
	}

	p.logger.Info("fallback poller started",
		"interval", p.interval.String(),
		"batch_limit", p.batchLimit,
		"sources", len(p.sources),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("fallback poller stopped")
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce walks every registered wallet. A wallet failing, after its own
// retries, is logged and skipped; the cycle always visits the rest.
func (p *Poller) pollOnce(ctx context.Context) {
	wallets, err := p.store.ListWallets(ctx)
	if err != nil {
		p.logger.Error("poll cycle failed to list wallets", "err", err)
		return
	}

	for _, wallet := range wallets {
		if err := ctx.Err(); err != nil {
			return
		}

		tag := chain.Chain(wallet.Chain)
		source, ok := p.sources[tag]
		if !ok {
			continue
		}

		if err := p.pollWallet(ctx, source, tag, wallet.Address); err != nil {
			p.logger.Error("poll wallet failed",
				"chain", tag,
				"wallet", wallet.Address,
				"err", err,
			)
		}
	}
}

func (p *Poller) pollWallet(ctx context.Context, source TransactionSource, tag chain.Chain, address string) error {
	var payloads []json.RawMessage
	fetch := func() error {
		var err error
		payloads, err = source.RecentTransactions(ctx, address, p.batchLimit)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(fetch, policy); err != nil {
		return fmt.Errorf("fetch transactions: %w", err)
	}
	if len(payloads) == 0 {
		return nil
	}

	fresh := p.trimSeen(tag, address, payloads)
	if len(fresh) == 0 {
		return nil
	}

	// Sources return newest first; ingest oldest first so per-wallet
	// position updates see trades in block-time order.
	for left, right := 0, len(fresh)-1; left < right; left, right = left+1, right-1 {
		fresh[left], fresh[right] = fresh[right], fresh[left]
	}

	inserted, err := p.pipeline.ProcessBatch(ctx, tag, fresh)
	if err != nil {
		return err
	}

	p.markSeen(tag, address, payloads)
	if inserted > 0 {
		p.logger.Info("poller ingested trades",
			"chain", tag,
			"wallet", address,
			"fetched", len(payloads),
			"inserted", inserted,
		)
	}
	return nil
}

// trimSeen cuts the payload list at the last transaction already handled in
// a previous cycle. Purely an optimization: a stale marker only means some
// duplicate inserts that the trade key turns into no-ops.
func (p *Poller) trimSeen(tag chain.Chain, address string, payloads []json.RawMessage) []json.RawMessage {
	p.mu.Lock()
	marker := p.lastSeen[string(tag)+":"+address]
	p.mu.Unlock()

	if marker == "" {
		return payloads
	}

	for i, raw := range payloads {
		if payloadSignature(tag, raw) == marker {
			return payloads[:i]
		}
	}
	return payloads
}

func (p *Poller) markSeen(tag chain.Chain, address string, payloads []json.RawMessage) {
	for _, raw := range payloads {
		signature := payloadSignature(tag, raw)
		if signature == "" {
			continue
		}
		p.mu.Lock()
		p.lastSeen[string(tag)+":"+address] = signature
		p.mu.Unlock()
		return
	}
}
