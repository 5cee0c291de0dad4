package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/curvetrack/backend/internal/chain"
)

var (
	// ErrUnknownWallet marks a trade whose wallet no agent registered.
	ErrUnknownWallet = errors.New("wallet not registered")
	// ErrZeroValue marks a trade whose computed USD value is zero; such
	// trades are rejected before storage rather than polluting P&L.
	ErrZeroValue = errors.New("trade has zero usd value")
)

// TradeStore is the storage surface the pipeline needs. *Store implements
// it; tests substitute fakes to exercise the ingest path without Postgres.
type TradeStore interface {
	GetWalletByAddress(ctx context.Context, tag chain.Chain, address string) (WalletRecord, error)
	GetBasePriceAt(ctx context.Context, tag chain.Chain, atUnix int64) (float64, error)
	ListTradesForReplay(ctx context.Context) ([]ReplayTrade, error)
	SaveTrade(ctx context.Context, input TradeInput, event *PnlEventInput) (bool, error)
}

// Pipeline carries each raw payload from adapter to store: normalize, price
// at block time, classify, insert once, track P&L, broadcast. Both the
// webhook receiver and the fallback poller feed it; the unique trade key
// makes their overlap harmless.
type Pipeline struct {
	store    TradeStore
	hub      *Hub
	book     *Book
	enricher *Enricher
	logger   *slog.Logger

	adapters map[chain.Chain]*chain.Adapter

	// Per-wallet locks give sequential ordering per wallet while distinct
	// wallets proceed in parallel.
	walletLocks sync.Map
}

func NewPipeline(store TradeStore, hub *Hub, book *Book, enricher *Enricher, logger *slog.Logger) (*Pipeline, error) {
	adapters := make(map[chain.Chain]*chain.Adapter, len(chain.All()))
	for _, tag := range chain.All() {
		adapter, err := chain.NewAdapter(tag)
		if err != nil {
			return nil, err
		}
		adapters[tag] = adapter
	}

	return &Pipeline{
		store:    store,
		hub:      hub,
		book:     book,
		enricher: enricher,
		logger:   logger,
		adapters: adapters,
	}, nil
}

// Rebuild replays the stored trade history into a fresh book. Called on
// startup so realized-P&L state survives restarts without a snapshot table.
func (p *Pipeline) Rebuild(ctx context.Context) error {
	history, err := p.store.ListTradesForReplay(ctx)
	if err != nil {
		return fmt.Errorf("load trade history: %w", err)
	}

	book := NewBook()
	for _, trade := range history {
		book.ApplyTrade(trade)
	}

	p.book.mu.Lock()
	p.book.positions = book.positions
	p.book.mu.Unlock()

	p.logger.Info("position book rebuilt", "trades", len(history), "open_positions", book.Len())
	return nil
}

// Process ingests one raw chain payload. The returned bool reports whether a
// new trade row was inserted. Skippable conditions come back as the package
// sentinels so callers can drop them quietly.
func (p *Pipeline) Process(ctx context.Context, tag chain.Chain, raw json.RawMessage) (bool, error) {
	adapter, ok := p.adapters[tag]
	if !ok {
		return false, fmt.Errorf("%w: %q", chain.ErrUnknownChain, tag)
	}

	trade, err := adapter.Normalize(raw)
	if err != nil {
		return false, err
	}

	wallet, err := p.store.GetWalletByAddress(ctx, tag, trade.WalletAddress)
	if errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("%w: %s on %s", ErrUnknownWallet, trade.WalletAddress, tag)
	}
	if err != nil {
		return false, fmt.Errorf("lookup wallet: %w", err)
	}

	basePrice, err := p.store.GetBasePriceAt(ctx, tag, trade.BlockTime)
	if errors.Is(err, ErrNotFound) {
		basePrice = 0
	} else if err != nil {
		return false, fmt.Errorf("lookup base price: %w", err)
	}

	valueUSD := trade.BaseAmount * basePrice
	if valueUSD <= 0 {
		return false, fmt.Errorf("%w: tx %s on %s", ErrZeroValue, trade.TxSignature, tag)
	}

	input := TradeInput{
		Chain:        tag,
		TxSignature:  trade.TxSignature,
		WalletID:     wallet.ID,
		AgentID:      wallet.AgentID,
		BlockTime:    trade.BlockTime,
		Platform:     trade.Platform,
		TradeType:    string(trade.Side),
		TokenIn:      trade.TokenIn,
		TokenOut:     trade.TokenOut,
		BaseAmount:   trade.BaseAmount,
		BasePriceUSD: basePrice,
		ValueUSD:     valueUSD,
		IsBuyback:    classifyBuyback(trade, wallet),
	}
	p.enrichTokens(ctx, tag, &input)

	lock := p.walletLock(tag, wallet.Address)
	lock.Lock()
	defer lock.Unlock()

	// The book is previewed before the write and mutated only after it
	// commits, so a rolled-back insert (and its redelivery) never
	// double-counts a position.
	replay := replayFromInput(input)
	var event *PnlEventInput
	if outcome := p.book.PreviewTrade(replay); outcome != nil {
		event = &PnlEventInput{
			Chain:            tag,
			TxSignature:      input.TxSignature,
			AgentID:          input.AgentID,
			WalletID:         input.WalletID,
			TokenAddress:     input.TokenIn.Address,
			QuantitySold:     outcome.QuantitySold,
			CostBasis:        outcome.CostBasis,
			Proceeds:         outcome.Proceeds,
			RealizedUSD:      outcome.RealizedUSD,
			PositionClosed:   outcome.PositionClosed,
			CycleRealizedUSD: outcome.CycleRealizedUSD,
			BlockTime:        input.BlockTime,
		}
		if outcome.Clamped {
			p.logger.Warn("sell exceeds tracked position, excess at zero cost basis",
				"chain", tag,
				"tx", input.TxSignature,
				"agent", input.AgentID,
				"token", input.TokenIn.Address,
				"qty", outcome.QuantitySold,
			)
		}
	}

	inserted, err := p.store.SaveTrade(ctx, input, event)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	p.book.ApplyTrade(replay)

	if p.hub != nil {
		p.hub.Publish(TradeEvent{
			AgentID: input.AgentID,
			Trade:   tradeRecordFromInput(input),
		})
	}

	return true, nil
}

// ProcessBatch runs a slice of raw payloads, logging and skipping the
// expected per-event failures so one bad payload never stalls the rest.
func (p *Pipeline) ProcessBatch(ctx context.Context, tag chain.Chain, raws []json.RawMessage) (int, error) {
	insertedCount := 0
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return insertedCount, err
		}

		inserted, err := p.Process(ctx, tag, raw)
		if err != nil {
			switch {
			case errors.Is(err, chain.ErrUnrecognized), errors.Is(err, ErrUnknownWallet):
				p.logger.Debug("skipped event", "chain", tag, "reason", err)
			case errors.Is(err, chain.ErrMalformed), errors.Is(err, ErrZeroValue):
				p.logger.Warn("rejected event", "chain", tag, "reason", err)
			default:
				return insertedCount, err
			}
			continue
		}
		if inserted {
			insertedCount++
		}
	}
	return insertedCount, nil
}

// classifyBuyback runs at insert time only: a buy whose acquired token is
// the wallet's registered agent token. Stored rows keep their flag until an
// explicit RepairBuybacks pass.
func classifyBuyback(trade *chain.NormalizedTrade, wallet WalletRecord) bool {
	if trade.Side != chain.SideBuy || wallet.TokenAddress == "" {
		return false
	}
	return trade.TokenOut.Address == wallet.TokenAddress
}

func (p *Pipeline) enrichTokens(ctx context.Context, tag chain.Chain, input *TradeInput) {
	if p.enricher == nil {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for _, token := range []*chain.TokenAmount{&input.TokenIn, &input.TokenOut} {
		if token.Symbol != "" || chain.IsBaseAsset(tag, token.Address) {
			continue
		}
		meta, err := p.enricher.Lookup(lookupCtx, tag, token.Address)
		if err != nil {
			// Enrichment never blocks ingestion; the repair pass fills
			// these in later.
			p.logger.Debug("token metadata lookup failed", "chain", tag, "token", token.Address, "err", err)
			continue
		}
		token.Symbol = meta.Symbol
		token.Name = meta.Name
	}
}

func (p *Pipeline) walletLock(tag chain.Chain, address string) *sync.Mutex {
	key := string(tag) + ":" + address
	lock, _ := p.walletLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func replayFromInput(input TradeInput) ReplayTrade {
	return ReplayTrade{
		Chain:       input.Chain,
		TxSignature: input.TxSignature,
		AgentID:     input.AgentID,
		WalletID:    input.WalletID,
		BlockTime:   input.BlockTime,
		TradeType:   input.TradeType,
		TokenIn:     input.TokenIn.Address,
		TokenInQty:  input.TokenIn.Amount,
		TokenOut:    input.TokenOut.Address,
		TokenOutQty: input.TokenOut.Amount,
		ValueUSD:    input.ValueUSD,
		IsBuyback:   input.IsBuyback,
	}
}
