package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curvetrack/backend/internal/chain"
)

const (
	pipelineTestWallet = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	pipelineTestMint   = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// fakeTradeStore keeps trades in memory with the same duplicate-key
// semantics as the Postgres store: a repeated (tx_signature, chain) insert
// reports inserted=false and writes nothing, P&L event included.
type fakeTradeStore struct {
	mu        sync.Mutex
	wallets   map[string]WalletRecord
	basePrice float64
	failSaves int

	trades []TradeInput
	events []PnlEventInput
	seen   map[string]bool
}

func newFakeTradeStore(basePrice float64, wallets ...WalletRecord) *fakeTradeStore {
	store := &fakeTradeStore{
		wallets:   make(map[string]WalletRecord, len(wallets)),
		basePrice: basePrice,
		seen:      make(map[string]bool),
	}
	for _, wallet := range wallets {
		store.wallets[wallet.Chain+":"+wallet.Address] = wallet
	}
	return store
}

func (f *fakeTradeStore) GetWalletByAddress(_ context.Context, tag chain.Chain, address string) (WalletRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wallet, ok := f.wallets[string(tag)+":"+address]
	if !ok {
		return WalletRecord{}, ErrNotFound
	}
	return wallet, nil
}

func (f *fakeTradeStore) GetBasePriceAt(context.Context, chain.Chain, int64) (float64, error) {
	if f.basePrice <= 0 {
		return 0, ErrNotFound
	}
	return f.basePrice, nil
}

func (f *fakeTradeStore) ListTradesForReplay(context.Context) ([]ReplayTrade, error) {
	return nil, nil
}

func (f *fakeTradeStore) SaveTrade(_ context.Context, input TradeInput, event *PnlEventInput) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSaves > 0 {
		f.failSaves--
		return false, errors.New("write conn closed")
	}

	key := input.TxSignature + ":" + string(input.Chain)
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true

	f.trades = append(f.trades, input)
	if event != nil {
		f.events = append(f.events, *event)
	}
	return true, nil
}

func newTestPipeline(t *testing.T, store *fakeTradeStore, hub *Hub) *Pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipeline, err := NewPipeline(store, hub, NewBook(), nil, logger)
	require.NoError(t, err)
	return pipeline
}

func solanaSwapBuy(t *testing.T, signature, lamports, rawTokens string) json.RawMessage {
	t.Helper()
	payload := map[string]any{
		"signature": signature,
		"timestamp": 1700000000,
		"type":      "SWAP",
		"source":    "PUMP_FUN",
		"feePayer":  pipelineTestWallet,
		"events": map[string]any{
			"swap": map[string]any{
				"nativeInput": map[string]any{"account": pipelineTestWallet, "amount": lamports},
				"tokenOutputs": []map[string]any{{
					"userAccount":    pipelineTestWallet,
					"mint":           pipelineTestMint,
					"rawTokenAmount": map[string]any{"tokenAmount": rawTokens, "decimals": 6},
				}},
			},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func solanaSwapSell(t *testing.T, signature, rawTokens, lamports string) json.RawMessage {
	t.Helper()
	payload := map[string]any{
		"signature": signature,
		"timestamp": 1700000100,
		"type":      "SWAP",
		"source":    "RAYDIUM",
		"feePayer":  pipelineTestWallet,
		"events": map[string]any{
			"swap": map[string]any{
				"nativeOutput": map[string]any{"account": pipelineTestWallet, "amount": lamports},
				"tokenInputs": []map[string]any{{
					"userAccount":    pipelineTestWallet,
					"mint":           pipelineTestMint,
					"rawTokenAmount": map[string]any{"tokenAmount": rawTokens, "decimals": 6},
				}},
			},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func testPipelineWallet() WalletRecord {
	return WalletRecord{
		ID:      7,
		AgentID: "agent-1",
		Chain:   string(chain.Solana),
		Address: pipelineTestWallet,
	}
}

func TestPipelineProcessDuplicateInsertsOnce(t *testing.T) {
	store := newFakeTradeStore(100, testPipelineWallet())
	hub := newTestHub()
	sub := hub.Subscribe(8)
	defer hub.Unsubscribe(sub.ID())
	pipeline := newTestPipeline(t, store, hub)

	payload := solanaSwapBuy(t, "sig-dup", "1500000000", "250000000")

	inserted, err := pipeline.Process(context.Background(), chain.Solana, payload)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Redelivery of the same payload, as a webhook retry or the poller
	// overlapping the webhook, stores and broadcasts nothing.
	inserted, err = pipeline.Process(context.Background(), chain.Solana, payload)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.Len(t, store.trades, 1)
	assert.InDelta(t, 150.0, store.trades[0].ValueUSD, 1e-9)
	require.Len(t, drainEvents(sub), 1)

	// The book counted the buy exactly once.
	quantity, costUSD, ok := pipeline.book.Position(positionKey{
		AgentID: "agent-1",
		Chain:   chain.Solana,
		Token:   pipelineTestMint,
	})
	require.True(t, ok)
	assert.InDelta(t, 250.0, quantity, 1e-9)
	assert.InDelta(t, 150.0, costUSD, 1e-9)
}

func TestPipelineBookUntouchedWhenSaveFails(t *testing.T) {
	store := newFakeTradeStore(100, testPipelineWallet())
	store.failSaves = 1
	hub := newTestHub()
	sub := hub.Subscribe(8)
	defer hub.Unsubscribe(sub.ID())
	pipeline := newTestPipeline(t, store, hub)

	payload := solanaSwapBuy(t, "sig-retry", "1500000000", "250000000")

	_, err := pipeline.Process(context.Background(), chain.Solana, payload)
	require.Error(t, err)
	assert.Equal(t, 0, pipeline.book.Len())
	assert.Empty(t, drainEvents(sub))

	// The provider redelivers after the failed write; the position must come
	// out single-counted.
	inserted, err := pipeline.Process(context.Background(), chain.Solana, payload)
	require.NoError(t, err)
	assert.True(t, inserted)

	quantity, costUSD, ok := pipeline.book.Position(positionKey{
		AgentID: "agent-1",
		Chain:   chain.Solana,
		Token:   pipelineTestMint,
	})
	require.True(t, ok)
	assert.InDelta(t, 250.0, quantity, 1e-9)
	assert.InDelta(t, 150.0, costUSD, 1e-9)
	require.Len(t, store.trades, 1)
	require.Len(t, drainEvents(sub), 1)
}

func TestPipelineSellRealizesAgainstPersistedPosition(t *testing.T) {
	store := newFakeTradeStore(100, testPipelineWallet())
	pipeline := newTestPipeline(t, store, newTestHub())

	_, err := pipeline.Process(context.Background(), chain.Solana, solanaSwapBuy(t, "sig-buy", "1500000000", "250000000"))
	require.NoError(t, err)

	// First sell attempt fails mid-write; the position must survive intact
	// so the retry realizes the same P&L.
	store.failSaves = 1
	sell := solanaSwapSell(t, "sig-sell", "125000000", "1000000000")
	_, err = pipeline.Process(context.Background(), chain.Solana, sell)
	require.Error(t, err)
	require.Empty(t, store.events)

	inserted, err := pipeline.Process(context.Background(), chain.Solana, sell)
	require.NoError(t, err)
	assert.True(t, inserted)

	require.Len(t, store.events, 1)
	event := store.events[0]
	assert.Equal(t, "sig-sell", event.TxSignature)
	assert.InDelta(t, 125.0, event.QuantitySold, 1e-9)
	assert.InDelta(t, 75.0, event.CostBasis, 1e-9)
	assert.InDelta(t, 100.0, event.Proceeds, 1e-9)
	assert.InDelta(t, 25.0, event.RealizedUSD, 1e-9)
	assert.False(t, event.PositionClosed)

	// Half the position remains at the original average cost.
	quantity, costUSD, ok := pipeline.book.Position(positionKey{
		AgentID: "agent-1",
		Chain:   chain.Solana,
		Token:   pipelineTestMint,
	})
	require.True(t, ok)
	assert.InDelta(t, 125.0, quantity, 1e-9)
	assert.InDelta(t, 75.0, costUSD, 1e-9)

	// A duplicate sell neither writes a second event nor moves the book.
	inserted, err = pipeline.Process(context.Background(), chain.Solana, sell)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.Len(t, store.events, 1)
	quantity, _, ok = pipeline.book.Position(positionKey{
		AgentID: "agent-1",
		Chain:   chain.Solana,
		Token:   pipelineTestMint,
	})
	require.True(t, ok)
	assert.InDelta(t, 125.0, quantity, 1e-9)
}

func TestPipelineRejectsUnknownWalletAndZeroValue(t *testing.T) {
	store := newFakeTradeStore(0, testPipelineWallet())
	pipeline := newTestPipeline(t, store, newTestHub())

	// No price tick on record yet: the trade's USD value is zero and it is
	// rejected rather than stored.
	_, err := pipeline.Process(context.Background(), chain.Solana, solanaSwapBuy(t, "sig-zero", "1500000000", "250000000"))
	assert.True(t, errors.Is(err, ErrZeroValue), "got %v", err)

	store.basePrice = 100
	store.wallets = map[string]WalletRecord{}
	_, err = pipeline.Process(context.Background(), chain.Solana, solanaSwapBuy(t, "sig-stranger", "1500000000", "250000000"))
	assert.True(t, errors.Is(err, ErrUnknownWallet), "got %v", err)
	assert.Empty(t, store.trades)
}

func TestClassifyBuyback(t *testing.T) {
	wallet := WalletRecord{TokenAddress: "AGENT_TOKEN"}

	buy := &chain.NormalizedTrade{
		Side:     chain.SideBuy,
		TokenOut: chain.TokenAmount{Address: "AGENT_TOKEN"},
	}
	assert.True(t, classifyBuyback(buy, wallet))

	otherBuy := &chain.NormalizedTrade{
		Side:     chain.SideBuy,
		TokenOut: chain.TokenAmount{Address: "OTHER"},
	}
	assert.False(t, classifyBuyback(otherBuy, wallet))

	// Selling the agent token is never a buyback.
	sell := &chain.NormalizedTrade{
		Side:    chain.SideSell,
		TokenIn: chain.TokenAmount{Address: "AGENT_TOKEN"},
	}
	assert.False(t, classifyBuyback(sell, wallet))

	// No registered token means nothing classifies.
	assert.False(t, classifyBuyback(buy, WalletRecord{}))
}

func TestReplayFromInput(t *testing.T) {
	input := TradeInput{
		Chain:       chain.Solana,
		TxSignature: "sig-1",
		AgentID:     "agent-1",
		WalletID:    7,
		BlockTime:   1700000000,
		TradeType:   "sell",
		TokenIn:     chain.TokenAmount{Address: "TOKEN", Amount: 12.5},
		TokenOut:    chain.TokenAmount{Address: "So11111111111111111111111111111111111111112", Amount: 1.5},
		ValueUSD:    250,
		IsBuyback:   false,
	}

	replay := replayFromInput(input)
	assert.Equal(t, chain.Solana, replay.Chain)
	assert.Equal(t, "sig-1", replay.TxSignature)
	assert.Equal(t, int64(7), replay.WalletID)
	assert.Equal(t, "TOKEN", replay.TokenIn)
	assert.InDelta(t, 12.5, replay.TokenInQty, 1e-12)
	assert.InDelta(t, 1.5, replay.TokenOutQty, 1e-12)
	assert.InDelta(t, 250, replay.ValueUSD, 1e-12)
}

func TestTradeRecordFromInput(t *testing.T) {
	input := TradeInput{
		Chain:        chain.Monad,
		TxSignature:  "0xsig",
		AgentID:      "agent-1",
		TradeType:    "buy",
		TokenIn:      chain.TokenAmount{Address: "0xeeee", Symbol: "MON"},
		TokenOut:     chain.TokenAmount{Address: "0xtoken", Symbol: "TKN", Name: "Token"},
		BasePriceUSD: 2.5,
		ValueUSD:     100,
		IsBuyback:    true,
	}

	record := tradeRecordFromInput(input)
	assert.Equal(t, "monad", record.Chain)
	assert.Equal(t, "0xsig", record.TxSignature)
	assert.Equal(t, "TKN", record.TokenOutSymbol)
	assert.True(t, record.IsBuyback)
	assert.NotZero(t, record.IngestedAt)
}
