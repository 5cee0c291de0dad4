package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curvetrack/backend/internal/chain"
)

func TestBookWeightedAverageCost(t *testing.T) {
	book := NewBook()
	key := positionKey{AgentID: "agent-1", Chain: chain.Solana, Token: "TOKEN"}

	book.ApplyBuy(key, 10, 100)
	book.ApplyBuy(key, 10, 200)

	qty, cost, ok := book.Position(key)
	require.True(t, ok)
	assert.InDelta(t, 20, qty, 1e-12)
	assert.InDelta(t, 300, cost, 1e-12)

	// Avg cost 15/unit: selling 5 for $100 realizes 100 - 75 = 25.
	outcome := book.ApplySell(key, 5, 100)
	assert.InDelta(t, 75, outcome.CostBasis, 1e-9)
	assert.InDelta(t, 25, outcome.RealizedUSD, 1e-9)
	assert.False(t, outcome.Clamped)
	assert.False(t, outcome.PositionClosed)

	qty, cost, ok = book.Position(key)
	require.True(t, ok)
	assert.InDelta(t, 15, qty, 1e-9)
	assert.InDelta(t, 225, cost, 1e-9)
}

func TestBookOverSellClamp(t *testing.T) {
	book := NewBook()
	key := positionKey{AgentID: "agent-1", Chain: chain.Monad, Token: "0xtoken"}

	book.ApplyBuy(key, 10, 100)

	// Selling 20 when only 10 is tracked: tracked portion carries the
	// full $100 cost, the excess 10 units a zero basis.
	outcome := book.ApplySell(key, 20, 300)
	assert.True(t, outcome.Clamped)
	assert.InDelta(t, 100, outcome.CostBasis, 1e-9)
	assert.InDelta(t, 200, outcome.RealizedUSD, 1e-9)
	assert.True(t, outcome.PositionClosed)

	_, _, ok := book.Position(key)
	assert.False(t, ok)
	assert.Zero(t, book.Len())
}

func TestBookSellWithNoPosition(t *testing.T) {
	book := NewBook()
	key := positionKey{AgentID: "agent-1", Chain: chain.Solana, Token: "TOKEN"}

	outcome := book.ApplySell(key, 5, 50)
	assert.True(t, outcome.Clamped)
	assert.Zero(t, outcome.CostBasis)
	assert.InDelta(t, 50, outcome.RealizedUSD, 1e-9)
	assert.True(t, outcome.PositionClosed)
	assert.Zero(t, book.Len())
}

func TestBookCloseDetection(t *testing.T) {
	book := NewBook()
	key := positionKey{AgentID: "agent-2", Chain: chain.Solana, Token: "TOKEN"}

	book.ApplyBuy(key, 10, 100)

	first := book.ApplySell(key, 4, 60)
	require.False(t, first.PositionClosed)
	assert.InDelta(t, 20, first.RealizedUSD, 1e-9)

	second := book.ApplySell(key, 6, 30)
	require.True(t, second.PositionClosed)
	assert.InDelta(t, -30, second.RealizedUSD, 1e-9)
	// Cycle nets the two sells: +20 - 30 = -10, a losing cycle.
	assert.InDelta(t, -10, second.CycleRealizedUSD, 1e-9)

	// A fresh buy after close starts a new cycle.
	book.ApplyBuy(key, 1, 10)
	closing := book.ApplySell(key, 1, 25)
	require.True(t, closing.PositionClosed)
	assert.InDelta(t, 15, closing.CycleRealizedUSD, 1e-9)
}

func TestBookDustClosesPosition(t *testing.T) {
	book := NewBook()
	key := positionKey{AgentID: "agent-3", Chain: chain.Solana, Token: "TOKEN"}

	book.ApplyBuy(key, 1, 100)
	outcome := book.ApplySell(key, 1-1e-12, 100)
	assert.True(t, outcome.PositionClosed)
	assert.Zero(t, book.Len())
}

func TestBookApplyTradeRouting(t *testing.T) {
	book := NewBook()

	require.Nil(t, book.ApplyTrade(ReplayTrade{
		Chain:       chain.Solana,
		AgentID:     "agent-1",
		TradeType:   "buy",
		TokenOut:    "TOKEN",
		TokenOutQty: 10,
		ValueUSD:    100,
	}))

	outcome := book.ApplyTrade(ReplayTrade{
		Chain:      chain.Solana,
		AgentID:    "agent-1",
		TradeType:  "sell",
		TokenIn:    "TOKEN",
		TokenInQty: 10,
		ValueUSD:   150,
	})
	require.NotNil(t, outcome)
	assert.InDelta(t, 50, outcome.RealizedUSD, 1e-9)
	assert.True(t, outcome.PositionClosed)
}

func TestBookPositionsIsolatedByKey(t *testing.T) {
	book := NewBook()
	solKey := positionKey{AgentID: "agent-1", Chain: chain.Solana, Token: "TOKEN"}
	monKey := positionKey{AgentID: "agent-1", Chain: chain.Monad, Token: "TOKEN"}

	book.ApplyBuy(solKey, 10, 100)
	book.ApplyBuy(monKey, 3, 50)

	outcome := book.ApplySell(solKey, 10, 200)
	assert.True(t, outcome.PositionClosed)

	qty, cost, ok := book.Position(monKey)
	require.True(t, ok)
	assert.InDelta(t, 3, qty, 1e-12)
	assert.InDelta(t, 50, cost, 1e-12)
}

func TestBookPreviewSellLeavesBookUntouched(t *testing.T) {
	book := NewBook()
	key := positionKey{AgentID: "agent-1", Chain: chain.Solana, Token: "TOKEN"}
	book.ApplyBuy(key, 10, 100)

	preview := book.PreviewSell(key, 4, 80)
	assert.InDelta(t, 40, preview.CostBasis, 1e-9)
	assert.InDelta(t, 40, preview.RealizedUSD, 1e-9)
	assert.False(t, preview.PositionClosed)

	// Previewing realized nothing: the position still holds the full buy.
	qty, cost, ok := book.Position(key)
	require.True(t, ok)
	assert.InDelta(t, 10, qty, 1e-12)
	assert.InDelta(t, 100, cost, 1e-12)

	// Applying the same sell afterwards realizes exactly what the preview
	// reported.
	applied := book.ApplySell(key, 4, 80)
	assert.Equal(t, preview, applied)

	qty, cost, ok = book.Position(key)
	require.True(t, ok)
	assert.InDelta(t, 6, qty, 1e-12)
	assert.InDelta(t, 60, cost, 1e-12)
}

func TestBookPreviewTradeRouting(t *testing.T) {
	book := NewBook()
	key := positionKey{AgentID: "agent-1", Chain: chain.Solana, Token: "TOKEN"}
	book.ApplyBuy(key, 10, 100)

	// Buys preview as nil, matching ApplyTrade's return.
	assert.Nil(t, book.PreviewTrade(ReplayTrade{
		Chain:       chain.Solana,
		AgentID:     "agent-1",
		TradeType:   "buy",
		TokenOut:    "TOKEN",
		TokenOutQty: 5,
		ValueUSD:    50,
	}))
	assert.Equal(t, 1, book.Len())

	preview := book.PreviewTrade(ReplayTrade{
		Chain:      chain.Solana,
		AgentID:    "agent-1",
		TradeType:  "sell",
		TokenIn:    "TOKEN",
		TokenInQty: 10,
		ValueUSD:   150,
	})
	require.NotNil(t, preview)
	assert.InDelta(t, 50, preview.RealizedUSD, 1e-9)
	assert.True(t, preview.PositionClosed)

	// The close was only previewed; the position stays open until applied.
	assert.Equal(t, 1, book.Len())
}
