package ingest

import (
	"sync"

	"github.com/curvetrack/backend/internal/chain"
)

// Positions below this quantity are treated as closed; float dust from
// repeated partial sells never keeps a position open.
const positionDustQty = 1e-9

type positionKey struct {
	AgentID string
	Chain   chain.Chain
	Token   string
}

type position struct {
	quantity float64
	costUSD  float64
	// realized P&L accumulated over the current open/close cycle, used to
	// decide win/loss when the position closes.
	cycleRealizedUSD float64
}

// SellOutcome reports what a sell realized against the weighted-average
// book. Proceeds and cost basis are USD at the trade's historical price.
type SellOutcome struct {
	QuantitySold     float64
	CostBasis        float64
	Proceeds         float64
	RealizedUSD      float64
	Clamped          bool
	PositionClosed   bool
	CycleRealizedUSD float64
}

// Book is the in-memory weighted-average cost book keyed by
// (agent, chain, token). It is safe for concurrent use; callers that need
// per-wallet ordering serialize externally.
type Book struct {
	mu        sync.Mutex
	positions map[positionKey]*position
}

func NewBook() *Book {
	return &Book{positions: make(map[positionKey]*position)}
}

// ApplyBuy adds quantity and cost to the position. Average cost is implied:
// costUSD / quantity.
func (b *Book) ApplyBuy(key positionKey, quantity, costUSD float64) {
	if quantity <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[key]
	if !ok {
		pos = &position{}
		b.positions[key] = pos
	}
	pos.quantity += quantity
	pos.costUSD += costUSD
}

// ApplySell realizes P&L for a disposal. Sells beyond the tracked quantity
// are clamped: the tracked portion carries the average cost, the excess a
// zero cost basis. The outcome's Clamped flag lets callers log the
// discrepancy as a data-quality signal.
func (b *Book) ApplySell(key positionKey, quantity, proceedsUSD float64) SellOutcome {
	if quantity <= 0 {
		return SellOutcome{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var current position
	if pos, ok := b.positions[key]; ok {
		current = *pos
	}

	next, outcome := sellAgainst(current, quantity, proceedsUSD)
	if outcome.PositionClosed {
		delete(b.positions, key)
	} else {
		b.positions[key] = &next
	}
	return outcome
}

// PreviewSell computes what ApplySell would realize without touching the
// book. Callers that must persist the outcome before committing it to the
// book preview first, then apply once the write is durable.
func (b *Book) PreviewSell(key positionKey, quantity, proceedsUSD float64) SellOutcome {
	if quantity <= 0 {
		return SellOutcome{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var current position
	if pos, ok := b.positions[key]; ok {
		current = *pos
	}

	_, outcome := sellAgainst(current, quantity, proceedsUSD)
	return outcome
}

// sellAgainst is the pure disposal computation shared by ApplySell and
// PreviewSell: given the current position it returns the position after the
// sell and the realized outcome.
func sellAgainst(pos position, quantity, proceedsUSD float64) (position, SellOutcome) {
	outcome := SellOutcome{
		QuantitySold: quantity,
		Proceeds:     proceedsUSD,
	}

	tracked := pos.quantity
	if quantity > tracked {
		outcome.Clamped = true
		// Whole tracked position goes; its full remaining cost is the basis.
		outcome.CostBasis = pos.costUSD
		pos.quantity = 0
		pos.costUSD = 0
	} else {
		avgCost := 0.0
		if tracked > 0 {
			avgCost = pos.costUSD / tracked
		}
		outcome.CostBasis = avgCost * quantity
		pos.quantity -= quantity
		pos.costUSD -= outcome.CostBasis
	}

	outcome.RealizedUSD = outcome.Proceeds - outcome.CostBasis
	pos.cycleRealizedUSD += outcome.RealizedUSD

	if pos.quantity <= positionDustQty {
		outcome.PositionClosed = true
		outcome.CycleRealizedUSD = pos.cycleRealizedUSD
	}

	return pos, outcome
}

// ApplyTrade routes a stored trade through the book: buys accumulate the
// acquired token, sells dispose the spent one. The returned outcome is nil
// for buys.
func (b *Book) ApplyTrade(trade ReplayTrade) *SellOutcome {
	switch trade.TradeType {
	case string(chain.SideBuy):
		b.ApplyBuy(positionKey{
			AgentID: trade.AgentID,
			Chain:   trade.Chain,
			Token:   trade.TokenOut,
		}, trade.TokenOutQty, trade.ValueUSD)
		return nil
	case string(chain.SideSell):
		outcome := b.ApplySell(positionKey{
			AgentID: trade.AgentID,
			Chain:   trade.Chain,
			Token:   trade.TokenIn,
		}, trade.TokenInQty, trade.ValueUSD)
		return &outcome
	default:
		return nil
	}
}

// PreviewTrade mirrors ApplyTrade without mutating the book. Buys return nil
// just as ApplyTrade does; previewing them is a no-op.
func (b *Book) PreviewTrade(trade ReplayTrade) *SellOutcome {
	if trade.TradeType != string(chain.SideSell) {
		return nil
	}
	outcome := b.PreviewSell(positionKey{
		AgentID: trade.AgentID,
		Chain:   trade.Chain,
		Token:   trade.TokenIn,
	}, trade.TokenInQty, trade.ValueUSD)
	return &outcome
}

// Position reports the currently tracked quantity and total cost for a key.
func (b *Book) Position(key positionKey) (quantity, costUSD float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, found := b.positions[key]
	if !found {
		return 0, 0, false
	}
	return pos.quantity, pos.costUSD, true
}

// Len reports how many positions are currently open.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}
