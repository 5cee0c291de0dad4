package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/curvetrack/backend/internal/chain"
)

// runRankingLoop recomputes the leaderboard on a fixed interval. A cycle
// that outlives the interval is not stacked: the guard makes the next tick
// a no-op instead of piling recomputes on a slow database.
func (s *Service) runRankingLoop(ctx context.Context) error {
	interval := s.cfg.RankingInterval
	if interval <= 0 {
		interval = time.Minute
	}

	s.logger.Info("ranking calculator started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.recomputeLeaderboard(ctx); err != nil {
		s.logger.Error("initial leaderboard recompute failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ranking calculator stopped")
			return nil
		case <-ticker.C:
			if !s.rankingInFlight.CompareAndSwap(false, true) {
				s.logger.Warn("skipping leaderboard recompute, previous run still in progress")
				continue
			}
			err := s.recomputeLeaderboard(ctx)
			s.rankingInFlight.Store(false)
			if err != nil {
				s.logger.Error("leaderboard recompute failed", "err", err)
			}
		}
	}
}

// recomputeLeaderboard rebuilds standings wholesale from the full trade
// history. The board is a materialized view of the trades table; it is
// never patched incrementally.
func (s *Service) recomputeLeaderboard(ctx context.Context) error {
	started := time.Now()

	history, err := s.store.ListTradesForReplay(ctx)
	if err != nil {
		return fmt.Errorf("load trade history: %w", err)
	}

	rows := computeLeaderboard(history)

	priceChanges := make(map[chain.Chain]float64, len(chain.All()))
	for _, tag := range chain.All() {
		change, err := s.store.GetBasePriceChange24h(ctx, tag)
		if err != nil {
			s.logger.Warn("base price change lookup failed", "chain", tag, "err", err)
			continue
		}
		priceChanges[tag] = change
	}
	for i := range rows {
		rows[i].PriceChange24h = priceChanges[dominantChain(history, rows[i].AgentID)]
	}

	if err := s.store.ReplaceLeaderboard(ctx, rows); err != nil {
		return fmt.Errorf("replace leaderboard: %w", err)
	}

	s.logger.Info("leaderboard recomputed",
		"agents", len(rows),
		"trades", len(history),
		"elapsed", time.Since(started).String(),
	)
	return nil
}

type agentTally struct {
	agentID     string
	totalPnlUSD float64
	tradeCount  int64
	volumeUSD   float64
	buybackUSD  float64
	closedWins  int64
	closedTotal int64
}

// computeLeaderboard replays history through a fresh weighted-average book
// and aggregates per agent. Everything is summed in USD at each trade's
// historical base price; native units never cross chains. Ordering is fully
// deterministic: total P&L desc, trade count desc, agent id asc, with dense
// 1-based ranks shared by agents tied on both P&L and trade count.
func computeLeaderboard(history []ReplayTrade) []LeaderboardRow {
	book := NewBook()
	tallies := make(map[string]*agentTally)

	tallyFor := func(agentID string) *agentTally {
		tally, ok := tallies[agentID]
		if !ok {
			tally = &agentTally{agentID: agentID}
			tallies[agentID] = tally
		}
		return tally
	}

	for _, trade := range history {
		tally := tallyFor(trade.AgentID)
		tally.tradeCount++
		tally.volumeUSD += trade.ValueUSD
		if trade.IsBuyback {
			tally.buybackUSD += trade.ValueUSD
		}

		outcome := book.ApplyTrade(trade)
		if outcome == nil {
			continue
		}
		tally.totalPnlUSD += outcome.RealizedUSD
		if outcome.PositionClosed {
			tally.closedTotal++
			if outcome.CycleRealizedUSD > 0 {
				tally.closedWins++
			}
		}
	}

	ordered := make([]*agentTally, 0, len(tallies))
	for _, tally := range tallies {
		ordered = append(ordered, tally)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].totalPnlUSD != ordered[j].totalPnlUSD {
			return ordered[i].totalPnlUSD > ordered[j].totalPnlUSD
		}
		if ordered[i].tradeCount != ordered[j].tradeCount {
			return ordered[i].tradeCount > ordered[j].tradeCount
		}
		return ordered[i].agentID < ordered[j].agentID
	})

	rows := make([]LeaderboardRow, 0, len(ordered))
	rank := int64(0)
	for i, tally := range ordered {
		if i == 0 ||
			ordered[i-1].totalPnlUSD != tally.totalPnlUSD ||
			ordered[i-1].tradeCount != tally.tradeCount {
			rank++
		}

		winRate := 0.0
		if tally.closedTotal > 0 {
			winRate = float64(tally.closedWins) / float64(tally.closedTotal)
		}

		rows = append(rows, LeaderboardRow{
			Rank:        rank,
			AgentID:     tally.agentID,
			TotalPnlUSD: round2(tally.totalPnlUSD),
			WinRate:     round6(winRate),
			TradeCount:  tally.tradeCount,
			VolumeUSD:   round2(tally.volumeUSD),
			BuybackUSD:  round2(tally.buybackUSD),
		})
	}

	return rows
}

// dominantChain is the chain carrying most of the agent's USD volume, used
// to pick which base asset's 24h move to surface on the board.
func dominantChain(history []ReplayTrade, agentID string) chain.Chain {
	volumes := make(map[chain.Chain]float64)
	for _, trade := range history {
		if trade.AgentID == agentID {
			volumes[trade.Chain] += trade.ValueUSD
		}
	}

	best := chain.Solana
	bestVolume := -1.0
	for _, tag := range chain.All() {
		if volumes[tag] > bestVolume {
			best = tag
			bestVolume = volumes[tag]
		}
	}
	return best
}
