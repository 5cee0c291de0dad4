package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/curvetrack/backend/internal/chain"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200

	defaultCandleInterval = int64(3600)
	defaultCandleLimit    = 100
	maxCandleLimit        = 500
)

// TradeRecord is the outward-facing shape of a stored trade, served by the
// REST API and the live websocket feed.
type TradeRecord struct {
	ID              int64   `json:"id"`
	Chain           string  `json:"chain"`
	TxSignature     string  `json:"tx_signature"`
	AgentID         string  `json:"agent_id"`
	WalletID        int64   `json:"wallet_id"`
	BlockTime       int64   `json:"block_time"`
	Platform        string  `json:"platform"`
	TradeType       string  `json:"trade_type"`
	TokenInAddress  string  `json:"token_in_address"`
	TokenInAmount   float64 `json:"token_in_amount"`
	TokenInSymbol   string  `json:"token_in_symbol"`
	TokenInName     string  `json:"token_in_name"`
	TokenOutAddress string  `json:"token_out_address"`
	TokenOutAmount  float64 `json:"token_out_amount"`
	TokenOutSymbol  string  `json:"token_out_symbol"`
	TokenOutName    string  `json:"token_out_name"`
	BaseAmount      float64 `json:"base_amount"`
	BasePriceUSD    float64 `json:"base_price_usd"`
	ValueUSD        float64 `json:"value_usd"`
	IsBuyback       bool    `json:"is_buyback"`
	Note            string  `json:"note,omitempty"`
	IngestedAt      int64   `json:"ingested_at"`
}

func tradeRecordFromInput(input TradeInput) TradeRecord {
	return TradeRecord{
		Chain:           string(input.Chain),
		TxSignature:     input.TxSignature,
		AgentID:         input.AgentID,
		WalletID:        input.WalletID,
		BlockTime:       input.BlockTime,
		Platform:        input.Platform,
		TradeType:       input.TradeType,
		TokenInAddress:  input.TokenIn.Address,
		TokenInAmount:   input.TokenIn.Amount,
		TokenInSymbol:   input.TokenIn.Symbol,
		TokenInName:     input.TokenIn.Name,
		TokenOutAddress: input.TokenOut.Address,
		TokenOutAmount:  input.TokenOut.Amount,
		TokenOutSymbol:  input.TokenOut.Symbol,
		TokenOutName:    input.TokenOut.Name,
		BaseAmount:      input.BaseAmount,
		BasePriceUSD:    input.BasePriceUSD,
		ValueUSD:        input.ValueUSD,
		IsBuyback:       input.IsBuyback,
		IngestedAt:      time.Now().Unix(),
	}
}

type TradeFilter struct {
	AgentID      string
	Chain        string
	BuybacksOnly bool
	Limit        int
	Offset       int
}

// ListTrades returns stored trades newest first.
func (s *Store) ListTrades(ctx context.Context, filter TradeFilter) ([]TradeRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)

	clauses := []string{"1 = 1"}
	args := []any{}

	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Chain != "" {
		tag, err := chain.Parse(filter.Chain)
		if err != nil {
			return nil, limit, offset, err
		}
		clauses = append(clauses, "chain = ?")
		args = append(args, string(tag))
	}
	if filter.BuybacksOnly {
		clauses = append(clauses, "is_buyback = TRUE")
	}

	query := fmt.Sprintf(`
		SELECT
			id, chain, tx_signature, agent_id, wallet_id, block_time, platform, trade_type,
			token_in_address, token_in_amount, token_in_symbol, token_in_name,
			token_out_address, token_out_amount, token_out_symbol, token_out_name,
			base_amount, base_price_usd, value_usd, is_buyback, note, ingested_at
		FROM trades
		WHERE %s
		ORDER BY block_time DESC, id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, limit, offset, err
	}
	defer rows.Close()

	var items []TradeRecord
	for rows.Next() {
		var item TradeRecord
		if err := rows.Scan(
			&item.ID,
			&item.Chain,
			&item.TxSignature,
			&item.AgentID,
			&item.WalletID,
			&item.BlockTime,
			&item.Platform,
			&item.TradeType,
			&item.TokenInAddress,
			&item.TokenInAmount,
			&item.TokenInSymbol,
			&item.TokenInName,
			&item.TokenOutAddress,
			&item.TokenOutAmount,
			&item.TokenOutSymbol,
			&item.TokenOutName,
			&item.BaseAmount,
			&item.BasePriceUSD,
			&item.ValueUSD,
			&item.IsBuyback,
			&item.Note,
			&item.IngestedAt,
		); err != nil {
			return nil, limit, offset, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, limit, offset, err
	}

	return items, limit, offset, nil
}

// GetLeaderboard returns the current standings in rank order.
func (s *Store) GetLeaderboard(ctx context.Context, limit, offset int) ([]LeaderboardRow, int, int, error) {
	limit, offset = normalizePagination(limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			rank, agent_id, total_pnl_usd, win_rate, trade_count,
			volume_usd, buyback_usd, price_change_24h, computed_at
		FROM leaderboard
		ORDER BY rank ASC, agent_id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, limit, offset, err
	}
	defer rows.Close()

	var items []LeaderboardRow
	for rows.Next() {
		var item LeaderboardRow
		if err := rows.Scan(
			&item.Rank,
			&item.AgentID,
			&item.TotalPnlUSD,
			&item.WinRate,
			&item.TradeCount,
			&item.VolumeUSD,
			&item.BuybackUSD,
			&item.PriceChange24h,
			&item.ComputedAt,
		); err != nil {
			return nil, limit, offset, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, limit, offset, err
	}

	return items, limit, offset, nil
}

type Candle struct {
	BucketStart int64   `json:"bucket_start"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	VolumeUSD   float64 `json:"volume_usd"`
	TradeCount  int64   `json:"trade_count"`
}

// GetAgentCandles buckets an agent's trades on one chain into fixed
// intervals, charting the base asset price the agent traded at. Buckets with
// no trades are absent rather than zero-filled.
func (s *Store) GetAgentCandles(ctx context.Context, agentID string, tag chain.Chain, intervalSeconds int64, limit int) ([]Candle, error) {
	if intervalSeconds <= 0 {
		intervalSeconds = defaultCandleInterval
	}
	if limit <= 0 {
		limit = defaultCandleLimit
	}
	if limit > maxCandleLimit {
		limit = maxCandleLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH ranked AS (
			SELECT
				(block_time / ?) * ? AS bucket_start,
				base_price_usd,
				value_usd,
				ROW_NUMBER() OVER (
					PARTITION BY (block_time / ?)
					ORDER BY block_time ASC, id ASC
				) AS rn_open,
				ROW_NUMBER() OVER (
					PARTITION BY (block_time / ?)
					ORDER BY block_time DESC, id DESC
				) AS rn_close
			FROM trades
			WHERE agent_id = ? AND chain = ?
		)
		SELECT
			bucket_start,
			MAX(CASE WHEN rn_open = 1 THEN base_price_usd END) AS open,
			MAX(base_price_usd) AS high,
			MIN(base_price_usd) AS low,
			MAX(CASE WHEN rn_close = 1 THEN base_price_usd END) AS close,
			SUM(value_usd) AS volume_usd,
			COUNT(*) AS trade_count
		FROM ranked
		GROUP BY bucket_start
		ORDER BY bucket_start DESC
		LIMIT ?
	`,
		intervalSeconds, intervalSeconds, intervalSeconds, intervalSeconds,
		agentID, string(tag), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Candle
	for rows.Next() {
		var item Candle
		if err := rows.Scan(
			&item.BucketStart,
			&item.Open,
			&item.High,
			&item.Low,
			&item.Close,
			&item.VolumeUSD,
			&item.TradeCount,
		); err != nil {
			return nil, err
		}
		item.VolumeUSD = round2(item.VolumeUSD)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest buckets were fetched first; charts want ascending time.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

type TokenStats struct {
	TokenAddress  string  `json:"token_address"`
	TokenSymbol   string  `json:"token_symbol"`
	BuyCount      int64   `json:"buy_count"`
	SellCount     int64   `json:"sell_count"`
	BoughtQty     float64 `json:"bought_qty"`
	SoldQty       float64 `json:"sold_qty"`
	NetQty        float64 `json:"net_qty"`
	VolumeUSD     float64 `json:"volume_usd"`
	BuybackUSD    float64 `json:"buyback_usd"`
	LastTradeTime int64   `json:"last_trade_time"`
}

// GetAgentTokenStats aggregates an agent's per-token activity on one chain,
// most recently traded tokens first.
func (s *Store) GetAgentTokenStats(ctx context.Context, agentID string, tag chain.Chain, limit int) ([]TokenStats, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH legs AS (
			SELECT
				token_out_address AS token_address,
				token_out_symbol AS token_symbol,
				1 AS buys, 0 AS sells,
				token_out_amount AS bought_qty, 0.0 AS sold_qty,
				value_usd,
				CASE WHEN is_buyback THEN value_usd ELSE 0.0 END AS buyback_usd,
				block_time
			FROM trades
			WHERE agent_id = ? AND chain = ? AND trade_type = 'buy'
			UNION ALL
			SELECT
				token_in_address AS token_address,
				token_in_symbol AS token_symbol,
				0 AS buys, 1 AS sells,
				0.0 AS bought_qty, token_in_amount AS sold_qty,
				value_usd,
				0.0 AS buyback_usd,
				block_time
			FROM trades
			WHERE agent_id = ? AND chain = ? AND trade_type = 'sell'
		)
		SELECT
			token_address,
			MAX(token_symbol) AS token_symbol,
			SUM(buys) AS buy_count,
			SUM(sells) AS sell_count,
			SUM(bought_qty) AS bought_qty,
			SUM(sold_qty) AS sold_qty,
			SUM(value_usd) AS volume_usd,
			SUM(buyback_usd) AS buyback_usd,
			MAX(block_time) AS last_trade_time
		FROM legs
		GROUP BY token_address
		ORDER BY last_trade_time DESC
		LIMIT ?
	`, agentID, string(tag), agentID, string(tag), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []TokenStats
	for rows.Next() {
		var item TokenStats
		if err := rows.Scan(
			&item.TokenAddress,
			&item.TokenSymbol,
			&item.BuyCount,
			&item.SellCount,
			&item.BoughtQty,
			&item.SoldQty,
			&item.VolumeUSD,
			&item.BuybackUSD,
			&item.LastTradeTime,
		); err != nil {
			return nil, err
		}
		item.NetQty = round6(item.BoughtQty - item.SoldQty)
		item.VolumeUSD = round2(item.VolumeUSD)
		item.BuybackUSD = round2(item.BuybackUSD)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
