package ingest

import (
	"context"
	"time"

	"github.com/curvetrack/backend/internal/chain"
)

// PnlEventRecord is a stored realized-P&L event, one per disposal.
type PnlEventRecord struct {
	ID               int64   `json:"id"`
	Chain            string  `json:"chain"`
	TxSignature      string  `json:"tx_signature"`
	AgentID          string  `json:"agent_id"`
	WalletID         int64   `json:"wallet_id"`
	TokenAddress     string  `json:"token_address"`
	QuantitySold     float64 `json:"quantity_sold"`
	CostBasis        float64 `json:"cost_basis"`
	Proceeds         float64 `json:"proceeds"`
	RealizedUSD      float64 `json:"realized_usd"`
	PositionClosed   bool    `json:"position_closed"`
	CycleRealizedUSD float64 `json:"cycle_realized_usd"`
	BlockTime        int64   `json:"block_time"`
	RecordedAt       int64   `json:"recorded_at"`
}

// AgentPnlStats aggregates an agent's realized P&L from the event ledger:
// all-time and since a caller-chosen cutoff (the current UTC day for the
// REST surface).
type AgentPnlStats struct {
	AgentID          string  `json:"agent_id"`
	RealizedUSD      float64 `json:"realized_usd"`
	RealizedUSDToday float64 `json:"realized_usd_today"`
	EventCount       int64   `json:"event_count"`
	ClosedCycles     int64   `json:"closed_cycles"`
	WinningCycles    int64   `json:"winning_cycles"`
}

// GetAgentPnlStats sums the agent's realized-P&L events, splitting out the
// portion at or after sinceUnix. An agent with no events gets zeroes, not
// ErrNotFound.
func (s *Store) GetAgentPnlStats(ctx context.Context, agentID string, sinceUnix int64) (AgentPnlStats, error) {
	stats := AgentPnlStats{AgentID: agentID}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(realized_usd), 0),
			COALESCE(SUM(CASE WHEN block_time >= ? THEN realized_usd ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN position_closed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN position_closed AND cycle_realized_usd > 0 THEN 1 ELSE 0 END), 0)
		FROM pnl_events
		WHERE agent_id = ?
	`, sinceUnix, agentID)

	if err := row.Scan(
		&stats.EventCount,
		&stats.RealizedUSD,
		&stats.RealizedUSDToday,
		&stats.ClosedCycles,
		&stats.WinningCycles,
	); err != nil {
		return AgentPnlStats{}, err
	}

	stats.RealizedUSD = round2(stats.RealizedUSD)
	stats.RealizedUSDToday = round2(stats.RealizedUSDToday)
	return stats, nil
}

// ListAgentPnlEvents returns the agent's realized-P&L events newest first,
// optionally narrowed to one chain.
func (s *Store) ListAgentPnlEvents(ctx context.Context, agentID string, tag chain.Chain, limit, offset int) ([]PnlEventRecord, int, int, error) {
	limit, offset = normalizePagination(limit, offset)

	query := `
		SELECT
			id, chain, tx_signature, agent_id, wallet_id, token_address,
			quantity_sold, cost_basis, proceeds, realized_usd,
			position_closed, cycle_realized_usd, block_time, recorded_at
		FROM pnl_events
		WHERE agent_id = ?
	`
	args := []any{agentID}
	if tag != "" {
		query += ` AND chain = ?`
		args = append(args, string(tag))
	}
	query += `
		ORDER BY block_time DESC, id DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, limit, offset, err
	}
	defer rows.Close()

	var items []PnlEventRecord
	for rows.Next() {
		var item PnlEventRecord
		if err := rows.Scan(
			&item.ID,
			&item.Chain,
			&item.TxSignature,
			&item.AgentID,
			&item.WalletID,
			&item.TokenAddress,
			&item.QuantitySold,
			&item.CostBasis,
			&item.Proceeds,
			&item.RealizedUSD,
			&item.PositionClosed,
			&item.CycleRealizedUSD,
			&item.BlockTime,
			&item.RecordedAt,
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

// StartOfUTCDay floors a time to 00:00 UTC, the cutoff for the "today"
// split in AgentPnlStats.
func StartOfUTCDay(at time.Time) int64 {
	year, month, day := at.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Unix()
}
