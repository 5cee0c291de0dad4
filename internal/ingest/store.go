package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/curvetrack/backend/internal/chain"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrTokenAlreadySet = errors.New("wallet token already set")
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			bio TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_wallets (
			id BIGSERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			chain TEXT NOT NULL,
			address TEXT NOT NULL,
			token_address TEXT,
			created_at BIGINT NOT NULL,
			UNIQUE (agent_id, chain, address),
			UNIQUE (chain, address)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_wallets_agent ON agent_wallets(agent_id);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			chain TEXT NOT NULL,
			tx_signature TEXT NOT NULL,
			wallet_id BIGINT NOT NULL REFERENCES agent_wallets(id),
			agent_id TEXT NOT NULL,
			block_time BIGINT NOT NULL,
			platform TEXT NOT NULL,
			trade_type TEXT NOT NULL,
			token_in_address TEXT NOT NULL,
			token_in_amount DOUBLE PRECISION NOT NULL,
			token_in_symbol TEXT NOT NULL DEFAULT '',
			token_in_name TEXT NOT NULL DEFAULT '',
			token_out_address TEXT NOT NULL,
			token_out_amount DOUBLE PRECISION NOT NULL,
			token_out_symbol TEXT NOT NULL DEFAULT '',
			token_out_name TEXT NOT NULL DEFAULT '',
			base_amount DOUBLE PRECISION NOT NULL,
			base_price_usd DOUBLE PRECISION NOT NULL,
			value_usd DOUBLE PRECISION NOT NULL,
			is_buyback BOOLEAN NOT NULL DEFAULT FALSE,
			note TEXT NOT NULL DEFAULT '',
			ingested_at BIGINT NOT NULL,
			UNIQUE (tx_signature, chain)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_agent_time ON trades(agent_id, block_time DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_time ON trades(block_time DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_agent_buyback ON trades(agent_id, is_buyback, block_time DESC);`,
		`CREATE TABLE IF NOT EXISTS pnl_events (
			id BIGSERIAL PRIMARY KEY,
			chain TEXT NOT NULL,
			tx_signature TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			wallet_id BIGINT NOT NULL,
			token_address TEXT NOT NULL,
			quantity_sold DOUBLE PRECISION NOT NULL,
			cost_basis DOUBLE PRECISION NOT NULL,
			proceeds DOUBLE PRECISION NOT NULL,
			realized_usd DOUBLE PRECISION NOT NULL,
			position_closed BOOLEAN NOT NULL DEFAULT FALSE,
			cycle_realized_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			block_time BIGINT NOT NULL,
			recorded_at BIGINT NOT NULL,
			UNIQUE (tx_signature, chain)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pnl_events_agent_time ON pnl_events(agent_id, block_time DESC, id DESC);`,
		`CREATE TABLE IF NOT EXISTS leaderboard (
			rank BIGINT NOT NULL,
			agent_id TEXT PRIMARY KEY,
			total_pnl_usd DOUBLE PRECISION NOT NULL,
			win_rate DOUBLE PRECISION NOT NULL,
			trade_count BIGINT NOT NULL,
			volume_usd DOUBLE PRECISION NOT NULL,
			buyback_usd DOUBLE PRECISION NOT NULL,
			price_change_24h DOUBLE PRECISION NOT NULL DEFAULT 0,
			computed_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_leaderboard_rank ON leaderboard(rank ASC, agent_id ASC);`,
		`CREATE TABLE IF NOT EXISTS base_price_ticks (
			id BIGSERIAL PRIMARY KEY,
			chain TEXT NOT NULL,
			source TEXT NOT NULL,
			feed_id TEXT NOT NULL,
			publish_time BIGINT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			conf DOUBLE PRECISION NOT NULL,
			received_at BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_base_price_ticks_dedupe ON base_price_ticks(chain, source, publish_time);`,
		`CREATE INDEX IF NOT EXISTS idx_base_price_ticks_chain_time ON base_price_ticks(chain, publish_time DESC, id DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// TradeInput is the fully priced, classified trade handed to the store.
// Token symbols/names may still be empty; enrichment fills them later.
type TradeInput struct {
	Chain        chain.Chain
	TxSignature  string
	WalletID     int64
	AgentID      string
	BlockTime    int64
	Platform     string
	TradeType    string
	TokenIn      chain.TokenAmount
	TokenOut     chain.TokenAmount
	BaseAmount   float64
	BasePriceUSD float64
	ValueUSD     float64
	IsBuyback    bool
}

// InsertTradeTx is the single serialization point for ingestion. The unique
// key on (tx_signature, chain) makes redelivery and webhook/poller overlap a
// no-op; the returned bool reports whether this call actually inserted.
func (s *Store) InsertTradeTx(ctx context.Context, tx *Tx, input TradeInput) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO trades (
			chain, tx_signature, wallet_id, agent_id, block_time, platform, trade_type,
			token_in_address, token_in_amount, token_in_symbol, token_in_name,
			token_out_address, token_out_amount, token_out_symbol, token_out_name,
			base_amount, base_price_usd, value_usd, is_buyback, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_signature, chain) DO NOTHING
	`,
		string(input.Chain),
		input.TxSignature,
		input.WalletID,
		input.AgentID,
		input.BlockTime,
		input.Platform,
		input.TradeType,
		input.TokenIn.Address,
		input.TokenIn.Amount,
		input.TokenIn.Symbol,
		input.TokenIn.Name,
		input.TokenOut.Address,
		input.TokenOut.Amount,
		input.TokenOut.Symbol,
		input.TokenOut.Name,
		input.BaseAmount,
		input.BasePriceUSD,
		input.ValueUSD,
		input.IsBuyback,
		time.Now().Unix(),
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

type PnlEventInput struct {
	Chain            chain.Chain
	TxSignature      string
	AgentID          string
	WalletID         int64
	TokenAddress     string
	QuantitySold     float64
	CostBasis        float64
	Proceeds         float64
	RealizedUSD      float64
	PositionClosed   bool
	CycleRealizedUSD float64
	BlockTime        int64
}

func (s *Store) InsertPnlEventTx(ctx context.Context, tx *Tx, input PnlEventInput) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO pnl_events (
			chain, tx_signature, agent_id, wallet_id, token_address,
			quantity_sold, cost_basis, proceeds, realized_usd,
			position_closed, cycle_realized_usd, block_time, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_signature, chain) DO NOTHING
	`,
		string(input.Chain),
		input.TxSignature,
		input.AgentID,
		input.WalletID,
		input.TokenAddress,
		input.QuantitySold,
		input.CostBasis,
		input.Proceeds,
		input.RealizedUSD,
		input.PositionClosed,
		input.CycleRealizedUSD,
		input.BlockTime,
		time.Now().Unix(),
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

// SaveTrade inserts the trade and, when it is a disposal, its realized-P&L
// event in one transaction. The returned bool reports whether a new row was
// written; on a duplicate trade key nothing is stored, event included.
func (s *Store) SaveTrade(ctx context.Context, input TradeInput, event *PnlEventInput) (bool, error) {
	inserted := false
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		inserted, err = s.InsertTradeTx(ctx, tx, input)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if !inserted || event == nil {
			return nil
		}
		if _, err := s.InsertPnlEventTx(ctx, tx, *event); err != nil {
			return fmt.Errorf("insert pnl event: %w", err)
		}
		return nil
	})
	return inserted, err
}

// SetTradeNote attaches the free-form annotation to an already-stored trade.
func (s *Store) SetTradeNote(ctx context.Context, tag chain.Chain, txSignature string, note string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE trades SET note = ? WHERE chain = ? AND tx_signature = ?`,
		note,
		string(tag),
		txSignature,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type LeaderboardRow struct {
	Rank           int64   `json:"rank"`
	AgentID        string  `json:"agent_id"`
	TotalPnlUSD    float64 `json:"total_pnl_usd"`
	WinRate        float64 `json:"win_rate"`
	TradeCount     int64   `json:"trade_count"`
	VolumeUSD      float64 `json:"volume_usd"`
	BuybackUSD     float64 `json:"buyback_usd"`
	PriceChange24h float64 `json:"price_change_24h"`
	ComputedAt     int64   `json:"computed_at"`
}

// ReplaceLeaderboard swaps the full standings in one transaction so readers
// never observe a partially updated board.
func (s *Store) ReplaceLeaderboard(ctx context.Context, rows []LeaderboardRow) error {
	computedAt := time.Now().Unix()
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM leaderboard`); err != nil {
			return fmt.Errorf("clear leaderboard: %w", err)
		}
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO leaderboard (
					rank, agent_id, total_pnl_usd, win_rate, trade_count,
					volume_usd, buyback_usd, price_change_24h, computed_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				row.Rank,
				row.AgentID,
				row.TotalPnlUSD,
				row.WinRate,
				row.TradeCount,
				row.VolumeUSD,
				row.BuybackUSD,
				row.PriceChange24h,
				computedAt,
			); err != nil {
				return fmt.Errorf("insert leaderboard row for %s: %w", row.AgentID, err)
			}
		}
		return nil
	})
}

// ReplayTrade is the slim projection the position engine replays history from.
type ReplayTrade struct {
	Chain       chain.Chain
	TxSignature string
	AgentID     string
	WalletID    int64
	BlockTime   int64
	TradeType   string
	TokenIn     string
	TokenInQty  float64
	TokenOut    string
	TokenOutQty float64
	ValueUSD    float64
	IsBuyback   bool
}

// ListTradesForReplay returns the full trade history in deterministic
// block-time order, ties broken by insertion id.
func (s *Store) ListTradesForReplay(ctx context.Context) ([]ReplayTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			chain, tx_signature, agent_id, wallet_id, block_time, trade_type,
			token_in_address, token_in_amount, token_out_address, token_out_amount,
			value_usd, is_buyback
		FROM trades
		ORDER BY block_time ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ReplayTrade
	for rows.Next() {
		var item ReplayTrade
		var tag string
		if err := rows.Scan(
			&tag,
			&item.TxSignature,
			&item.AgentID,
			&item.WalletID,
			&item.BlockTime,
			&item.TradeType,
			&item.TokenIn,
			&item.TokenInQty,
			&item.TokenOut,
			&item.TokenOutQty,
			&item.ValueUSD,
			&item.IsBuyback,
		); err != nil {
			return nil, err
		}
		item.Chain = chain.Chain(tag)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

// RepairBuybacks reclassifies stored trades against the wallets' current
// token registrations. Classification is otherwise insert-time only; this is
// the explicit operator-invoked pass.
func (s *Store) RepairBuybacks(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE trades t
		SET is_buyback = (
			t.trade_type = 'buy'
			AND w.token_address IS NOT NULL
			AND t.token_out_address = w.token_address
		)
		FROM agent_wallets w
		WHERE t.wallet_id = w.id
		  AND t.is_buyback IS DISTINCT FROM (
			t.trade_type = 'buy'
			AND w.token_address IS NOT NULL
			AND t.token_out_address = w.token_address
		  )
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func round2(v float64) float64 {
	rounded := math.Round(v*100) / 100
	if math.Abs(rounded) < 0.005 {
		return 0
	}
	return rounded
}

func round6(v float64) float64 {
	rounded := math.Round(v*1_000_000) / 1_000_000
	if math.Abs(rounded) < 0.0000005 {
		return 0
	}
	return rounded
}
