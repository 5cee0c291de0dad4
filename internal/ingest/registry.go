package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/curvetrack/backend/internal/chain"
)

type AgentRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Bio       string `json:"bio"`
	AvatarURL string `json:"avatar_url"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

type WalletRecord struct {
	ID           int64  `json:"id"`
	AgentID      string `json:"agent_id"`
	Chain        string `json:"chain"`
	Address      string `json:"address"`
	TokenAddress string `json:"token_address,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

func (s *Store) CreateAgent(ctx context.Context, name, bio, avatarURL string) (AgentRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return AgentRecord{}, fmt.Errorf("agent name is required")
	}

	now := time.Now().Unix()
	record := AgentRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Bio:       strings.TrimSpace(bio),
		AvatarURL: strings.TrimSpace(avatarURL),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, bio, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.Name,
		record.Bio,
		record.AvatarURL,
		record.CreatedAt,
		record.UpdatedAt,
	); err != nil {
		return AgentRecord{}, fmt.Errorf("insert agent: %w", err)
	}

	return record, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, bio, avatar_url, created_at, updated_at
		FROM agents
		WHERE id = ?
	`, id)

	var record AgentRecord
	err := row.Scan(
		&record.ID,
		&record.Name,
		&record.Bio,
		&record.AvatarURL,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRecord{}, ErrNotFound
	}
	if err != nil {
		return AgentRecord{}, err
	}
	return record, nil
}

// RegisterWallet binds a wallet address to an agent. The address is
// normalized per chain before storage so every later lookup compares
// canonical forms. Registering the same wallet again for the same agent is
// idempotent; another agent claiming it fails with ErrAlreadyExists.
func (s *Store) RegisterWallet(ctx context.Context, agentID string, tag chain.Chain, address, tokenAddress string) (WalletRecord, error) {
	normalized, err := chain.NormalizeAddress(tag, address)
	if err != nil {
		return WalletRecord{}, err
	}

	normalizedToken := ""
	if strings.TrimSpace(tokenAddress) != "" {
		normalizedToken, err = chain.NormalizeAddress(tag, tokenAddress)
		if err != nil {
			return WalletRecord{}, fmt.Errorf("token address: %w", err)
		}
	}

	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return WalletRecord{}, fmt.Errorf("agent %s: %w", agentID, err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_wallets (agent_id, chain, address, token_address, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chain, address) DO NOTHING
	`,
		agentID,
		string(tag),
		normalized,
		nullableText(normalizedToken),
		time.Now().Unix(),
	)
	if err != nil {
		return WalletRecord{}, fmt.Errorf("insert wallet: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return WalletRecord{}, err
	}

	record, err := s.GetWalletByAddress(ctx, tag, normalized)
	if err != nil {
		return WalletRecord{}, err
	}
	if affected == 0 && record.AgentID != agentID {
		return WalletRecord{}, fmt.Errorf("%w: wallet %s on %s belongs to another agent", ErrAlreadyExists, normalized, tag)
	}
	return record, nil
}

// SetWalletToken registers the agent token for a wallet after the fact.
// The token is set once; changing an already registered token requires an
// explicit repair, not a silent overwrite.
func (s *Store) SetWalletToken(ctx context.Context, agentID string, tag chain.Chain, address, tokenAddress string) error {
	normalized, err := chain.NormalizeAddress(tag, address)
	if err != nil {
		return err
	}
	normalizedToken, err := chain.NormalizeAddress(tag, tokenAddress)
	if err != nil {
		return fmt.Errorf("token address: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_wallets
		SET token_address = ?
		WHERE agent_id = ? AND chain = ? AND address = ?
		  AND (token_address IS NULL OR token_address = ?)
	`,
		normalizedToken,
		agentID,
		string(tag),
		normalized,
		normalizedToken,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	record, err := s.GetWalletByAddress(ctx, tag, normalized)
	if err != nil {
		return err
	}
	if record.AgentID != agentID {
		return ErrNotFound
	}
	return ErrTokenAlreadySet
}

func (s *Store) GetWalletByAddress(ctx context.Context, tag chain.Chain, address string) (WalletRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, chain, address, token_address, created_at
		FROM agent_wallets
		WHERE chain = ? AND address = ?
	`, string(tag), address)

	return scanWallet(row)
}

func (s *Store) ListWallets(ctx context.Context) ([]WalletRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, chain, address, token_address, created_at
		FROM agent_wallets
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WalletRecord
	for rows.Next() {
		var item WalletRecord
		var token sql.NullString
		if err := rows.Scan(
			&item.ID,
			&item.AgentID,
			&item.Chain,
			&item.Address,
			&token,
			&item.CreatedAt,
		); err != nil {
			return nil, err
		}
		item.TokenAddress = token.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (s *Store) ListAgentWallets(ctx context.Context, agentID string) ([]WalletRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, chain, address, token_address, created_at
		FROM agent_wallets
		WHERE agent_id = ?
		ORDER BY id ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WalletRecord
	for rows.Next() {
		var item WalletRecord
		var token sql.NullString
		if err := rows.Scan(
			&item.ID,
			&item.AgentID,
			&item.Chain,
			&item.Address,
			&token,
			&item.CreatedAt,
		); err != nil {
			return nil, err
		}
		item.TokenAddress = token.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func scanWallet(row *sql.Row) (WalletRecord, error) {
	var record WalletRecord
	var token sql.NullString
	err := row.Scan(
		&record.ID,
		&record.AgentID,
		&record.Chain,
		&record.Address,
		&token,
		&record.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return WalletRecord{}, ErrNotFound
	}
	if err != nil {
		return WalletRecord{}, err
	}
	record.TokenAddress = token.String
	return record, nil
}

func nullableText(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
