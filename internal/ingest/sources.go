package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/curvetrack/backend/internal/chain"
	"github.com/curvetrack/backend/internal/config"
)

// TransactionSource fetches recent raw transactions for a wallet from a
// chain's indexing API. Payloads come back newest first, in the same shape
// the chain's webhook delivers, so the poller reuses the normal pipeline.
type TransactionSource interface {
	Chain() chain.Chain
	RecentTransactions(ctx context.Context, walletAddress string, limit int) ([]json.RawMessage, error)
}

// NewTransactionSources builds one source per configured chain. Chains with
// no API URL are left out; the poller simply skips their wallets.
func NewTransactionSources(cfg config.IngestorConfig) map[chain.Chain]TransactionSource {
	client := &http.Client{Timeout: cfg.PollRequestTimeout}
	sources := make(map[chain.Chain]TransactionSource)

	if source, ok := cfg.Chains[string(chain.Solana)]; ok && strings.TrimSpace(source.APIURL) != "" {
		sources[chain.Solana] = &solanaTransactionSource{
			client: client,
			apiURL: strings.TrimRight(strings.TrimSpace(source.APIURL), "/"),
			apiKey: strings.TrimSpace(source.APIKey),
		}
	}
	if source, ok := cfg.Chains[string(chain.Monad)]; ok && strings.TrimSpace(source.APIURL) != "" {
		sources[chain.Monad] = &monadTransactionSource{
			client: client,
			apiURL: strings.TrimSpace(source.APIURL),
			apiKey: strings.TrimSpace(source.APIKey),
		}
	}

	return sources
}

// solanaTransactionSource reads the enhanced-transaction history endpoint:
// GET {base}/addresses/{wallet}/transactions with type=SWAP.
type solanaTransactionSource struct {
	client *http.Client
	apiURL string
	apiKey string
}

func (s *solanaTransactionSource) Chain() chain.Chain {
	return chain.Solana
}

func (s *solanaTransactionSource) RecentTransactions(ctx context.Context, walletAddress string, limit int) ([]json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/addresses/%s/transactions", s.apiURL, url.PathEscape(walletAddress))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build solana tx request: %w", err)
	}

	query := req.URL.Query()
	query.Set("type", "SWAP")
	query.Set("limit", strconv.Itoa(limit))
	if s.apiKey != "" {
		query.Set("api-key", s.apiKey)
	}
	req.URL.RawQuery = query.Encode()

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch solana transactions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch solana transactions: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payloads []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("decode solana transactions: %w", err)
	}
	return payloads, nil
}

// monadTransactionSource speaks the indexer's JSON-RPC surface.
type monadTransactionSource struct {
	client *http.Client
	apiURL string
	apiKey string
}

type monadRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type monadRPCResponse struct {
	Result []json.RawMessage `json:"result"`
	Error  *monadRPCError    `json:"error"`
}

type monadRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m *monadTransactionSource) Chain() chain.Chain {
	return chain.Monad
}

func (m *monadTransactionSource) RecentTransactions(ctx context.Context, walletAddress string, limit int) ([]json.RawMessage, error) {
	payload, err := json.Marshal(monadRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "dex_getWalletSwaps",
		Params:  []any{walletAddress, limit},
	})
	if err != nil {
		return nil, fmt.Errorf("build monad rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build monad rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch monad swaps: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch monad swaps: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded monadRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode monad swaps: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("monad rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	return decoded.Result, nil
}

// payloadSignature pulls the transaction identifier out of a raw payload
// without a full normalization pass; empty when the payload has none.
func payloadSignature(tag chain.Chain, raw json.RawMessage) string {
	switch tag {
	case chain.Solana:
		var probe struct {
			Signature string `json:"signature"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return ""
		}
		return strings.TrimSpace(probe.Signature)
	case chain.Monad:
		var probe struct {
			TxHash string `json:"txHash"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(probe.TxHash))
	default:
		return ""
	}
}
