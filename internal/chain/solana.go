package chain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// solanaTransaction mirrors the enhanced-transaction shape delivered by
// Solana indexing providers, both over webhooks and the poll API.
type solanaTransaction struct {
	Signature        string       `json:"signature"`
	Timestamp        int64        `json:"timestamp"`
	Type             string       `json:"type"`
	Source           string       `json:"source"`
	FeePayer         string       `json:"feePayer"`
	TransactionError *solanaTxErr `json:"transactionError"`
	Events           solanaEvents `json:"events"`
}

type solanaTxErr struct {
	Error string `json:"error"`
}

type solanaEvents struct {
	Swap *solanaSwapEvent `json:"swap"`
}

type solanaSwapEvent struct {
	NativeInput  *solanaNativeAmount `json:"nativeInput"`
	NativeOutput *solanaNativeAmount `json:"nativeOutput"`
	TokenInputs  []solanaSwapToken   `json:"tokenInputs"`
	TokenOutputs []solanaSwapToken   `json:"tokenOutputs"`
}

type solanaNativeAmount struct {
	Account string `json:"account"`
	Amount  string `json:"amount"` // lamports as integer string
}

type solanaSwapToken struct {
	UserAccount    string `json:"userAccount"`
	Mint           string `json:"mint"`
	RawTokenAmount struct {
		TokenAmount string `json:"tokenAmount"`
		Decimals    int    `json:"decimals"`
	} `json:"rawTokenAmount"`
}

func (a *Adapter) normalizeSolana(raw json.RawMessage) (*NormalizedTrade, error) {
	var tx solanaTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if strings.TrimSpace(tx.Signature) == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	if tx.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	if tx.TransactionError != nil {
		return nil, fmt.Errorf("%w: failed transaction", ErrUnrecognized)
	}
	if !strings.EqualFold(strings.TrimSpace(tx.Type), "SWAP") || tx.Events.Swap == nil {
		return nil, fmt.Errorf("%w: type %q", ErrUnrecognized, tx.Type)
	}

	wallet, err := NormalizeAddress(Solana, tx.FeePayer)
	if err != nil {
		return nil, fmt.Errorf("%w: fee payer: %v", ErrMalformed, err)
	}

	swap := tx.Events.Swap
	trade := &NormalizedTrade{
		Chain:         Solana,
		TxSignature:   strings.TrimSpace(tx.Signature),
		WalletAddress: wallet,
		BlockTime:     tx.Timestamp,
		Platform:      normalizePlatform(tx.Source),
	}

	switch {
	case swap.NativeInput != nil && len(swap.TokenOutputs) > 0:
		// SOL in, token out: a buy.
		baseAmount, err := AmountFromRaw(swap.NativeInput.Amount, a.info.Decimals)
		if err != nil {
			return nil, fmt.Errorf("%w: native input: %v", ErrMalformed, err)
		}
		tokenOut, err := solanaTokenLeg(swap.TokenOutputs[0])
		if err != nil {
			return nil, err
		}
		trade.Side = SideBuy
		trade.BaseAmount = baseAmount
		trade.TokenIn = TokenAmount{Address: a.info.BaseAssetAddress, Amount: baseAmount, Symbol: a.info.BaseAssetSymbol}
		trade.TokenOut = tokenOut

	case swap.NativeOutput != nil && len(swap.TokenInputs) > 0:
		// Token in, SOL out: a sell.
		baseAmount, err := AmountFromRaw(swap.NativeOutput.Amount, a.info.Decimals)
		if err != nil {
			return nil, fmt.Errorf("%w: native output: %v", ErrMalformed, err)
		}
		tokenIn, err := solanaTokenLeg(swap.TokenInputs[0])
		if err != nil {
			return nil, err
		}
		trade.Side = SideSell
		trade.BaseAmount = baseAmount
		trade.TokenIn = tokenIn
		trade.TokenOut = TokenAmount{Address: a.info.BaseAssetAddress, Amount: baseAmount, Symbol: a.info.BaseAssetSymbol}

	default:
		// Token-to-token routes and LP events are not tracked.
		return nil, fmt.Errorf("%w: swap has no native leg", ErrUnrecognized)
	}

	return trade, nil
}

func solanaTokenLeg(token solanaSwapToken) (TokenAmount, error) {
	mint, err := NormalizeAddress(Solana, token.Mint)
	if err != nil {
		return TokenAmount{}, fmt.Errorf("%w: token mint: %v", ErrMalformed, err)
	}
	amount, err := AmountFromRaw(token.RawTokenAmount.TokenAmount, token.RawTokenAmount.Decimals)
	if err != nil {
		return TokenAmount{}, fmt.Errorf("%w: token amount: %v", ErrMalformed, err)
	}
	return TokenAmount{Address: mint, Amount: amount}, nil
}

func normalizePlatform(raw string) string {
	platform := strings.ToLower(strings.TrimSpace(raw))
	if platform == "" {
		return "unknown"
	}
	return platform
}
