package chain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// monadEvent mirrors the swap records delivered by the Monad indexing API.
// Amounts arrive as raw integer strings with per-leg decimals; the native
// token is reported under the conventional 0xeeee... placeholder address.
type monadEvent struct {
	Kind      string        `json:"kind"`
	TxHash    string        `json:"txHash"`
	BlockTime int64         `json:"blockTime"`
	Dex       string        `json:"dex"`
	Wallet    string        `json:"wallet"`
	Status    string        `json:"status"`
	TokenIn   monadTokenLeg `json:"tokenIn"`
	TokenOut  monadTokenLeg `json:"tokenOut"`
}

type monadTokenLeg struct {
	Address  string `json:"address"`
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

func (a *Adapter) normalizeMonad(raw json.RawMessage) (*NormalizedTrade, error) {
	var event monadEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !strings.EqualFold(strings.TrimSpace(event.Kind), "swap") {
		return nil, fmt.Errorf("%w: kind %q", ErrUnrecognized, event.Kind)
	}
	if status := strings.ToLower(strings.TrimSpace(event.Status)); status != "" && status != "success" {
		return nil, fmt.Errorf("%w: status %q", ErrUnrecognized, event.Status)
	}
	if strings.TrimSpace(event.TxHash) == "" {
		return nil, fmt.Errorf("%w: missing tx hash", ErrMalformed)
	}
	if event.BlockTime <= 0 {
		return nil, fmt.Errorf("%w: missing block time", ErrMalformed)
	}

	wallet, err := NormalizeAddress(Monad, event.Wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet: %v", ErrMalformed, err)
	}

	tokenIn, err := a.monadLeg(event.TokenIn)
	if err != nil {
		return nil, fmt.Errorf("%w: token in: %v", ErrMalformed, err)
	}
	tokenOut, err := a.monadLeg(event.TokenOut)
	if err != nil {
		return nil, fmt.Errorf("%w: token out: %v", ErrMalformed, err)
	}

	trade := &NormalizedTrade{
		Chain:         Monad,
		TxSignature:   strings.ToLower(strings.TrimSpace(event.TxHash)),
		WalletAddress: wallet,
		BlockTime:     event.BlockTime,
		Platform:      normalizePlatform(event.Dex),
		TokenIn:       tokenIn,
		TokenOut:      tokenOut,
	}

	inIsBase := tokenIn.Address == a.info.BaseAssetAddress
	outIsBase := tokenOut.Address == a.info.BaseAssetAddress
	switch {
	case inIsBase && !outIsBase:
		trade.Side = SideBuy
		trade.BaseAmount = tokenIn.Amount
		trade.TokenIn.Symbol = a.info.BaseAssetSymbol
	case outIsBase && !inIsBase:
		trade.Side = SideSell
		trade.BaseAmount = tokenOut.Amount
		trade.TokenOut.Symbol = a.info.BaseAssetSymbol
	default:
		return nil, fmt.Errorf("%w: swap has no native leg", ErrUnrecognized)
	}

	return trade, nil
}

// monadLeg converts one side of the swap using the decimals the indexer
// reports per token. The native leg always carries this chain's 18-decimal
// exponent; a missing decimals field falls back to it.
func (a *Adapter) monadLeg(leg monadTokenLeg) (TokenAmount, error) {
	address, err := NormalizeAddress(Monad, leg.Address)
	if err != nil {
		return TokenAmount{}, err
	}
	decimals := leg.Decimals
	if decimals <= 0 {
		decimals = a.info.Decimals
	}
	amount, err := AmountFromRaw(leg.Amount, decimals)
	if err != nil {
		return TokenAmount{}, err
	}
	return TokenAmount{Address: address, Amount: amount}, nil
}
