package chain

import (
	"encoding/json"
	"fmt"
)

// TradeSide is the direction of a swap relative to the chain's base asset.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TokenAmount is one leg of a normalized swap, in display units.
type TokenAmount struct {
	Address string
	Amount  float64
	Symbol  string
	Name    string
}

// NormalizedTrade is the canonical, chain-agnostic swap record produced by
// an adapter. Symbol/name fields are left empty here; a separate enrichment
// step fills them in without blocking ingestion.
type NormalizedTrade struct {
	Chain         Chain
	TxSignature   string
	WalletAddress string
	BlockTime     int64
	Platform      string
	Side          TradeSide
	TokenIn       TokenAmount
	TokenOut      TokenAmount
	// BaseAmount is the quantity of the chain's base asset moved by the
	// swap, in display units. Trade USD value is derived from it.
	BaseAmount float64
}

// Adapter turns one chain's raw event payloads into NormalizedTrades. Each
// instance is bound to exactly one chain and holds only that chain's
// constants; adapters never share decimal exponents.
type Adapter struct {
	info ChainInfo
}

func NewAdapter(tag Chain) (*Adapter, error) {
	info, err := Info(tag)
	if err != nil {
		return nil, err
	}
	return &Adapter{info: info}, nil
}

func (a *Adapter) Chain() Chain { return a.info.Tag }

func (a *Adapter) Decimals() int { return a.info.Decimals }

func (a *Adapter) Info() ChainInfo { return a.info }

// Normalize parses one raw payload. It returns ErrUnrecognized for events
// that are not supported swaps and ErrMalformed for payloads failing
// structural validation; both leave the pipeline free to skip the event.
func (a *Adapter) Normalize(raw json.RawMessage) (*NormalizedTrade, error) {
	switch a.info.Tag {
	case Solana:
		return a.normalizeSolana(raw)
	case Monad:
		return a.normalizeMonad(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, a.info.Tag)
	}
}
