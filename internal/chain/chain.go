// Package chain normalizes raw, chain-specific swap payloads into the
// canonical trade shape shared by the ingestion pipeline. Each supported
// chain is a closed variant carrying its own decimal exponent, address
// format, and base-asset identity; nothing here performs I/O.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

type Chain string

const (
	Solana Chain = "solana"
	Monad  Chain = "monad"
)

var (
	// ErrUnrecognized marks a payload that is structurally valid but not a
	// supported swap event. Not an error condition for the caller beyond
	// skipping the event.
	ErrUnrecognized = errors.New("unrecognized event")
	// ErrMalformed marks a payload that fails structural validation.
	ErrMalformed = errors.New("malformed payload")

	ErrUnknownChain   = errors.New("unknown chain")
	ErrInvalidAddress = errors.New("invalid address")
)

const (
	solanaNativeMint = "So11111111111111111111111111111111111111112"
	monadNativeToken = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
)

// ChainInfo is the per-chain constant set resolved once per event.
type ChainInfo struct {
	Tag              Chain
	Decimals         int
	BaseAssetAddress string
	BaseAssetSymbol  string
}

var chainInfos = map[Chain]ChainInfo{
	Solana: {
		Tag:              Solana,
		Decimals:         9,
		BaseAssetAddress: solanaNativeMint,
		BaseAssetSymbol:  "SOL",
	},
	Monad: {
		Tag:              Monad,
		Decimals:         18,
		BaseAssetAddress: monadNativeToken,
		BaseAssetSymbol:  "MON",
	},
}

func Parse(raw string) (Chain, error) {
	switch Chain(strings.ToLower(strings.TrimSpace(raw))) {
	case Solana:
		return Solana, nil
	case Monad:
		return Monad, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChain, raw)
	}
}

func Info(tag Chain) (ChainInfo, error) {
	info, ok := chainInfos[tag]
	if !ok {
		return ChainInfo{}, fmt.Errorf("%w: %q", ErrUnknownChain, tag)
	}
	return info, nil
}

func All() []Chain {
	return []Chain{Solana, Monad}
}

// NormalizeAddress validates an address against the chain's format and
// returns the canonical representation used everywhere downstream:
// the base58 pubkey text on solana, lowercase hex on monad.
func NormalizeAddress(tag Chain, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	switch tag {
	case Solana:
		pubkey, err := solana.PublicKeyFromBase58(address)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)
		}
		return pubkey.String(), nil
	case Monad:
		if !ethcommon.IsHexAddress(address) {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
		return strings.ToLower(ethcommon.HexToAddress(address).Hex()), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChain, tag)
	}
}

// IsBaseAsset reports whether the address denotes the chain's native asset.
// Solana swaps reference wrapped SOL by mint; monad indexers use the
// conventional 0xeeee... placeholder for the native token.
func IsBaseAsset(tag Chain, address string) bool {
	info, ok := chainInfos[tag]
	if !ok {
		return false
	}
	normalized, err := NormalizeAddress(tag, address)
	if err != nil {
		return false
	}
	return normalized == info.BaseAssetAddress
}

// AmountFromRaw converts an integer on-chain amount into display units by
// dividing by 10^decimals. The conversion goes through big.Rat so 18-decimal
// amounts survive without intermediate overflow.
func AmountFromRaw(raw string, decimals int) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty raw amount")
	}
	if decimals < 0 {
		return 0, fmt.Errorf("negative decimals: %d", decimals)
	}

	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0, fmt.Errorf("invalid raw amount %q", raw)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	out, _ := new(big.Rat).SetFrac(value, scale).Float64()
	return out, nil
}
