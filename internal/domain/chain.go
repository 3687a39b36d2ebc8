package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Chain identifies a blockchain the gateway can operate on.
type Chain string

const (
	ChainSolana   Chain = "solana"
	ChainICP      Chain = "icp"
	ChainBitcoin  Chain = "bitcoin"
	ChainEthereum Chain = "ethereum"
	ChainArbitrum Chain = "arbitrum"
	ChainPolygon  Chain = "polygon"
	ChainBase     Chain = "base"
	ChainXRP      Chain = "xrp"
	ChainSui      Chain = "sui"
	ChainTON      Chain = "ton"
	ChainNear     Chain = "near"
	ChainCosmos   Chain = "cosmos"
	ChainTron     Chain = "tron"

	// ChainNone marks gateway-level operations such as the account status.
	ChainNone Chain = ""
)

type chainInfo struct {
	symbol   string
	decimals int32
	evm      bool
}

var chains = map[Chain]chainInfo{
	ChainSolana:   {symbol: "SOL", decimals: 9},
	ChainICP:      {symbol: "ICP", decimals: 8},
	ChainBitcoin:  {symbol: "BTC", decimals: 8},
	ChainEthereum: {symbol: "ETH", decimals: 18, evm: true},
	ChainArbitrum: {symbol: "ETH", decimals: 18, evm: true},
	ChainPolygon:  {symbol: "POL", decimals: 18, evm: true},
	ChainBase:     {symbol: "ETH", decimals: 18, evm: true},
	ChainXRP:      {symbol: "XRP", decimals: 6},
	ChainSui:      {symbol: "SUI", decimals: 9},
	ChainTON:      {symbol: "TON", decimals: 9},
	ChainNear:     {symbol: "NEAR", decimals: 24},
	ChainCosmos:   {symbol: "ATOM", decimals: 6},
	ChainTron:     {symbol: "TRX", decimals: 6},
}

var chainAliases = map[string]Chain{
	"sol":   ChainSolana,
	"eth":   ChainEthereum,
	"arb":   ChainArbitrum,
	"btc":   ChainBitcoin,
	"matic": ChainPolygon,
	"atom":  ChainCosmos,
	"trx":   ChainTron,
}

// ParseChain resolves a chain name or alias (case-insensitive).
func ParseChain(s string) (Chain, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if c, ok := chainAliases[name]; ok {
		return c, nil
	}
	c := Chain(name)
	if _, ok := chains[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedChain, s)
	}
	return c, nil
}

// Chains returns every supported chain.
func Chains() []Chain {
	out := make([]Chain, 0, len(chains))
	for c := range chains {
		out = append(out, c)
	}
	return out
}

// Valid reports whether c is a supported chain.
func (c Chain) Valid() bool {
	_, ok := chains[c]
	return ok
}

// Symbol returns the native asset symbol.
func (c Chain) Symbol() string { return chains[c].symbol }

// Decimals returns the number of decimals of the native asset.
func (c Chain) Decimals() int32 { return chains[c].decimals }

// IsEVM reports whether the chain uses EVM hex addresses.
func (c Chain) IsEVM() bool { return chains[c].evm }

// ToUnits converts a human amount of the native asset into smallest units,
// truncating anything below one unit.
func (c Chain) ToUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(c.Decimals()).Truncate(0)
}

// FromUnits converts smallest units back into a human amount.
func (c Chain) FromUnits(units decimal.Decimal) decimal.Decimal {
	return units.Shift(-c.Decimals())
}
