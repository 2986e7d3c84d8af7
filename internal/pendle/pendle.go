// Package pendle is a read/build client for the Pendle Finance hosted API:
// active market listings, swap quotes, and ready-to-sign swap transaction
// payloads. Market data is always fetched fresh; it is point-in-time,
// non-authoritative data and is never cached.
package pendle

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	// DefaultBaseURL is the hosted Pendle core API.
	DefaultBaseURL = "https://api-v2.pendle.finance/core"

	// ChainEthereum is the Ethereum mainnet chain ID.
	ChainEthereum = 1

	// WETHAddress is the wrapped-ETH contract on mainnet. The swap endpoints
	// reject the native-ETH zero address, so ETH input is always expressed
	// as WETH.
	WETHAddress = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

// Market is one active Pendle market, flattened from the API response. PT
// and YT addresses are normalised (no chain prefix).
type Market struct {
	Name            string  `json:"name"`
	Address         string  `json:"address"`
	Expiry          string  `json:"expiry"`
	PT              string  `json:"pt"`
	YT              string  `json:"yt"`
	SY              string  `json:"sy"`
	UnderlyingAsset string  `json:"underlyingAsset"`
	LiquidityUSD    float64 `json:"liquidity"`
	ImpliedAPY      float64 `json:"impliedApy"`
}

// Quote is the outcome of a swap simulation.
type Quote struct {
	// AmountOut is the raw output amount in the token's smallest unit.
	AmountOut *big.Int

	// PriceImpact is the fractional price impact reported by the router.
	PriceImpact float64
}

// SwapTx is a ready-to-sign transaction payload built by the Pendle router.
type SwapTx struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit string `json:"gasLimit,omitempty"`
}

// NormalizeAddress strips the "1-" chain prefix some API fields carry, so
// addresses can be used in URLs and query parameters.
func NormalizeAddress(addr string) string {
	if strings.HasPrefix(addr, "1-") {
		return addr[2:]
	}
	return addr
}

// weiPerEth is 10^18.
var weiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// EthToWei converts a decimal ETH amount ("1", "0.25") to wei. More than 18
// fractional digits is an error, as is anything non-numeric.
func EthToWei(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("pendle: empty ETH amount")
	}

	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 18 {
		return nil, fmt.Errorf("pendle: ETH amount %q has more than 18 decimal places", amount)
	}

	w, ok := new(big.Int).SetString(whole, 10)
	if !ok || w.Sign() < 0 {
		return nil, fmt.Errorf("pendle: invalid ETH amount %q", amount)
	}
	w.Mul(w, weiPerEth)

	if frac != "" {
		f, ok := new(big.Int).SetString(frac+strings.Repeat("0", 18-len(frac)), 10)
		if !ok {
			return nil, fmt.Errorf("pendle: invalid ETH amount %q", amount)
		}
		w.Add(w, f)
	}
	return w, nil
}

// FormatUnits renders a raw token amount with the given decimals as a
// decimal string, trimming trailing zeros.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, rem := new(big.Int).QuoRem(amount, divisor, new(big.Int))

	if rem.Sign() == 0 {
		return whole.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%0*s", decimals, rem.String()), "0")
	return whole.String() + "." + frac
}
