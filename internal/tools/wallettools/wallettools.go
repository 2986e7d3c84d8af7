// Package wallettools provides the wallet_balance and transfer tools over
// the signing wallet and balance reader.
package wallettools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/defisage/defisage/internal/pendle"
	"github.com/defisage/defisage/internal/tool"
	"github.com/defisage/defisage/internal/wallet"
)

// symbolMatchThreshold is the Jaro-Winkler similarity above which a queried
// token symbol is treated as a near-miss for a held one ("wteh" for "WETH").
const symbolMatchThreshold = 0.85

// Balances reads a wallet's holdings.
type Balances interface {
	Balances(ctx context.Context, address common.Address) ([]wallet.TokenBalance, error)
}

// Transferer sends funds out of the signing wallet.
type Transferer interface {
	Transfer(ctx context.Context, req wallet.TransferRequest) (string, error)
}

// PriceReader reads the current ETH/USD price.
type PriceReader func(ctx context.Context) (float64, error)

// BalanceResponse is the payload of a wallet_balance call.
type BalanceResponse struct {
	WalletAddress string                `json:"walletAddress"`
	Balances      []wallet.TokenBalance `json:"balances"`
	EthUsdPrice   float64               `json:"ethUsdPrice,omitempty"`
}

// NewBalanceTool builds the wallet_balance tool.
func NewBalanceTool(reader Balances, price PriceReader) *tool.Tool {
	return &tool.Tool{
		Name:        "wallet_balance",
		Description: "Check the ETH and token balances of a wallet address, optionally filtered to one token.",
		UIRendered:  true,
		Schema: tool.NewSchema(
			tool.Param{Name: "wallet_address", Type: tool.TypeString, Description: "The wallet address to inspect", Required: true},
			tool.Param{Name: "token_symbol", Type: tool.TypeString, Description: "Limit the result to one token symbol"},
		),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			addr := args["wallet_address"].(string)
			if !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("wallettools: %q is not a valid wallet address", addr)
			}

			balances, err := reader.Balances(ctx, common.HexToAddress(addr))
			if err != nil {
				return nil, err
			}
			if symbol, _ := args["token_symbol"].(string); symbol != "" {
				balances = filterFuzzy(balances, symbol)
			}

			resp := &BalanceResponse{WalletAddress: addr, Balances: balances}
			if price != nil {
				if p, err := price(ctx); err == nil {
					resp.EthUsdPrice = p
				}
			}
			return resp, nil
		},
	}
}

// filterFuzzy matches the queried symbol exactly first, then falls back to
// fuzzy matching so typos still resolve to a held token. Jaro-Winkler covers
// near-misses; an edit distance of one covers short-symbol transpositions it
// scores poorly ("dia" for DAI).
func filterFuzzy(balances []wallet.TokenBalance, symbol string) []wallet.TokenBalance {
	if exact := wallet.FilterBySymbol(balances, symbol); len(exact) > 0 {
		return exact
	}

	query := strings.ToUpper(symbol)
	var (
		best      []wallet.TokenBalance
		bestScore float64
	)
	for _, b := range balances {
		held := strings.ToUpper(b.Symbol)
		score := matchr.JaroWinkler(query, held, false)
		if matchr.DamerauLevenshtein(query, held) <= 1 {
			score = max(score, symbolMatchThreshold)
		}
		if score >= symbolMatchThreshold && score > bestScore {
			bestScore = score
			best = []wallet.TokenBalance{b}
		}
	}
	return best
}

// TransferResponse is the payload of a transfer call.
type TransferResponse struct {
	Status  string `json:"status"`
	TxHash  string `json:"txHash,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewTransferTool builds the transfer tool. Each call is one logical
// transfer and gets its own idempotency key; retries inside the wallet reuse
// it so a transfer is never broadcast twice.
func NewTransferTool(transferer Transferer) *tool.Tool {
	return &tool.Tool{
		Name:        "transfer",
		Description: "Transfer ETH from the connected wallet to another address. Confirm the recipient and amount with the user before calling this.",
		Schema: tool.NewSchema(
			tool.Param{Name: "address", Type: tool.TypeString, Description: "The recipient address", Required: true},
			tool.Param{Name: "amount", Type: tool.TypeNumber, Description: "ETH amount to send", Required: true},
		),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			addr := args["address"].(string)
			if !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("wallettools: %q is not a valid recipient address", addr)
			}
			amount := args["amount"].(float64)
			amountWei, err := pendle.EthToWei(strconv.FormatFloat(amount, 'f', -1, 64))
			if err != nil || amountWei.Sign() <= 0 {
				return nil, fmt.Errorf("wallettools: invalid transfer amount %v", amount)
			}

			hash, err := transferer.Transfer(ctx, wallet.TransferRequest{
				IdempotencyKey: uuid.NewString(),
				To:             common.HexToAddress(addr),
				Amount:         amountWei,
			})
			if err != nil {
				return nil, err
			}
			return &TransferResponse{
				Status:  "submitted",
				TxHash:  hash,
				Message: fmt.Sprintf("Sent %g ETH to %s.", amount, addr),
			}, nil
		},
	}
}
