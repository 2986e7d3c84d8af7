// Package pendletools provides the Pendle DeFi tools: yield opportunity
// listing, swap quoting, and swap execution.
package pendletools

import (
	"context"
	"fmt"
	"math/big"

	"github.com/defisage/defisage/internal/pendle"
	"github.com/defisage/defisage/internal/pendle/txtrack"
	"github.com/defisage/defisage/internal/tool"
)

// quoteProbeEth is the fixed amount quotes are computed against. The rate is
// linear enough at this size to present as a per-ETH exchange rate.
var quoteProbeEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// quoteSlippage is deliberately wide: a quote is informational, not an
// execution, and should not fail on routine price movement.
const quoteSlippage = 1.0

// MarketsClient is the Pendle API surface the tools need.
type MarketsClient interface {
	ActiveMarkets(ctx context.Context) ([]pendle.Market, error)
	Quote(ctx context.Context, p pendle.SwapParams) (*pendle.Quote, error)
}

// Opportunity is one market in the pendle_opportunities payload.
type Opportunity struct {
	Name            string  `json:"name"`
	Address         string  `json:"address"`
	Expiry          string  `json:"expiry"`
	PT              string  `json:"pt"`
	YT              string  `json:"yt"`
	UnderlyingAsset string  `json:"underlyingAsset"`
	ImpliedAPY      float64 `json:"impliedApy"`
	LiquidityUSD    float64 `json:"liquidityUsd"`
}

// NewOpportunitiesTool builds the pendle_opportunities tool.
func NewOpportunitiesTool(client MarketsClient) *tool.Tool {
	return &tool.Tool{
		Name:        "pendle_opportunities",
		Description: "List active Pendle yield opportunities with implied APY, optionally filtered by APY bounds.",
		UIRendered:  true,
		Schema: tool.NewSchema(
			tool.Param{Name: "max_results", Type: tool.TypeInteger, Description: "Maximum number of opportunities to return", Default: 10, Minimum: tool.Float(1), Maximum: tool.Float(50)},
			tool.Param{Name: "apy_gte", Type: tool.TypeNumber, Description: "Only include markets with implied APY at or above this fraction (0.05 = 5%)"},
			tool.Param{Name: "apy_lte", Type: tool.TypeNumber, Description: "Only include markets with implied APY at or below this fraction"},
		),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			markets, err := client.ActiveMarkets(ctx)
			if err != nil {
				return nil, err
			}

			maxResults := args["max_results"].(int)
			apyGte, hasGte := args["apy_gte"].(float64)
			apyLte, hasLte := args["apy_lte"].(float64)

			// Provider order is rank order; filter and truncate without
			// re-sorting.
			opportunities := make([]Opportunity, 0, maxResults)
			for _, m := range markets {
				if hasGte && m.ImpliedAPY < apyGte {
					continue
				}
				if hasLte && m.ImpliedAPY > apyLte {
					continue
				}
				opportunities = append(opportunities, Opportunity{
					Name:            m.Name,
					Address:         m.Address,
					Expiry:          m.Expiry,
					PT:              m.PT,
					YT:              m.YT,
					UnderlyingAsset: m.UnderlyingAsset,
					ImpliedAPY:      m.ImpliedAPY,
					LiquidityUSD:    m.LiquidityUSD,
				})
				if len(opportunities) == maxResults {
					break
				}
			}
			return map[string]any{"opportunities": opportunities, "count": len(opportunities)}, nil
		},
	}
}

// QuoteResponse is the payload of a pendle_quote call. Rates are quoted per
// 1 ETH in.
type QuoteResponse struct {
	MarketName  string  `json:"marketName"`
	TokenType   string  `json:"tokenType"`
	AmountInEth string  `json:"amountInEth"`
	AmountOut   string  `json:"amountOut"`
	Rate        float64 `json:"rate"`
	InverseRate float64 `json:"inverseRate"`
	PriceImpact float64 `json:"priceImpact"`
}

// NewQuoteTool builds the pendle_quote tool. Receiver is the wallet address
// quotes are simulated for; the router requires one even for simulation.
func NewQuoteTool(client MarketsClient, receiver string) *tool.Tool {
	return &tool.Tool{
		Name:        "pendle_quote",
		Description: "Get the current exchange rate for swapping ETH into a Pendle PT or YT token.",
		Schema: tool.NewSchema(
			tool.Param{Name: "market_address", Type: tool.TypeString, Description: "The Pendle market address", Required: true},
			tool.Param{Name: "token_out_address", Type: tool.TypeString, Description: "The PT or YT token address to receive", Required: true},
			tool.Param{Name: "market_name", Type: tool.TypeString, Description: "Human-readable market name for the response", Required: true},
			tool.Param{Name: "token_type", Type: tool.TypeString, Description: "Whether the output token is principal or yield", Required: true, Enum: []string{"pt", "yt"}},
		),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if receiver == "" {
				return nil, fmt.Errorf("pendletools: no wallet address configured for quotes")
			}

			quote, err := client.Quote(ctx, pendle.SwapParams{
				MarketAddress: args["market_address"].(string),
				TokenOut:      args["token_out_address"].(string),
				AmountWei:     quoteProbeEth,
				Slippage:      quoteSlippage,
				Receiver:      receiver,
			})
			if err != nil {
				return nil, err
			}

			rate, _ := new(big.Float).Quo(
				new(big.Float).SetInt(quote.AmountOut),
				new(big.Float).SetInt(quoteProbeEth),
			).Float64()
			var inverse float64
			if rate > 0 {
				inverse = 1 / rate
			}

			return &QuoteResponse{
				MarketName:  args["market_name"].(string),
				TokenType:   args["token_type"].(string),
				AmountInEth: "1",
				AmountOut:   pendle.FormatUnits(quote.AmountOut, 18),
				Rate:        rate,
				InverseRate: inverse,
				PriceImpact: quote.PriceImpact,
			}, nil
		},
	}
}

// SwapResponse is the payload of a pendle_swap call.
type SwapResponse struct {
	Status  txtrack.TxStatus `json:"status"`
	TxHash  string           `json:"txHash,omitempty"`
	Steps   []txtrack.Step   `json:"steps"`
	Error   string           `json:"error,omitempty"`
	Message string           `json:"message,omitempty"`
}

// TrackerFactory builds a fresh tracker per swap attempt; trackers are
// single-use.
type TrackerFactory func() *txtrack.Tracker

// NewSwapTool builds the pendle_swap tool.
func NewSwapTool(newTracker TrackerFactory, receiver string) *tool.Tool {
	return &tool.Tool{
		Name:        "pendle_swap",
		Description: "Execute a swap of ETH into a Pendle PT or YT token. Confirm the amount with the user before calling this.",
		Schema: tool.NewSchema(
			tool.Param{Name: "market_address", Type: tool.TypeString, Description: "The Pendle market address", Required: true},
			tool.Param{Name: "token_out_address", Type: tool.TypeString, Description: "The PT or YT token address to receive", Required: true},
			tool.Param{Name: "amount_in_eth", Type: tool.TypeString, Description: "ETH amount to swap, as a decimal string", Required: true},
			tool.Param{Name: "slippage", Type: tool.TypeNumber, Description: "Acceptable slippage fraction", Default: 0.01, Minimum: tool.Float(0.001), Maximum: tool.Float(1.0)},
			tool.Param{Name: "token_name", Type: tool.TypeString, Description: "Human-readable token name for status messages"},
		),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if receiver == "" {
				return nil, fmt.Errorf("pendletools: no wallet address configured for swaps")
			}

			amountWei, err := pendle.EthToWei(args["amount_in_eth"].(string))
			if err != nil {
				return nil, err
			}

			status, err := newTracker().ExecuteSwap(ctx, pendle.SwapParams{
				MarketAddress: args["market_address"].(string),
				TokenOut:      args["token_out_address"].(string),
				AmountWei:     amountWei,
				Slippage:      args["slippage"].(float64),
				Receiver:      receiver,
			})

			resp := &SwapResponse{
				Status: status.Status,
				TxHash: status.TxHash,
				Steps:  status.Steps,
				Error:  status.Error,
			}
			if err == nil {
				name, _ := args["token_name"].(string)
				if name == "" {
					name = "the requested token"
				}
				resp.Message = fmt.Sprintf("Swapped %s ETH into %s.", args["amount_in_eth"], name)
			}
			// A failed swap is still a structured result for the model to
			// narrate, not a conversation-level failure.
			return resp, nil
		},
	}
}
