package pendle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/defisage/defisage/internal/resilience"
)

// Client talks to the Pendle hosted API. It is safe for concurrent use. All
// requests share one circuit breaker so a dead upstream fails fast instead
// of stalling every conversation turn behind HTTP timeouts.
type Client struct {
	baseURL    string
	chainID    int
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL (tests point this at a local server).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithChainID overrides the chain ID (default Ethereum mainnet).
func WithChainID(id int) ClientOption {
	return func(c *Client) { c.chainID = id }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientLogger overrides the client's logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient constructs a Pendle API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		chainID:    ChainEthereum,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "pendle-api",
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	})
	return c
}

// marketsResponse is the wire shape of GET /v1/{chain}/markets/active.
type marketsResponse struct {
	Markets []struct {
		Name            string `json:"name"`
		Address         string `json:"address"`
		Expiry          string `json:"expiry"`
		PT              string `json:"pt"`
		YT              string `json:"yt"`
		SY              string `json:"sy"`
		UnderlyingAsset string `json:"underlyingAsset"`
		Details         struct {
			Liquidity  float64 `json:"liquidity"`
			ImpliedAPY float64 `json:"impliedApy"`
		} `json:"details"`
	} `json:"markets"`
}

// ActiveMarkets fetches all active markets for the configured chain, in
// provider order, with addresses normalised.
func (c *Client) ActiveMarkets(ctx context.Context) ([]Market, error) {
	u := fmt.Sprintf("%s/v1/%d/markets/active", c.baseURL, c.chainID)

	var resp marketsResponse
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("pendle: fetch active markets: %w", err)
	}

	markets := make([]Market, 0, len(resp.Markets))
	for _, m := range resp.Markets {
		markets = append(markets, Market{
			Name:            m.Name,
			Address:         NormalizeAddress(m.Address),
			Expiry:          m.Expiry,
			PT:              NormalizeAddress(m.PT),
			YT:              NormalizeAddress(m.YT),
			SY:              NormalizeAddress(m.SY),
			UnderlyingAsset: m.UnderlyingAsset,
			LiquidityUSD:    m.Details.Liquidity,
			ImpliedAPY:      m.Details.ImpliedAPY,
		})
	}
	return markets, nil
}

// SwapParams describes one ETH → PT/YT swap against a market.
type SwapParams struct {
	// MarketAddress is the Pendle market, with or without chain prefix.
	MarketAddress string

	// TokenOut is the PT or YT address to receive, with or without prefix.
	TokenOut string

	// AmountWei is the ETH input amount in wei.
	AmountWei *big.Int

	// Slippage is the acceptable slippage fraction (0.01 = 1%).
	Slippage float64

	// Receiver is the address that receives the output tokens.
	Receiver string
}

// swapResponse is the wire shape of GET /v1/sdk/{chain}/markets/{market}/swap.
// The same endpoint serves both simulation data and the transaction payload.
type swapResponse struct {
	Data struct {
		AmountOut   string  `json:"amountOut"`
		PriceImpact float64 `json:"priceImpact"`
	} `json:"data"`
	Tx *SwapTx `json:"tx"`
}

// Quote simulates the swap and returns the expected output.
func (c *Client) Quote(ctx context.Context, p SwapParams) (*Quote, error) {
	resp, err := c.swap(ctx, p)
	if err != nil {
		return nil, err
	}
	if resp.Data.AmountOut == "" {
		return nil, fmt.Errorf("pendle: quote response missing amountOut")
	}
	out, ok := new(big.Int).SetString(resp.Data.AmountOut, 10)
	if !ok {
		return nil, fmt.Errorf("pendle: invalid amountOut %q", resp.Data.AmountOut)
	}
	return &Quote{AmountOut: out, PriceImpact: resp.Data.PriceImpact}, nil
}

// BuildSwap returns the ready-to-sign transaction payload for the swap.
func (c *Client) BuildSwap(ctx context.Context, p SwapParams) (*SwapTx, error) {
	resp, err := c.swap(ctx, p)
	if err != nil {
		return nil, err
	}
	if resp.Tx == nil {
		return nil, fmt.Errorf("pendle: swap response missing transaction data")
	}
	return resp.Tx, nil
}

// swap calls the router's swap endpoint. ETH input is always expressed as
// WETH; the endpoint rejects the native zero address.
func (c *Client) swap(ctx context.Context, p SwapParams) (*swapResponse, error) {
	if p.AmountWei == nil || p.AmountWei.Sign() <= 0 {
		return nil, fmt.Errorf("pendle: swap amount must be positive")
	}
	if p.Receiver == "" {
		return nil, fmt.Errorf("pendle: swap receiver address is not configured")
	}

	market := NormalizeAddress(p.MarketAddress)
	q := url.Values{}
	q.Set("tokenIn", WETHAddress)
	q.Set("tokenOut", NormalizeAddress(p.TokenOut))
	q.Set("amountIn", p.AmountWei.String())
	q.Set("slippage", strconv.FormatFloat(p.Slippage, 'f', -1, 64))
	q.Set("receiver", p.Receiver)
	q.Set("enableAggregator", "true")

	u := fmt.Sprintf("%s/v1/sdk/%d/markets/%s/swap?%s", c.baseURL, c.chainID, market, q.Encode())

	var resp swapResponse
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("pendle: swap request for market %s: %w", market, err)
	}
	return &resp, nil
}

// getJSON performs one GET under the circuit breaker and decodes the body.
// Non-2xx responses surface the body text so API error details reach the
// structured tool error the model narrates from.
func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	return c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		c.logger.Debug("pendle api request", "url", u, "status", resp.StatusCode, "duration", time.Since(start))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("api error: status %d: %s", resp.StatusCode, string(body))
		}
		return json.Unmarshal(body, out)
	})
}
