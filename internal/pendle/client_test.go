package pendle

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const marketsFixture = `{
  "markets": [
    {
      "name": "stETH",
      "address": "1-0x1111111111111111111111111111111111111111",
      "expiry": "2025-12-25T00:00:00.000Z",
      "pt": "1-0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
      "yt": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
      "sy": "0xcccccccccccccccccccccccccccccccccccccccc",
      "underlyingAsset": "1-0xdddddddddddddddddddddddddddddddddddddddd",
      "details": {"liquidity": 1500000.5, "impliedApy": 0.042}
    },
    {
      "name": "rswETH",
      "address": "0x2222222222222222222222222222222222222222",
      "expiry": "2026-06-25T00:00:00.000Z",
      "pt": "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
      "yt": "1-0xffffffffffffffffffffffffffffffffffffffff",
      "sy": "0x9999999999999999999999999999999999999999",
      "underlyingAsset": "0x8888888888888888888888888888888888888888",
      "details": {"liquidity": 800000, "impliedApy": 0.11}
    }
  ]
}`

func TestActiveMarkets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/1/markets/active" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(marketsFixture))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL))
	markets, err := c.ActiveMarkets(context.Background())
	if err != nil {
		t.Fatalf("ActiveMarkets: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("got %d markets, want 2", len(markets))
	}

	first := markets[0]
	if first.Name != "stETH" {
		t.Errorf("name = %q", first.Name)
	}
	if first.Address != "0x1111111111111111111111111111111111111111" {
		t.Errorf("address not normalised: %q", first.Address)
	}
	if first.PT != "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("pt not normalised: %q", first.PT)
	}
	if first.ImpliedAPY != 0.042 {
		t.Errorf("impliedApy = %v", first.ImpliedAPY)
	}
	if markets[1].YT != "0xffffffffffffffffffffffffffffffffffffffff" {
		t.Errorf("yt not normalised: %q", markets[1].YT)
	}
}

func TestActiveMarkets_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"rate limited"}`, http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL))
	_, err := c.ActiveMarkets(context.Background())
	if err == nil {
		t.Fatal("ActiveMarkets succeeded on HTTP 429")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error %q does not carry the API body", err)
	}
}

func TestQuoteAndBuildSwap(t *testing.T) {
	t.Parallel()

	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/sdk/1/markets/0x1111111111111111111111111111111111111111/swap") {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "data": {"amountOut": "1234500000000000000", "priceImpact": 0.002},
  "tx": {"to": "0x00000000005bbb0ef59571e58418f9a4357b68a0", "data": "0xdeadbeef", "value": "1000000000000000000"}
}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL))
	params := SwapParams{
		MarketAddress: "1-0x1111111111111111111111111111111111111111",
		TokenOut:      "1-0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		AmountWei:     big.NewInt(1e18),
		Slippage:      0.01,
		Receiver:      "0x7777777777777777777777777777777777777777",
	}

	quote, err := c.Quote(context.Background(), params)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.AmountOut.String() != "1234500000000000000" {
		t.Errorf("amountOut = %s", quote.AmountOut)
	}
	if quote.PriceImpact != 0.002 {
		t.Errorf("priceImpact = %v", quote.PriceImpact)
	}

	// ETH input must be expressed as WETH, addresses must be normalised.
	if gotQuery["tokenIn"] != WETHAddress {
		t.Errorf("tokenIn = %q, want WETH", gotQuery["tokenIn"])
	}
	if gotQuery["tokenOut"] != "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("tokenOut = %q", gotQuery["tokenOut"])
	}
	if gotQuery["slippage"] != "0.01" {
		t.Errorf("slippage = %q", gotQuery["slippage"])
	}
	if gotQuery["amountIn"] != "1000000000000000000" {
		t.Errorf("amountIn = %q", gotQuery["amountIn"])
	}

	tx, err := c.BuildSwap(context.Background(), params)
	if err != nil {
		t.Fatalf("BuildSwap: %v", err)
	}
	if tx.To != "0x00000000005bbb0ef59571e58418f9a4357b68a0" {
		t.Errorf("tx.To = %q", tx.To)
	}
	if tx.Value != "1000000000000000000" {
		t.Errorf("tx.Value = %q", tx.Value)
	}
}

func TestSwap_MissingReceiver(t *testing.T) {
	t.Parallel()

	c := NewClient(WithBaseURL("http://unused.invalid"))
	_, err := c.BuildSwap(context.Background(), SwapParams{
		MarketAddress: "0x1",
		TokenOut:      "0x2",
		AmountWei:     big.NewInt(1),
	})
	if err == nil || !strings.Contains(err.Error(), "receiver") {
		t.Fatalf("err = %v, want receiver configuration error", err)
	}
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"1-0xabc", "0xabc"},
		{"0xabc", "0xabc"},
		{"", ""},
		{"1-", ""},
	}
	for _, tc := range tests {
		if got := NormalizeAddress(tc.in); got != tc.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEthToWei(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1", want: "1000000000000000000"},
		{in: "0.25", want: "250000000000000000"},
		{in: ".5", want: "500000000000000000"},
		{in: "2.000000000000000001", want: "2000000000000000001"},
		{in: "0", want: "0"},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "1.0000000000000000001", wantErr: true},
	}
	for _, tc := range tests {
		got, err := EthToWei(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("EthToWei(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("EthToWei(%q): %v", tc.in, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("EthToWei(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		decimals int
		want     string
	}{
		{"1000000000000000000", 18, "1"},
		{"1234500000000000000", 18, "1.2345"},
		{"1000000", 6, "1"},
		{"0", 18, "0"},
		{"1", 18, "0.000000000000000001"},
	}
	for _, tc := range tests {
		v, _ := new(big.Int).SetString(tc.in, 10)
		if got := FormatUnits(v, tc.decimals); got != tc.want {
			t.Errorf("FormatUnits(%s, %d) = %q, want %q", tc.in, tc.decimals, got, tc.want)
		}
	}
}
