package pendletools

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/defisage/defisage/internal/pendle"
	"github.com/defisage/defisage/internal/pendle/txtrack"
)

type fakeMarkets struct {
	markets []pendle.Market
	quote   *pendle.Quote
	err     error
}

func (f *fakeMarkets) ActiveMarkets(ctx context.Context) ([]pendle.Market, error) {
	return f.markets, f.err
}

func (f *fakeMarkets) Quote(ctx context.Context, p pendle.SwapParams) (*pendle.Quote, error) {
	return f.quote, f.err
}

func marketFixture() []pendle.Market {
	apys := []float64{0.01, 0.06, 0.08, 0.03, 0.12}
	markets := make([]pendle.Market, len(apys))
	for i, apy := range apys {
		markets[i] = pendle.Market{
			Name:       string(rune('A' + i)),
			Address:    "0x" + strings.Repeat(string(rune('1'+i)), 40),
			ImpliedAPY: apy,
		}
	}
	return markets
}

func TestOpportunities_FilterAndTruncateInProviderOrder(t *testing.T) {
	t.Parallel()

	tl := NewOpportunitiesTool(&fakeMarkets{markets: marketFixture()})
	args, err := tl.Schema.Validate(map[string]any{"apy_gte": 0.05, "max_results": 2})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	result, err := tl.Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	payload := result.(map[string]any)
	opportunities := payload["opportunities"].([]Opportunity)
	if len(opportunities) != 2 {
		t.Fatalf("got %d opportunities, want 2", len(opportunities))
	}
	// First two qualifying markets in provider order, not the top APYs.
	if opportunities[0].ImpliedAPY != 0.06 || opportunities[1].ImpliedAPY != 0.08 {
		t.Errorf("got APYs %v/%v, want 0.06/0.08",
			opportunities[0].ImpliedAPY, opportunities[1].ImpliedAPY)
	}
}

func TestOpportunities_APYUpperBound(t *testing.T) {
	t.Parallel()

	tl := NewOpportunitiesTool(&fakeMarkets{markets: marketFixture()})
	args, err := tl.Schema.Validate(map[string]any{"apy_lte": 0.05})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	result, err := tl.Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	opportunities := result.(map[string]any)["opportunities"].([]Opportunity)
	if len(opportunities) != 2 {
		t.Fatalf("got %d opportunities, want 2 (0.01 and 0.03)", len(opportunities))
	}
	for _, o := range opportunities {
		if o.ImpliedAPY > 0.05 {
			t.Errorf("opportunity with APY %v survived apy_lte filter", o.ImpliedAPY)
		}
	}
}

func TestOpportunities_UpstreamError(t *testing.T) {
	t.Parallel()

	tl := NewOpportunitiesTool(&fakeMarkets{err: errors.New("api down")})
	args, _ := tl.Schema.Validate(map[string]any{})
	if _, err := tl.Handler(context.Background(), args); err == nil {
		t.Fatal("Handler succeeded while the API is down")
	}
}

func TestQuote_RatesFromProbe(t *testing.T) {
	t.Parallel()

	// 1 ETH in, 1.25 PT out.
	fm := &fakeMarkets{quote: &pendle.Quote{
		AmountOut:   new(big.Int).Mul(big.NewInt(125), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)),
		PriceImpact: 0.003,
	}}
	tl := NewQuoteTool(fm, "0x7777777777777777777777777777777777777777")
	args, err := tl.Schema.Validate(map[string]any{
		"market_address":    "0x1",
		"token_out_address": "0x2",
		"market_name":       "stETH",
		"token_type":        "pt",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	result, err := tl.Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	quote := result.(*QuoteResponse)
	if quote.Rate != 1.25 {
		t.Errorf("rate = %v, want 1.25", quote.Rate)
	}
	if quote.InverseRate != 0.8 {
		t.Errorf("inverse rate = %v, want 0.8", quote.InverseRate)
	}
	if quote.AmountOut != "1.25" {
		t.Errorf("amountOut = %q, want 1.25", quote.AmountOut)
	}
	if quote.PriceImpact != 0.003 {
		t.Errorf("priceImpact = %v", quote.PriceImpact)
	}
}

func TestQuote_RequiresReceiver(t *testing.T) {
	t.Parallel()

	tl := NewQuoteTool(&fakeMarkets{}, "")
	args, _ := tl.Schema.Validate(map[string]any{
		"market_address":    "0x1",
		"token_out_address": "0x2",
		"market_name":       "stETH",
		"token_type":        "yt",
	})
	if _, err := tl.Handler(context.Background(), args); err == nil {
		t.Fatal("quote succeeded without a configured wallet address")
	}
}

func TestSwapSchema_RejectsZeroSlippage(t *testing.T) {
	t.Parallel()

	called := false
	tl := NewSwapTool(func() *txtrack.Tracker {
		called = true
		return nil
	}, "0x7777777777777777777777777777777777777777")

	_, err := tl.Schema.Validate(map[string]any{
		"market_address":    "0x1",
		"token_out_address": "0x2",
		"amount_in_eth":     "1",
		"slippage":          0.0,
	})
	if err == nil {
		t.Fatal("slippage 0 passed validation")
	}
	if called {
		t.Error("tracker constructed for arguments that failed validation")
	}
}

type scriptedSwap struct {
	tx  *pendle.SwapTx
	err error
}

func (s *scriptedSwap) BuildSwap(ctx context.Context, p pendle.SwapParams) (*pendle.SwapTx, error) {
	return s.tx, s.err
}

type scriptedSubmit struct{ hash string }

func (s *scriptedSubmit) SubmitTransaction(ctx context.Context, tx *pendle.SwapTx) (string, error) {
	return s.hash, nil
}

type scriptedConfirm struct{ receipt *txtrack.Receipt }

func (s *scriptedConfirm) WaitForReceipt(ctx context.Context, txHash string) (*txtrack.Receipt, error) {
	return s.receipt, nil
}

func uintPtr(v uint64) *uint64 { return &v }

func TestSwap_SuccessPayload(t *testing.T) {
	t.Parallel()

	factory := func() *txtrack.Tracker {
		return txtrack.NewTracker(
			&scriptedSwap{tx: &pendle.SwapTx{To: "0xrouter", Data: "0x", Value: "0"}},
			&scriptedSubmit{hash: "0xhash"},
			&scriptedConfirm{receipt: &txtrack.Receipt{Status: uintPtr(1), BlockNumber: 1}},
		)
	}
	tl := NewSwapTool(factory, "0x7777777777777777777777777777777777777777")
	args, err := tl.Schema.Validate(map[string]any{
		"market_address":    "0x1",
		"token_out_address": "0x2",
		"amount_in_eth":     "0.5",
		"token_name":        "PT stETH",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	result, err := tl.Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	resp := result.(*SwapResponse)
	if resp.Status != txtrack.StatusSuccess {
		t.Errorf("status = %q, want success", resp.Status)
	}
	if resp.TxHash != "0xhash" {
		t.Errorf("txHash = %q", resp.TxHash)
	}
	if !strings.Contains(resp.Message, "0.5 ETH") || !strings.Contains(resp.Message, "PT stETH") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestSwap_FailureIsStructuredResult(t *testing.T) {
	t.Parallel()

	factory := func() *txtrack.Tracker {
		return txtrack.NewTracker(
			&scriptedSwap{err: errors.New("Return amount is not enough")},
			&scriptedSubmit{}, &scriptedConfirm{},
		)
	}
	tl := NewSwapTool(factory, "0x7777777777777777777777777777777777777777")
	args, _ := tl.Schema.Validate(map[string]any{
		"market_address":    "0x1",
		"token_out_address": "0x2",
		"amount_in_eth":     "1",
	})
	result, err := tl.Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("Handler returned error, want structured failure result: %v", err)
	}

	resp := result.(*SwapResponse)
	if resp.Status != txtrack.StatusError {
		t.Errorf("status = %q, want error", resp.Status)
	}
	if !strings.Contains(resp.Error, "slippage tolerance") {
		t.Errorf("error = %q, want slippage guidance", resp.Error)
	}
}
