package txtrack

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/defisage/defisage/internal/pendle"
)

type fakeBuilder struct {
	tx    *pendle.SwapTx
	err   error
	calls int
}

func (f *fakeBuilder) BuildSwap(ctx context.Context, p pendle.SwapParams) (*pendle.SwapTx, error) {
	f.calls++
	return f.tx, f.err
}

type fakeSubmitter struct {
	hash  string
	err   error
	calls int
}

func (f *fakeSubmitter) SubmitTransaction(ctx context.Context, tx *pendle.SwapTx) (string, error) {
	f.calls++
	return f.hash, f.err
}

type fakeConfirmer struct {
	receipt *Receipt
	err     error
	// block makes WaitForReceipt wait on the confirmation context, so
	// tests can exercise the timeout path.
	block bool
	calls int
}

func (f *fakeConfirmer) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.receipt, f.err
}

func uintPtr(v uint64) *uint64 { return &v }

func validParams() pendle.SwapParams {
	return pendle.SwapParams{
		MarketAddress: "0x1111111111111111111111111111111111111111",
		TokenOut:      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		AmountWei:     big.NewInt(1e18),
		Slippage:      0.01,
		Receiver:      "0x7777777777777777777777777777777777777777",
	}
}

func newTestTracker(b *fakeBuilder, s *fakeSubmitter, c *fakeConfirmer, opts ...Option) *Tracker {
	if b == nil {
		b = &fakeBuilder{tx: &pendle.SwapTx{To: "0xrouter", Data: "0x", Value: "1000000000000000000"}}
	}
	if s == nil {
		s = &fakeSubmitter{hash: "0xhash"}
	}
	if c == nil {
		c = &fakeConfirmer{receipt: &Receipt{Status: uintPtr(1), BlockNumber: 1234}}
	}
	return NewTracker(b, s, c, opts...)
}

func TestExecuteSwap_Success(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(nil, nil, nil)
	status, err := tr.ExecuteSwap(context.Background(), validParams())
	if err != nil {
		t.Fatalf("ExecuteSwap: %v", err)
	}
	if status.Status != StatusSuccess {
		t.Errorf("status = %q, want success", status.Status)
	}
	if status.TxHash != "0xhash" {
		t.Errorf("txHash = %q", status.TxHash)
	}
	if len(status.Steps) != 4 {
		t.Fatalf("got %d steps, want 4", len(status.Steps))
	}
	for i, step := range status.Steps {
		if step.Status != StepSuccess {
			t.Errorf("step %d status = %q, want success", i, step.Status)
		}
		if step.ID == "" {
			t.Errorf("step %d has no ID", i)
		}
	}
	if !strings.Contains(status.Steps[3].Details, "1234") {
		t.Errorf("confirm step details = %q, want block number", status.Steps[3].Details)
	}
}

func TestExecuteSwap_SubmitFailureStopsBeforeConfirmation(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{err: errors.New("insufficient funds for gas")}
	confirmer := &fakeConfirmer{}
	tr := newTestTracker(nil, submitter, confirmer)

	status, err := tr.ExecuteSwap(context.Background(), validParams())
	if err == nil {
		t.Fatal("ExecuteSwap succeeded, want error")
	}
	if status.Status != StatusError {
		t.Errorf("status = %q, want error", status.Status)
	}
	if confirmer.calls != 0 {
		t.Errorf("confirmer called %d times, want 0", confirmer.calls)
	}
	if len(status.Steps) != 3 {
		t.Fatalf("got %d steps, want 3 (confirmation never started)", len(status.Steps))
	}
	if status.Steps[2].Status != StepError {
		t.Errorf("submit step status = %q, want error", status.Steps[2].Status)
	}
	if !strings.Contains(status.Error, "insufficient funds") {
		t.Errorf("error = %q, want raw submit error", status.Error)
	}
}

func TestExecuteSwap_BuildFailure(t *testing.T) {
	t.Parallel()

	builder := &fakeBuilder{err: errors.New("api error: status 400: bad market")}
	submitter := &fakeSubmitter{}
	tr := newTestTracker(builder, submitter, nil)

	status, err := tr.ExecuteSwap(context.Background(), validParams())
	if err == nil {
		t.Fatal("ExecuteSwap succeeded, want error")
	}
	if submitter.calls != 0 {
		t.Errorf("submitter called %d times, want 0", submitter.calls)
	}
	if status.Steps[1].Status != StepError {
		t.Errorf("build step status = %q, want error", status.Steps[1].Status)
	}
}

func TestExecuteSwap_SlippageGuidance(t *testing.T) {
	t.Parallel()

	tests := []string{
		"execution reverted: price moved unfavorably",
		"Price impact exceeded the limit",
		"Return amount is not enough",
		"Slippage check failed",
	}
	for _, msg := range tests {
		builder := &fakeBuilder{err: errors.New(msg)}
		tr := newTestTracker(builder, nil, nil)

		status, err := tr.ExecuteSwap(context.Background(), validParams())
		if err == nil {
			t.Fatalf("%q: ExecuteSwap succeeded", msg)
		}
		if !strings.Contains(status.Error, "higher slippage tolerance") {
			t.Errorf("%q: error = %q, want slippage guidance", msg, status.Error)
		}
	}
}

func TestExecuteSwap_ConfirmationTimeoutAssumesSuccess(t *testing.T) {
	t.Parallel()

	confirmer := &fakeConfirmer{block: true}
	tr := newTestTracker(nil, nil, confirmer, WithConfirmTimeout(20*time.Millisecond))

	status, err := tr.ExecuteSwap(context.Background(), validParams())
	if err != nil {
		t.Fatalf("ExecuteSwap: %v", err)
	}
	if status.Status != StatusSuccess {
		t.Errorf("status = %q, want success", status.Status)
	}
	last := status.Steps[len(status.Steps)-1]
	if last.Status != StepSuccess {
		t.Errorf("confirm step status = %q, want success", last.Status)
	}
	if !strings.Contains(last.Details, "block explorer") {
		t.Errorf("confirm step details = %q, want advisory", last.Details)
	}
}

func TestExecuteSwap_ConfirmationTimeoutAsFailure(t *testing.T) {
	t.Parallel()

	confirmer := &fakeConfirmer{block: true}
	tr := newTestTracker(nil, nil, confirmer,
		WithConfirmTimeout(20*time.Millisecond), WithTimeoutAsFailure())

	status, err := tr.ExecuteSwap(context.Background(), validParams())
	if err == nil {
		t.Fatal("ExecuteSwap succeeded, want error")
	}
	if status.Status != StatusError {
		t.Errorf("status = %q, want error", status.Status)
	}
}

func TestExecuteSwap_CallerCancellationIsFailure(t *testing.T) {
	t.Parallel()

	confirmer := &fakeConfirmer{block: true}
	tr := newTestTracker(nil, nil, confirmer)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	status, err := tr.ExecuteSwap(ctx, validParams())
	if err == nil {
		t.Fatal("ExecuteSwap succeeded after caller cancellation")
	}
	if status.Status != StatusError {
		t.Errorf("status = %q, want error", status.Status)
	}
}

func TestExecuteSwap_RevertedReceipt(t *testing.T) {
	t.Parallel()

	confirmer := &fakeConfirmer{receipt: &Receipt{Status: uintPtr(0), BlockNumber: 99}}
	tr := newTestTracker(nil, nil, confirmer)

	status, err := tr.ExecuteSwap(context.Background(), validParams())
	if err == nil {
		t.Fatal("ExecuteSwap succeeded on reverted receipt")
	}
	if !strings.Contains(status.Error, "reverted") {
		t.Errorf("error = %q, want revert message", status.Error)
	}
}

func TestExecuteSwap_ReceiptWithoutStatus(t *testing.T) {
	t.Parallel()

	confirmer := &fakeConfirmer{receipt: &Receipt{BlockNumber: 50}}
	tr := newTestTracker(nil, nil, confirmer)

	status, err := tr.ExecuteSwap(context.Background(), validParams())
	if err != nil {
		t.Fatalf("ExecuteSwap: %v", err)
	}
	if status.Status != StatusSuccess {
		t.Errorf("status = %q, want success", status.Status)
	}
	last := status.Steps[len(status.Steps)-1]
	if !strings.Contains(last.Details, "did not report") {
		t.Errorf("confirm step details = %q, want pre-status-field note", last.Details)
	}
}

func TestExecuteSwap_InvalidAmount(t *testing.T) {
	t.Parallel()

	builder := &fakeBuilder{}
	tr := newTestTracker(builder, nil, nil)

	p := validParams()
	p.AmountWei = big.NewInt(0)
	status, err := tr.ExecuteSwap(context.Background(), p)
	if err == nil {
		t.Fatal("ExecuteSwap succeeded with zero amount")
	}
	if builder.calls != 0 {
		t.Errorf("builder called %d times, want 0", builder.calls)
	}
	if len(status.Steps) != 1 || status.Steps[0].Status != StepError {
		t.Errorf("steps = %+v, want single failed preparation step", status.Steps)
	}
}

func TestObserverSeesEveryTransition(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(nil, nil, nil)
	var snaps []Status
	tr.Subscribe(func(s Status) { snaps = append(snaps, s) })

	if _, err := tr.ExecuteSwap(context.Background(), validParams()); err != nil {
		t.Fatalf("ExecuteSwap: %v", err)
	}

	// Four begin + four finish transitions plus the terminal snapshot.
	if len(snaps) != 9 {
		t.Fatalf("got %d snapshots, want 9", len(snaps))
	}
	if snaps[0].Steps[0].Status != StepProcessing {
		t.Errorf("first snapshot step status = %q, want processing", snaps[0].Steps[0].Status)
	}
	if snaps[len(snaps)-1].Status != StatusSuccess {
		t.Errorf("last snapshot status = %q, want success", snaps[len(snaps)-1].Status)
	}

	// Snapshots are immutable copies: mutating one must not leak into the
	// tracker or other snapshots.
	snaps[0].Steps[0].Message = "tampered"
	if tr.Current().Steps[0].Message == "tampered" {
		t.Error("snapshot mutation leaked into tracker state")
	}
}

func TestTrackerIsSingleUse(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(nil, nil, nil)
	if _, err := tr.ExecuteSwap(context.Background(), validParams()); err != nil {
		t.Fatalf("first ExecuteSwap: %v", err)
	}
	if _, err := tr.ExecuteSwap(context.Background(), validParams()); err == nil {
		t.Fatal("second ExecuteSwap succeeded without Reset")
	}

	if err := tr.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	st := tr.Current()
	if st.Status != StatusIdle || len(st.Steps) != 0 || st.TxHash != "" {
		t.Errorf("post-reset status = %+v, want idle and empty", st)
	}
	if _, err := tr.ExecuteSwap(context.Background(), validParams()); err != nil {
		t.Fatalf("ExecuteSwap after Reset: %v", err)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(nil, nil, nil)
	count := 0
	unsub := tr.Subscribe(func(Status) { count++ })
	unsub()

	if _, err := tr.ExecuteSwap(context.Background(), validParams()); err != nil {
		t.Fatalf("ExecuteSwap: %v", err)
	}
	if count != 0 {
		t.Errorf("unsubscribed observer called %d times", count)
	}
}
