// Package txtrack drives a Pendle swap through its lifecycle and exposes the
// progress as a stepwise status that UI components render live. A swap moves
// through four fixed steps: preparing the swap, fetching transaction data
// from the Pendle router, submitting the transaction, and waiting for
// on-chain confirmation.
package txtrack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/defisage/defisage/internal/observe"
	"github.com/defisage/defisage/internal/pendle"
)

// TxStatus is the overall state of a tracked swap.
type TxStatus string

const (
	StatusIdle    TxStatus = "idle"
	StatusPending TxStatus = "pending"
	StatusSuccess TxStatus = "success"
	StatusError   TxStatus = "error"
)

// StepStatus is the state of one lifecycle step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepSuccess    StepStatus = "success"
	StepError      StepStatus = "error"
)

// Step is one entry in the swap lifecycle. Details carries human-readable
// context (tx hash, advisory notes, error guidance).
type Step struct {
	ID        string     `json:"id"`
	Message   string     `json:"message"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Details   string     `json:"details,omitempty"`
}

// Status is a point-in-time snapshot of a tracked swap. Snapshots are
// copies; observers and callers may retain them freely.
type Status struct {
	TxHash string   `json:"txHash,omitempty"`
	Status TxStatus `json:"status"`
	Steps  []Step   `json:"steps"`
	Error  string   `json:"error,omitempty"`
}

// Observer receives a status snapshot after every step transition. Observers
// are called synchronously, in registration order, on the goroutine driving
// the swap.
type Observer func(Status)

// SwapBuilder fetches a ready-to-sign transaction payload for a swap.
type SwapBuilder interface {
	BuildSwap(ctx context.Context, p pendle.SwapParams) (*pendle.SwapTx, error)
}

// Submitter signs and broadcasts a transaction payload, returning the hash.
type Submitter interface {
	SubmitTransaction(ctx context.Context, tx *pendle.SwapTx) (string, error)
}

// Receipt is the confirmation outcome of a submitted transaction. Status is
// nil on chains or nodes that predate the status field.
type Receipt struct {
	Status      *uint64
	BlockNumber uint64
}

// Confirmer waits for a transaction to be mined and returns its receipt.
type Confirmer interface {
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// The fixed lifecycle messages, in execution order.
const (
	msgPrepare = "Preparing swap"
	msgBuild   = "Fetching transaction data from Pendle"
	msgSubmit  = "Submitting transaction"
	msgConfirm = "Waiting for on-chain confirmation"
)

// slippagePhrases are router error fragments that indicate the price moved
// between quote and execution. Matching errors get retry-with-higher-slippage
// guidance instead of a raw router error.
var slippagePhrases = []string{
	"price moved unfavorably",
	"Price impact exceeded",
	"Return amount is not enough",
	"Slippage",
}

// DefaultConfirmTimeout bounds how long step four waits for a receipt.
const DefaultConfirmTimeout = 3 * time.Minute

// Tracker executes one swap at a time and publishes stepwise progress. A
// Tracker is single-use per attempt; call Reset before reusing it.
type Tracker struct {
	builder   SwapBuilder
	submitter Submitter
	confirmer Confirmer

	logger         *slog.Logger
	metrics        *observe.Metrics
	confirmTimeout time.Duration
	now            func() time.Time

	// assumeSuccessOnTimeout treats a confirmation timeout as success with
	// an advisory, rather than a terminal error. Mainnet inclusion is slow
	// but near-certain once a transaction is accepted by the mempool, and
	// reporting failure for a transaction that later lands would mislead
	// the user into a duplicate swap.
	assumeSuccessOnTimeout bool

	mu        sync.Mutex
	status    Status
	observers []Observer
	running   bool
	used      bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger overrides the tracker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics wires swap metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithConfirmTimeout overrides the confirmation wait bound.
func WithConfirmTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.confirmTimeout = d }
}

// WithTimeoutAsFailure makes a confirmation timeout a terminal error instead
// of an advisory success.
func WithTimeoutAsFailure() Option {
	return func(t *Tracker) { t.assumeSuccessOnTimeout = false }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker constructs a Tracker over the given swap pipeline.
func NewTracker(builder SwapBuilder, submitter Submitter, confirmer Confirmer, opts ...Option) *Tracker {
	t := &Tracker{
		builder:                builder,
		submitter:              submitter,
		confirmer:              confirmer,
		logger:                 slog.Default(),
		confirmTimeout:         DefaultConfirmTimeout,
		now:                    time.Now,
		assumeSuccessOnTimeout: true,
		status:                 Status{Status: StatusIdle},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Subscribe registers an observer for status snapshots. It returns an
// unsubscribe function.
func (t *Tracker) Subscribe(obs Observer) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, obs)
	idx := len(t.observers) - 1
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if idx < len(t.observers) {
			t.observers[idx] = nil
		}
	}
}

// Current returns a snapshot of the tracker's state.
func (t *Tracker) Current() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Reset returns an idle tracker ready for a new attempt. It fails while a
// swap is in flight.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("txtrack: cannot reset while a swap is in progress")
	}
	t.status = Status{Status: StatusIdle}
	t.used = false
	return nil
}

// ExecuteSwap drives one swap through all four lifecycle steps and returns
// the final status. The returned error mirrors Status.Error for terminal
// failures; the status itself always carries the full step history.
func (t *Tracker) ExecuteSwap(ctx context.Context, p pendle.SwapParams) (Status, error) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return t.Current(), errors.New("txtrack: swap already in progress")
	}
	if t.used {
		t.mu.Unlock()
		return t.Current(), errors.New("txtrack: tracker already used, call Reset first")
	}
	t.running = true
	t.used = true
	t.status = Status{Status: StatusPending}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.PendingSwaps.Add(ctx, 1)
		defer t.metrics.PendingSwaps.Add(ctx, -1)
	}
	start := t.now()

	final, err := t.run(ctx, p)

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SwapDuration.Record(ctx, t.now().Sub(start).Seconds(),
			metric.WithAttributes(observe.Attr("status", string(final.Status))))
	}
	return final, err
}

func (t *Tracker) run(ctx context.Context, p pendle.SwapParams) (Status, error) {
	// Step 1: validation happens before any network traffic.
	id := t.beginStep(msgPrepare)
	if p.AmountWei == nil || p.AmountWei.Sign() <= 0 {
		return t.fail(id, "swap amount must be positive", "")
	}
	if p.MarketAddress == "" || p.TokenOut == "" {
		return t.fail(id, "swap market and output token are required", "")
	}
	t.finishStep(id, fmt.Sprintf("Swapping %s ETH", pendle.FormatUnits(p.AmountWei, 18)))

	// Step 2: fetch the router payload. Failure here is terminal; nothing
	// was broadcast.
	id = t.beginStep(msgBuild)
	tx, err := t.builder.BuildSwap(ctx, p)
	if err != nil {
		return t.fail(id, err.Error(), slippageGuidance(err))
	}
	t.finishStep(id, "")

	// Step 3: sign and broadcast. Failure here is terminal too; a rejected
	// transaction never entered the mempool.
	id = t.beginStep(msgSubmit)
	hash, err := t.submitter.SubmitTransaction(ctx, tx)
	if err != nil {
		return t.fail(id, err.Error(), slippageGuidance(err))
	}
	t.setTxHash(hash)
	t.finishStep(id, "Transaction hash: "+hash)

	// Step 4: wait for the receipt, bounded by the confirmation timeout.
	id = t.beginStep(msgConfirm)
	cctx, cancel := context.WithTimeout(ctx, t.confirmTimeout)
	defer cancel()

	receipt, err := t.confirmer.WaitForReceipt(cctx, hash)
	switch {
	case err == nil && receipt == nil:
		return t.fail(id, "confirmation returned no receipt", "")
	case err == nil && receipt.Status != nil && *receipt.Status == 0:
		return t.fail(id, "transaction reverted on-chain", "")
	case err == nil && receipt.Status == nil:
		t.finishStep(id, "Confirmed (node did not report a receipt status)")
		return t.succeed()
	case err == nil:
		t.finishStep(id, fmt.Sprintf("Confirmed in block %d", receipt.BlockNumber))
		return t.succeed()
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && t.assumeSuccessOnTimeout:
		t.logger.Warn("swap confirmation timed out, assuming success", "tx_hash", hash)
		t.finishStep(id, "Confirmation is taking longer than expected. The transaction was submitted and will likely succeed; verify it on a block explorer before retrying.")
		return t.succeed()
	default:
		return t.fail(id, err.Error(), "")
	}
}

// beginStep appends a processing step and notifies observers.
func (t *Tracker) beginStep(message string) string {
	t.mu.Lock()
	step := Step{
		ID:        uuid.NewString(),
		Message:   message,
		Status:    StepProcessing,
		Timestamp: t.now(),
	}
	t.status.Steps = append(t.status.Steps, step)
	snap := t.snapshotLocked()
	obs := t.observersLocked()
	t.mu.Unlock()

	t.notify(obs, snap)
	return step.ID
}

// finishStep marks the step successful and notifies observers.
func (t *Tracker) finishStep(id, details string) {
	t.updateStep(id, StepSuccess, details)
}

// updateStep transitions one step and publishes a snapshot.
func (t *Tracker) updateStep(id string, status StepStatus, details string) {
	t.mu.Lock()
	for i := range t.status.Steps {
		if t.status.Steps[i].ID == id {
			t.status.Steps[i].Status = status
			if details != "" {
				t.status.Steps[i].Details = details
			}
			break
		}
	}
	snap := t.snapshotLocked()
	obs := t.observersLocked()
	t.mu.Unlock()

	t.notify(obs, snap)
}

// fail marks the step and the overall swap as failed. Guidance, when
// present, replaces the raw error in the step details.
func (t *Tracker) fail(id, errMsg, guidance string) (Status, error) {
	details := errMsg
	if guidance != "" {
		details = guidance
	}
	t.mu.Lock()
	for i := range t.status.Steps {
		if t.status.Steps[i].ID == id {
			t.status.Steps[i].Status = StepError
			t.status.Steps[i].Details = details
			break
		}
	}
	t.status.Status = StatusError
	t.status.Error = details
	snap := t.snapshotLocked()
	obs := t.observersLocked()
	t.mu.Unlock()

	t.notify(obs, snap)
	t.logger.Error("swap failed", "step", id, "error", errMsg)
	return snap, errors.New(details)
}

func (t *Tracker) succeed() (Status, error) {
	t.mu.Lock()
	t.status.Status = StatusSuccess
	snap := t.snapshotLocked()
	obs := t.observersLocked()
	t.mu.Unlock()

	t.notify(obs, snap)
	return snap, nil
}

func (t *Tracker) setTxHash(hash string) {
	t.mu.Lock()
	t.status.TxHash = hash
	t.mu.Unlock()
}

// snapshotLocked deep-copies the status. Callers hold t.mu.
func (t *Tracker) snapshotLocked() Status {
	snap := t.status
	snap.Steps = make([]Step, len(t.status.Steps))
	copy(snap.Steps, t.status.Steps)
	return snap
}

// observersLocked copies the observer list. Callers hold t.mu.
func (t *Tracker) observersLocked() []Observer {
	obs := make([]Observer, len(t.observers))
	copy(obs, t.observers)
	return obs
}

func (t *Tracker) notify(obs []Observer, snap Status) {
	for _, o := range obs {
		if o != nil {
			o(snap)
		}
	}
}

// slippageGuidance maps router slippage errors to actionable guidance.
func slippageGuidance(err error) string {
	msg := err.Error()
	for _, phrase := range slippagePhrases {
		if strings.Contains(msg, phrase) {
			return "The market price moved unfavorably while the swap was being prepared. Retry with a higher slippage tolerance."
		}
	}
	return ""
}
