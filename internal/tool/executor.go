package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/defisage/defisage/internal/observe"
)

// Executor runs tools behind an isolation boundary: whatever happens inside
// a handler (returned error or panic), the executor produces exactly one
// structured result and never propagates a failure to the agent loop.
type Executor struct {
	registry *Registry
	metrics  *observe.Metrics
	logger   *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMetrics overrides the metrics instance (tests pass an isolated one).
func WithMetrics(m *observe.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger overrides the executor's logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		metrics:  observe.DefaultMetrics(),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute validates args against the named tool's schema and runs its
// handler. The returned payload is either the handler's result or, on any
// failure, a map of the shape {"success": false, "error": <message>} merged
// with the arguments that were attempted, so the model can see what it asked
// for. A validation failure never reaches the handler.
func (e *Executor) Execute(ctx context.Context, name string, rawArgs map[string]any) any {
	t, ok := e.registry.Lookup(name)
	if !ok {
		e.metrics.RecordToolCall(ctx, name, "unknown")
		return errorResult(rawArgs, fmt.Sprintf("unknown tool %q", name))
	}

	args, err := t.Schema.Validate(rawArgs)
	if err != nil {
		e.logger.Warn("tool arguments rejected", "tool", name, "error", err)
		e.metrics.RecordToolCall(ctx, name, "invalid_args")
		return errorResult(rawArgs, err.Error())
	}

	start := time.Now()
	payload, err := e.run(ctx, t, args)
	elapsed := time.Since(start)
	e.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())

	if err != nil {
		e.logger.Warn("tool execution failed", "tool", name, "duration", elapsed, "error", err)
		e.metrics.RecordToolCall(ctx, name, "error")
		return errorResult(args, err.Error())
	}

	e.logger.Debug("tool executed", "tool", name, "duration", elapsed)
	e.metrics.RecordToolCall(ctx, name, "ok")
	return payload
}

// run invokes the handler, converting panics into errors so a misbehaving
// tool cannot take down the conversation turn.
func (e *Executor) run(ctx context.Context, t *Tool, args map[string]any) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v", t.Name, r)
		}
	}()
	return t.Handler(ctx, args)
}

// errorResult builds the structured failure payload, echoing the attempted
// arguments alongside the error message.
func errorResult(args map[string]any, msg string) map[string]any {
	out := make(map[string]any, len(args)+2)
	for k, v := range args {
		out[k] = v
	}
	out["success"] = false
	out["error"] = msg
	return out
}
