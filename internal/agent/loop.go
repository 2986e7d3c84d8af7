package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/defisage/defisage/internal/observe"
	"github.com/defisage/defisage/internal/stream"
	"github.com/defisage/defisage/internal/tool"
	"github.com/defisage/defisage/pkg/provider/llm"
)

// answerTemperature keeps factual answers stable across retries.
const answerTemperature = 0.1

// defaultMaxToolSteps bounds the agentic loop when tool mode is enabled.
// With tool mode disabled the loop performs exactly one model turn.
const defaultMaxToolSteps = 5

// Loop drives repeated rounds of [model turn → tool selection → tool
// execution → result injection] until the model answers without requesting a
// tool or the step budget runs out. One Loop is safe for concurrent Run
// calls; all per-turn state lives on the stack.
type Loop struct {
	provider     llm.Provider
	registry     *tool.Registry
	executor     *tool.Executor
	selector     *Selector
	metrics      *observe.Metrics
	logger       *slog.Logger
	maxToolSteps int
	now          func() time.Time
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopLogger overrides the loop's logger.
func WithLoopLogger(l *slog.Logger) LoopOption {
	return func(lp *Loop) { lp.logger = l }
}

// WithLoopMetrics overrides the metrics instance (tests pass an isolated one).
func WithLoopMetrics(m *observe.Metrics) LoopOption {
	return func(lp *Loop) { lp.metrics = m }
}

// WithMaxToolSteps overrides the tool-mode step ceiling.
func WithMaxToolSteps(n int) LoopOption {
	return func(lp *Loop) { lp.maxToolSteps = n }
}

// WithClock overrides the wall clock used in system prompts.
func WithClock(now func() time.Time) LoopOption {
	return func(lp *Loop) { lp.now = now }
}

// NewLoop assembles an agentic loop controller.
func NewLoop(provider llm.Provider, registry *tool.Registry, executor *tool.Executor, selector *Selector, opts ...LoopOption) *Loop {
	l := &Loop{
		provider:     provider,
		registry:     registry,
		executor:     executor,
		selector:     selector,
		metrics:      observe.DefaultMetrics(),
		logger:       slog.Default(),
		maxToolSteps: defaultMaxToolSteps,
		now:          time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// RunRequest is one conversation turn to drive.
type RunRequest struct {
	// Messages is the conversation so far, ending with the user's message.
	Messages []llm.Message

	// ToolMode enables tool selection. When false the loop performs a single
	// model turn and never invokes a tool, regardless of model output.
	ToolMode bool
}

// RunResult is the outcome of one conversation turn.
type RunResult struct {
	// Messages is the full conversation including synthetic tool exchanges
	// and the final assistant answer, ready to persist.
	Messages []llm.Message

	// FinalText is the assistant text of the last model turn.
	FinalText string

	// Steps is the number of model turns performed.
	Steps int
}

// Run executes one conversation turn, streaming output through ann. Tool
// failures never abort the turn (the structured error result is injected
// into context for the model to explain); provider failures do, after an
// error marker is emitted on the stream.
func (l *Loop) Run(ctx context.Context, req RunRequest, ann *stream.Annotator) (*RunResult, error) {
	l.metrics.ActiveChats.Add(ctx, 1)
	defer l.metrics.ActiveChats.Add(ctx, -1)

	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)

	maxSteps := 1
	if req.ToolMode {
		maxSteps = l.maxToolSteps
	}

	system := BuildSystemPrompt(l.registry, l.now())
	structured := l.provider.Capabilities().SupportsToolCalling

	var finalText string
	steps := 0
	for steps < maxSteps {
		steps++

		var sel *Selection
		if structured {
			text, calls, err := l.modelTurn(ctx, system, msgs, req.ToolMode, ann)
			if err != nil {
				_ = ann.Fail(ctx, err)
				return nil, err
			}
			if text != "" {
				finalText = text
				msgs = append(msgs, llm.Message{Role: "assistant", Content: text})
			}
			if req.ToolMode && steps < maxSteps && len(calls) > 0 {
				sel = SelectionFromToolCall(l.registry, calls[0], l.logger)
			}
		} else {
			if req.ToolMode && steps < maxSteps {
				var err error
				sel, err = l.selector.SelectFallback(ctx, msgs, req.ToolMode)
				if err != nil {
					_ = ann.Fail(ctx, err)
					return nil, err
				}
			}
			if sel == nil {
				text, _, err := l.modelTurn(ctx, system, msgs, false, ann)
				if err != nil {
					_ = ann.Fail(ctx, err)
					return nil, err
				}
				finalText = text
				msgs = append(msgs, llm.Message{Role: "assistant", Content: text})
			}
		}

		if sel == nil {
			l.metrics.RecordAgentStep(ctx, "final_answer")
			break
		}

		l.metrics.RecordAgentStep(ctx, "tool_call")
		msgs = l.invoke(ctx, sel, ann, msgs)
	}

	if err := ann.Done(ctx); err != nil {
		return nil, fmt.Errorf("agent: close stream: %w", err)
	}
	return &RunResult{Messages: msgs, FinalText: finalText, Steps: steps}, nil
}

// invoke runs one selected tool and injects its result into the context as a
// synthetic exchange. The result is made available to the model verbatim;
// whether the model echoes it to the user is governed by the system prompt,
// and whether the client sees the raw result is governed by the annotator's
// suppression of UI-rendered tools.
func (l *Loop) invoke(ctx context.Context, sel *Selection, ann *stream.Annotator, msgs []llm.Message) []llm.Message {
	callID := stream.NewCallID()
	if err := ann.ToolCallIssued(ctx, callID, sel.Tool.Name, sel.Args); err != nil {
		l.logger.Warn("tool call annotation dropped", "tool", sel.Tool.Name, "error", err)
	}

	result := l.executor.Execute(ctx, sel.Tool.Name, sel.Args)

	if err := ann.ToolCallResolved(ctx, callID, sel.Tool.Name, result, sel.Tool.UIRendered); err != nil {
		l.logger.Warn("tool result annotation dropped", "tool", sel.Tool.Name, "error", err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", result))
	}

	ack := "Now answer the user question."
	if sel.Tool.UIRendered {
		ack = "Thanks for the information."
	}
	return append(msgs,
		llm.Message{Role: "assistant", Content: "Tool call result: " + string(payload)},
		llm.Message{Role: "user", Content: ack},
	)
}

// modelTurn performs one streaming model call, forwarding text deltas
// through ann and collecting any structured tool calls.
func (l *Loop) modelTurn(ctx context.Context, system string, msgs []llm.Message, withTools bool, ann *stream.Annotator) (string, []llm.ToolCall, error) {
	creq := llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
		Temperature:  answerTemperature,
	}
	if withTools {
		creq.Tools = l.registry.Definitions()
	}

	start := time.Now()
	ch, err := l.provider.StreamCompletion(ctx, creq)
	if err != nil {
		l.metrics.RecordProviderError(ctx, "llm", "stream")
		return "", nil, fmt.Errorf("agent: model stream: %w", err)
	}

	var text strings.Builder
	var calls []llm.ToolCall
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			l.metrics.RecordProviderError(ctx, "llm", "stream")
			return "", nil, fmt.Errorf("agent: model stream: %s", chunk.Text)
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if err := ann.TextDelta(ctx, chunk.Text); err != nil {
				l.logger.Warn("text delta dropped", "error", err)
			}
		}
		calls = append(calls, chunk.ToolCalls...)
	}

	l.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	return text.String(), calls, nil
}
