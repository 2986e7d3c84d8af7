package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/defisage/defisage/internal/tool"
	"github.com/defisage/defisage/pkg/provider/llm"
)

// selectionTemperature keeps tool selection near-deterministic.
const selectionTemperature = 0.1

// FallbackRule binds a tool into the XML fallback priority order with its
// structural disambiguation guards. Because several tool schemas overlap
// structurally, the fallback parser walks these rules in a fixed order and
// accepts the first match; reordering them changes which tool fires for
// ambiguous output, so the order is an explicit, tested list.
type FallbackRule struct {
	// Tool is the catalogue entry this rule selects.
	Tool *tool.Tool

	// RequireAny lists parameters at least one of which must be present in
	// the raw block for this rule to match. Empty means the rule matches
	// even with no parameters at all.
	RequireAny []string

	// Forbid lists parameters whose presence disqualifies this rule
	// (e.g. a "query" field always belongs to the search tool).
	Forbid []string
}

// matches applies the structural guards against the raw parameter block.
func (r FallbackRule) matches(block string) bool {
	for _, f := range r.Forbid {
		if blockHasParam(block, f) {
			return false
		}
	}
	if len(r.RequireAny) == 0 {
		return true
	}
	for _, req := range r.RequireAny {
		if blockHasParam(block, req) {
			return true
		}
	}
	return false
}

// Selection is one chosen tool invocation with validated arguments.
type Selection struct {
	Tool *tool.Tool
	Args map[string]any
}

// Selector decides which tool (if any) to invoke next. Structured selection
// is delegated to the provider; the XML fallback issues its own generation
// call and parses the response locally.
type Selector struct {
	provider llm.Provider
	rules    []FallbackRule
	logger   *slog.Logger
	now      func() time.Time
}

// NewSelector creates a Selector over the given provider and fallback rules.
func NewSelector(provider llm.Provider, rules []FallbackRule, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{provider: provider, rules: rules, logger: logger, now: time.Now}
}

// SelectFallback issues the XML selection call and parses the result. When
// toolMode is false it short-circuits to no selection without contacting the
// provider. A nil Selection with nil error means "no tool".
func (s *Selector) SelectFallback(ctx context.Context, messages []llm.Message, toolMode bool) (*Selection, error) {
	if !toolMode {
		return nil, nil
	}

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: BuildSelectionPrompt(s.rules, s.now()),
		Messages:     messages,
		Temperature:  selectionTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: tool selection call: %w", err)
	}
	if resp == nil {
		return nil, nil
	}

	return s.SelectFromText(resp.Content), nil
}

// SelectFromText parses a raw model response against the fallback rules.
// Exported separately so the parsing path is testable without a provider.
//
// Matching policy: the tool the model named is tried first when it appears
// in the rules; after that the remaining rules are tried in priority order.
// A rule matches when its structural guards pass and the extracted
// parameters validate against its schema. No match means no tool.
func (s *Selector) SelectFromText(text string) *Selection {
	name, block, found := extractToolCall(text)
	if !found {
		return nil
	}
	if name == "" {
		// Explicit "no tool" answer.
		return nil
	}

	for _, r := range s.tryOrder(name) {
		if !r.matches(block) {
			continue
		}
		raw := parseParams(block, r.Tool.Schema)
		args, err := r.Tool.Schema.Validate(raw)
		if err != nil {
			s.logger.Debug("fallback schema rejected", "tool", r.Tool.Name, "error", err)
			continue
		}
		return &Selection{Tool: r.Tool, Args: args}
	}

	s.logger.Debug("fallback selection matched no schema", "named_tool", name)
	return nil
}

// tryOrder returns the rules with the named tool promoted to the front.
func (s *Selector) tryOrder(name string) []FallbackRule {
	ordered := make([]FallbackRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Tool.Name == name {
			ordered = append(ordered, r)
		}
	}
	for _, r := range s.rules {
		if r.Tool.Name != name {
			ordered = append(ordered, r)
		}
	}
	return ordered
}

// SelectionFromToolCall converts a structured (native function-calling) tool
// call into a validated Selection. Validation failures and unknown tool
// names are recovered locally as "no tool", mirroring the fallback path.
func SelectionFromToolCall(registry *tool.Registry, tc llm.ToolCall, logger *slog.Logger) *Selection {
	if logger == nil {
		logger = slog.Default()
	}
	t, ok := registry.Lookup(tc.Name)
	if !ok {
		logger.Warn("model requested unknown tool", "tool", tc.Name)
		return nil
	}

	raw := map[string]any{}
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &raw); err != nil {
			logger.Warn("tool call arguments are not valid JSON", "tool", tc.Name, "error", err)
			return nil
		}
	}

	args, err := t.Schema.Validate(raw)
	if err != nil {
		logger.Warn("tool call arguments rejected", "tool", tc.Name, "error", err)
		return nil
	}
	return &Selection{Tool: t, Args: args}
}
