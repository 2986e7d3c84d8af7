// Package tool defines the tool catalogue: named, schema-described
// capabilities the model may invoke mid-conversation, a registry that holds
// them, and the executor that runs them with error isolation.
//
// The registry is built once at process start and never mutated afterwards.
// Tool descriptions are concatenated verbatim into the model's system
// instructions, so registration order and wording are part of the prompt
// surface, not incidental metadata.
package tool

import (
	"context"
	"fmt"

	"github.com/defisage/defisage/pkg/provider/llm"
)

// Handler executes a tool with validated arguments and returns its payload.
// The payload must be JSON-serialisable. A returned error is converted to a
// structured error result by the [Executor]; handlers never abort the
// conversation turn.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered capability. Immutable once registered.
type Tool struct {
	// Name uniquely identifies the tool in the registry and in model output.
	Name string

	// Description tells the model when to use the tool. Inserted verbatim
	// into the system prompt.
	Description string

	// Schema declares and validates the tool's parameters.
	Schema *Schema

	// UIRendered marks tools whose results the client renders with a
	// dedicated widget. Their result annotations are suppressed from the
	// output stream and the model is instructed not to repeat the raw data,
	// while the result still enters the conversation context.
	UIRendered bool

	// Handler executes the tool.
	Handler Handler
}

// Registry is the fixed tool catalogue, keyed by name and ordered by
// registration. Build it fully at startup; it is read-only afterwards and
// therefore safe for concurrent use.
type Registry struct {
	order []string
	tools map[string]*Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Tool{}}
}

// Register adds a tool to the registry. Registration happens at startup
// only; duplicate names and incomplete definitions are programming errors
// surfaced immediately.
func (r *Registry) Register(t *Tool) error {
	if t == nil {
		return fmt.Errorf("tool: register nil tool")
	}
	if t.Name == "" {
		return fmt.Errorf("tool: register tool with empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool: register %q without handler", t.Name)
	}
	if t.Schema == nil {
		return fmt.Errorf("tool: register %q without schema", t.Name)
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool: duplicate registration of %q", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister is Register that panics on error, for static catalogue setup.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool in registration order.
func (r *Registry) All() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.order)
}

// Definitions converts the catalogue into the provider-facing tool
// definition list used for structured function calling.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, t := range r.All() {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema.JSONSchema(),
		})
	}
	return defs
}
