package mcpbridge

import (
	"testing"

	"github.com/defisage/defisage/internal/tool"
)

func TestSchemaFromJSONSchema(t *testing.T) {
	t.Parallel()

	js := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":   map[string]any{"type": "string", "description": "the query"},
			"count":   map[string]any{"type": "integer", "default": float64(5)},
			"ratio":   map[string]any{"type": "number"},
			"verbose": map[string]any{"type": "boolean"},
			"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"mode":    map[string]any{"type": "string", "enum": []any{"fast", "slow"}},
			"blob":    map[string]any{"type": "object"},
		},
		"required": []any{"query"},
	}

	schema := SchemaFromJSONSchema(js)
	params := schema.Params()
	if len(params) != 7 {
		t.Fatalf("got %d params, want 7", len(params))
	}

	// Deterministic name order regardless of map iteration.
	for i := 1; i < len(params); i++ {
		if params[i].Name < params[i-1].Name {
			t.Fatalf("params not sorted: %q before %q", params[i-1].Name, params[i].Name)
		}
	}

	q, _ := schema.Lookup("query")
	if q.Type != tool.TypeString || !q.Required || q.Description != "the query" {
		t.Errorf("query param = %+v", q)
	}
	c, _ := schema.Lookup("count")
	if c.Type != tool.TypeInteger || c.Default != float64(5) {
		t.Errorf("count param = %+v", c)
	}
	if r, _ := schema.Lookup("ratio"); r.Type != tool.TypeNumber {
		t.Errorf("ratio type = %v", r.Type)
	}
	if v, _ := schema.Lookup("verbose"); v.Type != tool.TypeBoolean {
		t.Errorf("verbose type = %v", v.Type)
	}
	if tags, _ := schema.Lookup("tags"); tags.Type != tool.TypeStringArray {
		t.Errorf("tags type = %v", tags.Type)
	}
	m, _ := schema.Lookup("mode")
	if len(m.Enum) != 2 || m.Enum[0] != "fast" {
		t.Errorf("mode enum = %v", m.Enum)
	}
	// Unrepresentable property types degrade to string, keeping the key
	// accepted by the closed validator.
	if b, _ := schema.Lookup("blob"); b.Type != tool.TypeString {
		t.Errorf("blob type = %v", b.Type)
	}
}

func TestSchemaFromJSONSchema_Empty(t *testing.T) {
	t.Parallel()

	schema := SchemaFromJSONSchema(map[string]any{"type": "object"})
	if len(schema.Params()) != 0 {
		t.Errorf("empty schema produced params: %+v", schema.Params())
	}
	args, err := schema.Validate(map[string]any{})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(args) != 0 {
		t.Errorf("args = %v", args)
	}
}

func TestBuildTransport_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{name: "missing name", cfg: ServerConfig{Transport: TransportStdio, Command: "server"}},
		{name: "stdio without command", cfg: ServerConfig{Name: "s", Transport: TransportStdio}},
		{name: "http without url", cfg: ServerConfig{Name: "s", Transport: TransportStreamableHTTP}},
		{name: "unknown transport", cfg: ServerConfig{Name: "s", Transport: "carrier-pigeon"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := buildTransport(t.Context(), tc.cfg); err == nil {
				t.Errorf("buildTransport(%+v) succeeded", tc.cfg)
			}
		})
	}
}
