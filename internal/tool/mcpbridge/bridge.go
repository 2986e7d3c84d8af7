// Package mcpbridge imports tools from external MCP servers into the tool
// registry. It connects via stdio or streamable-HTTP transports using the
// official MCP Go SDK, converts each discovered tool's JSON schema into the
// registry's typed parameter schema, and routes executions back to the
// owning server session.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/defisage/defisage/internal/tool"
)

// Transport identifies how to reach an MCP server.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one external MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and errors.
	Name string

	// Transport selects stdio or streamable-HTTP.
	Transport Transport

	// Command is the stdio server command line, split on spaces.
	Command string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string

	// URL is the streamable-HTTP endpoint.
	URL string
}

// Bridge owns the MCP client and its server sessions. Register all servers
// at startup, then Close on shutdown.
type Bridge struct {
	client *mcpsdk.Client
	logger *slog.Logger

	mu       sync.Mutex
	sessions []*mcpsdk.ClientSession
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger overrides the bridge's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New constructs a Bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "defisage-mcpbridge", Version: "1.0.0"},
			nil,
		),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register connects to the server and registers every tool it advertises.
// Tool names that collide with already-registered tools are skipped with a
// warning; the built-in catalogue wins.
func (b *Bridge) Register(ctx context.Context, cfg ServerConfig, registry *tool.Registry) error {
	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		return err
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpbridge: connect to server %q: %w", cfg.Name, err)
	}

	var registered int
	for mcpTool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: list tools for server %q: %w", cfg.Name, err)
		}
		if _, exists := registry.Lookup(mcpTool.Name); exists {
			b.logger.Warn("skipping MCP tool shadowing a built-in tool",
				"server", cfg.Name, "tool", mcpTool.Name)
			continue
		}
		if err := registry.Register(bridgedTool(session, *mcpTool)); err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: register tool %q from server %q: %w", mcpTool.Name, cfg.Name, err)
		}
		registered++
	}

	b.mu.Lock()
	b.sessions = append(b.sessions, session)
	b.mu.Unlock()

	b.logger.Info("MCP server registered", "server", cfg.Name, "tools", registered)
	return nil
}

// Close shuts down every server session.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, s := range b.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.sessions = nil
	return errors.Join(errs...)
}

func buildTransport(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcpbridge: server config requires a name")
	}
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("mcpbridge: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcpbridge: streamable-http server %q requires a URL", cfg.Name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil

	default:
		return nil, fmt.Errorf("mcpbridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
}

// bridgedTool wraps one discovered MCP tool as a registry tool. Execution
// concatenates the result's text content; an error-flagged result becomes a
// handler error so the executor reports it in its structured form.
func bridgedTool(session *mcpsdk.ClientSession, mcpTool mcpsdk.Tool) *tool.Tool {
	name := mcpTool.Name
	return &tool.Tool{
		Name:        name,
		Description: mcpTool.Description,
		Schema:      SchemaFromJSONSchema(schemaToMap(mcpTool.InputSchema)),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
				Name:      name,
				Arguments: args,
			})
			if err != nil {
				return nil, fmt.Errorf("mcpbridge: call %q: %w", name, err)
			}

			var sb strings.Builder
			for _, c := range result.Content {
				if tc, ok := c.(*mcpsdk.TextContent); ok {
					sb.WriteString(tc.Text)
				}
			}
			if result.IsError {
				return nil, fmt.Errorf("mcpbridge: tool %q reported an error: %s", name, sb.String())
			}
			return map[string]any{"content": sb.String()}, nil
		},
	}
}

// SchemaFromJSONSchema converts a JSON-Schema object into the registry's
// typed parameter schema. Unrepresentable property types fall back to
// string so the closed validator still accepts the declared key.
func SchemaFromJSONSchema(js map[string]any) *tool.Schema {
	props, _ := js["properties"].(map[string]any)
	requiredSet := map[string]bool{}
	if required, ok := js["required"].([]any); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				requiredSet[name] = true
			}
		}
	}

	params := make([]tool.Param, 0, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		desc, _ := prop["description"].(string)
		p := tool.Param{
			Name:        name,
			Type:        paramType(prop),
			Description: desc,
			Required:    requiredSet[name],
		}
		if enum, ok := prop["enum"].([]any); ok {
			for _, e := range enum {
				if s, ok := e.(string); ok {
					p.Enum = append(p.Enum, s)
				}
			}
		}
		if !p.Required {
			p.Default = prop["default"]
		}
		params = append(params, p)
	}

	// Map iteration order is random; keep the prompt surface stable.
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return tool.NewSchema(params...)
}

func paramType(prop map[string]any) tool.ParamType {
	t, _ := prop["type"].(string)
	switch t {
	case "number":
		return tool.TypeNumber
	case "integer":
		return tool.TypeInteger
	case "boolean":
		return tool.TypeBoolean
	case "array":
		if items, ok := prop["items"].(map[string]any); ok {
			if it, _ := items["type"].(string); it == "string" {
				return tool.TypeStringArray
			}
		}
		return tool.TypeStringArray
	default:
		return tool.TypeString
	}
}

// schemaToMap normalises the SDK's schema value to a plain map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
