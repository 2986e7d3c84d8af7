package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/defisage/defisage/internal/config"
	"github.com/defisage/defisage/internal/tool/mcpbridge"
	"github.com/defisage/defisage/pkg/provider/llm"
	llmmock "github.com/defisage/defisage/pkg/provider/llm/mock"
)

const fullYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
    options:
      organization: acme
  fallbacks:
    - name: anthropic
      api_key: sk-ant
      model: claude-sonnet-4
    - name: ollama
      base_url: http://localhost:11434
      model: llama3
agent:
  max_tool_steps: 5
search:
  base_url: http://localhost:8888
pendle:
  base_url: https://api-v2.pendle.finance/core
  chain_id: 1
wallet:
  rpc_url: https://eth.example.com
  private_key: "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
  confirm_timeout_seconds: 180
history:
  postgres_dsn: "postgres://localhost/defisage"
mcp:
  servers:
    - name: filesystem
      transport: stdio
      command: "npx @modelcontextprotocol/server-filesystem /data"
      env:
        LOG_LEVEL: warn
    - name: remote-tools
      transport: streamable-http
      url: http://localhost:9090/mcp
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Providers.LLM.Name != "openai" || cfg.Providers.LLM.Model != "gpt-4o" {
		t.Errorf("llm provider: got %+v", cfg.Providers.LLM)
	}
	if got := cfg.Providers.LLM.Options["organization"]; got != "acme" {
		t.Errorf("llm options: got %v", got)
	}
	if len(cfg.Providers.Fallbacks) != 2 {
		t.Fatalf("fallbacks: got %d, want 2", len(cfg.Providers.Fallbacks))
	}
	if cfg.Providers.Fallbacks[1].BaseURL != "http://localhost:11434" {
		t.Errorf("fallback base_url: got %q", cfg.Providers.Fallbacks[1].BaseURL)
	}
	if cfg.Agent.MaxToolSteps != 5 {
		t.Errorf("max_tool_steps: got %d", cfg.Agent.MaxToolSteps)
	}
	if cfg.Pendle.ChainID != 1 {
		t.Errorf("chain_id: got %d", cfg.Pendle.ChainID)
	}
	if cfg.Wallet.ConfirmTimeoutSeconds != 180 {
		t.Errorf("confirm_timeout_seconds: got %d", cfg.Wallet.ConfirmTimeoutSeconds)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("mcp servers: got %d, want 2", len(cfg.MCP.Servers))
	}
	if cfg.MCP.Servers[0].Transport != mcpbridge.TransportStdio {
		t.Errorf("server[0] transport: got %q", cfg.MCP.Servers[0].Transport)
	}
	if cfg.MCP.Servers[0].Env["LOG_LEVEL"] != "warn" {
		t.Errorf("server[0] env: got %v", cfg.MCP.Servers[0].Env)
	}
	if cfg.MCP.Servers[1].URL != "http://localhost:9090/mcp" {
		t.Errorf("server[1] url: got %q", cfg.MCP.Servers[1].URL)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
banana: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "DEBUG", "verbose"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestRegistry_CreateLLM(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		gotEntry = entry
		return &llmmock.Provider{}, nil
	})

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "mock", Model: "test-model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("CreateLLM returned nil provider")
	}
	if gotEntry.Model != "test-model" {
		t.Errorf("factory entry model: got %q", gotEntry.Model)
	}
}

func TestRegistry_CreateLLM_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("first")
	})
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("second")
	})

	_, err := reg.CreateLLM(config.ProviderEntry{Name: "mock"})
	if err == nil || err.Error() != "second" {
		t.Fatalf("expected second registration to win, got %v", err)
	}
}
