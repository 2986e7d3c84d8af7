// Package app wires all defisage subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithHistoryStore, WithProvider, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/defisage/defisage/internal/agent"
	"github.com/defisage/defisage/internal/api"
	"github.com/defisage/defisage/internal/config"
	"github.com/defisage/defisage/internal/health"
	"github.com/defisage/defisage/internal/history"
	histmock "github.com/defisage/defisage/internal/history/mock"
	histpg "github.com/defisage/defisage/internal/history/postgres"
	"github.com/defisage/defisage/internal/pendle"
	"github.com/defisage/defisage/internal/pendle/txtrack"
	"github.com/defisage/defisage/internal/resilience"
	"github.com/defisage/defisage/internal/tool"
	"github.com/defisage/defisage/internal/tool/mcpbridge"
	"github.com/defisage/defisage/internal/tools/pendletools"
	"github.com/defisage/defisage/internal/tools/question"
	"github.com/defisage/defisage/internal/tools/retrieve"
	"github.com/defisage/defisage/internal/tools/wallettools"
	"github.com/defisage/defisage/internal/tools/websearch"
	"github.com/defisage/defisage/internal/wallet"
	"github.com/defisage/defisage/pkg/provider/llm"
)

// llmBreakerDefaults is the circuit breaker applied to each LLM backend in
// the fallback chain.
var llmBreakerDefaults = resilience.CircuitBreakerConfig{
	MaxFailures:  3,
	ResetTimeout: 30 * time.Second,
	HalfOpenMax:  1,
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	provider llm.Provider
	registry *tool.Registry
	rules    []agent.FallbackRule
	loop     *agent.Loop
	store    history.Store
	bridge   *mcpbridge.Bridge
	server   *api.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithProvider injects an LLM provider instead of creating one via the registry.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// New creates an App by wiring all subsystems together. Provider construction
// goes through the config registry so main.go controls which backends are
// linked in. Use Option functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initProvider(providers); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	if err := a.initTools(); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	a.initLoop()
	a.initServer()

	return a, nil
}

// initProvider builds the primary LLM provider and its fallback chain.
func (a *App) initProvider(providers *config.Registry) error {
	if a.provider != nil {
		return nil // injected
	}

	primary, err := providers.CreateLLM(a.cfg.Providers.LLM)
	if err != nil {
		return err
	}

	if len(a.cfg.Providers.Fallbacks) == 0 {
		a.provider = primary
		return nil
	}

	chain := resilience.NewLLMFallback(primary, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{
		CircuitBreaker: llmBreakerDefaults,
	})
	for _, entry := range a.cfg.Providers.Fallbacks {
		p, err := providers.CreateLLM(entry)
		if err != nil {
			return fmt.Errorf("fallback %q: %w", entry.Name, err)
		}
		chain.AddFallback(entry.Name, p)
	}
	a.provider = chain
	return nil
}

// initHistory connects the PostgreSQL history store, or falls back to the
// in-memory store when no DSN is configured.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	if dsn := a.cfg.History.PostgresDSN; dsn != "" {
		store, err := histpg.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
	} else {
		a.store = histmock.NewStore()
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initTools builds the tool catalogue and the XML fallback priority order.
// Registration order is the order tools appear in the system prompt; the
// rules slice is the order the fallback parser tries them in.
func (a *App) initTools() error {
	a.registry = tool.NewRegistry()

	add := func(t *tool.Tool, rule agent.FallbackRule) error {
		if err := a.registry.Register(t); err != nil {
			return err
		}
		rule.Tool = t
		a.rules = append(a.rules, rule)
		return nil
	}

	// Web search tools need a configured SearXNG instance.
	if a.cfg.Search.BaseURL != "" {
		sc := websearch.NewClient(a.cfg.Search.BaseURL)
		if err := add(websearch.NewSearchTool(sc), agent.FallbackRule{
			RequireAny: []string{"query"},
		}); err != nil {
			return err
		}
		if err := add(websearch.NewVideoSearchTool(sc), agent.FallbackRule{
			RequireAny: []string{"query"},
		}); err != nil {
			return err
		}
	}

	if err := add(retrieve.NewTool(retrieve.NewFetcher()), agent.FallbackRule{
		RequireAny: []string{"url"},
		Forbid:     []string{"query"},
	}); err != nil {
		return err
	}

	if err := add(question.NewTool(), agent.FallbackRule{
		RequireAny: []string{"question"},
		Forbid:     []string{"query", "url"},
	}); err != nil {
		return err
	}

	pc := a.pendleClient()

	if err := add(pendletools.NewOpportunitiesTool(pc), agent.FallbackRule{
		Forbid: []string{"query", "url", "question", "market_address", "wallet_address", "address"},
	}); err != nil {
		return err
	}

	// Wallet-backed tools need a funded signing key.
	if a.cfg.Wallet.RPCURL == "" || a.cfg.Wallet.PrivateKey == "" {
		return nil
	}

	backend, err := ethclient.Dial(a.cfg.Wallet.RPCURL)
	if err != nil {
		return fmt.Errorf("dial ethereum rpc: %w", err)
	}
	a.closers = append(a.closers, func() error { backend.Close(); return nil })

	kw, err := wallet.NewKeyWallet(backend, a.cfg.Wallet.PrivateKey)
	if err != nil {
		return err
	}
	receiver := kw.Address().Hex()

	if err := add(pendletools.NewQuoteTool(pc, receiver), agent.FallbackRule{
		RequireAny: []string{"market_address"},
		Forbid:     []string{"amount_in_eth"},
	}); err != nil {
		return err
	}

	trackerOpts := []txtrack.Option{}
	if secs := a.cfg.Wallet.ConfirmTimeoutSeconds; secs > 0 {
		trackerOpts = append(trackerOpts, txtrack.WithConfirmTimeout(time.Duration(secs)*time.Second))
	}
	factory := func() *txtrack.Tracker {
		return txtrack.NewTracker(pc, kw, kw, trackerOpts...)
	}
	if err := add(pendletools.NewSwapTool(factory, receiver), agent.FallbackRule{
		RequireAny: []string{"amount_in_eth"},
	}); err != nil {
		return err
	}

	reader := wallet.NewBalanceReader(backend)
	price := func(ctx context.Context) (float64, error) {
		return wallet.EthUsdPrice(ctx, backend)
	}
	if err := add(wallettools.NewBalanceTool(reader, price), agent.FallbackRule{
		RequireAny: []string{"wallet_address"},
	}); err != nil {
		return err
	}

	return add(wallettools.NewTransferTool(kw), agent.FallbackRule{
		RequireAny: []string{"address", "amount"},
	})
}

// pendleClient builds the hosted Pendle API client from config.
func (a *App) pendleClient() *pendle.Client {
	var opts []pendle.ClientOption
	if a.cfg.Pendle.BaseURL != "" {
		opts = append(opts, pendle.WithBaseURL(a.cfg.Pendle.BaseURL))
	}
	if a.cfg.Pendle.ChainID != 0 {
		opts = append(opts, pendle.WithChainID(a.cfg.Pendle.ChainID))
	}
	return pendle.NewClient(opts...)
}

// initMCP connects configured MCP servers and imports their tools. External
// tools never displace built-ins and carry no fallback rules; they are only
// reachable through structured tool calling.
func (a *App) initMCP(ctx context.Context) error {
	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	a.bridge = mcpbridge.New()
	a.closers = append(a.closers, a.bridge.Close)

	for _, srv := range a.cfg.MCP.Servers {
		cfg := mcpbridge.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := a.bridge.Register(ctx, cfg, a.registry); err != nil {
			return fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		slog.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

// initLoop assembles the selector, executor, and agentic loop.
func (a *App) initLoop() {
	selector := agent.NewSelector(a.provider, a.rules, slog.Default())
	executor := tool.NewExecutor(a.registry)

	var loopOpts []agent.LoopOption
	if a.cfg.Agent.MaxToolSteps > 0 {
		loopOpts = append(loopOpts, agent.WithMaxToolSteps(a.cfg.Agent.MaxToolSteps))
	}
	a.loop = agent.NewLoop(a.provider, a.registry, executor, selector, loopOpts...)
}

// initServer assembles the HTTP server with readiness checks.
func (a *App) initServer() {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	serverOpts := []api.Option{
		api.WithHealth(health.Checker{
			Name: "history",
			Check: func(ctx context.Context) error {
				_, err := a.store.ListChats(ctx, 1)
				return err
			},
		}),
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		serverOpts = append(serverOpts, api.WithTLS(tls.CertFile, tls.KeyFile))
	}

	a.server = api.New(addr, a.loop, a.store, serverOpts...)
}

// Registry exposes the tool catalogue, mainly for tests and startup logging.
func (a *App) Registry() *tool.Registry {
	return a.registry
}

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	slog.Info("defisage starting",
		"tools", a.registry.Len(),
		"provider", a.cfg.Providers.LLM.Name,
		"fallbacks", len(a.cfg.Providers.Fallbacks),
	)
	return a.server.Run(ctx)
}

// Shutdown tears subsystems down in reverse construction order. Safe to call
// more than once.
func (a *App) Shutdown() error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
