package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/defisage/defisage/internal/pendle"
)

// BalanceReader scans a wallet's native ETH and ERC-20 holdings.
type BalanceReader struct {
	backend Backend
	tokens  []Token
	logger  *slog.Logger
}

// ReaderOption configures a BalanceReader.
type ReaderOption func(*BalanceReader)

// WithTokens adds contracts to scan beyond the defaults.
func WithTokens(tokens ...Token) ReaderOption {
	return func(r *BalanceReader) { r.tokens = append(r.tokens, tokens...) }
}

// WithReaderLogger overrides the reader's logger.
func WithReaderLogger(l *slog.Logger) ReaderOption {
	return func(r *BalanceReader) { r.logger = l }
}

// NewBalanceReader constructs a reader over the known mainnet tokens plus
// any configured extras.
func NewBalanceReader(backend Backend, opts ...ReaderOption) *BalanceReader {
	r := &BalanceReader{
		backend: backend,
		tokens:  append([]Token(nil), KnownTokens...),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Balances returns every positive holding of the address: native ETH first,
// then ERC-20 balances in the reader's token order. Token lookups run in
// parallel; a single failing contract is skipped with a warning rather than
// failing the whole read.
func (r *BalanceReader) Balances(ctx context.Context, address common.Address) ([]TokenBalance, error) {
	var (
		mu       sync.Mutex
		balances []TokenBalance
		order    = map[string]int{}
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		eth, err := r.backend.BalanceAt(gctx, address, nil)
		if err != nil {
			return fmt.Errorf("wallet: read ETH balance: %w", err)
		}
		if eth.Sign() <= 0 {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		order["ETH"] = -1
		balances = append(balances, TokenBalance{
			Symbol:    "ETH",
			Name:      "Ether",
			Decimals:  18,
			Balance:   eth.String(),
			Formatted: pendle.FormatUnits(eth, 18),
		})
		return nil
	})

	for i, token := range r.tokens {
		i, token := i, token
		g.Go(func() error {
			bal, err := r.readToken(gctx, token, address)
			if err != nil {
				r.logger.Warn("skipping token during balance scan",
					"token", token.Address.Hex(), "error", err)
				return nil
			}
			if bal == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			order[bal.Address] = i
			balances = append(balances, *bal)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(balances, func(a, b int) bool {
		ka, kb := balances[a].Address, balances[b].Address
		if balances[a].Symbol == "ETH" {
			ka = "ETH"
		}
		if balances[b].Symbol == "ETH" {
			kb = "ETH"
		}
		return order[ka] < order[kb]
	})
	return balances, nil
}

// readToken fetches one ERC-20 balance with its metadata. A zero balance
// returns (nil, nil).
func (r *BalanceReader) readToken(ctx context.Context, token Token, owner common.Address) (*TokenBalance, error) {
	var balance *big.Int
	if err := callERC20(ctx, r.backend, token.Address, "balanceOf", &balance, owner); err != nil {
		return nil, err
	}
	if balance == nil || balance.Sign() <= 0 {
		return nil, nil
	}

	symbol := token.Symbol
	if err := callERC20(ctx, r.backend, token.Address, "symbol", &symbol); err != nil && token.Symbol == "" {
		return nil, err
	}
	var name string
	if err := callERC20(ctx, r.backend, token.Address, "name", &name); err != nil {
		name = symbol
	}
	var decimals uint8
	if err := callERC20(ctx, r.backend, token.Address, "decimals", &decimals); err != nil {
		return nil, err
	}

	return &TokenBalance{
		Address:   token.Address.Hex(),
		Symbol:    symbol,
		Name:      name,
		Decimals:  decimals,
		Balance:   balance.String(),
		Formatted: pendle.FormatUnits(balance, int(decimals)),
	}, nil
}

// FilterBySymbol narrows balances to tokens whose symbol matches the query
// case-insensitively. An empty query returns the input unchanged.
func FilterBySymbol(balances []TokenBalance, symbol string) []TokenBalance {
	if symbol == "" {
		return balances
	}
	out := make([]TokenBalance, 0, len(balances))
	for _, b := range balances {
		if strings.EqualFold(b.Symbol, symbol) {
			out = append(out, b)
		}
	}
	return out
}
