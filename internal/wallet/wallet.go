// Package wallet reads balances and signs transactions against an Ethereum
// JSON-RPC node. It backs the assistant's balance and transfer tools and the
// swap pipeline's submit/confirm stages.
package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the subset of ethclient.Client the wallet layer uses. Tests
// substitute a fake.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Token identifies an ERC-20 contract worth scanning during a balance read.
type Token struct {
	Address common.Address
	Symbol  string
}

// TokenBalance is one positive holding in a wallet.
type TokenBalance struct {
	Address   string `json:"address"`
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Decimals  uint8  `json:"decimals"`
	Balance   string `json:"balance"`
	Formatted string `json:"formatted"`
}

// KnownTokens are the mainnet contracts scanned by default. Pendle PT/YT
// tokens are added per-conversation from live market data.
var KnownTokens = []Token{
	{Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "WETH"},
	{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC"},
	{Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Symbol: "DAI"},
}

// EthUsdFeedAddress is the Chainlink ETH/USD aggregator on mainnet.
var EthUsdFeedAddress = common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
