package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const aggregatorABIJSON = `[
  {"constant":true,"inputs":[],"name":"latestRoundData","outputs":[
    {"name":"roundId","type":"uint80"},
    {"name":"answer","type":"int256"},
    {"name":"startedAt","type":"uint256"},
    {"name":"updatedAt","type":"uint256"},
    {"name":"answeredInRound","type":"uint80"}
  ],"type":"function"}
]`

var (
	abiOnce       sync.Once
	erc20ABI      abi.ABI
	aggregatorABI abi.ABI
	abiErr        error
)

func loadABIs() error {
	abiOnce.Do(func() {
		erc20ABI, abiErr = abi.JSON(strings.NewReader(erc20ABIJSON))
		if abiErr != nil {
			return
		}
		aggregatorABI, abiErr = abi.JSON(strings.NewReader(aggregatorABIJSON))
	})
	return abiErr
}

// callERC20 performs one read-only ERC-20 method call and unpacks the single
// return value into out.
func callERC20(ctx context.Context, backend Backend, token common.Address, method string, out any, args ...any) error {
	if err := loadABIs(); err != nil {
		return fmt.Errorf("wallet: parse erc20 abi: %w", err)
	}
	input, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("wallet: pack %s: %w", method, err)
	}
	ret, err := backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return fmt.Errorf("wallet: call %s on %s: %w", method, token.Hex(), err)
	}
	if err := erc20ABI.UnpackIntoInterface(out, method, ret); err != nil {
		return fmt.Errorf("wallet: unpack %s: %w", method, err)
	}
	return nil
}

// packTransfer builds ERC-20 transfer calldata.
func packTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	if err := loadABIs(); err != nil {
		return nil, fmt.Errorf("wallet: parse erc20 abi: %w", err)
	}
	input, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("wallet: pack transfer: %w", err)
	}
	return input, nil
}

// EthUsdPrice reads the Chainlink ETH/USD aggregator and returns the price
// in dollars. Chainlink USD feeds report 8 decimals.
func EthUsdPrice(ctx context.Context, backend Backend) (float64, error) {
	if err := loadABIs(); err != nil {
		return 0, fmt.Errorf("wallet: parse aggregator abi: %w", err)
	}
	input, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return 0, fmt.Errorf("wallet: pack latestRoundData: %w", err)
	}
	ret, err := backend.CallContract(ctx, ethereum.CallMsg{To: &EthUsdFeedAddress, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("wallet: read ETH/USD feed: %w", err)
	}
	values, err := aggregatorABI.Unpack("latestRoundData", ret)
	if err != nil {
		return 0, fmt.Errorf("wallet: unpack latestRoundData: %w", err)
	}
	if len(values) < 2 {
		return 0, fmt.Errorf("wallet: ETH/USD feed returned %d values", len(values))
	}
	answer, ok := values[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return 0, fmt.Errorf("wallet: ETH/USD feed returned invalid answer")
	}
	price, _ := new(big.Float).Quo(new(big.Float).SetInt(answer), big.NewFloat(1e8)).Float64()
	return price, nil
}
