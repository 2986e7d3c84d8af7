package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/defisage/defisage/internal/pendle"
	"github.com/defisage/defisage/internal/pendle/txtrack"
)

// receiptPollInterval is how often WaitForReceipt asks the node for a
// receipt before the transaction is mined.
const receiptPollInterval = 2 * time.Second

// KeyWallet signs and submits transactions with a locally held private key.
// It implements the swap pipeline's submit and confirm stages.
type KeyWallet struct {
	backend Backend
	key     *ecdsa.PrivateKey
	address common.Address
	logger  *slog.Logger

	mu sync.Mutex
	// completedTransfers maps idempotency keys to transaction hashes, so a
	// retried tool call re-reports the original transfer instead of sending
	// a second one.
	completedTransfers map[string]string
}

// KeyWalletOption configures a KeyWallet.
type KeyWalletOption func(*KeyWallet)

// WithWalletLogger overrides the wallet's logger.
func WithWalletLogger(l *slog.Logger) KeyWalletOption {
	return func(w *KeyWallet) { w.logger = l }
}

// NewKeyWallet constructs a wallet from a hex-encoded private key.
func NewKeyWallet(backend Backend, privateKeyHex string, opts ...KeyWalletOption) (*KeyWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: parse private key: %w", err)
	}
	w := &KeyWallet{
		backend:            backend,
		key:                key,
		address:            crypto.PubkeyToAddress(key.PublicKey),
		logger:             slog.Default(),
		completedTransfers: make(map[string]string),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Address is the wallet's account address.
func (w *KeyWallet) Address() common.Address {
	return w.address
}

// SubmitTransaction signs and broadcasts a router-built swap payload and
// returns the transaction hash.
func (w *KeyWallet) SubmitTransaction(ctx context.Context, swapTx *pendle.SwapTx) (string, error) {
	if swapTx == nil {
		return "", fmt.Errorf("wallet: nil transaction payload")
	}
	to := common.HexToAddress(swapTx.To)
	data, err := hexutil.Decode(swapTx.Data)
	if err != nil {
		return "", fmt.Errorf("wallet: decode transaction data: %w", err)
	}
	value := big.NewInt(0)
	if swapTx.Value != "" {
		v, ok := new(big.Int).SetString(strings.TrimPrefix(swapTx.Value, "0x"), valueBase(swapTx.Value))
		if !ok {
			return "", fmt.Errorf("wallet: invalid transaction value %q", swapTx.Value)
		}
		value = v
	}

	hash, err := w.send(ctx, &to, value, data)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// valueBase picks the numeric base for a tx value field; the router emits
// decimal strings, nodes emit 0x-prefixed hex.
func valueBase(v string) int {
	if strings.HasPrefix(v, "0x") {
		return 16
	}
	return 10
}

// TransferRequest describes one outgoing transfer. IdempotencyKey identifies
// the logical transfer; reuse it on retries of the same user intent.
type TransferRequest struct {
	IdempotencyKey string
	To             common.Address
	// Token is the ERC-20 contract, or the zero address for native ETH.
	Token  common.Address
	Amount *big.Int
}

// Transfer sends ETH or an ERC-20 token. A repeated idempotency key returns
// the hash of the original transaction without broadcasting again.
func (w *KeyWallet) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.IdempotencyKey == "" {
		return "", fmt.Errorf("wallet: transfer requires an idempotency key")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return "", fmt.Errorf("wallet: transfer amount must be positive")
	}

	w.mu.Lock()
	if hash, ok := w.completedTransfers[req.IdempotencyKey]; ok {
		w.mu.Unlock()
		w.logger.Info("transfer already completed, returning original hash",
			"idempotency_key", req.IdempotencyKey, "tx_hash", hash)
		return hash, nil
	}
	w.mu.Unlock()

	var (
		to    = req.To
		value = req.Amount
		data  []byte
	)
	if req.Token != (common.Address{}) {
		input, err := packTransfer(req.To, req.Amount)
		if err != nil {
			return "", err
		}
		to, value, data = req.Token, big.NewInt(0), input
	}

	hash, err := w.send(ctx, &to, value, data)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	w.completedTransfers[req.IdempotencyKey] = hash.Hex()
	w.mu.Unlock()
	return hash.Hex(), nil
}

// send signs and broadcasts one legacy transaction.
func (w *KeyWallet) send(ctx context.Context, to *common.Address, value *big.Int, data []byte) (common.Hash, error) {
	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: fetch nonce: %w", err)
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: fetch gas price: %w", err)
	}
	gasLimit, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: w.address, To: to, Value: value, Data: data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: estimate gas: %w", err)
	}
	chainID, err := w.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: fetch chain id: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: sign transaction: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("wallet: broadcast transaction: %w", err)
	}

	w.logger.Info("transaction broadcast", "tx_hash", signed.Hash().Hex(), "nonce", nonce)
	return signed.Hash(), nil
}

// WaitForReceipt polls for the transaction receipt until the context ends.
func (w *KeyWallet) WaitForReceipt(ctx context.Context, txHash string) (*txtrack.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			status := receipt.Status
			return &txtrack.Receipt{
				Status:      &status,
				BlockNumber: receipt.BlockNumber.Uint64(),
			}, nil
		}
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("wallet: fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// isNotFound reports whether the node simply has no receipt yet.
func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), "not found")
}

var (
	_ txtrack.Submitter = (*KeyWallet)(nil)
	_ txtrack.Confirmer = (*KeyWallet)(nil)
)
