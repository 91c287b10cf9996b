package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMClient defines the subset of the Ethereum RPC used by the settlement daemon.
type EVMClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ReceiptOutcome is the on-chain outcome of a submitted transaction.
type ReceiptOutcome int

const (
	// ReceiptPending means no receipt is available yet; the outcome is unknown.
	ReceiptPending ReceiptOutcome = iota
	// ReceiptSuccess means the transaction was mined and succeeded.
	ReceiptSuccess
	// ReceiptFailed means the transaction was mined and reverted.
	ReceiptFailed
)

// String renders the outcome for logs and reports.
func (o ReceiptOutcome) String() string {
	switch o {
	case ReceiptSuccess:
		return "success"
	case ReceiptFailed:
		return "failed"
	default:
		return "pending"
	}
}

// ReceiptStatus looks up a transaction's receipt once. A missing transaction or
// receipt maps to pending, never to failure: an unknown outcome must not be
// treated as a revert.
func ReceiptStatus(ctx context.Context, client EVMClient, txHash common.Hash) (ReceiptOutcome, error) {
	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ReceiptPending, nil
		}
		return ReceiptPending, fmt.Errorf("chain: fetch receipt: %w", err)
	}
	if receipt == nil {
		return ReceiptPending, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return ReceiptFailed, nil
	}
	return ReceiptSuccess, nil
}

// WaitForReceipt polls for a transaction receipt until the outcome is known or
// the wait window elapses. A timeout reports pending with no error; the caller
// leaves the hash persisted for a later reconciliation pass.
func WaitForReceipt(ctx context.Context, client EVMClient, txHash common.Hash, pollInterval, timeout time.Duration) (ReceiptOutcome, error) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		outcome, err := ReceiptStatus(ctx, client, txHash)
		if err != nil {
			return ReceiptPending, err
		}
		if outcome != ReceiptPending {
			return outcome, nil
		}
		if time.Now().After(deadline) {
			return ReceiptPending, nil
		}
		select {
		case <-ctx.Done():
			return ReceiptPending, ctx.Err()
		case <-ticker.C:
		}
	}
}
