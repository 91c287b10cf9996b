package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// VerifyFailure classifies why a claimed entry payment could not be confirmed.
type VerifyFailure string

// All verification failure classes.
const (
	FailureNone          VerifyFailure = ""
	FailureTxNotFound    VerifyFailure = "tx_not_found"
	FailureReceiptFailed VerifyFailure = "receipt_failed"
	FailureNoTransfer    VerifyFailure = "no_matching_transfer"
	FailureAmount        VerifyFailure = "amount_mismatch"
)

// Verification is the result of independently confirming an entry payment.
// It is produced fresh for every refund and payout and never cached: the
// token-transfer event it matches is the sole source of truth for who paid.
type Verification struct {
	OK      bool
	Failure VerifyFailure
	Detail  string

	// Payer is the address that actually transferred funds into escrow,
	// taken from the Transfer event rather than the transaction envelope.
	Payer common.Address

	TxFrom        common.Address
	TxTo          *common.Address
	ReceiptStatus uint64
	TransferTo    common.Address
	TransferValue *big.Int
}

// PaymentVerifier confirms on-chain that value moved into the escrow contract.
type PaymentVerifier struct {
	client EVMClient
	signer gethtypes.Signer
}

// NewPaymentVerifier constructs a verifier bound to one chain.
func NewPaymentVerifier(client EVMClient, chainID *big.Int) *PaymentVerifier {
	return &PaymentVerifier{client: client, signer: gethtypes.LatestSignerForChainID(chainID)}
}

// Verify fetches the claimed payment transaction and its receipt and scans the
// receipt's Transfer logs for value landing on the escrow address. The returned
// error covers transport problems only; every domain outcome, including a revert
// or a missing transfer, lands in the Verification so callers branch on it.
//
// The transaction's own from field can belong to a relayer or paymaster; only a
// matching Transfer event identifies the authoritative payer.
func (v *PaymentVerifier) Verify(ctx context.Context, txHash common.Hash, escrow, token common.Address, amount *big.Int) (*Verification, error) {
	if v == nil || v.client == nil {
		return nil, fmt.Errorf("chain: payment verifier not initialised")
	}
	if (txHash == common.Hash{}) {
		return &Verification{Failure: FailureTxNotFound, Detail: "tx hash required"}, nil
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("chain: expected amount must be positive")
	}

	tx, pending, err := v.client.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &Verification{Failure: FailureTxNotFound, Detail: fmt.Sprintf("transaction %s not found", txHash.Hex())}, nil
		}
		return nil, fmt.Errorf("chain: fetch transaction: %w", err)
	}
	if tx == nil || pending {
		return &Verification{Failure: FailureTxNotFound, Detail: fmt.Sprintf("transaction %s not mined", txHash.Hex())}, nil
	}
	result := &Verification{TxTo: tx.To()}
	if from, senderErr := gethtypes.Sender(v.signer, tx); senderErr == nil {
		result.TxFrom = from
	}

	receipt, err := v.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			result.Failure = FailureTxNotFound
			result.Detail = fmt.Sprintf("receipt for %s not available", txHash.Hex())
			return result, nil
		}
		return nil, fmt.Errorf("chain: fetch receipt: %w", err)
	}
	if receipt == nil {
		result.Failure = FailureTxNotFound
		result.Detail = fmt.Sprintf("receipt for %s missing", txHash.Hex())
		return result, nil
	}
	result.ReceiptStatus = receipt.Status
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		result.Failure = FailureReceiptFailed
		result.Detail = fmt.Sprintf("transaction %s reverted", txHash.Hex())
		return result, nil
	}

	sawTransfer := false
	for _, entry := range receipt.Logs {
		if entry == nil {
			continue
		}
		if entry.Address != token {
			continue
		}
		if len(entry.Topics) < 3 {
			continue
		}
		if entry.Topics[0] != transferEventSignature {
			continue
		}
		to := common.BytesToAddress(entry.Topics[2].Bytes())
		if to != escrow {
			continue
		}
		sawTransfer = true
		value := new(big.Int).SetBytes(entry.Data)
		result.TransferTo = to
		result.TransferValue = value
		if value.Cmp(amount) != 0 {
			continue
		}
		result.OK = true
		result.Failure = FailureNone
		result.Payer = common.BytesToAddress(entry.Topics[1].Bytes())
		return result, nil
	}
	if sawTransfer {
		result.Failure = FailureAmount
		result.Detail = fmt.Sprintf("transfer to escrow found but value %s != expected %s", result.TransferValue, amount)
		return result, nil
	}
	result.Failure = FailureNoTransfer
	result.Detail = fmt.Sprintf("no %s transfer to escrow in %s", token.Hex(), txHash.Hex())
	return result, nil
}
