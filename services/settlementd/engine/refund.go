package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"stakepool/services/settlementd/chain"
	"stakepool/services/settlementd/escrow"
	"stakepool/services/settlementd/models"
)

// Cancel aborts a game and drives every eligible participant through
// verify → lock → broadcast → confirm. One participant's failure never aborts
// the others; the report carries a terminal or pending outcome for each.
// Calling Cancel again for an already-cancelled game resumes any unfinished
// refunds and is otherwise a no-op.
func (e *Engine) Cancel(ctx context.Context, gameID uuid.UUID, actor string) (*CancelReport, error) {
	game, err := e.store.GameByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game.Status.Terminal() {
		return nil, fmt.Errorf("%w: game %s is %s", ErrGameSettled, gameID, game.Status)
	}
	if err := e.store.MarkGameCancelled(ctx, gameID); err != nil {
		return nil, err
	}

	report := &CancelReport{GameID: gameID.String()}

	// Resolve prior broadcasts before considering anything new.
	resolved, err := e.sweep(ctx, game)
	if err != nil {
		return nil, fmt.Errorf("engine: reconciliation sweep: %w", err)
	}

	// Reload after the sweep: it may have finalised rows or re-opened them.
	participants, err := e.store.ParticipantsByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	report.ParticipantsConsidered = len(participants)

	entryFee, ok := new(big.Int).SetString(game.EntryFee, 10)
	if !ok || entryFee.Sign() <= 0 {
		return nil, fmt.Errorf("engine: game %s has invalid entry fee %q", gameID, game.EntryFee)
	}
	contractGameID, err := escrow.ParseGameID(game.ContractGameID)
	if err != nil {
		return nil, fmt.Errorf("engine: game %s: %w", gameID, err)
	}
	escrowAddr := common.HexToAddress(game.EscrowAddress)
	tokenAddr := common.HexToAddress(game.TokenAddress)

	for _, participant := range participants {
		if result, done := resolved[participant.ID]; done {
			report.Details = append(report.Details, result)
			switch result.Outcome {
			case OutcomeSucceeded:
				report.RefundsSucceeded++
			case OutcomePending:
				report.RefundsPending++
			}
			continue
		}
		result := e.refundParticipant(ctx, game, &participant, contractGameID, escrowAddr, tokenAddr, entryFee, actor, report)
		report.Details = append(report.Details, result)
	}
	e.logger.Info("cancel complete",
		"game", gameID.String(),
		"considered", report.ParticipantsConsidered,
		"eligible", report.EligibleForRefund,
		"attempted", report.RefundsAttempted,
		"succeeded", report.RefundsSucceeded,
		"pending", report.RefundsPending)
	return report, nil
}

// refundParticipant runs a single verify → lock → broadcast → confirm cycle.
// At most one broadcast happens per participant per invocation.
func (e *Engine) refundParticipant(ctx context.Context, game *models.Game, participant *models.Participant, contractGameID *big.Int, escrowAddr, tokenAddr common.Address, entryFee *big.Int, actor string, report *CancelReport) ParticipantResult {
	result := ParticipantResult{
		ParticipantID: participant.ID.String(),
		PlayerID:      participant.PlayerID,
	}

	if participant.Status.Terminal() {
		result.Outcome = OutcomeSkipped
		result.Failure = FailureAlreadyResolved
		result.Detail = fmt.Sprintf("participant already %s", participant.Status)
		if participant.Status == models.ParticipantRefunded && participant.RefundTx != nil {
			result.RefundTx = *participant.RefundTx
		}
		return result
	}
	if participant.RefundTx != nil {
		// A hash present here means another invocation broadcast between our
		// sweep and this pass. Leave it for the next sweep.
		result.Outcome = OutcomePending
		result.Failure = FailureReceiptTimeout
		result.Detail = "refund broadcast by a concurrent invocation"
		result.RefundTx = *participant.RefundTx
		report.RefundsPending++
		return result
	}
	if participant.PaymentTx == "" {
		result.Outcome = OutcomeSkipped
		result.Failure = FailureNotEligible
		result.Detail = "no entry payment recorded"
		return result
	}
	report.EligibleForRefund++

	// Verify: the payout target is whoever actually funded the escrow, taken
	// from the token-transfer event, never from the transaction sender.
	verification, err := e.verifier.Verify(ctx, common.HexToHash(participant.PaymentTx), escrowAddr, tokenAddr, entryFee)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Failure = FailureVerification
		result.Detail = fmt.Sprintf("payment verification unavailable: %v", err)
		e.metrics.RecordError("verify")
		return result
	}
	if !verification.OK {
		result.Outcome = OutcomeFailed
		result.Failure = FailureVerification
		result.Detail = fmt.Sprintf("payment verification failed (%s): %s", verification.Failure, verification.Detail)
		e.metrics.RecordRefund("verify_failed")
		return result
	}

	// Lock: one conditional update; losing simply means the refund is already
	// in flight elsewhere.
	lockID := uuid.NewString()
	acquired, err := e.acquireLock(ctx, participant.ID, lockID)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Failure = FailureBroadcast
		result.Detail = fmt.Sprintf("lock acquisition error: %v", err)
		e.metrics.RecordError("lock")
		return result
	}
	if !acquired {
		result.Outcome = OutcomeSkipped
		result.Failure = FailureLockContention
		result.Detail = "refund already in flight"
		e.metrics.RecordRefund("lock_contention")
		return result
	}

	report.RefundsAttempted++
	txHash, err := e.contract.RefundPlayer(ctx, contractGameID, verification.Payer)
	if err != nil {
		// Nothing broadcast: release the lock so a later invocation can retry.
		if releaseErr := e.store.ReleaseLock(ctx, participant.ID, lockID); releaseErr != nil {
			e.logger.Error("release lock after failed broadcast", "participant", participant.ID.String(), "error", releaseErr)
		}
		result.Outcome = OutcomeFailed
		result.Failure = FailureBroadcast
		result.Detail = fmt.Sprintf("refund broadcast rejected: %v", err)
		e.metrics.RecordRefund("broadcast_error")
		return result
	}
	result.RefundTx = txHash.Hex()

	// Crash-safety boundary: the broadcast is irrevocable, so the hash must
	// land in the datastore before anything else. If this write fails the hash
	// still goes out in the response for manual reconciliation.
	persisted, err := e.store.RecordRefundBroadcast(ctx, participant.ID, lockID, txHash.Hex())
	if err != nil || !persisted {
		result.Outcome = OutcomeFailed
		result.Failure = FailurePostBroadcast
		if err != nil {
			result.Detail = fmt.Sprintf("refund %s broadcast but hash persistence failed: %v", txHash.Hex(), err)
		} else {
			result.Detail = fmt.Sprintf("refund %s broadcast but lock %s no longer held", txHash.Hex(), lockID)
		}
		e.metrics.RecordError("persist_hash")
		e.logger.Error("refund hash not persisted",
			"game", game.ID.String(),
			"participant", participant.ID.String(),
			"tx", txHash.Hex())
		return result
	}

	outcome, err := chain.WaitForReceipt(ctx, e.evm, txHash, e.pollInterval, e.receiptTimeout)
	if err != nil {
		// Outcome unknown: the persisted hash makes this a sweep target.
		result.Outcome = OutcomePending
		result.Failure = FailureReceiptTimeout
		result.Detail = fmt.Sprintf("receipt wait failed: %v", err)
		report.RefundsPending++
		e.metrics.RecordRefund("pending")
		return result
	}
	switch outcome {
	case chain.ReceiptSuccess:
		if err := e.store.MarkRefunded(ctx, participant.ID, txHash.Hex(), e.now()); err != nil {
			result.Outcome = OutcomeFailed
			result.Failure = FailurePostBroadcast
			result.Detail = fmt.Sprintf("refund %s confirmed but persistence failed: %v", txHash.Hex(), err)
			e.metrics.RecordError("persist_confirm")
			return result
		}
		result.Outcome = OutcomeSucceeded
		report.RefundsSucceeded++
		e.metrics.RecordRefund("succeeded")
		e.audit().RefundConfirmed(ctx, RefundEvent{
			GameID:        game.ID.String(),
			ParticipantID: participant.ID.String(),
			PlayerID:      participant.PlayerID,
			Actor:         actor,
			Amount:        game.EntryFee,
			TxHash:        txHash.Hex(),
			At:            e.now(),
		})
	case chain.ReceiptFailed:
		if err := e.store.ClearRefundTx(ctx, participant.ID, txHash.Hex()); err != nil {
			result.Detail = fmt.Sprintf("refund %s reverted; clearing hash failed: %v", txHash.Hex(), err)
		} else {
			result.Detail = fmt.Sprintf("refund %s reverted on-chain; retryable", txHash.Hex())
		}
		result.Outcome = OutcomeFailed
		result.Failure = FailureOnchainRevert
		e.metrics.RecordRefund("reverted")
	case chain.ReceiptPending:
		result.Outcome = OutcomePending
		result.Failure = FailureReceiptTimeout
		result.Detail = fmt.Sprintf("refund %s awaiting confirmation", txHash.Hex())
		report.RefundsPending++
		e.metrics.RecordRefund("pending")
	}
	return result
}

// acquireLock claims the per-participant refund lock, clearing a stale lock and
// retrying acquisition exactly once.
func (e *Engine) acquireLock(ctx context.Context, participantID uuid.UUID, lockID string) (bool, error) {
	expiry := e.now().Add(e.lockTTL)
	acquired, err := e.store.TryAcquireRefundLock(ctx, participantID, lockID, expiry)
	if err != nil || acquired {
		return acquired, err
	}
	current, err := e.store.ParticipantByID(ctx, participantID)
	if err != nil {
		return false, err
	}
	if current.RefundLockID == nil || current.LockExpiry == nil || !current.LockExpiry.Before(e.now()) {
		return false, nil
	}
	cleared, err := e.store.ClearExpiredLock(ctx, participantID, e.now())
	if err != nil || !cleared {
		return false, err
	}
	return e.store.TryAcquireRefundLock(ctx, participantID, lockID, expiry)
}
