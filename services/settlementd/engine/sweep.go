package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"stakepool/services/settlementd/chain"
	"stakepool/services/settlementd/models"
)

// sweep resolves refunds broadcast by a prior invocation before any new refund
// is considered. A success receipt finalises the participant, an explicit revert
// clears the hash so the participant is retryable in this same invocation, and
// an absent receipt leaves the row untouched: an unknown outcome is never a
// licence to re-broadcast.
func (e *Engine) sweep(ctx context.Context, game *models.Game) (map[uuid.UUID]ParticipantResult, error) {
	pending, err := e.store.PendingRefunds(ctx, game.ID)
	if err != nil {
		return nil, err
	}
	resolved := make(map[uuid.UUID]ParticipantResult, len(pending))
	stillPending := 0
	for _, participant := range pending {
		if participant.RefundTx == nil {
			continue
		}
		txHash := common.HexToHash(*participant.RefundTx)
		outcome, err := chain.ReceiptStatus(ctx, e.evm, txHash)
		if err != nil {
			// RPC failure: outcome unknown, leave the hash for a later pass.
			stillPending++
			resolved[participant.ID] = ParticipantResult{
				ParticipantID: participant.ID.String(),
				PlayerID:      participant.PlayerID,
				Outcome:       OutcomePending,
				Failure:       FailureReceiptTimeout,
				Detail:        fmt.Sprintf("reconciliation receipt lookup failed: %v", err),
				RefundTx:      *participant.RefundTx,
			}
			continue
		}
		switch outcome {
		case chain.ReceiptSuccess:
			if err := e.store.MarkRefunded(ctx, participant.ID, *participant.RefundTx, e.now()); err != nil {
				resolved[participant.ID] = ParticipantResult{
					ParticipantID: participant.ID.String(),
					PlayerID:      participant.PlayerID,
					Outcome:       OutcomeFailed,
					Failure:       FailurePostBroadcast,
					Detail:        fmt.Sprintf("refund confirmed on-chain but persistence failed: %v", err),
					RefundTx:      *participant.RefundTx,
				}
				e.metrics.RecordError("sweep_persist")
				continue
			}
			resolved[participant.ID] = ParticipantResult{
				ParticipantID: participant.ID.String(),
				PlayerID:      participant.PlayerID,
				Outcome:       OutcomeSucceeded,
				Detail:        "refund from prior invocation confirmed",
				RefundTx:      *participant.RefundTx,
			}
			e.metrics.RecordRefund("reconciled")
			e.audit().RefundConfirmed(ctx, RefundEvent{
				GameID:        game.ID.String(),
				ParticipantID: participant.ID.String(),
				PlayerID:      participant.PlayerID,
				Amount:        game.EntryFee,
				TxHash:        *participant.RefundTx,
				At:            e.now(),
			})
		case chain.ReceiptFailed:
			if err := e.store.ClearRefundTx(ctx, participant.ID, *participant.RefundTx); err != nil {
				resolved[participant.ID] = ParticipantResult{
					ParticipantID: participant.ID.String(),
					PlayerID:      participant.PlayerID,
					Outcome:       OutcomeFailed,
					Failure:       FailureOnchainRevert,
					Detail:        fmt.Sprintf("refund reverted on-chain; clearing hash failed: %v", err),
					RefundTx:      *participant.RefundTx,
				}
				continue
			}
			// Hash cleared: the participant re-enters the eligible set below.
			e.logger.Info("cleared reverted refund",
				"game", game.ID.String(),
				"participant", participant.ID.String(),
				"tx", *participant.RefundTx)
			e.metrics.RecordRefund("revert_cleared")
		case chain.ReceiptPending:
			stillPending++
			resolved[participant.ID] = ParticipantResult{
				ParticipantID: participant.ID.String(),
				PlayerID:      participant.PlayerID,
				Outcome:       OutcomePending,
				Failure:       FailureReceiptTimeout,
				Detail:        "refund broadcast awaiting confirmation",
				RefundTx:      *participant.RefundTx,
			}
		}
	}
	e.metrics.SetPendingRefunds(stillPending)
	return resolved, nil
}
