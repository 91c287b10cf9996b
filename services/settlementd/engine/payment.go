package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"stakepool/services/settlementd/chain"
)

// ConfirmPayment verifies a claimed entry payment on-chain and, if it checks
// out, transitions the participant from joined to paid. The upstream lifecycle
// collaborator calls this when a player reports their payment.
func (e *Engine) ConfirmPayment(ctx context.Context, gameID uuid.UUID, playerID, txHash string) (*chain.Verification, error) {
	game, err := e.store.GameByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	entryFee, ok := new(big.Int).SetString(game.EntryFee, 10)
	if !ok || entryFee.Sign() <= 0 {
		return nil, fmt.Errorf("engine: game %s has invalid entry fee %q", gameID, game.EntryFee)
	}
	verification, err := e.verifier.Verify(ctx,
		common.HexToHash(txHash),
		common.HexToAddress(game.EscrowAddress),
		common.HexToAddress(game.TokenAddress),
		entryFee)
	if err != nil {
		return nil, fmt.Errorf("engine: verify payment: %w", err)
	}
	if !verification.OK {
		return verification, fmt.Errorf("engine: payment %s did not verify (%s): %s", txHash, verification.Failure, verification.Detail)
	}
	updated, err := e.store.ConfirmPayment(ctx, gameID, playerID, txHash)
	if err != nil {
		return verification, err
	}
	if !updated {
		// Already paid or unknown player; idempotent for the former.
		participant, loadErr := e.store.ParticipantByPlayer(ctx, gameID, playerID)
		if loadErr != nil {
			return verification, loadErr
		}
		if participant.PaymentTx != txHash {
			return verification, fmt.Errorf("engine: participant %s already holds payment %s", playerID, participant.PaymentTx)
		}
	}
	return verification, nil
}
