package engine

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"stakepool/services/settlementd/chain"
	"stakepool/services/settlementd/escrow"
	"stakepool/services/settlementd/models"
)

// basisPointDenominator is the total share a valid payout schedule sums to.
const basisPointDenominator = 10000

// SettleOptions adjusts settlement behaviour for authorized callers.
type SettleOptions struct {
	// Actor is the acting identity recorded on audit events.
	Actor string
	// AllowUnpaid skips the guard refusing settlement while entry payments
	// are outstanding. Restricted to admin callers upstream.
	AllowUnpaid bool
}

// Settle computes exact payout splits from the contract's authoritative
// collected total and executes a single settlement call. Winner payout
// addresses come from re-verifying each winner's original entry payment, not
// from any stored wallet field.
func (e *Engine) Settle(ctx context.Context, gameID uuid.UUID, winnerIDs []string, opts SettleOptions) (*SettleReport, error) {
	report := &SettleReport{GameID: gameID.String()}

	game, err := e.store.GameByID(ctx, gameID)
	if err != nil {
		return report, err
	}
	// Idempotency guard: settling a settled game is a successful no-op.
	if game.Status.Terminal() {
		report.AlreadySettled = true
		report.SettleTxHash = game.SettleTxHash
		return report, nil
	}
	if game.Status == models.GameCancelled {
		return report, fmt.Errorf("%w: game %s", ErrGameCancelled, gameID)
	}

	winners, err := dedupeWinners(winnerIDs)
	if err != nil {
		return report, err
	}
	if !opts.AllowUnpaid {
		unpaid, err := e.store.UnpaidCount(ctx, gameID)
		if err != nil {
			return report, err
		}
		if unpaid > 0 {
			return report, fmt.Errorf("%w: %d participants of game %s", ErrUnpaidParticipants, unpaid, gameID)
		}
	}

	contractGameID, err := escrow.ParseGameID(game.ContractGameID)
	if err != nil {
		return report, fmt.Errorf("engine: game %s: %w", gameID, err)
	}
	state, err := e.contract.GetGame(ctx, contractGameID)
	if err != nil {
		return report, fmt.Errorf("engine: read contract state for game %s (contract id %s): %w", gameID, game.ContractGameID, err)
	}
	report.ContractState = contractStateView(state)
	if !state.Active {
		return report, fmt.Errorf("%w: game %s (contract id %s); local and on-chain identifiers may be out of sync", ErrContractInactive, gameID, game.ContractGameID)
	}

	schedule, err := models.ParsePayoutSchedule(game.PayoutSchedule)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if err := ValidateSchedule(schedule); err != nil {
		return report, err
	}
	if len(winners) != len(schedule) {
		return report, fmt.Errorf("%w: %d winners vs %d shares", ErrWinnerMismatch, len(winners), len(schedule))
	}

	// Split is always derived from the contract's reported total, never a
	// cached or client-supplied figure.
	payouts := ComputePayouts(state.TotalCollected, schedule)
	entryFee, ok := new(big.Int).SetString(game.EntryFee, 10)
	if !ok || entryFee.Sign() <= 0 {
		return report, fmt.Errorf("engine: game %s has invalid entry fee %q", gameID, game.EntryFee)
	}
	escrowAddr := common.HexToAddress(game.EscrowAddress)
	tokenAddr := common.HexToAddress(game.TokenAddress)

	recipients := make([]common.Address, len(winners))
	winnerRows := make([]*models.Participant, len(winners))
	for i, playerID := range winners {
		participant, err := e.store.ParticipantByPlayer(ctx, gameID, playerID)
		if err != nil {
			return report, err
		}
		if participant.Status == models.ParticipantRefunded {
			return report, fmt.Errorf("engine: winner %s already refunded", playerID)
		}
		if participant.PaymentTx == "" {
			return report, fmt.Errorf("engine: winner %s has no entry payment", playerID)
		}
		verification, err := e.verifier.Verify(ctx, common.HexToHash(participant.PaymentTx), escrowAddr, tokenAddr, entryFee)
		if err != nil {
			return report, fmt.Errorf("engine: verify entry payment of winner %s: %w", playerID, err)
		}
		if !verification.OK {
			return report, fmt.Errorf("engine: entry payment of winner %s did not verify (%s): %s", playerID, verification.Failure, verification.Detail)
		}
		recipients[i] = verification.Payer
		winnerRows[i] = participant
	}
	report.Recipients = formatAddresses(recipients)
	report.Amounts = formatAmounts(payouts)

	start := e.now()
	txHash, err := e.contract.SettleGame(ctx, contractGameID, recipients, payouts)
	if err != nil {
		e.metrics.RecordSettlement("broadcast_error")
		return report, fmt.Errorf("engine: settleGame rejected for game %s: %w", gameID, err)
	}
	report.SettleTxHash = txHash.Hex()
	e.metrics.ObserveChainCall("settle", e.now().Sub(start))

	outcome, err := chain.WaitForReceipt(ctx, e.evm, txHash, e.pollInterval, e.receiptTimeout)
	if err != nil {
		e.metrics.RecordSettlement("pending")
		return report, fmt.Errorf("%w: tx %s: %v", ErrSettleUnconfirmed, txHash.Hex(), err)
	}
	switch outcome {
	case chain.ReceiptFailed:
		e.metrics.RecordSettlement("reverted")
		return report, fmt.Errorf("engine: settlement tx %s reverted on-chain for game %s", txHash.Hex(), gameID)
	case chain.ReceiptPending:
		e.metrics.RecordSettlement("pending")
		return report, fmt.Errorf("%w: tx %s", ErrSettleUnconfirmed, txHash.Hex())
	}

	// The money moved. Any persistence miss from here on must still surface
	// the transaction hash and never claim otherwise.
	if err := e.store.MarkGameSettled(ctx, gameID, txHash.Hex()); err != nil {
		e.metrics.RecordError("persist_settle")
		return report, fmt.Errorf("%w: settlement tx %s confirmed, game update failed: %v", ErrPostBroadcastPersistence, txHash.Hex(), err)
	}
	for i, participant := range winnerRows {
		if err := e.store.MarkWinnerPaid(ctx, participant.ID, payouts[i].String(), txHash.Hex(), e.now()); err != nil {
			e.metrics.RecordError("persist_winner")
			return report, fmt.Errorf("%w: settlement tx %s confirmed, winner %s update failed: %v", ErrPostBroadcastPersistence, txHash.Hex(), participant.PlayerID, err)
		}
	}
	e.metrics.RecordSettlement("succeeded")
	e.audit().SettlementConfirmed(ctx, SettlementEvent{
		GameID:     gameID.String(),
		Actor:      opts.Actor,
		Recipients: report.Recipients,
		Amounts:    report.Amounts,
		TxHash:     txHash.Hex(),
		At:         e.now(),
	})
	e.logger.Info("settlement complete",
		"game", gameID.String(),
		"tx", txHash.Hex(),
		"winners", len(winners),
		"total", state.TotalCollected.String())
	return report, nil
}

// ValidateSchedule enforces the basis-point invariant: non-negative integer
// shares summing to exactly 10000.
func ValidateSchedule(shares []int64) error {
	if len(shares) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}
	var sum int64
	for _, share := range shares {
		if share < 0 {
			return fmt.Errorf("%w: negative share %d", ErrInvalidSchedule, share)
		}
		sum += share
	}
	if sum != basisPointDenominator {
		return fmt.Errorf("%w: shares sum to %d, want %d", ErrInvalidSchedule, sum, basisPointDenominator)
	}
	return nil
}

// ComputePayouts splits the collected total by basis-point shares using floor
// division and assigns the integer-division remainder to the first payout, so
// the payouts always sum to exactly the total.
func ComputePayouts(total *big.Int, shares []int64) []*big.Int {
	payouts := make([]*big.Int, len(shares))
	distributed := new(big.Int)
	denominator := big.NewInt(basisPointDenominator)
	for i, share := range shares {
		payout := new(big.Int).Mul(total, big.NewInt(share))
		payout.Div(payout, denominator)
		payouts[i] = payout
		distributed.Add(distributed, payout)
	}
	if len(payouts) > 0 {
		remainder := new(big.Int).Sub(total, distributed)
		payouts[0] = new(big.Int).Add(payouts[0], remainder)
	}
	return payouts
}

func dedupeWinners(winnerIDs []string) ([]string, error) {
	if len(winnerIDs) == 0 {
		return nil, fmt.Errorf("%w: no winners supplied", ErrWinnerMismatch)
	}
	seen := make(map[string]struct{}, len(winnerIDs))
	winners := make([]string, 0, len(winnerIDs))
	for _, raw := range winnerIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, fmt.Errorf("%w: blank winner id", ErrDuplicateWinners)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateWinners, id)
		}
		seen[id] = struct{}{}
		winners = append(winners, id)
	}
	return winners, nil
}

func contractStateView(state *escrow.GameState) *ContractStateView {
	if state == nil {
		return nil
	}
	view := &ContractStateView{
		Active:   state.Active,
		Settled:  state.Settled,
		Currency: state.Currency,
	}
	if state.TotalCollected != nil {
		view.TotalCollected = state.TotalCollected.String()
	}
	if state.EntryFee != nil {
		view.EntryFee = state.EntryFee.String()
	}
	return view
}

func formatAddresses(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.Hex()
	}
	return out
}

func formatAmounts(amounts []*big.Int) []string {
	out := make([]string, len(amounts))
	for i, amount := range amounts {
		out[i] = amount.String()
	}
	return out
}
