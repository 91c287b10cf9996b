package engine

import "errors"

// Sentinel errors surfaced by the engine before any chain interaction.
var (
	// ErrGameSettled rejects cancellation of a settled or completed game.
	ErrGameSettled = errors.New("engine: game already settled")
	// ErrGameCancelled rejects settlement of a cancelled game.
	ErrGameCancelled = errors.New("engine: game cancelled")
	// ErrUnpaidParticipants rejects settlement while entry payments are outstanding.
	ErrUnpaidParticipants = errors.New("engine: unpaid participants")
	// ErrInvalidSchedule rejects a payout schedule that is not non-negative
	// integers summing to exactly 10000 basis points.
	ErrInvalidSchedule = errors.New("engine: invalid payout schedule")
	// ErrWinnerMismatch rejects a winner list whose length differs from the schedule.
	ErrWinnerMismatch = errors.New("engine: winner count does not match payout schedule")
	// ErrDuplicateWinners rejects a winner list containing repeats.
	ErrDuplicateWinners = errors.New("engine: duplicate winners")
	// ErrContractInactive rejects settlement when the contract does not report
	// the game active, typically an out-of-sync contract game identifier.
	ErrContractInactive = errors.New("engine: contract game not active")
	// ErrSettleUnconfirmed marks a broadcast settlement whose outcome is still
	// unknown when the wait window elapsed. The hash is in the report.
	ErrSettleUnconfirmed = errors.New("engine: settlement broadcast not yet confirmed")
	// ErrPostBroadcastPersistence marks a confirmed on-chain effect whose local
	// write failed. The money moved; the hash is in the report and the error.
	ErrPostBroadcastPersistence = errors.New("engine: on-chain success but local persistence failed")
)

// Outcome is the terminal-or-pending result for one participant in a cancel run.
type Outcome string

// All per-participant outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePending   Outcome = "pending"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// FailureKind classifies why a participant did not reach a confirmed refund.
type FailureKind string

// All failure classes. LockContention is informational, not an error.
const (
	FailureNone            FailureKind = ""
	FailureVerification    FailureKind = "verification_error"
	FailureLockContention  FailureKind = "lock_contention"
	FailureBroadcast       FailureKind = "broadcast_error"
	FailureReceiptTimeout  FailureKind = "receipt_timeout"
	FailureOnchainRevert   FailureKind = "onchain_revert"
	FailureInvariant       FailureKind = "invariant_violation"
	FailurePostBroadcast   FailureKind = "post_broadcast_persistence_failure"
	FailureNotEligible     FailureKind = "not_eligible"
	FailureAlreadyResolved FailureKind = "already_resolved"
)

// ParticipantResult is the per-participant detail of a cancel run.
type ParticipantResult struct {
	ParticipantID string      `json:"participantId"`
	PlayerID      string      `json:"playerId"`
	Outcome       Outcome     `json:"outcome"`
	Failure       FailureKind `json:"failure,omitempty"`
	Detail        string      `json:"detail,omitempty"`
	RefundTx      string      `json:"refundTxHash,omitempty"`
}

// CancelReport aggregates a cancel invocation. Partial progress is normal; the
// caller inspects counts and per-participant detail instead of a single error.
type CancelReport struct {
	GameID                 string              `json:"gameId"`
	ParticipantsConsidered int                 `json:"participantsConsidered"`
	EligibleForRefund      int                 `json:"eligibleForRefund"`
	RefundsAttempted       int                 `json:"refundsAttempted"`
	RefundsSucceeded       int                 `json:"refundsSucceeded"`
	RefundsPending         int                 `json:"refundsPending"`
	Details                []ParticipantResult `json:"perParticipantDetail"`
}

// ContractStateView mirrors the escrow contract's game view for diagnostics.
type ContractStateView struct {
	Active         bool   `json:"isActive"`
	Settled        bool   `json:"isSettled"`
	TotalCollected string `json:"totalCollected"`
	EntryFee       string `json:"entryFee"`
	Currency       string `json:"currency"`
}

// SettleReport aggregates a settle invocation. On any failure after broadcast
// the transaction hash is still present so no caller needs a chain explorer to
// understand partial progress.
type SettleReport struct {
	GameID         string             `json:"gameId"`
	AlreadySettled bool               `json:"alreadySettled,omitempty"`
	SettleTxHash   string             `json:"settleTxHash,omitempty"`
	Recipients     []string           `json:"recipients,omitempty"`
	Amounts        []string           `json:"amounts,omitempty"`
	ContractState  *ContractStateView `json:"contractState,omitempty"`
}
