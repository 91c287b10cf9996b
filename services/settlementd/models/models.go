package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GameStatus represents a state in the pooled-stakes game lifecycle.
type GameStatus string

// All game lifecycle states.
const (
	GameOpen       GameStatus = "OPEN"
	GameInProgress GameStatus = "IN_PROGRESS"
	GameCancelled  GameStatus = "CANCELLED"
	GameSettled    GameStatus = "SETTLED"
	GameCompleted  GameStatus = "COMPLETED"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s GameStatus) Valid() bool {
	switch s {
	case GameOpen, GameInProgress, GameCancelled, GameSettled, GameCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further settlement or cancellation may act on the game.
func (s GameStatus) Terminal() bool {
	return s == GameSettled || s == GameCompleted
}

// ParticipantStatus represents a state in the participant payment lifecycle.
type ParticipantStatus string

// All participant states.
const (
	ParticipantJoined   ParticipantStatus = "JOINED"
	ParticipantPaid     ParticipantStatus = "PAID"
	ParticipantRefunded ParticipantStatus = "REFUNDED"
	ParticipantSettled  ParticipantStatus = "SETTLED"
)

// Valid reports whether the status is one of the known participant states.
func (s ParticipantStatus) Valid() bool {
	switch s {
	case ParticipantJoined, ParticipantPaid, ParticipantRefunded, ParticipantSettled:
		return true
	}
	return false
}

// Terminal reports whether no further refund or payout may act on the participant.
func (s ParticipantStatus) Terminal() bool {
	return s == ParticipantRefunded || s == ParticipantSettled
}

// Game describes a pooled-stakes game across its lifecycle. The escrow contract
// is the ledger of record; this row is a projection of it.
type Game struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ContractGameID string     `gorm:"size:128;index"`
	Status         GameStatus `gorm:"size:32;index"`
	EntryFee       string     `gorm:"size:78;not null"`
	Currency       string     `gorm:"size:16"`
	EscrowAddress  string     `gorm:"size:64"`
	TokenAddress   string     `gorm:"size:64"`
	// PayoutSchedule holds basis-point shares as a comma-joined list; a valid
	// schedule sums to exactly 10000.
	PayoutSchedule string `gorm:"size:256"`
	SettleTxHash   string `gorm:"size:80"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Participants   []Participant
}

// Participant tracks a single player's stake in one game.
type Participant struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	GameID       uuid.UUID         `gorm:"type:uuid;index:idx_participant_game_player,unique"`
	PlayerID     string            `gorm:"size:128;index:idx_participant_game_player,unique"`
	Status       ParticipantStatus `gorm:"size:32;index"`
	PaymentTx    string            `gorm:"size:80"`
	RefundTx     *string           `gorm:"size:80"`
	RefundLockID *string           `gorm:"size:64"`
	LockExpiry   *time.Time
	RefundedAt   *time.Time
	PayoutTx     *string `gorm:"size:80"`
	PayoutAmount *string `gorm:"size:78"`
	PaidOutAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditEvent records refund/settlement activity for operators. Writes are
// best-effort and must never block a financial operation.
type AuditEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	GameID        uuid.UUID `gorm:"type:uuid;index"`
	ParticipantID *uuid.UUID
	Actor         string `gorm:"size:128"`
	Action        string `gorm:"size:64;index"`
	Amount        string `gorm:"size:78"`
	TxHash        string `gorm:"size:80"`
	Detail        string `gorm:"size:512"`
	CreatedAt     time.Time
}

// ParsePayoutSchedule converts the stored comma-joined schedule back into
// basis-point shares.
func ParsePayoutSchedule(raw string) ([]int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("models: empty payout schedule")
	}
	fields := strings.Split(trimmed, ",")
	shares := make([]int64, 0, len(fields))
	for _, field := range fields {
		value, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("models: parse payout share %q: %w", field, err)
		}
		shares = append(shares, value)
	}
	return shares, nil
}

// FormatPayoutSchedule renders basis-point shares into the stored representation.
func FormatPayoutSchedule(shares []int64) string {
	fields := make([]string, len(shares))
	for i, share := range shares {
		fields[i] = strconv.FormatInt(share, 10)
	}
	return strings.Join(fields, ",")
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Game{},
		&Participant{},
		&AuditEvent{},
	)
}
