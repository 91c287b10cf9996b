package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"stakepool/services/settlementd/models"
)

// ErrNotFound is returned when a game or participant row does not exist.
var ErrNotFound = errors.New("store: record not found")

// Store wraps the relational projection of escrow state. The datastore offers no
// multi-statement transactions to callers, so every mutation here is a single
// conditional statement whose affected-row count carries the outcome.
type Store struct {
	db *gorm.DB
}

// New wraps the provided gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GameByID loads a game row.
func (s *Store) GameByID(ctx context.Context, id uuid.UUID) (*models.Game, error) {
	var game models.Game
	if err := s.db.WithContext(ctx).First(&game, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: game %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: load game: %w", err)
	}
	return &game, nil
}

// ParticipantsByGame loads all participants of a game ordered by creation time.
func (s *Store) ParticipantsByGame(ctx context.Context, gameID uuid.UUID) ([]models.Participant, error) {
	var participants []models.Participant
	if err := s.db.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("created_at ASC").
		Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("store: load participants: %w", err)
	}
	return participants, nil
}

// ParticipantByPlayer loads one participant by game and player identifier.
func (s *Store) ParticipantByPlayer(ctx context.Context, gameID uuid.UUID, playerID string) (*models.Participant, error) {
	var participant models.Participant
	if err := s.db.WithContext(ctx).
		First(&participant, "game_id = ? AND player_id = ?", gameID, playerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: participant %s/%s", ErrNotFound, gameID, playerID)
		}
		return nil, fmt.Errorf("store: load participant: %w", err)
	}
	return &participant, nil
}

// ParticipantByID reloads a participant row.
func (s *Store) ParticipantByID(ctx context.Context, id uuid.UUID) (*models.Participant, error) {
	var participant models.Participant
	if err := s.db.WithContext(ctx).First(&participant, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: participant %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: load participant: %w", err)
	}
	return &participant, nil
}

// TryAcquireRefundLock claims the refund lock with a single conditional update.
// The claim succeeds only while the row carries neither a refund hash nor a lock.
func (s *Store) TryAcquireRefundLock(ctx context.Context, participantID uuid.UUID, lockID string, expiry time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND refund_tx IS NULL AND refund_lock_id IS NULL", participantID).
		Updates(map[string]interface{}{
			"refund_lock_id": lockID,
			"lock_expiry":    expiry,
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: acquire refund lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClearExpiredLock removes a lock whose expiry has passed, returning whether a
// row changed. Holders that crashed stop blocking others after the TTL window.
func (s *Store) ClearExpiredLock(ctx context.Context, participantID uuid.UUID, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND refund_lock_id IS NOT NULL AND lock_expiry < ?", participantID, now).
		Updates(map[string]interface{}{
			"refund_lock_id": nil,
			"lock_expiry":    nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: clear expired lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseLock drops a held lock without recording a refund, used when a
// broadcast never happened.
func (s *Store) ReleaseLock(ctx context.Context, participantID uuid.UUID, lockID string) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND refund_lock_id = ?", participantID, lockID).
		Updates(map[string]interface{}{
			"refund_lock_id": nil,
			"lock_expiry":    nil,
		})
	if res.Error != nil {
		return fmt.Errorf("store: release lock: %w", res.Error)
	}
	return nil
}

// RecordRefundBroadcast persists the broadcast transaction hash and releases the
// lock, conditioned on still holding it. This write is the crash-safety boundary:
// once it lands, a later invocation can always discover the broadcast's outcome.
func (s *Store) RecordRefundBroadcast(ctx context.Context, participantID uuid.UUID, lockID, txHash string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND refund_lock_id = ?", participantID, lockID).
		Updates(map[string]interface{}{
			"refund_tx":      txHash,
			"refund_lock_id": nil,
			"lock_expiry":    nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: record refund broadcast: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkRefunded records on-chain confirmation of a refund. Terminal.
func (s *Store) MarkRefunded(ctx context.Context, participantID uuid.UUID, txHash string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND refund_tx = ? AND status <> ?", participantID, txHash, models.ParticipantRefunded).
		Updates(map[string]interface{}{
			"status":         models.ParticipantRefunded,
			"refunded_at":    at,
			"refund_lock_id": nil,
			"lock_expiry":    nil,
		})
	if res.Error != nil {
		return fmt.Errorf("store: mark refunded: %w", res.Error)
	}
	return nil
}

// ClearRefundTx drops a refund hash whose receipt reported an on-chain failure,
// making the participant eligible for a fresh attempt.
func (s *Store) ClearRefundTx(ctx context.Context, participantID uuid.UUID, txHash string) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND refund_tx = ? AND status <> ?", participantID, txHash, models.ParticipantRefunded).
		Updates(map[string]interface{}{
			"refund_tx":      nil,
			"refund_lock_id": nil,
			"lock_expiry":    nil,
		})
	if res.Error != nil {
		return fmt.Errorf("store: clear refund tx: %w", res.Error)
	}
	return nil
}

// PendingRefunds loads participants with a broadcast refund that never confirmed.
func (s *Store) PendingRefunds(ctx context.Context, gameID uuid.UUID) ([]models.Participant, error) {
	var participants []models.Participant
	if err := s.db.WithContext(ctx).
		Where("game_id = ? AND refund_tx IS NOT NULL AND status <> ?", gameID, models.ParticipantRefunded).
		Order("created_at ASC").
		Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("store: load pending refunds: %w", err)
	}
	return participants, nil
}

// UnpaidCount reports how many participants have not confirmed their entry payment.
func (s *Store) UnpaidCount(ctx context.Context, gameID uuid.UUID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("game_id = ? AND status = ?", gameID, models.ParticipantJoined).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count unpaid: %w", err)
	}
	return count, nil
}

// ConfirmPayment transitions a joined participant to paid once their entry
// payment has been verified on-chain.
func (s *Store) ConfirmPayment(ctx context.Context, gameID uuid.UUID, playerID, paymentTx string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("game_id = ? AND player_id = ? AND status = ?", gameID, playerID, models.ParticipantJoined).
		Updates(map[string]interface{}{
			"status":     models.ParticipantPaid,
			"payment_tx": paymentTx,
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: confirm payment: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkGameCancelled transitions a game to cancelled. Settled games refuse the
// transition; an already-cancelled game is left untouched so refund processing
// can re-enter.
func (s *Store) MarkGameCancelled(ctx context.Context, gameID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.Game{}).
		Where("id = ? AND status IN ?", gameID, []models.GameStatus{models.GameOpen, models.GameInProgress, models.GameCancelled}).
		Update("status", models.GameCancelled)
	if res.Error != nil {
		return fmt.Errorf("store: mark game cancelled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: game %s not cancellable", gameID)
	}
	return nil
}

// MarkGameSettled persists the settlement hash and flips the game status.
func (s *Store) MarkGameSettled(ctx context.Context, gameID uuid.UUID, txHash string) error {
	res := s.db.WithContext(ctx).Model(&models.Game{}).
		Where("id = ? AND status NOT IN ?", gameID, []models.GameStatus{models.GameCancelled, models.GameSettled, models.GameCompleted}).
		Updates(map[string]interface{}{
			"status":         models.GameSettled,
			"settle_tx_hash": txHash,
		})
	if res.Error != nil {
		return fmt.Errorf("store: mark game settled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: game %s not settleable", gameID)
	}
	return nil
}

// MarkWinnerPaid stamps payout metadata on a settled winner.
func (s *Store) MarkWinnerPaid(ctx context.Context, participantID uuid.UUID, amount, txHash string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND status <> ?", participantID, models.ParticipantRefunded).
		Updates(map[string]interface{}{
			"status":        models.ParticipantSettled,
			"payout_amount": amount,
			"payout_tx":     txHash,
			"paid_out_at":   at,
		})
	if res.Error != nil {
		return fmt.Errorf("store: mark winner paid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: participant %s not payable", participantID)
	}
	return nil
}

// CreateGame inserts a game row. Lifecycle creation lives upstream; this exists
// for that collaborator and for tests.
func (s *Store) CreateGame(ctx context.Context, game *models.Game) error {
	if game.ID == uuid.Nil {
		game.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(game).Error; err != nil {
		return fmt.Errorf("store: create game: %w", err)
	}
	return nil
}

// CreateParticipant inserts a participant row.
func (s *Store) CreateParticipant(ctx context.Context, participant *models.Participant) error {
	if participant.ID == uuid.Nil {
		participant.ID = uuid.New()
	}
	if participant.Status == "" {
		participant.Status = models.ParticipantJoined
	}
	if err := s.db.WithContext(ctx).Create(participant).Error; err != nil {
		return fmt.Errorf("store: create participant: %w", err)
	}
	return nil
}

// CreateAuditEvent appends an audit row. Callers treat failures as best-effort.
func (s *Store) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("store: create audit event: %w", err)
	}
	return nil
}
