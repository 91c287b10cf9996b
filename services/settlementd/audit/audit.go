package audit

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"stakepool/services/settlementd/engine"
	"stakepool/services/settlementd/models"
	"stakepool/services/settlementd/store"
)

// Recorder persists structured refund/settlement events. Delivery is
// best-effort: failures are logged and never propagate to the caller, so a
// broken audit trail cannot block or roll back a financial operation.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger
}

// NewRecorder builds a recorder over the shared store.
func NewRecorder(st *store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger}
}

var _ engine.Auditor = (*Recorder)(nil)

// RefundConfirmed records a confirmed participant refund.
func (r *Recorder) RefundConfirmed(ctx context.Context, e engine.RefundEvent) {
	gameID, err := uuid.Parse(e.GameID)
	if err != nil {
		r.logger.Warn("audit refund event with bad game id", "game", e.GameID, "error", err)
		return
	}
	var participantID *uuid.UUID
	if parsed, err := uuid.Parse(e.ParticipantID); err == nil {
		participantID = &parsed
	}
	event := models.AuditEvent{
		GameID:        gameID,
		ParticipantID: participantID,
		Actor:         e.Actor,
		Action:        "refund.confirmed",
		Amount:        e.Amount,
		TxHash:        e.TxHash,
		Detail:        "player " + e.PlayerID,
		CreatedAt:     e.At,
	}
	if err := r.store.CreateAuditEvent(ctx, &event); err != nil {
		r.logger.Warn("audit refund event not persisted",
			"game", e.GameID,
			"participant", e.ParticipantID,
			"tx", e.TxHash,
			"error", err)
	}
}

// SettlementConfirmed records a confirmed game settlement.
func (r *Recorder) SettlementConfirmed(ctx context.Context, e engine.SettlementEvent) {
	gameID, err := uuid.Parse(e.GameID)
	if err != nil {
		r.logger.Warn("audit settlement event with bad game id", "game", e.GameID, "error", err)
		return
	}
	event := models.AuditEvent{
		GameID:    gameID,
		Actor:     e.Actor,
		Action:    "settlement.confirmed",
		Amount:    strings.Join(e.Amounts, ","),
		TxHash:    e.TxHash,
		Detail:    "recipients " + strings.Join(e.Recipients, ","),
		CreatedAt: e.At,
	}
	if err := r.store.CreateAuditEvent(ctx, &event); err != nil {
		r.logger.Warn("audit settlement event not persisted",
			"game", e.GameID,
			"tx", e.TxHash,
			"error", err)
	}
}
