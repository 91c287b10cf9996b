package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"stakepool/services/settlementd/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func seedGame(t *testing.T, st *Store) *models.Game {
	t.Helper()
	game := &models.Game{
		Status:         models.GameOpen,
		EntryFee:       "1000000",
		Currency:       "USDC",
		PayoutSchedule: "10000",
		ContractGameID: "1",
	}
	if err := st.CreateGame(context.Background(), game); err != nil {
		t.Fatalf("create game: %v", err)
	}
	return game
}

func seedParticipant(t *testing.T, st *Store, gameID uuid.UUID, status models.ParticipantStatus) *models.Participant {
	t.Helper()
	participant := &models.Participant{
		GameID:    gameID,
		PlayerID:  uuid.NewString(),
		Status:    status,
		PaymentTx: "0x" + uuid.New().String(),
	}
	if err := st.CreateParticipant(context.Background(), participant); err != nil {
		t.Fatalf("create participant: %v", err)
	}
	return participant
}

func TestRefundLockIsExclusive(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	game := seedGame(t, st)
	participant := seedParticipant(t, st, game.ID, models.ParticipantPaid)
	expiry := time.Now().Add(time.Minute)

	first, err := st.TryAcquireRefundLock(ctx, participant.ID, "lock-a", expiry)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !first {
		t.Fatal("first acquisition must succeed")
	}
	second, err := st.TryAcquireRefundLock(ctx, participant.ID, "lock-b", expiry)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if second {
		t.Fatal("second acquisition must lose while the lock is held")
	}

	row, err := st.ParticipantByID(ctx, participant.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.RefundLockID == nil || *row.RefundLockID != "lock-a" {
		t.Fatalf("lock holder = %v, want lock-a", row.RefundLockID)
	}
}

func TestRefundLockBlockedByExistingHash(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	game := seedGame(t, st)
	participant := seedParticipant(t, st, game.ID, models.ParticipantPaid)
	expiry := time.Now().Add(time.Minute)

	if ok, err := st.TryAcquireRefundLock(ctx, participant.ID, "lock-a", expiry); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	persisted, err := st.RecordRefundBroadcast(ctx, participant.ID, "lock-a", "0xdead")
	if err != nil || !persisted {
		t.Fatalf("record broadcast: persisted=%v err=%v", persisted, err)
	}

	// Once a hash exists the row is never lockable again.
	ok, err := st.TryAcquireRefundLock(ctx, participant.ID, "lock-b", expiry)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("row with a refund hash must not be lockable")
	}
}

func TestRecordRefundBroadcastRequiresLockOwnership(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	game := seedGame(t, st)
	participant := seedParticipant(t, st, game.ID, models.ParticipantPaid)

	if ok, err := st.TryAcquireRefundLock(ctx, participant.ID, "lock-a", time.Now().Add(time.Minute)); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	persisted, err := st.RecordRefundBroadcast(ctx, participant.ID, "lock-other", "0xdead")
	if err != nil {
		t.Fatalf("record broadcast: %v", err)
	}
	if persisted {
		t.Fatal("broadcast record must fail without lock ownership")
	}
	row, _ := st.ParticipantByID(ctx, participant.ID)
	if row.RefundTx != nil {
		t.Fatal("hash must not be written by a non-holder")
	}
}

func TestClearExpiredLock(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	game := seedGame(t, st)
	participant := seedParticipant(t, st, game.ID, models.ParticipantPaid)

	if ok, err := st.TryAcquireRefundLock(ctx, participant.ID, "lock-a", time.Now().Add(-time.Second)); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	cleared, err := st.ClearExpiredLock(ctx, participant.ID, time.Now())
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !cleared {
		t.Fatal("expired lock must clear")
	}
	if ok, err := st.TryAcquireRefundLock(ctx, participant.ID, "lock-b", time.Now().Add(time.Minute)); err != nil || !ok {
		t.Fatalf("reacquire after clear: ok=%v err=%v", ok, err)
	}

	// A live lock never clears.
	other := seedParticipant(t, st, game.ID, models.ParticipantPaid)
	if ok, err := st.TryAcquireRefundLock(ctx, other.ID, "lock-c", time.Now().Add(time.Minute)); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	cleared, err = st.ClearExpiredLock(ctx, other.ID, time.Now())
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared {
		t.Fatal("unexpired lock must not clear")
	}
}

func TestMarkRefundedIsTerminal(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	game := seedGame(t, st)
	participant := seedParticipant(t, st, game.ID, models.ParticipantPaid)

	if ok, err := st.TryAcquireRefundLock(ctx, participant.ID, "lock-a", time.Now().Add(time.Minute)); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := st.RecordRefundBroadcast(ctx, participant.ID, "lock-a", "0xdead"); err != nil || !ok {
		t.Fatalf("record: ok=%v err=%v", ok, err)
	}
	if err := st.MarkRefunded(ctx, participant.ID, "0xdead", time.Now()); err != nil {
		t.Fatalf("mark refunded: %v", err)
	}
	// A late revert signal for the same hash must not reopen the row.
	if err := st.ClearRefundTx(ctx, participant.ID, "0xdead"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	row, _ := st.ParticipantByID(ctx, participant.ID)
	if row.Status != models.ParticipantRefunded {
		t.Fatalf("status = %s, want refunded", row.Status)
	}
	if row.RefundTx == nil || *row.RefundTx != "0xdead" {
		t.Fatalf("refund tx = %v, want 0xdead retained", row.RefundTx)
	}
}

func TestPendingRefundsSelection(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	game := seedGame(t, st)
	seedParticipant(t, st, game.ID, models.ParticipantPaid) // no broadcast yet
	broadcast := seedParticipant(t, st, game.ID, models.ParticipantPaid)
	done := seedParticipant(t, st, game.ID, models.ParticipantPaid)

	for _, p := range []*models.Participant{broadcast, done} {
		lock := uuid.NewString()
		if ok, err := st.TryAcquireRefundLock(ctx, p.ID, lock, time.Now().Add(time.Minute)); err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}
		if ok, err := st.RecordRefundBroadcast(ctx, p.ID, lock, "0xhash-"+p.ID.String()); err != nil || !ok {
			t.Fatalf("record: ok=%v err=%v", ok, err)
		}
	}
	if err := st.MarkRefunded(ctx, done.ID, "0xhash-"+done.ID.String(), time.Now()); err != nil {
		t.Fatalf("mark refunded: %v", err)
	}

	pending, err := st.PendingRefunds(ctx, game.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != broadcast.ID {
		t.Fatalf("pending = %v, want only the unconfirmed broadcast", pending)
	}
}

func TestConfirmPayment(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	game := seedGame(t, st)
	participant := &models.Participant{GameID: game.ID, PlayerID: "p1"}
	if err := st.CreateParticipant(ctx, participant); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := st.ConfirmPayment(ctx, game.ID, "p1", "0xpay")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !ok {
		t.Fatal("confirm must transition a joined participant")
	}
	row, _ := st.ParticipantByPlayer(ctx, game.ID, "p1")
	if row.Status != models.ParticipantPaid || row.PaymentTx != "0xpay" {
		t.Fatalf("row = %s/%s, want paid with hash", row.Status, row.PaymentTx)
	}

	// Only joined participants transition.
	ok, err = st.ConfirmPayment(ctx, game.ID, "p1", "0xother")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if ok {
		t.Fatal("confirm must not rewrite an already-paid participant")
	}
}

func TestGameStatusTransitions(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	game := seedGame(t, st)
	if err := st.MarkGameCancelled(ctx, game.ID); err != nil {
		t.Fatalf("cancel open game: %v", err)
	}
	// Re-entry is allowed so interrupted refund runs can resume.
	if err := st.MarkGameCancelled(ctx, game.ID); err != nil {
		t.Fatalf("re-cancel: %v", err)
	}
	if err := st.MarkGameSettled(ctx, game.ID, "0xsettle"); err == nil {
		t.Fatal("cancelled game must not settle")
	}

	other := seedGame(t, st)
	if err := st.MarkGameSettled(ctx, other.ID, "0xsettle"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := st.MarkGameCancelled(ctx, other.ID); err == nil {
		t.Fatal("settled game must not cancel")
	}
	if err := st.MarkGameSettled(ctx, other.ID, "0xagain"); err == nil {
		t.Fatal("settled game must not re-settle")
	}
}

func TestNotFound(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	if _, err := st.GameByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := st.ParticipantByPlayer(ctx, uuid.New(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
