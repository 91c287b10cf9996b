package engine

import (
	"context"
	"testing"

	"stakepool/services/settlementd/chain"
	"stakepool/services/settlementd/models"
)

func TestConfirmPaymentTransitionsJoined(t *testing.T) {
	fx := setupFixture(t, 1, models.ParticipantPaid)
	ctx := context.Background()
	joined := &models.Participant{GameID: fx.game.ID, PlayerID: "newcomer"}
	if err := fx.store.CreateParticipant(ctx, joined); err != nil {
		t.Fatalf("create: %v", err)
	}
	pay := paymentHash(50)
	fx.verifier.payers[pay] = playerAddress(50)

	verification, err := fx.engine.ConfirmPayment(ctx, fx.game.ID, "newcomer", pay.Hex())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if verification.Payer != playerAddress(50) {
		t.Fatalf("payer = %s", verification.Payer.Hex())
	}
	row, _ := fx.store.ParticipantByPlayer(ctx, fx.game.ID, "newcomer")
	if row.Status != models.ParticipantPaid || row.PaymentTx != pay.Hex() {
		t.Fatalf("row = %s/%s", row.Status, row.PaymentTx)
	}

	// Re-confirming the same hash stays a no-op.
	if _, err := fx.engine.ConfirmPayment(ctx, fx.game.ID, "newcomer", pay.Hex()); err != nil {
		t.Fatalf("re-confirm: %v", err)
	}
	// A different hash for an already-paid participant is rejected.
	other := paymentHash(51)
	fx.verifier.payers[other] = playerAddress(51)
	if _, err := fx.engine.ConfirmPayment(ctx, fx.game.ID, "newcomer", other.Hex()); err == nil {
		t.Fatal("conflicting payment hash must be rejected")
	}
}

func TestConfirmPaymentRejectsUnverified(t *testing.T) {
	fx := setupFixture(t, 1, models.ParticipantPaid)
	fx.verifier.fail = chain.FailureNoTransfer
	ctx := context.Background()
	joined := &models.Participant{GameID: fx.game.ID, PlayerID: "newcomer"}
	if err := fx.store.CreateParticipant(ctx, joined); err != nil {
		t.Fatalf("create: %v", err)
	}

	verification, err := fx.engine.ConfirmPayment(ctx, fx.game.ID, "newcomer", paymentHash(60).Hex())
	if err == nil {
		t.Fatal("unverified payment must be rejected")
	}
	if verification == nil || verification.OK {
		t.Fatalf("verification = %+v, want failure detail", verification)
	}
	row, _ := fx.store.ParticipantByPlayer(ctx, fx.game.ID, "newcomer")
	if row.Status != models.ParticipantJoined {
		t.Fatalf("status = %s, want joined", row.Status)
	}
}
