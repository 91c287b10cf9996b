package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"stakepool/services/settlementd/models"
)

func TestSettleSplitsAuthoritativeTotal(t *testing.T) {
	fx := setupFixture(t, 3, models.ParticipantPaid)
	ctx := context.Background()
	fx.contract.state.TotalCollected = big.NewInt(100_000_000)
	updateSchedule(t, fx, models.FormatPayoutSchedule([]int64{5000, 3000, 2000}))

	winners := []string{"player-0", "player-1", "player-2"}

	report, err := fx.engine.Settle(ctx, fx.game.ID, winners, SettleOptions{Actor: "test"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if report.SettleTxHash == "" {
		t.Fatal("report missing settle tx hash")
	}
	want := []string{"50000000", "30000000", "20000000"}
	if len(report.Amounts) != len(want) {
		t.Fatalf("amounts = %v, want %v", report.Amounts, want)
	}
	for i := range want {
		if report.Amounts[i] != want[i] {
			t.Fatalf("amount[%d] = %s, want %s", i, report.Amounts[i], want[i])
		}
	}
	if fx.contract.settleCalls != 1 {
		t.Fatalf("settle broadcasts = %d, want 1", fx.contract.settleCalls)
	}
	// Recipients come from the verified payment events.
	for i := range winners {
		if report.Recipients[i] != playerAddress(i).Hex() {
			t.Fatalf("recipient[%d] = %s, want %s", i, report.Recipients[i], playerAddress(i).Hex())
		}
	}

	game, _ := fx.store.GameByID(ctx, fx.game.ID)
	if game.Status != models.GameSettled || game.SettleTxHash != report.SettleTxHash {
		t.Fatalf("game = %s/%s, want settled with hash %s", game.Status, game.SettleTxHash, report.SettleTxHash)
	}
	for i, id := range winners {
		row, _ := fx.store.ParticipantByPlayer(ctx, fx.game.ID, id)
		if row.Status != models.ParticipantSettled {
			t.Fatalf("winner %s status = %s, want settled", id, row.Status)
		}
		if row.PayoutAmount == nil || *row.PayoutAmount != want[i] {
			t.Fatalf("winner %s payout = %v, want %s", id, row.PayoutAmount, want[i])
		}
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	fx := setupFixture(t, 1, models.ParticipantPaid)
	ctx := context.Background()

	first, err := fx.engine.Settle(ctx, fx.game.ID, []string{"player-0"}, SettleOptions{})
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	second, err := fx.engine.Settle(ctx, fx.game.ID, []string{"player-0"}, SettleOptions{})
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !second.AlreadySettled {
		t.Fatal("second settle must report already settled")
	}
	if second.SettleTxHash != first.SettleTxHash {
		t.Fatalf("hash changed across settles: %s vs %s", second.SettleTxHash, first.SettleTxHash)
	}
	if fx.contract.settleCalls != 1 {
		t.Fatalf("settle broadcasts = %d, want 1", fx.contract.settleCalls)
	}
}

func TestSettleRejectsCancelledGame(t *testing.T) {
	fx := setupFixture(t, 1, models.ParticipantPaid)
	ctx := context.Background()
	if err := fx.store.MarkGameCancelled(ctx, fx.game.ID); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	_, err := fx.engine.Settle(ctx, fx.game.ID, []string{"player-0"}, SettleOptions{})
	if !errors.Is(err, ErrGameCancelled) {
		t.Fatalf("err = %v, want ErrGameCancelled", err)
	}
	if fx.contract.settleCalls != 0 {
		t.Fatal("cancelled game must not reach the chain")
	}
}

func TestSettleGuardsUnpaidParticipants(t *testing.T) {
	fx := setupFixture(t, 2, models.ParticipantPaid)
	ctx := context.Background()
	unpaid := &models.Participant{GameID: fx.game.ID, PlayerID: "late-joiner", Status: models.ParticipantJoined}
	if err := fx.store.CreateParticipant(ctx, unpaid); err != nil {
		t.Fatalf("create unpaid: %v", err)
	}

	_, err := fx.engine.Settle(ctx, fx.game.ID, []string{"player-0"}, SettleOptions{})
	if !errors.Is(err, ErrUnpaidParticipants) {
		t.Fatalf("err = %v, want ErrUnpaidParticipants", err)
	}

	// An authorized override settles anyway.
	if _, err := fx.engine.Settle(ctx, fx.game.ID, []string{"player-0"}, SettleOptions{AllowUnpaid: true}); err != nil {
		t.Fatalf("override settle: %v", err)
	}
}

func TestSettleRejectsInactiveContract(t *testing.T) {
	fx := setupFixture(t, 1, models.ParticipantPaid)
	fx.contract.state.Active = false
	ctx := context.Background()

	report, err := fx.engine.Settle(ctx, fx.game.ID, []string{"player-0"}, SettleOptions{})
	if !errors.Is(err, ErrContractInactive) {
		t.Fatalf("err = %v, want ErrContractInactive", err)
	}
	if report.ContractState == nil || report.ContractState.Active {
		t.Fatalf("report must carry the fetched contract state, got %+v", report.ContractState)
	}
}

func TestSettleRejectsWinnerScheduleMismatch(t *testing.T) {
	fx := setupFixture(t, 2, models.ParticipantPaid)
	ctx := context.Background()

	// Schedule has one share; two winner ids supplied.
	_, err := fx.engine.Settle(ctx, fx.game.ID, []string{"player-0", "player-1"}, SettleOptions{})
	if !errors.Is(err, ErrWinnerMismatch) {
		t.Fatalf("err = %v, want ErrWinnerMismatch", err)
	}

	_, err = fx.engine.Settle(ctx, fx.game.ID, []string{"player-0", "player-0"}, SettleOptions{})
	if !errors.Is(err, ErrDuplicateWinners) {
		t.Fatalf("err = %v, want ErrDuplicateWinners", err)
	}
}

func TestSettleSurfacesHashWhenUnconfirmed(t *testing.T) {
	fx := setupFixture(t, 1, models.ParticipantPaid)
	fx.contract.confirm = false
	ctx := context.Background()

	report, err := fx.engine.Settle(ctx, fx.game.ID, []string{"player-0"}, SettleOptions{})
	if !errors.Is(err, ErrSettleUnconfirmed) {
		t.Fatalf("err = %v, want ErrSettleUnconfirmed", err)
	}
	if report.SettleTxHash == "" {
		t.Fatal("unconfirmed settlement must still surface its tx hash")
	}
	game, _ := fx.store.GameByID(ctx, fx.game.ID)
	if game.Status.Terminal() {
		t.Fatal("unconfirmed settlement must not mark the game settled")
	}
}

func TestValidateSchedule(t *testing.T) {
	cases := []struct {
		name   string
		shares []int64
		ok     bool
	}{
		{"full pot to one winner", []int64{10000}, true},
		{"three way split", []int64{5000, 3000, 2000}, true},
		{"sum exceeds denominator", []int64{6000, 3000, 2000}, false},
		{"sum short of denominator", []int64{5000, 3000}, false},
		{"negative share", []int64{11000, -1000}, false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchedule(tc.shares)
			if tc.ok && err != nil {
				t.Fatalf("ValidateSchedule(%v) = %v, want nil", tc.shares, err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidSchedule) {
				t.Fatalf("ValidateSchedule(%v) = %v, want ErrInvalidSchedule", tc.shares, err)
			}
		})
	}
}

func TestComputePayoutsConservesTotal(t *testing.T) {
	schedules := [][]int64{
		{10000},
		{5000, 5000},
		{5000, 3000, 2000},
		{3333, 3333, 3334},
		{9999, 1, 0},
		{2500, 2500, 2500, 2500},
	}
	totals := []int64{0, 1, 3, 7, 99, 100_000_000, 999_999_999_999}
	for _, schedule := range schedules {
		for _, raw := range totals {
			total := big.NewInt(raw)
			payouts := ComputePayouts(total, schedule)
			sum := new(big.Int)
			for _, payout := range payouts {
				if payout.Sign() < 0 {
					t.Fatalf("negative payout for total %d schedule %v", raw, schedule)
				}
				sum.Add(sum, payout)
			}
			if sum.Cmp(total) != 0 {
				t.Fatalf("payouts for total %d schedule %v sum to %s", raw, schedule, sum)
			}
		}
	}
}

func TestComputePayoutsRemainderGoesToFirst(t *testing.T) {
	// 100 split 3333/3333/3334 floors to 33/33/33 with 1 left over.
	payouts := ComputePayouts(big.NewInt(100), []int64{3333, 3333, 3334})
	want := []int64{34, 33, 33}
	for i, payout := range payouts {
		if payout.Int64() != want[i] {
			t.Fatalf("payout[%d] = %s, want %d", i, payout, want[i])
		}
	}
}

// updateSchedule rewrites the stored payout schedule directly; lifecycle
// creation lives upstream of this service.
func updateSchedule(t *testing.T, fx *fixture, schedule string) {
	t.Helper()
	if err := fx.db.Model(&models.Game{}).
		Where("id = ?", fx.game.ID).
		Update("payout_schedule", schedule).Error; err != nil {
		t.Fatalf("update schedule: %v", err)
	}
}
