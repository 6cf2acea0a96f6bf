package games

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"goodmarket/chain"
	"goodmarket/ledger"
	"goodmarket/models"
)

const engineTestWallet = "0x00000000000000000000000000000000000000bb"

// stubSettler records disbursements and fails on demand.
type stubSettler struct {
	calls []stubCall
	err   error
}

type stubCall struct {
	recipient     common.Address
	amount        float64
	correlationID string
}

func (s *stubSettler) Disburse(_ context.Context, recipient common.Address, amount float64, correlationID string) (*chain.Result, error) {
	s.calls = append(s.calls, stubCall{recipient: recipient, amount: amount, correlationID: correlationID})
	if s.err != nil {
		return nil, s.err
	}
	return &chain.Result{TxHash: fmt.Sprintf("0xfeed%04d", len(s.calls))}, nil
}

type engineFixture struct {
	engine  *Engine
	ledger  *ledger.Ledger
	db      *gorm.DB
	settler *stubSettler
	now     *time.Time
}

func setupEngine(t *testing.T, policies *PolicySet) *engineFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	bal := ledger.New(db, ledger.WithClock(clock))
	settler := &stubSettler{}
	fixture := &engineFixture{ledger: bal, db: db, settler: settler, now: &now}
	if policies == nil {
		policies = DefaultPolicies()
	}
	fixture.engine, err = NewEngine(Config{
		DB:       db,
		Ledger:   bal,
		Settler:  settler,
		Policies: policies,
		Now:      func() time.Time { return *fixture.now },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return fixture
}

func smallCapPolicies(t *testing.T) *PolicySet {
	t.Helper()
	set, err := NewPolicySet([]Policy{{
		Game:           models.GameCrash,
		MaxPlaysPerDay: 2,
		Settlement:     SettleLedgerCredit,
		TierPayouts: []TierPayout{
			{MinMultiplier: 1.1, Payout: 4},
			{MinMultiplier: 2.0, Payout: 8},
		},
	}})
	if err != nil {
		t.Fatalf("policy set: %v", err)
	}
	return set
}

func TestStartRejectsUnknownGameAndBadStake(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	if _, err := fx.engine.Start(ctx, engineTestWallet, models.GameKind("roulette"), 0); !errors.Is(err, ErrUnknownGame) {
		t.Fatalf("expected ErrUnknownGame, got %v", err)
	}
	if _, err := fx.engine.Start(ctx, engineTestWallet, models.GameCrash, -5); !errors.Is(err, ErrInvalidStake) {
		t.Fatalf("expected ErrInvalidStake for negative, got %v", err)
	}
	if _, err := fx.engine.Start(ctx, engineTestWallet, models.GameCrash, 5000); !errors.Is(err, ErrInvalidStake) {
		t.Fatalf("expected ErrInvalidStake above max, got %v", err)
	}
}

func TestStartRejectsPlotBasedGame(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	// Garden play runs through Plant and Harvest; a session row would have no
	// completion path and sit in_progress forever.
	if _, err := fx.engine.Start(ctx, engineTestWallet, models.GameGarden, 0); !errors.Is(err, ErrSessionlessGame) {
		t.Fatalf("expected ErrSessionlessGame, got %v", err)
	}
	var count int64
	if err := fx.db.Model(&models.GameSession{}).Count(&count).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected start must not create a session, found %d", count)
	}
}

func TestDailyCapEnforcedAndResets(t *testing.T) {
	fx := setupEngine(t, smallCapPolicies(t))
	ctx := context.Background()

	playOnce := func() error {
		result, err := fx.engine.Start(ctx, engineTestWallet, models.GameCrash, 0)
		if err != nil {
			return err
		}
		_, err = fx.engine.Complete(ctx, result.SessionID, Outcome{Multiplier: 1.5})
		return err
	}

	for i := 0; i < 2; i++ {
		if err := playOnce(); err != nil {
			t.Fatalf("play %d: %v", i, err)
		}
	}
	if err := playOnce(); !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("expected ErrDailyLimitExceeded, got %v", err)
	}

	status, err := fx.engine.DailyLimit(ctx, engineTestWallet, models.GameCrash)
	if err != nil {
		t.Fatalf("daily limit: %v", err)
	}
	if status.PlaysToday != 2 || status.RemainingPlays != 0 {
		t.Fatalf("unexpected status: %+v", status)
	}

	// The cap is per UTC day; a new day starts a fresh counter.
	*fx.now = fx.now.Add(24 * time.Hour)
	if err := playOnce(); err != nil {
		t.Fatalf("play after reset: %v", err)
	}
}

func TestCompleteIsIdempotentGuarded(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	result, err := fx.engine.Start(ctx, engineTestWallet, models.GameCrash, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := fx.engine.Complete(ctx, result.SessionID, Outcome{Multiplier: 2.3})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if first.Reward != 8 {
		t.Fatalf("expected 2x-tier payout 8, got %.2f", first.Reward)
	}
	if first.Balance == nil || first.Balance.AvailableBalance != 8 {
		t.Fatalf("expected credited balance, got %+v", first.Balance)
	}

	if _, err := fx.engine.Complete(ctx, result.SessionID, Outcome{Multiplier: 5.0}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	balance, err := fx.ledger.Read(ctx, engineTestWallet)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if balance.AvailableBalance != 8 {
		t.Fatalf("double complete must not double credit, got %.2f", balance.AvailableBalance)
	}
}

func TestCompleteUnknownSession(t *testing.T) {
	fx := setupEngine(t, nil)
	if _, err := fx.engine.Complete(context.Background(), "GAME-DEADBEEF", Outcome{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCompleteDirectPayout(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	result, err := fx.engine.Start(ctx, engineTestWallet, models.GameQuiz, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	completed, err := fx.engine.Complete(ctx, result.SessionID, Outcome{Correct: 3})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.TxHash == "" || completed.Balance != nil {
		t.Fatalf("direct payout must return tx hash and no ledger balance: %+v", completed)
	}
	if len(fx.settler.calls) != 1 || fx.settler.calls[0].amount != 600 {
		t.Fatalf("unexpected disbursements: %+v", fx.settler.calls)
	}
	if fx.settler.calls[0].correlationID != result.SessionID {
		t.Fatalf("correlation id should be the session id")
	}

	// The quiz reward never touched the withdrawable ledger.
	balance, err := fx.ledger.Read(ctx, engineTestWallet)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if balance.AvailableBalance != 0 {
		t.Fatalf("direct payout must not credit the ledger, got %.2f", balance.AvailableBalance)
	}

	var payout models.RewardPayout
	if err := fx.db.First(&payout, "session_id = ?", result.SessionID).Error; err != nil {
		t.Fatalf("payout record: %v", err)
	}
	if payout.Amount != 600 || payout.TxHash != completed.TxHash {
		t.Fatalf("unexpected payout record: %+v", payout)
	}
}

func TestCompleteDirectPayoutFailureConsumesSession(t *testing.T) {
	fx := setupEngine(t, nil)
	fx.settler.err = chain.ErrChainUnavailable
	ctx := context.Background()

	result, err := fx.engine.Start(ctx, engineTestWallet, models.GameQuiz, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := fx.engine.Complete(ctx, result.SessionID, Outcome{Correct: 5}); !errors.Is(err, chain.ErrChainUnavailable) {
		t.Fatalf("expected chain error, got %v", err)
	}

	// The session is spent even though the disbursement failed; its id stays
	// behind as the reconciliation key.
	if _, err := fx.engine.Complete(ctx, result.SessionID, Outcome{Correct: 5}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	balance, err := fx.ledger.Read(ctx, engineTestWallet)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if balance.AvailableBalance != 0 {
		t.Fatalf("failed payout must not credit, got %.2f", balance.AvailableBalance)
	}
}

func TestWithdrawBounds(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	if _, err := fx.engine.Withdraw(ctx, engineTestWallet); !errors.Is(err, ErrNoBalance) {
		t.Fatalf("expected ErrNoBalance, got %v", err)
	}

	if _, err := fx.ledger.ApplyDelta(ctx, engineTestWallet, 50, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := fx.engine.Withdraw(ctx, engineTestWallet); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}

	if _, err := fx.ledger.ApplyDelta(ctx, engineTestWallet, 20000, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := fx.engine.Withdraw(ctx, engineTestWallet); !errors.Is(err, ErrAboveMaximum) {
		t.Fatalf("expected ErrAboveMaximum, got %v", err)
	}
	if len(fx.settler.calls) != 0 {
		t.Fatalf("out-of-bounds withdrawals must never reach the chain")
	}
}

func TestWithdrawDebitsExactlyOnSuccess(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	if _, err := fx.ledger.ApplyDelta(ctx, engineTestWallet, 300, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	result, err := fx.engine.Withdraw(ctx, engineTestWallet)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if result.Amount != 300 || result.Balance.AvailableBalance != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Balance.TotalWithdrawn != 300 {
		t.Fatalf("expected total withdrawn 300, got %.2f", result.Balance.TotalWithdrawn)
	}

	var record models.WithdrawalRecord
	if err := fx.db.First(&record, "correlation_id = ?", result.CorrelationID).Error; err != nil {
		t.Fatalf("withdrawal record: %v", err)
	}
	if record.Amount != 300 || record.TxHash != result.TxHash {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestWithdrawFailureLeavesBalance(t *testing.T) {
	fx := setupEngine(t, nil)
	fx.settler.err = chain.ErrReverted
	ctx := context.Background()

	if _, err := fx.ledger.ApplyDelta(ctx, engineTestWallet, 300, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := fx.engine.Withdraw(ctx, engineTestWallet); !errors.Is(err, chain.ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}

	balance, err := fx.ledger.Read(ctx, engineTestWallet)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if balance.AvailableBalance != 300 {
		t.Fatalf("failed withdrawal must not debit, got %.2f", balance.AvailableBalance)
	}

	// The funds stay withdrawable: clear the fault and retry.
	fx.settler.err = nil
	if _, err := fx.engine.Withdraw(ctx, engineTestWallet); err != nil {
		t.Fatalf("retry withdraw: %v", err)
	}
}

func TestGardenPlantAndHarvest(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	if err := fx.engine.Plant(ctx, engineTestWallet, 1, "mystery"); !errors.Is(err, ErrUnknownCrop) {
		t.Fatalf("expected ErrUnknownCrop, got %v", err)
	}
	if err := fx.engine.Plant(ctx, engineTestWallet, 1, "corn"); err != nil {
		t.Fatalf("plant: %v", err)
	}
	if err := fx.engine.Plant(ctx, engineTestWallet, 1, "tomato"); !errors.Is(err, ErrPlotOccupied) {
		t.Fatalf("expected ErrPlotOccupied, got %v", err)
	}

	if _, err := fx.engine.Harvest(ctx, engineTestWallet, 1); !errors.Is(err, ErrCropNotReady) {
		t.Fatalf("expected ErrCropNotReady, got %v", err)
	}

	*fx.now = fx.now.Add(61 * time.Second)
	result, err := fx.engine.Harvest(ctx, engineTestWallet, 1)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if result.Crop != "corn" || result.Reward != 25 {
		t.Fatalf("unexpected harvest: %+v", result)
	}
	if result.Balance.AvailableBalance != 25 {
		t.Fatalf("expected credited 25, got %.2f", result.Balance.AvailableBalance)
	}

	// The plot is clear again.
	if _, err := fx.engine.Harvest(ctx, engineTestWallet, 1); !errors.Is(err, ErrNothingPlanted) {
		t.Fatalf("expected ErrNothingPlanted, got %v", err)
	}
	if err := fx.engine.Plant(ctx, engineTestWallet, 1, "carrot"); err != nil {
		t.Fatalf("replant: %v", err)
	}
}

func TestGardenDailyCap(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := fx.engine.Plant(ctx, engineTestWallet, i, "tomato"); err != nil {
			t.Fatalf("plant %d: %v", i, err)
		}
	}
	*fx.now = fx.now.Add(2 * time.Minute)
	for i := 0; i < 5; i++ {
		if _, err := fx.engine.Harvest(ctx, engineTestWallet, i); err != nil {
			t.Fatalf("harvest %d: %v", i, err)
		}
	}

	if err := fx.engine.Plant(ctx, engineTestWallet, 0, "tomato"); err != nil {
		t.Fatalf("plant after cap: %v", err)
	}
	*fx.now = fx.now.Add(2 * time.Minute)
	if _, err := fx.engine.Harvest(ctx, engineTestWallet, 0); !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("expected ErrDailyLimitExceeded, got %v", err)
	}
}
