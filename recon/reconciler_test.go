package recon

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

const (
	reconTestWallet = "0x00000000000000000000000000000000000000cc"
	reconMerchant   = "0x00000000000000000000000000000000000000dd"
)

// stubSource serves a fixed candidate list or an error. onScan, when set, runs
// before the candidates are returned.
type stubSource struct {
	deposits []chain.Deposit
	err      error
	scans    int
	onScan   func()
}

func (s *stubSource) Deposits(context.Context, common.Address, common.Address, time.Duration, *float64) ([]chain.Deposit, error) {
	s.scans++
	if s.onScan != nil {
		s.onScan()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.deposits, nil
}

func setupReconciler(t *testing.T, source *stubSource) (*Reconciler, *ledger.Ledger, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bal := ledger.New(db)
	reconciler, err := NewReconciler(Config{
		DB:       db,
		Scanner:  source,
		Ledger:   bal,
		Merchant: common.HexToAddress(reconMerchant),
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return reconciler, bal, db
}

func deposit(tx string, amount float64, block uint64) chain.Deposit {
	return chain.Deposit{
		TxHash:      tx,
		Amount:      amount,
		BlockNumber: block,
		Timestamp:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestReconcileCreditsInBoundsOnce(t *testing.T) {
	source := &stubSource{deposits: []chain.Deposit{
		deposit("0xaaa1", 250, 100),
		deposit("0xaaa2", 100, 101),
		deposit("0xaaa3", 500, 102),
	}}
	reconciler, bal, _ := setupReconciler(t, source)
	ctx := context.Background()

	result, err := reconciler.Reconcile(ctx, reconTestWallet)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Verified != 3 || result.TotalAmount != 850 {
		t.Fatalf("unexpected result: %+v", result)
	}

	balance, err := bal.Read(ctx, reconTestWallet)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if balance.AvailableBalance != 850 {
		t.Fatalf("expected credited 850, got %.2f", balance.AvailableBalance)
	}
	if balance.LastDepositDate == nil {
		t.Fatal("expected LastDepositDate stamped")
	}

	// Second run with the same chain history verifies nothing new.
	second, err := reconciler.Reconcile(ctx, reconTestWallet)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.Verified != 0 || second.Skipped != 3 {
		t.Fatalf("second run must skip all: %+v", second)
	}
	balance, _ = bal.Read(ctx, reconTestWallet)
	if balance.AvailableBalance != 850 {
		t.Fatalf("second run must not double credit, got %.2f", balance.AvailableBalance)
	}
}

func TestReconcileSkipsOutOfBounds(t *testing.T) {
	source := &stubSource{deposits: []chain.Deposit{
		deposit("0xbbb1", 99.99, 100),
		deposit("0xbbb2", 500.01, 101),
		deposit("0xbbb3", 300, 102),
	}}
	reconciler, bal, db := setupReconciler(t, source)
	ctx := context.Background()

	result, err := reconciler.Reconcile(ctx, reconTestWallet)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Verified != 1 || result.OutOfBounds != 2 || result.TotalAmount != 300 {
		t.Fatalf("unexpected result: %+v", result)
	}

	balance, _ := bal.Read(ctx, reconTestWallet)
	if balance.AvailableBalance != 300 {
		t.Fatalf("expected 300 credited, got %.2f", balance.AvailableBalance)
	}
	var count int64
	if err := db.Model(&models.DepositRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("out-of-bounds deposits must not be recorded, found %d rows", count)
	}
}

func TestReconcilePropagatesChainErrors(t *testing.T) {
	source := &stubSource{err: chain.ErrChainUnavailable}
	reconciler, bal, _ := setupReconciler(t, source)
	ctx := context.Background()

	if _, err := reconciler.Reconcile(ctx, reconTestWallet); !errors.Is(err, chain.ErrChainUnavailable) {
		t.Fatalf("expected ErrChainUnavailable, got %v", err)
	}
	balance, _ := bal.Read(ctx, reconTestWallet)
	if balance.AvailableBalance != 0 {
		t.Fatalf("failed scan must not credit, got %.2f", balance.AvailableBalance)
	}
}

func TestReconcileTreatsPreRecordedAsSkip(t *testing.T) {
	source := &stubSource{deposits: []chain.Deposit{deposit("0xccc1", 200, 100)}}
	reconciler, _, db := setupReconciler(t, source)
	ctx := context.Background()

	// Another run already recorded the hash.
	record := models.DepositRecord{
		TxHash:        "0xccc1",
		WalletAddress: reconTestWallet,
		Amount:        200,
		BlockNumber:   100,
		DepositDate:   time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("seed record: %v", err)
	}

	result, err := reconciler.Reconcile(ctx, reconTestWallet)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Verified != 0 || result.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestReconcileSkipsDepositRecordedMidRun(t *testing.T) {
	source := &stubSource{deposits: []chain.Deposit{
		deposit("0xddd1", 200, 100),
		deposit("0xddd2", 300, 101),
	}}
	reconciler, bal, db := setupReconciler(t, source)
	ctx := context.Background()

	// A parallel run records one candidate after this run has taken its
	// snapshot of recorded hashes but before it applies. The unique tx-hash
	// constraint is the backstop: the insert collides and the candidate is
	// counted as skipped, never credited twice.
	source.onScan = func() {
		record := models.DepositRecord{
			TxHash:        "0xddd1",
			WalletAddress: reconTestWallet,
			Amount:        200,
			BlockNumber:   100,
			DepositDate:   time.Now().UTC(),
			CreatedAt:     time.Now().UTC(),
		}
		if err := db.Create(&record).Error; err != nil {
			t.Fatalf("seed concurrent record: %v", err)
		}
		if _, err := bal.ApplyDelta(ctx, reconTestWallet, 200, 0); err != nil {
			t.Fatalf("seed concurrent credit: %v", err)
		}
	}

	result, err := reconciler.Reconcile(ctx, reconTestWallet)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Verified != 1 || result.Skipped != 1 || result.TotalAmount != 300 {
		t.Fatalf("unexpected result: %+v", result)
	}

	balance, err := bal.Read(ctx, reconTestWallet)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if balance.AvailableBalance != 500 {
		t.Fatalf("colliding deposit must credit exactly once, got %.2f", balance.AvailableBalance)
	}
	var count int64
	if err := db.Model(&models.DepositRecord{}).Where("tx_hash = ?", "0xddd1").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one record for the colliding hash, found %d", count)
	}
}

func TestReconcileRejectsBadWallet(t *testing.T) {
	reconciler, _, _ := setupReconciler(t, &stubSource{})
	if _, err := reconciler.Reconcile(context.Background(), "not-an-address"); err == nil {
		t.Fatal("expected error for malformed wallet")
	}
}
