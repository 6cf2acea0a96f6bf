// Package recon brings the internal balance ledger into agreement with
// transfers observed on the external chain.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"goodmarket/chain"
	"goodmarket/ledger"
	"goodmarket/models"
	"goodmarket/observability"
)

// Default deposit bounds in G$. Candidates outside them are reported but never
// credited.
const (
	DefaultMinDeposit = 100.0
	DefaultMaxDeposit = 500.0
)

const defaultLookback = 24 * time.Hour

// DepositSource abstracts the chain scanner.
type DepositSource interface {
	Deposits(ctx context.Context, sender, recipient common.Address, lookback time.Duration, expected *float64) ([]chain.Deposit, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB         *gorm.DB
	Scanner    DepositSource
	Ledger     *ledger.Ledger
	Merchant   common.Address
	MinDeposit float64
	MaxDeposit float64
	Lookback   time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    *observability.RewardsMetrics
}

// Reconciler verifies candidate deposits against the chain and applies each
// exactly once to the balance ledger.
type Reconciler struct {
	db       *gorm.DB
	scanner  DepositSource
	ledger   *ledger.Ledger
	merchant common.Address
	min      float64
	max      float64
	lookback time.Duration
	now      func() time.Time
	log      *slog.Logger
	metrics  *observability.RewardsMetrics
}

// Result summarises one reconciliation run.
type Result struct {
	Verified    int
	TotalAmount float64
	Skipped     int
	OutOfBounds int
}

// NewReconciler constructs a reconciler from the supplied configuration.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("recon: database required")
	}
	if cfg.Scanner == nil {
		return nil, fmt.Errorf("recon: scanner required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("recon: ledger required")
	}
	if (cfg.Merchant == common.Address{}) {
		return nil, fmt.Errorf("recon: merchant address required")
	}
	if cfg.MinDeposit <= 0 {
		cfg.MinDeposit = DefaultMinDeposit
	}
	if cfg.MaxDeposit <= 0 {
		cfg.MaxDeposit = DefaultMaxDeposit
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		db:       cfg.DB,
		scanner:  cfg.Scanner,
		ledger:   cfg.Ledger,
		merchant: cfg.Merchant,
		min:      cfg.MinDeposit,
		max:      cfg.MaxDeposit,
		lookback: cfg.Lookback,
		now:      cfg.Now,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Reconcile scans for deposits from the wallet to the merchant address and
// credits each unrecorded in-bounds transfer exactly once. Running twice with
// no new chain activity verifies nothing the second time. Concurrent runs for
// one wallet cannot double-credit a transaction: the DepositRecord primary key
// is the enforcement point, not call ordering.
func (r *Reconciler) Reconcile(ctx context.Context, wallet string) (Result, error) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return Result{}, fmt.Errorf("recon: wallet address required")
	}
	if !common.IsHexAddress(wallet) {
		return Result{}, fmt.Errorf("recon: invalid wallet address %q", wallet)
	}

	recorded, err := r.recordedHashes(ctx, wallet)
	if err != nil {
		return Result{}, err
	}

	candidates, err := r.scanner.Deposits(ctx, common.HexToAddress(wallet), r.merchant, r.lookback, nil)
	if err != nil {
		// ErrChainUnavailable propagates so the caller retries. A clean
		// empty scan is a zero-deposit result, not an error.
		return Result{}, fmt.Errorf("recon: scan deposits: %w", err)
	}

	var result Result
	for _, candidate := range candidates {
		txHash := strings.ToLower(candidate.TxHash)
		if _, seen := recorded[txHash]; seen {
			result.Skipped++
			r.metrics.RecordDepositSkipped("already_recorded")
			continue
		}
		if candidate.Amount < r.min || candidate.Amount > r.max {
			r.log.Warn("deposit out of bounds",
				slog.String("tx", txHash),
				slog.Float64("amount", candidate.Amount),
				slog.Float64("min", r.min),
				slog.Float64("max", r.max))
			result.OutOfBounds++
			r.metrics.RecordDepositSkipped("out_of_bounds")
			continue
		}

		if err := r.apply(ctx, wallet, candidate); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// A concurrent run recorded it first.
				result.Skipped++
				r.metrics.RecordDepositSkipped("concurrent_run")
				continue
			}
			return result, fmt.Errorf("recon: apply deposit %s: %w", txHash, err)
		}
		result.Verified++
		result.TotalAmount += candidate.Amount
		r.metrics.RecordDepositVerified()
		r.log.Info("deposit verified",
			slog.String("wallet", wallet),
			slog.String("tx", txHash),
			slog.Float64("amount", candidate.Amount))
	}
	return result, nil
}

// apply records the deposit and credits the ledger in one transaction, so a
// DepositRecord never exists without its balance credit.
func (r *Reconciler) apply(ctx context.Context, wallet string, candidate chain.Deposit) error {
	day := r.now().UTC().Truncate(24 * time.Hour)
	var bound *ledger.Ledger
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.DepositRecord{
			TxHash:        strings.ToLower(candidate.TxHash),
			WalletAddress: wallet,
			Amount:        candidate.Amount,
			BlockNumber:   candidate.BlockNumber,
			DepositDate:   candidate.Timestamp,
			CreatedAt:     r.now(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		bound = r.ledger.WithDB(tx)
		_, err := bound.ApplyDelta(ctx, wallet, candidate.Amount, 0, ledger.WithDepositDate(day))
		return err
	})
	if err != nil {
		return err
	}
	bound.Flush()
	return nil
}

func (r *Reconciler) recordedHashes(ctx context.Context, wallet string) (map[string]struct{}, error) {
	var hashes []string
	err := r.db.WithContext(ctx).
		Model(&models.DepositRecord{}).
		Where("wallet_address = ?", wallet).
		Pluck("tx_hash", &hashes).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load recorded deposits: %w", err)
	}
	recorded := make(map[string]struct{}, len(hashes))
	for _, hash := range hashes {
		recorded[strings.ToLower(hash)] = struct{}{}
	}
	return recorded, nil
}
