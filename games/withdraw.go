package games

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"goodmarket/ledger"
	"goodmarket/models"
)

// WithdrawResult reports a confirmed withdrawal.
type WithdrawResult struct {
	Amount        float64
	TxHash        string
	CorrelationID string
	Balance       models.GameBalance
}

// Withdraw pays out a wallet's full available balance on-chain. The balance is
// mutated if and only if the settlement client reports success; on any failure
// or timeout the balance is untouched and the error is recoverable: funds are
// safe, the caller may retry. The correlation id lets a reconciliation job
// match an unconfirmed-but-landed transfer against chain history before any
// retry, preventing a literal double-send.
func (e *Engine) Withdraw(ctx context.Context, wallet string) (*WithdrawResult, error) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return nil, fmt.Errorf("games: wallet address required")
	}
	if e.settler == nil {
		return nil, fmt.Errorf("games: settlement client not configured")
	}

	if !e.beginWithdrawal(wallet) {
		return nil, ErrWithdrawalInFlight
	}
	defer e.endWithdrawal(wallet)

	balance, err := e.ledger.Read(ctx, wallet)
	if err != nil {
		return nil, err
	}
	amount := balance.AvailableBalance
	switch {
	case amount <= 0:
		return nil, ErrNoBalance
	case amount < e.minOut:
		return nil, fmt.Errorf("%w: %g G$ available, minimum %g", ErrBelowMinimum, amount, e.minOut)
	case amount > e.maxOut:
		return nil, fmt.Errorf("%w: %g G$ available, maximum %g", ErrAboveMaximum, amount, e.maxOut)
	}

	correlationID := newCorrelationID("WITHDRAW")
	started := e.now()
	res, err := e.settler.Disburse(ctx, common.HexToAddress(wallet), amount, correlationID)
	if err != nil {
		e.metrics.RecordWithdrawal("failed")
		e.log.Error("withdrawal disbursement failed",
			slog.String("wallet", wallet),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("games: withdrawal disbursement: %w", err)
	}
	e.metrics.ObserveDisburseLatency("withdrawal", e.now().Sub(started))

	var (
		updated models.GameBalance
		bound   *ledger.Ledger
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bound = e.ledger.WithDB(tx)
		updated, err = bound.ApplyDelta(ctx, wallet, 0, amount)
		if err != nil {
			return err
		}
		record := models.WithdrawalRecord{
			ID:             uuid.New(),
			WalletAddress:  wallet,
			Amount:         amount,
			TxHash:         res.TxHash,
			CorrelationID:  correlationID,
			WithdrawalDate: e.now().UTC().Truncate(24 * time.Hour),
			CreatedAt:      e.now(),
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		// The transfer is on-chain but the debit failed to persist. Surface
		// loudly; the correlation id is the recovery key.
		e.metrics.RecordWithdrawal("debit_failed")
		e.log.Error("withdrawal debit failed after confirmed transfer",
			slog.String("wallet", wallet),
			slog.String("tx", res.TxHash),
			slog.String("correlation_id", correlationID))
		return nil, fmt.Errorf("games: record withdrawal %s: %w", correlationID, err)
	}
	bound.Flush()

	e.metrics.RecordWithdrawal("confirmed")
	e.log.Info("withdrawal confirmed",
		slog.String("wallet", wallet),
		slog.Float64("amount", amount),
		slog.String("tx", res.TxHash))
	return &WithdrawResult{
		Amount:        amount,
		TxHash:        res.TxHash,
		CorrelationID: correlationID,
		Balance:       updated,
	}, nil
}

func (e *Engine) beginWithdrawal(wallet string) bool {
	e.withdrawMu.Lock()
	defer e.withdrawMu.Unlock()
	if _, busy := e.withdrawing[wallet]; busy {
		return false
	}
	e.withdrawing[wallet] = struct{}{}
	return true
}

func (e *Engine) endWithdrawal(wallet string) {
	e.withdrawMu.Lock()
	delete(e.withdrawing, wallet)
	e.withdrawMu.Unlock()
}
