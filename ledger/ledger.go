package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"goodmarket/models"
)

// ErrNegativeBalance indicates a delta would drive the available balance below
// zero. The mutation is discarded wholesale, never clamped.
var ErrNegativeBalance = errors.New("ledger: negative balance")

// ErrWalletRequired is returned when the wallet identity is missing.
var ErrWalletRequired = errors.New("ledger: wallet address required")

const defaultCacheTTL = 30 * time.Second

// Ledger is the single authorized writer of GameBalance records. All balance
// changes funnel through ApplyDelta; no other component computes and writes a
// balance value.
type Ledger struct {
	db    *gorm.DB
	cache *balanceCache
	now   func() time.Time
	log   *slog.Logger

	// pending is non-nil on a ledger bound to an enclosing transaction via
	// WithDB. Touched wallets accumulate here instead of being invalidated
	// mid-transaction and are dropped from the cache by Flush.
	pending *pendingInvalidations
}

type pendingInvalidations struct {
	mu      sync.Mutex
	wallets map[string]struct{}
}

func (p *pendingInvalidations) add(wallet string) {
	p.mu.Lock()
	p.wallets[wallet] = struct{}{}
	p.mu.Unlock()
}

func (p *pendingInvalidations) drain() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	wallets := make([]string, 0, len(p.wallets))
	for wallet := range p.wallets {
		wallets = append(wallets, wallet)
	}
	p.wallets = make(map[string]struct{})
	return wallets
}

// Option customises the ledger instance.
type Option func(*Ledger)

// WithCacheTTL overrides the read cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		l.cache = newBalanceCache(ttl, l.now)
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		l.now = clock
		l.cache = newBalanceCache(l.cache.ttl, clock)
	}
}

// WithLogger supplies a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// New constructs a ledger backed by the provided database.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:  db,
		now: time.Now,
		log: slog.Default(),
	}
	l.cache = newBalanceCache(defaultCacheTTL, l.now)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithDB returns a ledger bound to the provided database handle, sharing the
// cache and clock of the receiver. It lets a caller fold ApplyDelta into an
// enclosing transaction. Cache entries for wallets touched through the bound
// ledger are not invalidated until Flush: invalidating while the transaction
// is open would let a concurrent Read re-cache the pre-commit row and serve
// it stale for a full TTL.
func (l *Ledger) WithDB(db *gorm.DB) *Ledger {
	return &Ledger{
		db:      db,
		cache:   l.cache,
		now:     l.now,
		log:     l.log,
		pending: &pendingInvalidations{wallets: make(map[string]struct{})},
	}
}

// Flush drops cache entries for every wallet written through this bound
// ledger. Callers must invoke it after their enclosing transaction commits;
// it is a no-op on an unbound ledger.
func (l *Ledger) Flush() {
	if l.pending == nil {
		return
	}
	for _, wallet := range l.pending.drain() {
		l.cache.invalidate(wallet)
	}
}

// Read returns the balance for a wallet. A wallet with no recorded activity
// reads as a zero balance. Reads may be served from the short-lived cache;
// ApplyDelta invalidates the entry before returning, so read-after-write is
// always fresh.
func (l *Ledger) Read(ctx context.Context, wallet string) (models.GameBalance, error) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return models.GameBalance{}, ErrWalletRequired
	}
	if cached, ok := l.cache.get(wallet); ok {
		return cached, nil
	}
	balance, err := l.fetch(ctx, wallet)
	if err != nil {
		return models.GameBalance{}, err
	}
	l.cache.set(wallet, balance)
	return balance, nil
}

func (l *Ledger) fetch(ctx context.Context, wallet string) (models.GameBalance, error) {
	var balance models.GameBalance
	err := l.db.WithContext(ctx).First(&balance, "wallet_address = ?", wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.GameBalance{WalletAddress: wallet}, nil
	}
	if err != nil {
		return models.GameBalance{}, fmt.Errorf("ledger: read balance: %w", err)
	}
	return balance, nil
}

// DeltaOption annotates an ApplyDelta call.
type DeltaOption func(*deltaParams)

type deltaParams struct {
	depositDate *time.Time
}

// WithDepositDate stamps LastDepositDate alongside the delta. Used by the
// deposit reconciler when crediting verified deposits.
func WithDepositDate(t time.Time) DeltaOption {
	return func(p *deltaParams) { p.depositDate = &t }
}

// ApplyDelta atomically applies earned and withdrawn deltas to a wallet's
// balance. The row is locked for the duration of the transaction, so concurrent
// deltas for one wallet serialize and never lose an update. The balance record
// is created lazily on first credit. A delta that would leave the available
// balance negative fails with ErrNegativeBalance and mutates nothing.
func (l *Ledger) ApplyDelta(ctx context.Context, wallet string, earnedDelta, withdrawnDelta float64, opts ...DeltaOption) (models.GameBalance, error) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return models.GameBalance{}, ErrWalletRequired
	}
	var params deltaParams
	for _, opt := range opts {
		opt(&params)
	}

	var updated models.GameBalance
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var balance models.GameBalance
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&balance, "wallet_address = ?", wallet).Error
		created := false
		if errors.Is(err, gorm.ErrRecordNotFound) {
			balance = models.GameBalance{WalletAddress: wallet, CreatedAt: l.now()}
			created = true
		} else if err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}

		balance.TotalEarned += earnedDelta
		balance.TotalWithdrawn += withdrawnDelta
		balance.AvailableBalance = balance.TotalEarned - balance.TotalWithdrawn
		if balance.AvailableBalance < 0 || balance.TotalEarned < 0 || balance.TotalWithdrawn < 0 {
			return ErrNegativeBalance
		}
		if params.depositDate != nil {
			balance.LastDepositDate = params.depositDate
		}
		balance.UpdatedAt = l.now()

		if created {
			if err := tx.Create(&balance).Error; err != nil {
				return fmt.Errorf("create balance: %w", err)
			}
		} else if err := tx.Save(&balance).Error; err != nil {
			return fmt.Errorf("save balance: %w", err)
		}
		updated = balance
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNegativeBalance) {
			return models.GameBalance{}, err
		}
		return models.GameBalance{}, fmt.Errorf("ledger: apply delta: %w", err)
	}

	// Invalidate so a write-then-read never goes stale. On a bound ledger the
	// enclosing transaction has not committed yet, so the invalidation is
	// deferred to Flush.
	if l.pending != nil {
		l.pending.add(wallet)
	} else {
		l.cache.invalidate(wallet)
	}

	l.log.Debug("balance delta applied",
		slog.String("wallet", wallet),
		slog.Float64("earned_delta", earnedDelta),
		slog.Float64("withdrawn_delta", withdrawnDelta),
		slog.Float64("available", updated.AvailableBalance))
	return updated, nil
}
