// Package games owns the game session lifecycle: start, completion with
// server-side reward derivation, daily play limits, and balance withdrawal.
package games

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"goodmarket/chain"
	"goodmarket/ledger"
	"goodmarket/models"
	"goodmarket/observability"
)

// Session and withdrawal failures surfaced to callers.
var (
	// ErrUnknownGame indicates no policy is configured for the game kind.
	ErrUnknownGame = errors.New("games: unknown game kind")
	// ErrInvalidStake indicates the stake lies outside the configured bounds.
	ErrInvalidStake = errors.New("games: stake out of bounds")
	// ErrDailyLimitExceeded indicates the per-game daily play cap is met.
	ErrDailyLimitExceeded = errors.New("games: daily limit exceeded")
	// ErrSessionlessGame indicates the game kind is played through plots, not
	// sessions.
	ErrSessionlessGame = errors.New("games: game is not session based")
	// ErrSessionNotFound indicates no session exists for the identifier.
	ErrSessionNotFound = errors.New("games: session not found")
	// ErrAlreadyCompleted guards against duplicate completion requests.
	ErrAlreadyCompleted = errors.New("games: session already completed")
	// ErrNoBalance indicates there is nothing to withdraw.
	ErrNoBalance = errors.New("games: no balance available")
	// ErrBelowMinimum indicates the balance is under the withdrawal floor.
	ErrBelowMinimum = errors.New("games: balance below withdrawal minimum")
	// ErrAboveMaximum routes oversized withdrawals to manual handling.
	ErrAboveMaximum = errors.New("games: balance above withdrawal maximum")
	// ErrWithdrawalInFlight rejects a concurrent withdrawal for one wallet.
	ErrWithdrawalInFlight = errors.New("games: withdrawal already in progress")
)

// Default withdrawal bounds in G$.
const (
	DefaultMinWithdrawal = 100.0
	DefaultMaxWithdrawal = 10000.0
)

// Settler abstracts the settlement client's single-transfer operation.
type Settler interface {
	Disburse(ctx context.Context, recipient common.Address, amount float64, correlationID string) (*chain.Result, error)
}

// Config captures the dependencies required to construct an Engine.
type Config struct {
	DB            *gorm.DB
	Ledger        *ledger.Ledger
	Settler       Settler
	Policies      *PolicySet
	MinWithdrawal float64
	MaxWithdrawal float64
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       *observability.RewardsMetrics
}

// Engine drives game sessions from start to completion and pays out rewards
// through the strategy the game kind selects: ledger credit or direct on-chain
// disbursement.
type Engine struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	settler  Settler
	policies *PolicySet
	minOut   float64
	maxOut   float64
	now      func() time.Time
	log      *slog.Logger
	metrics  *observability.RewardsMetrics

	withdrawMu  sync.Mutex
	withdrawing map[string]struct{}
}

// NewEngine constructs an engine from the supplied configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("games: database required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("games: ledger required")
	}
	if cfg.Policies == nil {
		return nil, fmt.Errorf("games: policies required")
	}
	if cfg.MinWithdrawal <= 0 {
		cfg.MinWithdrawal = DefaultMinWithdrawal
	}
	if cfg.MaxWithdrawal <= 0 {
		cfg.MaxWithdrawal = DefaultMaxWithdrawal
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		db:          cfg.DB,
		ledger:      cfg.Ledger,
		settler:     cfg.Settler,
		policies:    cfg.Policies,
		minOut:      cfg.MinWithdrawal,
		maxOut:      cfg.MaxWithdrawal,
		now:         cfg.Now,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		withdrawing: make(map[string]struct{}),
	}, nil
}

// StartResult reports a freshly created session.
type StartResult struct {
	SessionID      string
	GameKind       models.GameKind
	StakeAmount    float64
	RemainingPlays int
}

// Start creates a new in-progress session after checking the per-game daily
// play cap for the wallet.
func (e *Engine) Start(ctx context.Context, wallet string, kind models.GameKind, stake float64) (*StartResult, error) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return nil, fmt.Errorf("games: wallet address required")
	}
	policy, ok := e.policies.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, kind)
	}
	if len(policy.CropRewards) > 0 {
		// Plot-based games run through Plant and Harvest; a session would
		// never reach a completion path.
		return nil, fmt.Errorf("%w: %s", ErrSessionlessGame, kind)
	}
	if stake < 0 || (policy.MaxStake > 0 && stake > policy.MaxStake) {
		return nil, fmt.Errorf("%w: %g", ErrInvalidStake, stake)
	}
	if stake > 0 && stake < policy.MinStake {
		return nil, fmt.Errorf("%w: %g", ErrInvalidStake, stake)
	}

	plays, err := e.dailyPlays(ctx, wallet, kind)
	if err != nil {
		return nil, err
	}
	if plays >= policy.MaxPlaysPerDay {
		return nil, fmt.Errorf("%w: %d plays today, cap %d", ErrDailyLimitExceeded, plays, policy.MaxPlaysPerDay)
	}

	session := models.GameSession{
		SessionID:     newCorrelationID("GAME"),
		WalletAddress: wallet,
		GameKind:      kind,
		Status:        models.SessionInProgress,
		StakeAmount:   stake,
		StartedAt:     e.now(),
	}
	if err := e.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, fmt.Errorf("games: create session: %w", err)
	}

	e.log.Info("session started",
		slog.String("session", session.SessionID),
		slog.String("wallet", wallet),
		slog.String("game", string(kind)))
	return &StartResult{
		SessionID:      session.SessionID,
		GameKind:       kind,
		StakeAmount:    stake,
		RemainingPlays: policy.MaxPlaysPerDay - plays - 1,
	}, nil
}

// CompleteResult reports a completed session and how its reward settled.
type CompleteResult struct {
	SessionID string
	GameKind  models.GameKind
	Score     int
	Reward    float64
	// Balance is populated for ledger-credit games.
	Balance *models.GameBalance
	// TxHash is populated for direct-payout games.
	TxHash string
}

// Complete transitions a session to its terminal state exactly once. The
// reward is re-derived server-side from the raw outcome, the daily counter is
// incremented, and the reward settles through the game kind's strategy. A
// second completion request for the same identifier fails with
// ErrAlreadyCompleted and changes nothing.
func (e *Engine) Complete(ctx context.Context, sessionID string, outcome Outcome) (*CompleteResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("games: session id required")
	}
	rawOutcome, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("games: encode outcome: %w", err)
	}

	var (
		session models.GameSession
		reward  float64
		score   int
		policy  Policy
		balance *models.GameBalance
		bound   *ledger.Ledger
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&session, "session_id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("lock session: %w", err)
		}
		if session.Status == models.SessionCompleted {
			return ErrAlreadyCompleted
		}

		var ok bool
		policy, ok = e.policies.Get(session.GameKind)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownGame, session.GameKind)
		}
		reward, score, err = rewardFor(session.GameKind, outcome, policy)
		if err != nil {
			return err
		}

		now := e.now()
		session.Status = models.SessionCompleted
		session.Score = score
		session.Reward = reward
		session.Outcome = string(rawOutcome)
		session.CompletedAt = &now
		if err := tx.Save(&session).Error; err != nil {
			return fmt.Errorf("save session: %w", err)
		}

		if err := e.incrementDailyLimit(tx, session.WalletAddress, session.GameKind, reward); err != nil {
			return err
		}

		if policy.Settlement == SettleLedgerCredit && reward > 0 {
			bound = e.ledger.WithDB(tx)
			updated, err := bound.ApplyDelta(ctx, session.WalletAddress, reward, 0)
			if err != nil {
				return err
			}
			balance = &updated
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if bound != nil {
		bound.Flush()
	}

	result := &CompleteResult{
		SessionID: session.SessionID,
		GameKind:  session.GameKind,
		Score:     score,
		Reward:    reward,
		Balance:   balance,
	}

	if policy.Settlement == SettleDirectPayout && reward > 0 {
		txHash, err := e.payDirect(ctx, &session, reward, score)
		if err != nil {
			e.metrics.RecordSessionCompleted(string(session.GameKind), "disburse_failed")
			// The session is consumed, balance untouched; the session id
			// remains the correlation key for later reconciliation.
			return nil, fmt.Errorf("games: reward disbursement for session %s: %w", session.SessionID, err)
		}
		result.TxHash = txHash
	}

	e.metrics.RecordSessionCompleted(string(session.GameKind), "settled")
	e.log.Info("session completed",
		slog.String("session", session.SessionID),
		slog.String("game", string(session.GameKind)),
		slog.Int("score", score),
		slog.Float64("reward", reward))
	return result, nil
}

func (e *Engine) payDirect(ctx context.Context, session *models.GameSession, reward float64, score int) (string, error) {
	if e.settler == nil {
		return "", fmt.Errorf("settlement client not configured")
	}
	started := e.now()
	res, err := e.settler.Disburse(ctx, common.HexToAddress(session.WalletAddress), reward, session.SessionID)
	if err != nil {
		return "", err
	}
	e.metrics.ObserveDisburseLatency("reward", e.now().Sub(started))

	payout := models.RewardPayout{
		TxHash:        res.TxHash,
		WalletAddress: session.WalletAddress,
		GameKind:      session.GameKind,
		SessionID:     session.SessionID,
		Amount:        reward,
		Score:         score,
		CreatedAt:     e.now(),
	}
	if err := e.db.WithContext(ctx).Create(&payout).Error; err != nil {
		// The transfer already settled; losing the log line must not fail
		// the completion.
		e.log.Error("record reward payout", slog.String("tx", res.TxHash), slog.String("error", err.Error()))
	}
	return res.TxHash, nil
}

// DailyLimitStatus reports a wallet's remaining plays for a game today.
type DailyLimitStatus struct {
	PlaysToday     int
	MaxPlays       int
	RemainingPlays int
}

// DailyLimit returns the current play count against the configured cap.
func (e *Engine) DailyLimit(ctx context.Context, wallet string, kind models.GameKind) (DailyLimitStatus, error) {
	policy, ok := e.policies.Get(kind)
	if !ok {
		return DailyLimitStatus{}, fmt.Errorf("%w: %s", ErrUnknownGame, kind)
	}
	plays, err := e.dailyPlays(ctx, strings.ToLower(strings.TrimSpace(wallet)), kind)
	if err != nil {
		return DailyLimitStatus{}, err
	}
	remaining := policy.MaxPlaysPerDay - plays
	if remaining < 0 {
		remaining = 0
	}
	return DailyLimitStatus{PlaysToday: plays, MaxPlays: policy.MaxPlaysPerDay, RemainingPlays: remaining}, nil
}

func (e *Engine) dailyPlays(ctx context.Context, wallet string, kind models.GameKind) (int, error) {
	var counter models.DailyGameLimit
	err := e.db.WithContext(ctx).
		First(&counter, "wallet_address = ? AND game_kind = ? AND game_date = ?", wallet, kind, e.dayKey()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("games: read daily limit: %w", err)
	}
	return counter.PlaysToday, nil
}

// incrementDailyLimit bumps the (wallet, game, day) counter inside the
// caller's transaction. At most one increment per completed session; the
// session idempotence guard upstream enforces that.
func (e *Engine) incrementDailyLimit(tx *gorm.DB, wallet string, kind models.GameKind, earned float64) error {
	day := e.dayKey()
	var counter models.DailyGameLimit
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&counter, "wallet_address = ? AND game_kind = ? AND game_date = ?", wallet, kind, day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = models.DailyGameLimit{
			ID:            uuid.New(),
			WalletAddress: wallet,
			GameKind:      kind,
			GameDate:      day,
			PlaysToday:    1,
			EarnedToday:   earned,
			UpdatedAt:     e.now(),
		}
		if err := tx.Create(&counter).Error; err != nil {
			return fmt.Errorf("create daily limit: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock daily limit: %w", err)
	}
	counter.PlaysToday++
	counter.EarnedToday += earned
	counter.UpdatedAt = e.now()
	if err := tx.Save(&counter).Error; err != nil {
		return fmt.Errorf("save daily limit: %w", err)
	}
	return nil
}

func (e *Engine) dayKey() string {
	return e.now().UTC().Format("2006-01-02")
}

// newCorrelationID mints an opaque identifier such as GAME-3F2A9C1D.
func newCorrelationID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + strings.ToUpper(raw[:8])
}
