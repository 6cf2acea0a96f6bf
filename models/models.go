package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GameKind identifies a reward-paying game.
type GameKind string

// Supported game kinds.
const (
	GameCrash  GameKind = "crash_game"
	GameQuiz   GameKind = "quiz_trivia"
	GameGarden GameKind = "garden"
)

// SessionStatus represents a state in the game session lifecycle.
type SessionStatus string

// Session lifecycle states. Completed is terminal.
const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
)

// GameBalance is the authoritative per-wallet balance record. AvailableBalance
// always equals TotalEarned minus TotalWithdrawn; the ledger package is the only
// writer.
type GameBalance struct {
	WalletAddress    string  `gorm:"primaryKey;size:64"`
	AvailableBalance float64 `gorm:"not null;default:0"`
	TotalEarned      float64 `gorm:"not null;default:0"`
	TotalWithdrawn   float64 `gorm:"not null;default:0"`
	LastDepositDate  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DepositRecord stores one verified on-chain deposit. The transaction hash is
// the deduplication key preventing double-credit; rows are never updated.
type DepositRecord struct {
	TxHash        string  `gorm:"primaryKey;size:80"`
	WalletAddress string  `gorm:"index;size:64"`
	Amount        float64 `gorm:"not null"`
	BlockNumber   uint64
	DepositDate   time.Time
	CreatedAt     time.Time
}

// GameSession tracks a single play from start to completion.
type GameSession struct {
	SessionID     string        `gorm:"primaryKey;size:40"`
	WalletAddress string        `gorm:"index;size:64"`
	GameKind      GameKind      `gorm:"size:32;index"`
	Status        SessionStatus `gorm:"size:16;index"`
	StakeAmount   float64
	Score         int
	Reward        float64
	Outcome       string `gorm:"type:text"`
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// DailyGameLimit counts plays and earnings per wallet, game kind, and calendar day.
type DailyGameLimit struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress string    `gorm:"size:64;uniqueIndex:idx_daily_limit,priority:1"`
	GameKind      GameKind  `gorm:"size:32;uniqueIndex:idx_daily_limit,priority:2"`
	GameDate      string    `gorm:"size:10;uniqueIndex:idx_daily_limit,priority:3"`
	PlaysToday    int
	EarnedToday   float64
	UpdatedAt     time.Time
}

// WithdrawalRecord logs a confirmed balance withdrawal. Created only after the
// settlement client reports on-chain success.
type WithdrawalRecord struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress  string    `gorm:"index;size:64"`
	Amount         float64   `gorm:"not null"`
	TxHash         string    `gorm:"size:80"`
	CorrelationID  string    `gorm:"size:40;index"`
	WithdrawalDate time.Time
	CreatedAt      time.Time
}

// RewardPayout logs a direct on-chain game reward disbursement.
type RewardPayout struct {
	TxHash        string   `gorm:"primaryKey;size:80"`
	WalletAddress string   `gorm:"index;size:64"`
	GameKind      GameKind `gorm:"size:32"`
	SessionID     string   `gorm:"size:40;index"`
	Amount        float64
	Score         int
	CreatedAt     time.Time
}

// GardenPlot holds the planting state for one plot of the garden minigame.
type GardenPlot struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress string    `gorm:"size:64;uniqueIndex:idx_garden_plot,priority:1"`
	PlotID        int       `gorm:"uniqueIndex:idx_garden_plot,priority:2"`
	CropType      string    `gorm:"size:24"`
	PlantedAt     *time.Time
	UpdatedAt     time.Time
}

// QuizQuestion is one multiple-choice entry in the trivia question bank.
// The Correct field holds the zero-based index into the four options.
type QuizQuestion struct {
	QuestionID string `gorm:"primaryKey;size:16"`
	Question   string `gorm:"type:text;not null"`
	AnswerA    string `gorm:"type:text"`
	AnswerB    string `gorm:"type:text"`
	AnswerC    string `gorm:"type:text"`
	AnswerD    string `gorm:"type:text"`
	Correct    int    `gorm:"not null"`
	CreatedAt  time.Time
}

// IdempotencyKey stores request idempotency metadata for mutating HTTP routes.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate creates or updates all engine tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&GameBalance{},
		&DepositRecord{},
		&GameSession{},
		&DailyGameLimit{},
		&WithdrawalRecord{},
		&RewardPayout{},
		&GardenPlot{},
		&QuizQuestion{},
		&IdempotencyKey{},
	)
}
