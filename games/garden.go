package games

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"goodmarket/ledger"
	"goodmarket/models"
)

// Garden minigame failures.
var (
	// ErrUnknownCrop indicates the crop type has no configured reward.
	ErrUnknownCrop = errors.New("games: unknown crop type")
	// ErrPlotOccupied indicates the plot already holds a growing crop.
	ErrPlotOccupied = errors.New("games: plot occupied")
	// ErrNothingPlanted indicates the plot is empty.
	ErrNothingPlanted = errors.New("games: nothing planted")
	// ErrCropNotReady indicates the growth time has not elapsed.
	ErrCropNotReady = errors.New("games: crop not ready")
)

// Plant sows a crop on an empty plot.
func (e *Engine) Plant(ctx context.Context, wallet string, plotID int, crop string) error {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	crop = strings.ToLower(strings.TrimSpace(crop))
	policy, ok := e.policies.Get(models.GameGarden)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGame, models.GameGarden)
	}
	if _, ok := policy.CropRewards[crop]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCrop, crop)
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var plot models.GardenPlot
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&plot, "wallet_address = ? AND plot_id = ?", wallet, plotID).Error
		now := e.now()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			plot = models.GardenPlot{
				ID:            uuid.New(),
				WalletAddress: wallet,
				PlotID:        plotID,
				CropType:      crop,
				PlantedAt:     &now,
				UpdatedAt:     now,
			}
			return tx.Create(&plot).Error
		}
		if err != nil {
			return fmt.Errorf("lock plot: %w", err)
		}
		if plot.CropType != "" {
			return ErrPlotOccupied
		}
		plot.CropType = crop
		plot.PlantedAt = &now
		plot.UpdatedAt = now
		return tx.Save(&plot).Error
	})
}

// HarvestResult reports a successful harvest.
type HarvestResult struct {
	Crop    string
	Reward  float64
	Balance models.GameBalance
}

// Harvest collects a fully grown crop, credits its reward to the ledger, and
// counts the harvest against the garden's daily cap.
func (e *Engine) Harvest(ctx context.Context, wallet string, plotID int) (*HarvestResult, error) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	policy, ok := e.policies.Get(models.GameGarden)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, models.GameGarden)
	}

	plays, err := e.dailyPlays(ctx, wallet, models.GameGarden)
	if err != nil {
		return nil, err
	}
	if plays >= policy.MaxPlaysPerDay {
		return nil, fmt.Errorf("%w: %d harvests today, cap %d", ErrDailyLimitExceeded, plays, policy.MaxPlaysPerDay)
	}

	var (
		result HarvestResult
		bound  *ledger.Ledger
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var plot models.GardenPlot
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&plot, "wallet_address = ? AND plot_id = ?", wallet, plotID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && plot.CropType == "") {
			return ErrNothingPlanted
		}
		if err != nil {
			return fmt.Errorf("lock plot: %w", err)
		}

		growth := time.Duration(policy.GrowthSeconds) * time.Second
		elapsed := e.now().Sub(*plot.PlantedAt)
		if elapsed < growth {
			percent := int(float64(elapsed) / float64(growth) * 100)
			return fmt.Errorf("%w: %d%% grown", ErrCropNotReady, percent)
		}

		reward, ok := policy.CropRewards[plot.CropType]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCrop, plot.CropType)
		}
		result.Crop = plot.CropType
		result.Reward = reward

		plot.CropType = ""
		plot.PlantedAt = nil
		plot.UpdatedAt = e.now()
		if err := tx.Save(&plot).Error; err != nil {
			return fmt.Errorf("clear plot: %w", err)
		}

		if err := e.incrementDailyLimit(tx, wallet, models.GameGarden, reward); err != nil {
			return err
		}
		bound = e.ledger.WithDB(tx)
		updated, err := bound.ApplyDelta(ctx, wallet, reward, 0)
		if err != nil {
			return err
		}
		result.Balance = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	bound.Flush()

	e.metrics.RecordSessionCompleted(string(models.GameGarden), "settled")
	e.log.Info("crop harvested",
		slog.String("wallet", wallet),
		slog.String("crop", result.Crop),
		slog.Float64("reward", result.Reward))
	return &result, nil
}
