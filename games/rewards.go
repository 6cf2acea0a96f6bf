package games

import (
	"fmt"

	"goodmarket/models"
)

// Outcome is the raw game result reported by the client. Reward magnitude is
// always re-derived server-side from these fields; client-claimed winnings are
// only ever clamped down, never trusted.
type Outcome struct {
	Score      int     `json:"score"`
	Multiplier float64 `json:"multiplier"`
	// Winnings is the client-claimed amount. Kept for auditability; the
	// computed reward caps it.
	Winnings float64 `json:"winnings"`
	Correct  int     `json:"correct_answers"`
}

// rewardFor derives the payable reward for a completed session. Pure function
// of the game kind, the raw outcome, and the configured policy.
func rewardFor(kind models.GameKind, outcome Outcome, policy Policy) (float64, int, error) {
	switch kind {
	case models.GameCrash:
		return crashReward(outcome, policy)
	case models.GameQuiz:
		return quizReward(outcome, policy)
	default:
		return 0, 0, fmt.Errorf("games: no reward rule for kind %s", kind)
	}
}

// crashReward maps the achieved multiplier onto the fixed payout tiers. An
// outcome reporting 2.3x earns at most the 2x-tier payout, never the 3x tier.
// The persisted score is the multiplier in hundredths (1.69x stores 169).
func crashReward(outcome Outcome, policy Policy) (float64, int, error) {
	score := int(outcome.Multiplier * 100)
	ceiling := 0.0
	for _, tier := range policy.TierPayouts {
		if outcome.Multiplier >= tier.MinMultiplier {
			ceiling = tier.Payout
		}
	}
	reward := outcome.Winnings
	if reward > ceiling || reward <= 0 {
		reward = ceiling
	}
	return reward, score, nil
}

// quizReward pays per correct answer, clamped to the quiz maximum.
func quizReward(outcome Outcome, policy Policy) (float64, int, error) {
	if outcome.Correct < 0 {
		return 0, 0, fmt.Errorf("games: negative correct answer count")
	}
	reward := float64(outcome.Correct) * policy.RewardPerCorrect
	if policy.MaxReward > 0 && reward > policy.MaxReward {
		reward = policy.MaxReward
	}
	return reward, outcome.Correct, nil
}
