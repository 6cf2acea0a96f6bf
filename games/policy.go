package games

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"goodmarket/models"
)

// SettlementMode selects how a game's reward reaches the player.
type SettlementMode string

// The two disbursement models. Ledger-credit accrues winnings to the internal
// balance; direct payout sends them on-chain as part of completion.
const (
	SettleLedgerCredit SettlementMode = "ledger_credit"
	SettleDirectPayout SettlementMode = "direct_payout"
)

// Policy captures the per-game rules: the daily play cap, stake bounds, the
// payout schedule, and the settlement mode.
type Policy struct {
	Game           models.GameKind `yaml:"game"`
	MaxPlaysPerDay int             `yaml:"max_plays_per_day"`
	MinStake       float64         `yaml:"min_stake"`
	MaxStake       float64         `yaml:"max_stake"`
	Settlement     SettlementMode  `yaml:"settlement"`

	// Crash game: payout per achieved multiplier tier.
	TierPayouts []TierPayout `yaml:"tier_payouts"`

	// Quiz: reward per correct answer, clamped to MaxReward.
	RewardPerCorrect float64 `yaml:"reward_per_correct"`
	MaxReward        float64 `yaml:"max_reward"`

	// Garden: reward per harvested crop type and growth seconds.
	CropRewards   map[string]float64 `yaml:"crop_rewards"`
	GrowthSeconds int                `yaml:"growth_seconds"`
}

// TierPayout maps a minimum achieved multiplier to a fixed payout ceiling.
type TierPayout struct {
	MinMultiplier float64 `yaml:"min_multiplier"`
	Payout        float64 `yaml:"payout"`
}

// PolicySet holds the configured policies keyed by game kind.
type PolicySet struct {
	policies map[models.GameKind]Policy
}

// LoadPolicies reads game policies from the provided YAML file on disk.
func LoadPolicies(path string) (*PolicySet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open game policies: %w", err)
	}
	defer file.Close()
	var entries []Policy
	if err := yaml.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode game policies: %w", err)
	}
	return NewPolicySet(entries)
}

// NewPolicySet validates and indexes the supplied policies.
func NewPolicySet(entries []Policy) (*PolicySet, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("at least one game policy must be configured")
	}
	policies := make(map[models.GameKind]Policy, len(entries))
	for _, entry := range entries {
		kind := models.GameKind(strings.TrimSpace(string(entry.Game)))
		if kind == "" {
			return nil, fmt.Errorf("game policy kind required")
		}
		if _, exists := policies[kind]; exists {
			return nil, fmt.Errorf("duplicate policy for game %s", kind)
		}
		if entry.MaxPlaysPerDay <= 0 {
			return nil, fmt.Errorf("game %s: max_plays_per_day must be positive", kind)
		}
		switch entry.Settlement {
		case SettleLedgerCredit, SettleDirectPayout:
		default:
			return nil, fmt.Errorf("game %s: unknown settlement mode %q", kind, entry.Settlement)
		}
		for i := 1; i < len(entry.TierPayouts); i++ {
			if entry.TierPayouts[i].MinMultiplier <= entry.TierPayouts[i-1].MinMultiplier {
				return nil, fmt.Errorf("game %s: tier payouts must ascend by multiplier", kind)
			}
		}
		policies[kind] = entry
	}
	return &PolicySet{policies: policies}, nil
}

// Get returns the policy for a game kind.
func (p *PolicySet) Get(kind models.GameKind) (Policy, bool) {
	policy, ok := p.policies[kind]
	return policy, ok
}

// DefaultPolicies mirrors the production game configuration.
func DefaultPolicies() *PolicySet {
	set, err := NewPolicySet([]Policy{
		{
			Game:           models.GameCrash,
			MaxPlaysPerDay: 20,
			MinStake:       10,
			MaxStake:       250,
			Settlement:     SettleLedgerCredit,
			TierPayouts: []TierPayout{
				{MinMultiplier: 1.1, Payout: 4},
				{MinMultiplier: 2.0, Payout: 8},
				{MinMultiplier: 3.0, Payout: 12},
				{MinMultiplier: 4.0, Payout: 16},
				{MinMultiplier: 5.0, Payout: 20},
			},
		},
		{
			Game:             models.GameQuiz,
			MaxPlaysPerDay:   1,
			Settlement:       SettleDirectPayout,
			RewardPerCorrect: 200,
			MaxReward:        2000,
		},
		{
			Game:           models.GameGarden,
			MaxPlaysPerDay: 5,
			Settlement:     SettleLedgerCredit,
			GrowthSeconds:  60,
			CropRewards: map[string]float64{
				"tomato": 5,
				"corn":   25,
				"carrot": 150,
			},
		},
	})
	if err != nil {
		panic(err)
	}
	return set
}
