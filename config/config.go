package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Config represents runtime configuration for the rewards service.
type Config struct {
	Port        string
	Environment string
	DatabaseURL string

	CeloRPCURL      string
	ChainID         int64
	TokenAddress    common.Address
	MerchantAddress common.Address
	RewardContract  common.Address
	SigningKey      *ecdsa.PrivateKey

	GasPriceFactor float64
	ConfirmTimeout time.Duration
	DepositWindow  time.Duration

	MinDeposit    float64
	MaxDeposit    float64
	MinWithdrawal float64
	MaxWithdrawal float64

	BalanceCacheTTL time.Duration

	JWTSecret    []byte
	JWTIssuer    string
	PoliciesPath string
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:        normalizePort(getEnvDefault("GOODMARKET_PORT", "8080")),
		Environment: getEnvDefault("GOODMARKET_ENV", "development"),
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("GOODMARKET_DB_URL"))
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("GOODMARKET_DB_URL is required")
	}

	cfg.CeloRPCURL = strings.TrimSpace(os.Getenv("GOODMARKET_CELO_RPC_URL"))
	if cfg.CeloRPCURL == "" {
		return nil, fmt.Errorf("GOODMARKET_CELO_RPC_URL is required")
	}

	chainID := getEnvDefault("GOODMARKET_CHAIN_ID", "42220")
	parsedChainID, err := strconv.ParseInt(chainID, 10, 64)
	if err != nil || parsedChainID <= 0 {
		return nil, fmt.Errorf("GOODMARKET_CHAIN_ID must be a positive integer: %q", chainID)
	}
	cfg.ChainID = parsedChainID

	cfg.TokenAddress, err = parseAddressEnv("GOODMARKET_TOKEN_ADDRESS")
	if err != nil {
		return nil, err
	}
	cfg.MerchantAddress, err = parseAddressEnv("GOODMARKET_MERCHANT_ADDRESS")
	if err != nil {
		return nil, err
	}
	if raw := strings.TrimSpace(os.Getenv("GOODMARKET_REWARD_CONTRACT")); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("GOODMARKET_REWARD_CONTRACT is not a hex address")
		}
		cfg.RewardContract = common.HexToAddress(raw)
	}

	keyHex := strings.TrimSpace(os.Getenv("GOODMARKET_SIGNING_KEY"))
	if keyHex == "" {
		return nil, fmt.Errorf("GOODMARKET_SIGNING_KEY is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("GOODMARKET_SIGNING_KEY is not a valid secp256k1 key: %w", err)
	}
	cfg.SigningKey = key

	cfg.GasPriceFactor = parseFloatEnv("GOODMARKET_GAS_PRICE_FACTOR", 1.2)
	cfg.ConfirmTimeout = parseDurationEnv("GOODMARKET_CONFIRM_TIMEOUT", 120*time.Second)
	cfg.DepositWindow = parseDurationEnv("GOODMARKET_DEPOSIT_WINDOW", 24*time.Hour)

	cfg.MinDeposit = parseFloatEnv("GOODMARKET_MIN_DEPOSIT", 100)
	cfg.MaxDeposit = parseFloatEnv("GOODMARKET_MAX_DEPOSIT", 500)
	if cfg.MinDeposit <= 0 || cfg.MaxDeposit < cfg.MinDeposit {
		return nil, fmt.Errorf("deposit bounds are invalid: min %.2f max %.2f", cfg.MinDeposit, cfg.MaxDeposit)
	}

	cfg.MinWithdrawal = parseFloatEnv("GOODMARKET_MIN_WITHDRAWAL", 100)
	cfg.MaxWithdrawal = parseFloatEnv("GOODMARKET_MAX_WITHDRAWAL", 10000)
	if cfg.MinWithdrawal <= 0 || cfg.MaxWithdrawal < cfg.MinWithdrawal {
		return nil, fmt.Errorf("withdrawal bounds are invalid: min %.2f max %.2f", cfg.MinWithdrawal, cfg.MaxWithdrawal)
	}

	cfg.BalanceCacheTTL = parseDurationEnv("GOODMARKET_BALANCE_CACHE_TTL", 30*time.Second)

	secret := strings.TrimSpace(os.Getenv("GOODMARKET_JWT_SECRET"))
	if secret == "" {
		return nil, fmt.Errorf("GOODMARKET_JWT_SECRET is required")
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("GOODMARKET_JWT_SECRET must be at least 32 bytes")
	}
	cfg.JWTSecret = []byte(secret)
	cfg.JWTIssuer = getEnvDefault("GOODMARKET_JWT_ISSUER", "goodmarket")

	cfg.PoliciesPath = strings.TrimSpace(os.Getenv("GOODMARKET_GAME_POLICIES"))

	return cfg, nil
}

func parseAddressEnv(key string) (common.Address, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return common.Address{}, fmt.Errorf("%s is required", key)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s is not a hex address", key)
	}
	return common.HexToAddress(raw), nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	return strings.TrimPrefix(port, ":")
}

func parseFloatEnv(key string, def float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}
