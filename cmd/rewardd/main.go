package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"goodmarket/auth"
	"goodmarket/chain"
	"goodmarket/config"
	"goodmarket/games"
	"goodmarket/ledger"
	"goodmarket/models"
	"goodmarket/observability"
	"goodmarket/observability/logging"
	"goodmarket/recon"
	"goodmarket/server"
	gmmw "goodmarket/server/middleware"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("rewardd: %v", err)
	}
}

func run() error {
	env := strings.TrimSpace(os.Getenv("GOODMARKET_ENV"))
	logging.Setup("rewardd", env)

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("configuration loaded",
		slog.String("env", cfg.Environment),
		logging.MaskField("db_url", cfg.DatabaseURL),
		logging.MaskField("rpc_url", cfg.CeloRPCURL),
		slog.Int64("chain_id", cfg.ChainID),
		slog.String("token", cfg.TokenAddress.Hex()),
		slog.String("merchant", cfg.MerchantAddress.Hex()))

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	eth, err := chain.Dial(cfg.CeloRPCURL)
	if err != nil {
		return fmt.Errorf("dial celo rpc: %w", err)
	}
	defer eth.Close()

	settler, err := chain.NewClient(eth, chain.ClientConfig{
		ChainID:        big.NewInt(cfg.ChainID),
		Token:          cfg.TokenAddress,
		RewardContract: cfg.RewardContract,
		SigningKey:     cfg.SigningKey,
		GasPriceFactor: cfg.GasPriceFactor,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("init settlement client: %w", err)
	}

	scanner := chain.NewScanner(eth, cfg.TokenAddress)

	metrics := observability.Rewards()
	bal := ledger.New(db, ledger.WithCacheTTL(cfg.BalanceCacheTTL))

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:         db,
		Scanner:    scanner,
		Ledger:     bal,
		Merchant:   cfg.MerchantAddress,
		MinDeposit: cfg.MinDeposit,
		MaxDeposit: cfg.MaxDeposit,
		Lookback:   cfg.DepositWindow,
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}

	policies := games.DefaultPolicies()
	if cfg.PoliciesPath != "" {
		policies, err = games.LoadPolicies(cfg.PoliciesPath)
		if err != nil {
			return fmt.Errorf("load game policies: %w", err)
		}
	}

	engine, err := games.NewEngine(games.Config{
		DB:            db,
		Ledger:        bal,
		Settler:       settler,
		Policies:      policies,
		MinWithdrawal: cfg.MinWithdrawal,
		MaxWithdrawal: cfg.MaxWithdrawal,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("init game engine: %w", err)
	}

	authMW, err := auth.NewMiddleware(auth.Options{
		Secret:  cfg.JWTSecret,
		Issuer:  cfg.JWTIssuer,
		MaxSkew: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	api := server.New(server.Config{
		DB:         db,
		Ledger:     bal,
		Engine:     engine,
		Reconciler: reconciler,
		Auth:       authMW,
		RateLimits: map[string]gmmw.RateLimit{
			"reconcile":   {RequestsPerMinute: 6, Burst: 2},
			"sessions":    {RequestsPerMinute: 60, Burst: 10},
			"withdrawals": {RequestsPerMinute: 2, Burst: 1},
			"garden":      {RequestsPerMinute: 60, Burst: 10},
		},
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		slog.Info("rewardd listening", "addr", httpServer.Addr, "env", cfg.Environment)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
