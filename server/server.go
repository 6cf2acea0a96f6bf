package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"goodmarket/auth"
	"goodmarket/chain"
	"goodmarket/games"
	"goodmarket/ledger"
	"goodmarket/models"
	"goodmarket/observability"
	"goodmarket/recon"
	gmmw "goodmarket/server/middleware"
)

// Reconciler abstracts the deposit reconciliation entry point.
type Reconciler interface {
	Reconcile(ctx context.Context, wallet string) (recon.Result, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB         *gorm.DB
	Ledger     *ledger.Ledger
	Engine     *games.Engine
	Reconciler Reconciler
	Auth       *auth.Middleware
	RateLimits map[string]gmmw.RateLimit
	Logger     *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	engine     *games.Engine
	reconciler Reconciler
	auth       *auth.Middleware
	limiter    *gmmw.RateLimiter
	log        *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency and
// rate limiting applied to the mutating routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		db:         cfg.DB,
		ledger:     cfg.Ledger,
		engine:     cfg.Engine,
		reconciler: cfg.Reconciler,
		auth:       cfg.Auth,
		limiter:    gmmw.NewRateLimiter(cfg.RateLimits, cfg.Logger),
		log:        cfg.Logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(func(next http.Handler) http.Handler { return gmmw.WithIdempotency(s.db, next) })

		api.Get("/balance", s.GetBalance)
		api.With(s.limiter.Middleware("reconcile")).Post("/deposits/reconcile", s.ReconcileDeposits)

		api.Get("/limits/{kind}", s.GetDailyLimit)
		api.Get("/quiz/questions", s.QuizQuestions)
		api.With(s.limiter.Middleware("sessions")).Post("/sessions", s.StartSession)
		api.With(s.limiter.Middleware("sessions")).Post("/sessions/{id}/complete", s.CompleteSession)

		api.With(s.limiter.Middleware("withdrawals")).Post("/withdrawals", s.Withdraw)

		api.Route("/garden/plots/{plot}", func(garden chi.Router) {
			garden.With(s.limiter.Middleware("garden")).Post("/plant", s.PlantCrop)
			garden.With(s.limiter.Middleware("garden")).Post("/harvest", s.HarvestCrop)
		})
	})

	return r
}

// Health reports process liveness and database reachability.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": status})
}

// GetBalance returns the caller's current game balance.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	wallet, ok := auth.WalletFromContext(r.Context())
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	balance, err := s.ledger.Read(r.Context(), wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse(balance))
}

// ReconcileDeposits scans recent chain history for the caller's unrecorded
// deposits and credits them.
func (s *Server) ReconcileDeposits(w http.ResponseWriter, r *http.Request) {
	wallet, ok := auth.WalletFromContext(r.Context())
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	result, err := s.reconciler.Reconcile(r.Context(), wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.ledger.Read(r.Context(), wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"verified":      result.Verified,
		"total_amount":  result.TotalAmount,
		"skipped":       result.Skipped,
		"out_of_bounds": result.OutOfBounds,
		"balance":       balanceResponse(balance),
	})
}

// GetDailyLimit reports the caller's play count against the per-game cap.
func (s *Server) GetDailyLimit(w http.ResponseWriter, r *http.Request) {
	wallet, ok := auth.WalletFromContext(r.Context())
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	kind := models.GameKind(chi.URLParam(r, "kind"))
	status, err := s.engine.DailyLimit(r.Context(), wallet, kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"game_kind":       kind,
		"plays_today":     status.PlaysToday,
		"max_plays":       status.MaxPlays,
		"remaining_plays": status.RemainingPlays,
	})
}

// QuizQuestions serves a fresh set of trivia questions for a quiz round.
func (s *Server) QuizQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := s.engine.QuizQuestions(r.Context(), games.QuestionsPerQuiz)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"questions":         questions,
		"time_per_question": games.TimePerQuestion,
	})
}

type startSessionRequest struct {
	GameKind    models.GameKind `json:"game_kind"`
	StakeAmount float64         `json:"stake_amount"`
}

// StartSession creates a new in-progress game session for the caller.
func (s *Server) StartSession(w http.ResponseWriter, r *http.Request) {
	wallet, ok := auth.WalletFromContext(r.Context())
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := s.engine.Start(r.Context(), wallet, req.GameKind, req.StakeAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":      result.SessionID,
		"game_kind":       result.GameKind,
		"stake_amount":    result.StakeAmount,
		"remaining_plays": result.RemainingPlays,
	})
}

// CompleteSession settles a session's reward through the game kind's strategy.
func (s *Server) CompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var outcome games.Outcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := s.engine.Complete(r.Context(), sessionID, outcome)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{
		"session_id": result.SessionID,
		"game_kind":  result.GameKind,
		"score":      result.Score,
		"reward":     result.Reward,
	}
	if result.Balance != nil {
		resp["balance"] = balanceResponse(*result.Balance)
	}
	if result.TxHash != "" {
		resp["tx_hash"] = result.TxHash
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Withdraw pays out the caller's full available balance on-chain.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	wallet, ok := auth.WalletFromContext(r.Context())
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	result, err := s.engine.Withdraw(r.Context(), wallet)
	if err != nil {
		s.writeWithdrawError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"amount":         result.Amount,
		"tx_hash":        result.TxHash,
		"correlation_id": result.CorrelationID,
		"balance":        balanceResponse(result.Balance),
	})
}

type plantRequest struct {
	Crop string `json:"crop"`
}

// PlantCrop sows a crop on one of the caller's garden plots.
func (s *Server) PlantCrop(w http.ResponseWriter, r *http.Request) {
	wallet, ok := auth.WalletFromContext(r.Context())
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	plotID, err := strconv.Atoi(chi.URLParam(r, "plot"))
	if err != nil {
		http.Error(w, "invalid plot id", http.StatusBadRequest)
		return
	}
	var req plantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.Plant(r.Context(), wallet, plotID, req.Crop); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"plot": plotID, "crop": req.Crop})
}

// HarvestCrop collects a fully grown crop and credits its reward.
func (s *Server) HarvestCrop(w http.ResponseWriter, r *http.Request) {
	wallet, ok := auth.WalletFromContext(r.Context())
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	plotID, err := strconv.Atoi(chi.URLParam(r, "plot"))
	if err != nil {
		http.Error(w, "invalid plot id", http.StatusBadRequest)
		return
	}
	result, err := s.engine.Harvest(r.Context(), wallet, plotID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"plot":    plotID,
		"crop":    result.Crop,
		"reward":  result.Reward,
		"balance": balanceResponse(result.Balance),
	})
}

func balanceResponse(b models.GameBalance) map[string]any {
	resp := map[string]any{
		"wallet_address":    b.WalletAddress,
		"available_balance": b.AvailableBalance,
		"total_earned":      b.TotalEarned,
		"total_withdrawn":   b.TotalWithdrawn,
	}
	if b.LastDepositDate != nil {
		resp["last_deposit_date"] = b.LastDepositDate.Format(time.RFC3339)
	}
	return resp
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps domain sentinel errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, games.ErrUnknownGame), errors.Is(err, games.ErrUnknownCrop):
		return http.StatusBadRequest, "unknown_kind"
	case errors.Is(err, games.ErrSessionlessGame):
		return http.StatusBadRequest, "sessionless_game"
	case errors.Is(err, games.ErrInvalidStake):
		return http.StatusBadRequest, "invalid_stake"
	case errors.Is(err, games.ErrDailyLimitExceeded):
		return http.StatusTooManyRequests, "daily_limit_exceeded"
	case errors.Is(err, games.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, games.ErrAlreadyCompleted):
		return http.StatusConflict, "already_completed"
	case errors.Is(err, games.ErrPlotOccupied):
		return http.StatusConflict, "plot_occupied"
	case errors.Is(err, games.ErrNothingPlanted):
		return http.StatusNotFound, "nothing_planted"
	case errors.Is(err, games.ErrCropNotReady):
		return http.StatusConflict, "crop_not_ready"
	case errors.Is(err, games.ErrNoBalance):
		return http.StatusBadRequest, "no_balance"
	case errors.Is(err, games.ErrBelowMinimum):
		return http.StatusBadRequest, "below_minimum"
	case errors.Is(err, games.ErrAboveMaximum):
		return http.StatusBadRequest, "above_maximum"
	case errors.Is(err, games.ErrWithdrawalInFlight):
		return http.StatusConflict, "withdrawal_in_flight"
	case errors.Is(err, ledger.ErrNegativeBalance):
		return http.StatusConflict, "negative_balance"
	case errors.Is(err, ledger.ErrWalletRequired):
		return http.StatusBadRequest, "wallet_required"
	case errors.Is(err, chain.ErrChainUnavailable):
		return http.StatusBadGateway, "chain_unavailable"
	case errors.Is(err, chain.ErrInvalidBatch):
		return http.StatusBadRequest, "invalid_batch"
	case errors.Is(err, chain.ErrInsufficientFunds):
		return http.StatusServiceUnavailable, "insufficient_funds"
	case errors.Is(err, chain.ErrTimeout):
		return http.StatusGatewayTimeout, "confirmation_timeout"
	case errors.Is(err, chain.ErrReverted):
		return http.StatusBadGateway, "transaction_reverted"
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
		observability.Rewards().RecordError("api", code)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// writeWithdrawError adds a balance_safe flag so clients know whether a failed
// withdrawal left funds untouched. Every failure path before the debit is
// safe; a timeout means the transfer may still land and the correlation id
// must be reconciled before retrying.
func (s *Server) writeWithdrawError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("withdrawal failed", "error", err)
		observability.Rewards().RecordError("api", code)
	}
	s.writeJSON(w, status, map[string]any{
		"error":        err.Error(),
		"code":         code,
		"balance_safe": !errors.Is(err, chain.ErrTimeout),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
