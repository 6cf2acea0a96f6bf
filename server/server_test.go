package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"goodmarket/auth"
	"goodmarket/chain"
	"goodmarket/games"
	"goodmarket/ledger"
	"goodmarket/models"
	"goodmarket/recon"
)

const serverTestWallet = "0x00000000000000000000000000000000000000ef"

type stubSettler struct {
	err error
}

func (s *stubSettler) Disburse(context.Context, common.Address, float64, string) (*chain.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &chain.Result{TxHash: "0xfeedface"}, nil
}

type stubReconciler struct {
	result recon.Result
	err    error
}

func (s *stubReconciler) Reconcile(context.Context, string) (recon.Result, error) {
	return s.result, s.err
}

type serverFixture struct {
	srv        *httptest.Server
	token      string
	ledger     *ledger.Ledger
	settler    *stubSettler
	reconciler *stubReconciler
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bal := ledger.New(db)
	settler := &stubSettler{}
	engine, err := games.NewEngine(games.Config{
		DB:       db,
		Ledger:   bal,
		Settler:  settler,
		Policies: games.DefaultPolicies(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	authMW, err := auth.NewMiddleware(auth.Options{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	token, err := authMW.IssueToken(serverTestWallet, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	reconciler := &stubReconciler{}
	api := New(Config{
		DB:         db,
		Ledger:     bal,
		Engine:     engine,
		Reconciler: reconciler,
		Auth:       authMW,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &serverFixture{srv: srv, token: token, ledger: bal, settler: settler, reconciler: reconciler}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func TestBalanceRequiresAuth(t *testing.T) {
	fx := setupServer(t)
	resp, err := http.Get(fx.srv.URL + "/v1/balance")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestBalanceReadsZeroForNewWallet(t *testing.T) {
	fx := setupServer(t)
	resp, body := fx.do(t, http.MethodGet, "/v1/balance", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["available_balance"].(float64) != 0 {
		t.Fatalf("expected zero balance: %v", body)
	}
	if body["wallet_address"].(string) != serverTestWallet {
		t.Fatalf("unexpected wallet: %v", body)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	fx := setupServer(t)

	resp, body := fx.do(t, http.MethodPost, "/v1/sessions", map[string]any{"game_kind": "crash_game"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %v", resp.StatusCode, body)
	}
	sessionID := body["session_id"].(string)

	resp, body = fx.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/complete", map[string]any{"multiplier": 2.5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %v", resp.StatusCode, body)
	}
	if body["reward"].(float64) != 8 {
		t.Fatalf("expected reward 8: %v", body)
	}

	// Replaying the completion is a conflict.
	resp, body = fx.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/complete", map[string]any{"multiplier": 2.5})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay status %d: %v", resp.StatusCode, body)
	}
	if body["code"].(string) != "already_completed" {
		t.Fatalf("unexpected error code: %v", body)
	}
}

func TestCompleteUnknownSessionIs404(t *testing.T) {
	fx := setupServer(t)
	resp, body := fx.do(t, http.MethodPost, "/v1/sessions/GAME-00000000/complete", map[string]any{"multiplier": 2.0})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
}

func TestWithdrawBelowMinimumIsSafe(t *testing.T) {
	fx := setupServer(t)
	if _, err := fx.ledger.ApplyDelta(context.Background(), serverTestWallet, 50, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	resp, body := fx.do(t, http.MethodPost, "/v1/withdrawals", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	if body["code"].(string) != "below_minimum" || body["balance_safe"].(bool) != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestWithdrawTimeoutFlagsUnsafe(t *testing.T) {
	fx := setupServer(t)
	fx.settler.err = chain.ErrTimeout
	if _, err := fx.ledger.ApplyDelta(context.Background(), serverTestWallet, 300, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	resp, body := fx.do(t, http.MethodPost, "/v1/withdrawals", nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	if body["balance_safe"].(bool) != false {
		t.Fatalf("timeout must flag balance_safe=false: %v", body)
	}
}

func TestWithdrawSuccessOverHTTP(t *testing.T) {
	fx := setupServer(t)
	if _, err := fx.ledger.ApplyDelta(context.Background(), serverTestWallet, 300, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	resp, body := fx.do(t, http.MethodPost, "/v1/withdrawals", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	if body["amount"].(float64) != 300 || body["tx_hash"].(string) == "" {
		t.Fatalf("unexpected body: %v", body)
	}
	balance := body["balance"].(map[string]any)
	if balance["available_balance"].(float64) != 0 {
		t.Fatalf("expected drained balance: %v", balance)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	fx := setupServer(t)
	fx.reconciler.result = recon.Result{Verified: 2, TotalAmount: 450, Skipped: 1}

	resp, body := fx.do(t, http.MethodPost, "/v1/deposits/reconcile", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	if body["verified"].(float64) != 2 || body["total_amount"].(float64) != 450 {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReconcileChainUnavailableIs502(t *testing.T) {
	fx := setupServer(t)
	fx.reconciler.err = fmt.Errorf("recon: scan deposits: %w", chain.ErrChainUnavailable)

	resp, body := fx.do(t, http.MethodPost, "/v1/deposits/reconcile", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	if body["code"].(string) != "chain_unavailable" {
		t.Fatalf("unexpected code: %v", body)
	}
}

func TestGardenRoutes(t *testing.T) {
	fx := setupServer(t)

	resp, body := fx.do(t, http.MethodPost, "/v1/garden/plots/1/plant", map[string]any{"crop": "tomato"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("plant status %d: %v", resp.StatusCode, body)
	}

	// Not grown yet.
	resp, body = fx.do(t, http.MethodPost, "/v1/garden/plots/1/harvest", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("harvest status %d: %v", resp.StatusCode, body)
	}
	if body["code"].(string) != "crop_not_ready" {
		t.Fatalf("unexpected code: %v", body)
	}
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	fx := setupServer(t)

	start := func() (int, map[string]any) {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(map[string]any{"game_kind": "crash_game"})
		req, err := http.NewRequest(http.MethodPost, fx.srv.URL+"/v1/sessions", &buf)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+fx.token)
		req.Header.Set("Idempotency-Key", "session-once")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp.StatusCode, body
	}

	status1, body1 := start()
	if status1 != http.StatusCreated {
		t.Fatalf("first status %d", status1)
	}
	status2, body2 := start()
	if status2 != http.StatusCreated {
		t.Fatalf("replay status %d", status2)
	}
	if body1["session_id"].(string) != body2["session_id"].(string) {
		t.Fatal("idempotent replay must return the original session")
	}
}

func TestQuizQuestionsRoute(t *testing.T) {
	fx := setupServer(t)
	resp, body := fx.do(t, http.MethodGet, "/v1/quiz/questions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	questions, ok := body["questions"].([]any)
	if !ok || len(questions) != games.QuestionsPerQuiz {
		t.Fatalf("expected %d questions, got %v", games.QuestionsPerQuiz, body["questions"])
	}
	first := questions[0].(map[string]any)
	if opts, ok := first["options"].([]any); !ok || len(opts) != 4 {
		t.Fatalf("expected 4 options: %v", first)
	}
	if body["time_per_question"].(float64) != games.TimePerQuestion {
		t.Fatalf("unexpected answer window: %v", body["time_per_question"])
	}
}
