package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/api"
	"github.com/atmx/lending-engine/internal/asset"
	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/risk"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/valuation"
)

// whole tokens in 18-decimal base units, as a JSON-ready decimal.
func units(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Shift(18)
}

type testEnv struct {
	router chi.Router
	oracle *oracle.Static
	bank   *bank.MemoryBank
	store  *store.MemoryStore
}

// newTestEnv wires an engine over in-memory collaborators and mounts the
// handler under /api/v1. dev mounts the price and faucet endpoints.
func newTestEnv(t *testing.T, dev bool) *testEnv {
	t.Helper()

	tokens, err := asset.NewRegistry("ETH", "sUSD", []asset.Spec{
		{ID: "sETH", Synthetic: true},
		{ID: "sBTC", Synthetic: true},
		{ID: "sGOLD", Synthetic: true},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	orc := oracle.NewStatic(map[string]*uint256.Int{
		"ETH":  uint256.NewInt(2000_0000_0000),
		"sUSD": uint256.NewInt(1_0000_0000),
		"sETH": uint256.NewInt(2000_0000_0000),
		"sBTC": uint256.NewInt(4000_0000_0000),
	})
	val, err := valuation.NewEngine(orc, oracle.Decimals)
	if err != nil {
		t.Fatalf("valuation: %v", err)
	}
	policy, err := risk.NewPolicy(10000, 15000, 11000, 13000)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	bk := bank.NewMemoryBank("pool", []string{"sUSD", "sETH", "sBTC", "sGOLD"})
	ms := store.NewMemoryStore()

	eng, err := engine.New(engine.Deps{
		Ledger:    ledger.New(),
		Tokens:    tokens,
		Valuation: val,
		Policy:    policy,
		Bank:      bk,
		Store:     ms,
	}, engine.Config{TradeFeeRate: 25, LoanFeeRate: 50, FeeScale: 10000})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	h := api.NewHandler(eng, ms, bk)
	if dev {
		h.EnableDev(orc, bk)
	}
	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)

	return &testEnv{router: r, oracle: orc, bank: bk, store: ms}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) fund(t *testing.T, user, token string, n int64) {
	t.Helper()
	amount, _ := uint256.FromBig(units(n).BigInt())
	if err := e.bank.Credit(context.Background(), token, user, amount); err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body: %v", err)
	}
	return body["error"]
}

// --- Operations ---

func TestDepositAndAccount(t *testing.T) {
	env := newTestEnv(t, false)
	env.fund(t, "alice", "ETH", 3)

	w := env.do(t, "POST", "/api/v1/deposit", api.OperationRequest{
		User: "alice", Token: "ETH", Amount: units(2), Attached: units(2),
	})
	expectStatus(t, w, http.StatusOK)

	var rec model.Record
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.ID == "" || rec.Kind != model.KindDeposit {
		t.Errorf("unexpected record %+v", rec)
	}
	if !rec.Amount.Equal(units(2)) {
		t.Errorf("amount = %s, want %s", rec.Amount, units(2))
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice", nil)
	expectStatus(t, w, http.StatusOK)
	var view model.AccountView
	json.Unmarshal(w.Body.Bytes(), &view)
	if len(view.Balances) != 1 || view.Balances[0].Token != "ETH" {
		t.Fatalf("unexpected balances %+v", view.Balances)
	}
	if !view.CollateralValue.Equal(units(4000)) {
		t.Errorf("collateral value = %s, want %s", view.CollateralValue, units(4000))
	}
	if view.Health != model.HealthHealthy {
		t.Errorf("health = %s", view.Health)
	}
}

func TestDeposit_WrongPayment(t *testing.T) {
	env := newTestEnv(t, false)
	env.fund(t, "alice", "ETH", 3)

	w := env.do(t, "POST", "/api/v1/deposit", api.OperationRequest{
		User: "alice", Token: "ETH", Amount: units(2), Attached: units(1),
	})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestBorrow_RatioViolation(t *testing.T) {
	env := newTestEnv(t, false)
	env.fund(t, "alice", "sETH", 1)
	expectStatus(t, env.do(t, "POST", "/api/v1/deposit", api.OperationRequest{
		User: "alice", Token: "sETH", Amount: units(1),
	}), http.StatusOK)

	// 2000 of collateral supports at most ~1333 of debt at 1.5x.
	w := env.do(t, "POST", "/api/v1/borrow", api.OperationRequest{
		User: "alice", Token: "sUSD", Amount: units(1500),
	})
	expectStatus(t, w, http.StatusConflict)
	if !strings.Contains(errorBody(t, w), "ratio") {
		t.Errorf("unexpected error %q", errorBody(t, w))
	}

	w = env.do(t, "POST", "/api/v1/borrow", api.OperationRequest{
		User: "alice", Token: "sUSD", Amount: units(1000),
	})
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, "GET", "/api/v1/fees", nil)
	expectStatus(t, w, http.StatusOK)
	var fees api.FeesResponse
	json.Unmarshal(w.Body.Bytes(), &fees)
	if fees.Token != "sUSD" || !fees.FeePool.Equal(units(5)) {
		t.Errorf("fees = %+v, want 5 sUSD", fees)
	}
}

func TestBorrow_WithoutCollateral(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, "POST", "/api/v1/borrow", api.OperationRequest{
		User: "bob", Token: "sUSD", Amount: units(1),
	})
	expectStatus(t, w, http.StatusConflict)
}

func TestOperation_Validation(t *testing.T) {
	env := newTestEnv(t, false)

	cases := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"malformed body", "/api/v1/withdraw", "{not json", http.StatusBadRequest},
		{"fractional amount", "/api/v1/withdraw", api.OperationRequest{User: "a", Token: "sETH", Amount: decimal.RequireFromString("1.5")}, http.StatusBadRequest},
		{"negative amount", "/api/v1/repay", api.OperationRequest{User: "a", Token: "sETH", Amount: decimal.NewFromInt(-1)}, http.StatusBadRequest},
		{"zero amount", "/api/v1/repay", api.OperationRequest{User: "a", Token: "sETH"}, http.StatusBadRequest},
		{"missing user", "/api/v1/borrow", api.OperationRequest{Token: "sETH", Amount: units(1)}, http.StatusBadRequest},
		{"attached on borrow", "/api/v1/borrow", api.OperationRequest{User: "a", Token: "sETH", Amount: units(1), Attached: units(1)}, http.StatusBadRequest},
		{"unknown token", "/api/v1/withdraw", api.OperationRequest{User: "a", Token: "DOGE", Amount: units(1)}, http.StatusNotFound},
		{"buy reference", "/api/v1/buy", api.OperationRequest{User: "a", Token: "sUSD", Amount: units(1)}, http.StatusBadRequest},
		{"buy unpriced", "/api/v1/buy", api.OperationRequest{User: "a", Token: "sGOLD", Amount: units(1)}, http.StatusUnprocessableEntity},
		{"sell without balance", "/api/v1/sell", api.OperationRequest{User: "a", Token: "sETH", Amount: units(1)}, http.StatusConflict},
		{"trade same token", "/api/v1/trade", api.TradeRequest{User: "a", From: "sETH", To: "sETH", Amount: units(1)}, http.StatusBadRequest},
		{"liquidate healthy", "/api/v1/liquidate", api.LiquidateRequest{Caller: "k", Owner: "a"}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "POST", tc.path, tc.body)
			expectStatus(t, w, tc.status)
			if errorBody(t, w) == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestTradeAndRecords(t *testing.T) {
	env := newTestEnv(t, false)
	env.fund(t, "alice", "sETH", 1)

	w := env.do(t, "POST", "/api/v1/trade", api.TradeRequest{
		User: "alice", From: "sETH", To: "sBTC", Amount: units(1),
	})
	expectStatus(t, w, http.StatusOK)

	var rec model.Record
	json.Unmarshal(w.Body.Bytes(), &rec)
	// 2000 less 0.25% at 4000 per sBTC.
	want := decimal.RequireFromString("498750000000000000")
	if !rec.ToAmount.Equal(want) {
		t.Errorf("to_amount = %s, want %s", rec.ToAmount, want)
	}

	w = env.do(t, "GET", "/api/v1/wallets/alice/sBTC", nil)
	expectStatus(t, w, http.StatusOK)
	var wallet api.WalletResponse
	json.Unmarshal(w.Body.Bytes(), &wallet)
	if !wallet.Balance.Equal(want) {
		t.Errorf("wallet = %s, want %s", wallet.Balance, want)
	}

	for _, path := range []string{"/api/v1/accounts/alice/records", "/api/v1/tokens/sBTC/records"} {
		w = env.do(t, "GET", path, nil)
		expectStatus(t, w, http.StatusOK)
		var recs []model.Record
		json.Unmarshal(w.Body.Bytes(), &recs)
		if len(recs) != 1 || recs[0].Kind != model.KindTrade {
			t.Errorf("%s: unexpected records %+v", path, recs)
		}
	}

	w = env.do(t, "GET", "/api/v1/accounts/bob/records", nil)
	expectStatus(t, w, http.StatusOK)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

// --- Queries ---

func TestQuote(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, "GET", "/api/v1/quote?from=sETH&to=sBTC&amount="+units(1).String(), nil)
	expectStatus(t, w, http.StatusOK)
	var q model.Quote
	json.Unmarshal(w.Body.Bytes(), &q)
	if !q.OutAmount.Equal(decimal.RequireFromString("498750000000000000")) {
		t.Errorf("out = %s", q.OutAmount)
	}
	if !q.Fee.Equal(units(5)) {
		t.Errorf("fee = %s, want %s", q.Fee, units(5))
	}

	w = env.do(t, "GET", "/api/v1/quote?from=sETH&to=sBTC&amount=abc", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestTokensAndPrices(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, "GET", "/api/v1/tokens", nil)
	expectStatus(t, w, http.StatusOK)
	var tokens []asset.Token
	json.Unmarshal(w.Body.Bytes(), &tokens)
	if len(tokens) != 5 {
		t.Errorf("expected 5 tokens, got %d", len(tokens))
	}

	w = env.do(t, "GET", "/api/v1/prices/sBTC", nil)
	expectStatus(t, w, http.StatusOK)
	var p api.PriceResponse
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.Price.String() != "400000000000" || p.Decimals != 8 {
		t.Errorf("unexpected price %+v", p)
	}

	expectStatus(t, env.do(t, "GET", "/api/v1/prices/DOGE", nil), http.StatusNotFound)
}

// --- Development endpoints ---

func TestDevEndpointsHiddenByDefault(t *testing.T) {
	env := newTestEnv(t, false)
	for _, path := range []string{"/api/v1/prices", "/api/v1/faucet"} {
		w := env.do(t, "POST", path, "{}")
		if w.Code == http.StatusOK {
			t.Errorf("%s should not be mounted", path)
		}
	}
}

func TestFaucetAndSetPriceDriveLiquidation(t *testing.T) {
	env := newTestEnv(t, true)

	expectStatus(t, env.do(t, "POST", "/api/v1/faucet", api.FaucetRequest{
		User: "alice", Token: "sETH", Amount: units(1),
	}), http.StatusOK)
	expectStatus(t, env.do(t, "POST", "/api/v1/deposit", api.OperationRequest{
		User: "alice", Token: "sETH", Amount: units(1),
	}), http.StatusOK)
	expectStatus(t, env.do(t, "POST", "/api/v1/borrow", api.OperationRequest{
		User: "alice", Token: "sUSD", Amount: units(1000),
	}), http.StatusOK)

	// 2000 -> 1000 puts collateral below 1005 * 1.1.
	expectStatus(t, env.do(t, "POST", "/api/v1/prices", api.PriceRequest{
		Token: "sETH", Price: decimal.NewFromInt(1000_0000_0000),
	}), http.StatusOK)

	w := env.do(t, "GET", "/api/v1/accounts/alice", nil)
	expectStatus(t, w, http.StatusOK)
	var view model.AccountView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.Health != model.HealthLiquidatable {
		t.Fatalf("health = %s, want liquidatable", view.Health)
	}

	w = env.do(t, "POST", "/api/v1/liquidate", api.LiquidateRequest{Caller: "keeper", Owner: "alice"})
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, "GET", "/api/v1/accounts/alice", nil)
	json.Unmarshal(w.Body.Bytes(), &view)
	if !view.CollateralValue.IsZero() || !view.DebtValue.IsZero() {
		t.Errorf("position not cleared: %+v", view)
	}
}

func TestSetPrice_Validation(t *testing.T) {
	env := newTestEnv(t, true)
	expectStatus(t, env.do(t, "POST", "/api/v1/prices", api.PriceRequest{
		Token: "DOGE", Price: decimal.NewFromInt(1),
	}), http.StatusNotFound)
	expectStatus(t, env.do(t, "POST", "/api/v1/prices", api.PriceRequest{
		Token: "sETH", Price: decimal.RequireFromString("0.5"),
	}), http.StatusBadRequest)
}
