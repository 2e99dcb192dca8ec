// Package api exposes the lending engine over HTTP.
//
// Amounts travel as integer strings in token base units, decoded through
// shopspring/decimal so that JSON never goes through float64.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
)

// Faucet credits holders out of thin air. Development only.
type Faucet interface {
	Credit(ctx context.Context, token, holder string, amount *uint256.Int) error
}

// Handler serves the /api/v1 routes.
type Handler struct {
	eng   *engine.Engine
	store store.Store
	bank  bank.Bank

	prices oracle.Setter // nil hides POST /prices
	faucet Faucet        // nil hides POST /faucet
}

// NewHandler creates a handler. bank may be nil, which hides wallet
// balance queries.
func NewHandler(eng *engine.Engine, st store.Store, bk bank.Bank) *Handler {
	return &Handler{eng: eng, store: st, bank: bk}
}

// EnableDev mounts the development endpoints. Either argument may be nil.
func (h *Handler) EnableDev(prices oracle.Setter, faucet Faucet) {
	h.prices = prices
	h.faucet = faucet
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/deposit", h.Deposit)
	r.Post("/withdraw", h.Withdraw)
	r.Post("/borrow", h.Borrow)
	r.Post("/repay", h.Repay)
	r.Post("/buy", h.Buy)
	r.Post("/sell", h.Sell)
	r.Post("/trade", h.Trade)
	r.Post("/liquidate", h.Liquidate)

	r.Get("/accounts/{user}", h.GetAccount)
	r.Get("/accounts/{user}/records", h.GetAccountRecords)
	r.Get("/tokens", h.ListTokens)
	r.Get("/tokens/{token}/records", h.GetTokenRecords)
	r.Get("/prices/{token}", h.GetPrice)
	r.Get("/quote", h.GetQuote)
	r.Get("/fees", h.GetFees)
	if h.bank != nil {
		r.Get("/wallets/{user}/{token}", h.GetWallet)
	}

	if h.prices != nil {
		r.Post("/prices", h.SetPrice)
	}
	if h.faucet != nil {
		r.Post("/faucet", h.Faucet)
	}
}

// --- Request/Response types ---

// OperationRequest is the JSON body of the single-token operations.
// Attached is the native value sent with a deposit.
type OperationRequest struct {
	User     string          `json:"user"`
	Token    string          `json:"token"`
	Amount   decimal.Decimal `json:"amount"`
	Attached decimal.Decimal `json:"attached"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	User   string          `json:"user"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// LiquidateRequest is the JSON body for POST /liquidate.
type LiquidateRequest struct {
	Caller string `json:"caller"`
	Owner  string `json:"owner"`
}

// PriceRequest is the JSON body for POST /prices.
type PriceRequest struct {
	Token string          `json:"token"`
	Price decimal.Decimal `json:"price"`
}

// FaucetRequest is the JSON body for POST /faucet.
type FaucetRequest struct {
	User   string          `json:"user"`
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

// PriceResponse is returned from GET /prices/{token}.
type PriceResponse struct {
	Token    string          `json:"token"`
	Price    decimal.Decimal `json:"price"`
	Decimals uint8           `json:"decimals"`
}

// FeesResponse is returned from GET /fees.
type FeesResponse struct {
	Token   string          `json:"token"`
	FeePool decimal.Decimal `json:"fee_pool"`
}

// WalletResponse is returned from GET /wallets/{user}/{token}.
type WalletResponse struct {
	User    string          `json:"user"`
	Token   string          `json:"token"`
	Balance decimal.Decimal `json:"balance"`
}

// --- Operations ---

type singleOp func(ctx context.Context, user, token string, amount *uint256.Int) (*model.Record, error)

// Deposit handles POST /api/v1/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req OperationRequest
	if !decode(w, r, &req) {
		return
	}
	amount, ok := amountArg(w, "amount", req.Amount)
	if !ok {
		return
	}
	attached, ok := amountArg(w, "attached", req.Attached)
	if !ok {
		return
	}
	rec, err := h.eng.Deposit(r.Context(), req.User, req.Token, amount, attached)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Withdraw handles POST /api/v1/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, h.eng.Withdraw)
}

// Borrow handles POST /api/v1/borrow
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, h.eng.Borrow)
}

// Repay handles POST /api/v1/repay
func (h *Handler) Repay(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, h.eng.Repay)
}

// Buy handles POST /api/v1/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, h.eng.Buy)
}

// Sell handles POST /api/v1/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, h.eng.Sell)
}

func (h *Handler) single(w http.ResponseWriter, r *http.Request, op singleOp) {
	var req OperationRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Attached.IsZero() {
		writeError(w, "attached is only accepted on deposit", http.StatusBadRequest)
		return
	}
	amount, ok := amountArg(w, "amount", req.Amount)
	if !ok {
		return
	}
	rec, err := op(r.Context(), req.User, req.Token, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Trade handles POST /api/v1/trade
func (h *Handler) Trade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	amount, ok := amountArg(w, "amount", req.Amount)
	if !ok {
		return
	}
	rec, err := h.eng.Trade(r.Context(), req.User, req.From, req.To, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Liquidate handles POST /api/v1/liquidate
func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.eng.Liquidate(r.Context(), req.Caller, req.Owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Queries ---

// GetAccount handles GET /api/v1/accounts/{user}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	view, err := h.eng.Account(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetAccountRecords handles GET /api/v1/accounts/{user}/records
func (h *Handler) GetAccountRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.RecordsByUser(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		slog.Error("failed to load records", "user", chi.URLParam(r, "user"), "err", err)
		writeError(w, "failed to load records", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ListTokens handles GET /api/v1/tokens
func (h *Handler) ListTokens(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Tokens())
}

// GetTokenRecords handles GET /api/v1/tokens/{token}/records
func (h *Handler) GetTokenRecords(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !h.known(w, token) {
		return
	}
	recs, err := h.store.RecordsByToken(r.Context(), token)
	if err != nil {
		slog.Error("failed to load records", "token", token, "err", err)
		writeError(w, "failed to load records", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetPrice handles GET /api/v1/prices/{token}
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	price, err := h.eng.Price(r.Context(), token)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		Token:    token,
		Price:    fixedpoint.ToDecimal(price),
		Decimals: h.eng.PriceDecimals(),
	})
}

// GetQuote handles GET /api/v1/quote?from=A&to=B&amount=N
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, "amount must be an integer", http.StatusBadRequest)
		return
	}
	amount, ok := amountArg(w, "amount", raw)
	if !ok {
		return
	}
	quote, err := h.eng.Quote(r.Context(), q.Get("from"), q.Get("to"), amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetFees handles GET /api/v1/fees
func (h *Handler) GetFees(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, FeesResponse{
		Token:   h.eng.Reference(),
		FeePool: fixedpoint.ToDecimal(h.eng.FeePool()),
	})
}

// GetWallet handles GET /api/v1/wallets/{user}/{token}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	user, token := chi.URLParam(r, "user"), chi.URLParam(r, "token")
	if !h.known(w, token) {
		return
	}
	bal, err := h.bank.BalanceOf(r.Context(), token, user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{User: user, Token: token, Balance: fixedpoint.ToDecimal(bal)})
}

// --- Development ---

// SetPrice handles POST /api/v1/prices
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.known(w, req.Token) {
		return
	}
	price, err := fixedpoint.FromDecimal(req.Price)
	if err != nil {
		writeError(w, "price must be a non-negative integer", http.StatusBadRequest)
		return
	}
	if err := h.prices.SetPrice(r.Context(), req.Token, price); err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("price set", "token", req.Token, "price", price.Dec())
	writeJSON(w, http.StatusOK, PriceResponse{Token: req.Token, Price: req.Price, Decimals: h.eng.PriceDecimals()})
}

// Faucet handles POST /api/v1/faucet
func (h *Handler) Faucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if !decode(w, r, &req) {
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	if !h.known(w, req.Token) {
		return
	}
	amount, ok := amountArg(w, "amount", req.Amount)
	if !ok {
		return
	}
	if err := h.faucet.Credit(r.Context(), req.Token, req.User, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("faucet credit", "user", req.User, "token", req.Token, "amount", amount.Dec())
	writeJSON(w, http.StatusOK, WalletResponse{User: req.User, Token: req.Token, Balance: req.Amount})
}

// --- helpers ---

func (h *Handler) known(w http.ResponseWriter, token string) bool {
	if _, err := h.eng.Token(token); err != nil {
		writeEngineError(w, err)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// amountArg converts a JSON amount into base units. Zero is passed through
// so that the engine reports it.
func amountArg(w http.ResponseWriter, field string, d decimal.Decimal) (*uint256.Int, bool) {
	v, err := fixedpoint.FromDecimal(d)
	if err != nil {
		writeError(w, field+" must be a non-negative integer in base units", http.StatusBadRequest)
		return nil, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
