// Package api provides the HTTP surface of the DSC engine: one endpoint per
// engine operation plus the read-only valuation and account views.
//
// JSON bodies carry human-unit amounts as shopspring/decimal values; the
// service converts them to 18-decimal base units before they reach the
// engine, and all on-ledger values in responses are base-unit strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/thomasender/dsc-engine/internal/engine"
	"github.com/thomasender/dsc-engine/internal/metrics"
	"github.com/thomasender/dsc-engine/internal/model"
	"github.com/thomasender/dsc-engine/internal/store"
)

// Service handles engine operations over HTTP.
type Service struct {
	engine *engine.Engine
	store  store.Store
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(eng *engine.Engine, st store.Store, hub *WSHub) *Service {
	return &Service{
		engine: eng,
		store:  st,
		wsHub:  hub,
	}
}

// Routes mounts every endpoint on the given router.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/collateral/deposit", s.DepositCollateral)
	r.Post("/collateral/redeem", s.RedeemCollateral)
	r.Post("/collateral/deposit-and-mint", s.DepositCollateralAndMintDsc)
	r.Post("/collateral/redeem-for-dsc", s.RedeemCollateralForDsc)
	r.Post("/dsc/mint", s.MintDsc)
	r.Post("/dsc/burn", s.BurnDsc)
	r.Post("/liquidate", s.Liquidate)

	r.Get("/assets", s.ListAssets)
	r.Get("/assets/{asset}/usd-value", s.GetUsdValue)
	r.Get("/assets/{asset}/token-amount", s.GetTokenAmountFromUsd)
	r.Get("/assets/{asset}/events", s.GetAssetEvents)
	r.Get("/accounts/{user}", s.GetAccount)
	r.Get("/accounts/{user}/health", s.GetHealthFactor)
	r.Get("/accounts/{user}/events", s.GetUserEvents)
	r.Get("/events", s.GetRecentEvents)
}

// --- Request/Response types ---

// CollateralRequest is the JSON body for deposit and redeem.
type CollateralRequest struct {
	User   string          `json:"user"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"` // human units, e.g. "1.5"
}

// DscRequest is the JSON body for mint and burn.
type DscRequest struct {
	User   string          `json:"user"`
	Amount decimal.Decimal `json:"amount"` // DSC units
}

// CompositeRequest is the JSON body for the combined operations.
type CompositeRequest struct {
	User             string          `json:"user"`
	Asset            string          `json:"asset"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	DscAmount        decimal.Decimal `json:"dsc_amount"`
}

// LiquidateRequest is the JSON body for POST /liquidate.
type LiquidateRequest struct {
	Liquidator  string          `json:"liquidator"`
	User        string          `json:"user"`
	Asset       string          `json:"asset"`
	DebtToCover decimal.Decimal `json:"debt_to_cover"` // DSC units
}

// OperationResponse is returned from every mutating endpoint.
type OperationResponse struct {
	Events  []model.Event  `json:"events"`
	Account *model.Account `json:"account"`
}

// --- Mutating handlers ---

// DepositCollateral handles POST /api/v1/collateral/deposit
func (s *Service) DepositCollateral(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	s.execute(w, r, "deposit_collateral", req.User, func() ([]model.Event, error) {
		return s.engine.DepositCollateral(r.Context(), req.User, req.Asset, toBaseUnits(req.Amount))
	})
}

// MintDsc handles POST /api/v1/dsc/mint
func (s *Service) MintDsc(w http.ResponseWriter, r *http.Request) {
	var req DscRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	s.execute(w, r, "mint_dsc", req.User, func() ([]model.Event, error) {
		return s.engine.MintDsc(r.Context(), req.User, toBaseUnits(req.Amount))
	})
}

// DepositCollateralAndMintDsc handles POST /api/v1/collateral/deposit-and-mint
func (s *Service) DepositCollateralAndMintDsc(w http.ResponseWriter, r *http.Request) {
	var req CompositeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	s.execute(w, r, "deposit_and_mint", req.User, func() ([]model.Event, error) {
		return s.engine.DepositCollateralAndMintDsc(r.Context(), req.User, req.Asset,
			toBaseUnits(req.CollateralAmount), toBaseUnits(req.DscAmount))
	})
}

// RedeemCollateral handles POST /api/v1/collateral/redeem
func (s *Service) RedeemCollateral(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	s.execute(w, r, "redeem_collateral", req.User, func() ([]model.Event, error) {
		return s.engine.RedeemCollateral(r.Context(), req.User, req.Asset, toBaseUnits(req.Amount))
	})
}

// BurnDsc handles POST /api/v1/dsc/burn
func (s *Service) BurnDsc(w http.ResponseWriter, r *http.Request) {
	var req DscRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	s.execute(w, r, "burn_dsc", req.User, func() ([]model.Event, error) {
		return s.engine.BurnDsc(r.Context(), req.User, toBaseUnits(req.Amount))
	})
}

// RedeemCollateralForDsc handles POST /api/v1/collateral/redeem-for-dsc
func (s *Service) RedeemCollateralForDsc(w http.ResponseWriter, r *http.Request) {
	var req CompositeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	s.execute(w, r, "redeem_for_dsc", req.User, func() ([]model.Event, error) {
		return s.engine.RedeemCollateralForDsc(r.Context(), req.User, req.Asset,
			toBaseUnits(req.CollateralAmount), toBaseUnits(req.DscAmount))
	})
}

// Liquidate handles POST /api/v1/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Liquidator == "" || req.User == "" {
		writeError(w, "liquidator and user are required", http.StatusBadRequest)
		return
	}

	s.execute(w, r, "liquidate", req.User, func() ([]model.Event, error) {
		events, err := s.engine.Liquidate(r.Context(), req.Liquidator, req.User, req.Asset,
			toBaseUnits(req.DebtToCover))
		if err == nil {
			metrics.LiquidationsTotal.WithLabelValues(req.Asset).Inc()
		}
		return events, err
	})
}

// execute runs one engine operation, records its events, and writes the
// response with the user's resulting account view.
func (s *Service) execute(w http.ResponseWriter, r *http.Request, op, user string, fn func() ([]model.Event, error)) {
	start := time.Now()
	events, err := fn()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.OperationsTotal.WithLabelValues(op, "error").Inc()
		if errors.Is(err, engine.ErrHealthFactorBroken) {
			metrics.HealthFactorRejections.Inc()
		}
		if errors.Is(err, engine.ErrReentrancy) {
			metrics.ReentrancyRejections.Inc()
		}
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.OperationsTotal.WithLabelValues(op, "ok").Inc()

	for i := range events {
		if err := s.store.InsertEvent(r.Context(), &events[i]); err != nil {
			slog.Error("event persistence failed", "event", events[i].ID, "err", err)
		}
		if s.wsHub != nil {
			s.wsHub.Broadcast(events[i])
		}
	}

	account, err := s.engine.AccountInformation(r.Context(), user)
	if err != nil {
		slog.Error("account view failed after operation", "user", user, "err", err)
	}

	writeJSON(w, http.StatusOK, OperationResponse{Events: events, Account: account})
}

// --- Read handlers ---

// ListAssets handles GET /api/v1/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"assets": s.engine.CollateralAssets()})
}

// GetUsdValue handles GET /api/v1/assets/{asset}/usd-value?amount=1.5
func (s *Service) GetUsdValue(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "asset")
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}

	usd, err := s.engine.UsdValue(r.Context(), assetID, toBaseUnits(amount))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":     assetID,
		"usd_value": usd.String(),
	})
}

// GetTokenAmountFromUsd handles GET /api/v1/assets/{asset}/token-amount?usd=100
func (s *Service) GetTokenAmountFromUsd(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "asset")
	usd, err := decimal.NewFromString(r.URL.Query().Get("usd"))
	if err != nil {
		writeError(w, "invalid usd amount", http.StatusBadRequest)
		return
	}

	amount, err := s.engine.TokenAmountFromUsd(r.Context(), assetID, toBaseUnits(usd))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":        assetID,
		"token_amount": amount.String(),
	})
}

// GetAccount handles GET /api/v1/accounts/{user}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	account, err := s.engine.AccountInformation(r.Context(), user)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// GetHealthFactor handles GET /api/v1/accounts/{user}/health
// Liquidation bots poll this to find broken positions.
func (s *Service) GetHealthFactor(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	hf, err := s.engine.HealthFactor(r.Context(), user)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	resp := map[string]interface{}{"user": user}
	if hf == nil {
		resp["health_factor"] = nil
		resp["liquidatable"] = false
	} else {
		resp["health_factor"] = hf.String()
		resp["liquidatable"] = hf.Cmp(engine.MinHealthFactor()) < 0
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUserEvents handles GET /api/v1/accounts/{user}/events
func (s *Service) GetUserEvents(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	events, err := s.store.EventsByUser(r.Context(), user)
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetAssetEvents handles GET /api/v1/assets/{asset}/events
func (s *Service) GetAssetEvents(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "asset")

	events, err := s.store.EventsByAsset(r.Context(), assetID)
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetRecentEvents handles GET /api/v1/events?limit=50
func (s *Service) GetRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.store.RecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Helpers ---

// toBaseUnits converts a human-unit decimal to 18-decimal base units,
// truncating anything below 1e-18.
func toBaseUnits(d decimal.Decimal) *big.Int {
	return d.Shift(18).BigInt()
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrAssetNotAllowed):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrHealthFactorBroken),
		errors.Is(err, engine.ErrHealthFactorIntact),
		errors.Is(err, engine.ErrHealthFactorNotImproved),
		errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, engine.ErrInsufficientDebt),
		errors.Is(err, engine.ErrReentrancy):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTransferFailed),
		errors.Is(err, engine.ErrMintFailed),
		errors.Is(err, engine.ErrBurnFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
