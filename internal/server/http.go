package server

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
	"DepegLedger/internal/observability"
	"DepegLedger/internal/projection"
	"DepegLedger/internal/query"
	"DepegLedger/internal/state"
)

const maxBodyBytes = 64 << 10

// Ledger is the live engine state the API reads.
type Ledger interface {
	Params() state.InsuranceParams
	Status() core.Status
	BalanceOf(holder ledger.Address, asset ledger.Asset) sdkmath.Int
	Allowance(owner, spender ledger.Address, asset ledger.Asset) sdkmath.Int
	GetPolicy(id state.PolicyID, now uint64) (state.PolicyView, error)
	PoliciesByHolder(holder ledger.Address, now uint64) []state.PolicyView
	QuotePremium(insuredAmount sdkmath.Int, duration uint64) (sdkmath.Int, error)
	QuoteRepayment(ctx context.Context, id state.PolicyID, now uint64) (*core.RepaymentQuote, error)
}

// Submitter applies a command for an authenticated caller.
type Submitter interface {
	Submit(ctx context.Context, caller ledger.Address, commandType string, data []byte) (*core.Receipt, error)
}

// APIDeps holds everything the HTTP API serves from. Queries, Activity,
// Rebuild and Snapshot are optional; their routes answer 503 without them.
type APIDeps struct {
	Ledger    Ledger
	Ingest    Submitter
	Queries   *query.QueryService
	Activity  *projection.ActivityProjection
	Auth      *Authenticator
	Rebuild   func(ctx context.Context) error
	Snapshot  func(ctx context.Context) (int64, error)
	Integrity func(ctx context.Context) (*query.IntegrityReport, error)
	Now       func() time.Time
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

type api struct {
	APIDeps
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, params map[string]string) error

// NewAPIHandler registers the JSON API on a grpc-gateway mux.
func NewAPIHandler(deps APIDeps) (http.Handler, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Integrity == nil && deps.Queries != nil {
		deps.Integrity = deps.Queries.VerifyIntegrity
	}
	a := &api{APIDeps: deps}

	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern, name string
		h                     handlerFunc
	}{
		{http.MethodPost, "/v1/commands/{command_type}", "submit_command", a.authenticated(a.submitCommand)},
		{http.MethodGet, "/v1/pool", "pool_status", a.poolStatus},
		{http.MethodGet, "/v1/policies/{policy_id}", "get_policy", a.getPolicy},
		{http.MethodGet, "/v1/quotes/premium", "quote_premium", a.quotePremium},
		{http.MethodGet, "/v1/quotes/repayment/{policy_id}", "quote_repayment", a.quoteRepayment},
		{http.MethodGet, "/v1/holders/{holder}/policies", "holder_policies", a.holderPolicies},
		{http.MethodGet, "/v1/holders/{holder}/balances", "holder_balances", a.holderBalances},
		{http.MethodGet, "/v1/holders/{holder}/balances/{asset}", "holder_balance", a.holderBalance},
		{http.MethodGet, "/v1/holders/{holder}/allowances/{spender}/{asset}", "allowance", a.allowance},
		{http.MethodGet, "/v1/holders/{holder}/journals", "holder_journals", a.holderJournals},
		{http.MethodGet, "/v1/holders/{holder}/activity", "holder_activity", a.holderActivity},
		{http.MethodPost, "/v1/admin/projections/rebuild", "rebuild_projections", a.ownerOnly(a.rebuildProjections)},
		{http.MethodPost, "/v1/admin/snapshots", "take_snapshot", a.ownerOnly(a.takeSnapshot)},
		{http.MethodGet, "/v1/admin/integrity", "verify_integrity", a.ownerOnly(a.verifyIntegrity)},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.instrument(rt.name, rt.h)); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (a *api) instrument(route string, h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		status := http.StatusOK
		if err := h(w, r, params); err != nil {
			status = writeError(w, err)
			if status >= http.StatusInternalServerError {
				a.Logger.Error().Err(err).Str("route", route).Msg("request failed")
			}
		}
		if a.Metrics != nil {
			a.Metrics.APIRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
			a.Metrics.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

func (a *api) authenticated(h handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) error {
		caller, err := a.Auth.Authenticate(r)
		if err != nil {
			return err
		}
		return h(w, r.WithContext(withCaller(r.Context(), caller)), params)
	}
}

// ownerOnly admits the contract owner's token.
func (a *api) ownerOnly(h handlerFunc) handlerFunc {
	return a.authenticated(func(w http.ResponseWriter, r *http.Request, params map[string]string) error {
		caller, _ := CallerFrom(r.Context())
		if caller != a.Ledger.Params().Owner {
			return core.ErrNotOwner
		}
		return h(w, r, params)
	})
}

func (a *api) now() uint64 {
	return uint64(a.Now().Unix())
}

// --- commands ---

type receiptResponse struct {
	Sequence      int64                `json:"sequence"`
	StateHash     string               `json:"state_hash"`
	PolicyID      *state.PolicyID      `json:"policy_id,omitempty"`
	Amount        sdkmath.Int          `json:"amount"`
	ObservedPrice *sdkmath.Int         `json:"observed_price,omitempty"`
	Notifications []event.Notification `json:"notifications"`
}

func (a *api) submitCommand(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	caller, _ := CallerFrom(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return badRequest("read body: " + err.Error())
	}

	receipt, err := a.Ingest.Submit(r.Context(), caller, params["command_type"], body)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, receiptResponse{
		Sequence:      receipt.Sequence,
		StateHash:     hex.EncodeToString(receipt.StateHash[:]),
		PolicyID:      receipt.PolicyID,
		Amount:        receipt.Amount,
		ObservedPrice: receipt.ObservedPrice,
		Notifications: receipt.Notifications,
	})
	return nil
}

// --- live reads ---

type poolResponse struct {
	Sequence        int64          `json:"sequence"`
	StateHash       string         `json:"state_hash"`
	Owner           ledger.Address `json:"owner"`
	Contract        ledger.Address `json:"contract"`
	InsuredAsset    ledger.Asset   `json:"insured_asset"`
	TreasuryAsset   ledger.Asset   `json:"treasury_asset"`
	PolicyPriceAPR  uint64         `json:"policy_price_apr"`
	PriceThreshold  sdkmath.Int    `json:"price_threshold"`
	OracleDecimals  uint32         `json:"oracle_decimals"`
	PoolBalance     sdkmath.Int    `json:"pool_balance"`
	TreasuryBalance sdkmath.Int    `json:"treasury_balance"`
	PolicyCount     int            `json:"policy_count"`
}

func (a *api) poolStatus(w http.ResponseWriter, _ *http.Request, _ map[string]string) error {
	p := a.Ledger.Params()
	s := a.Ledger.Status()
	writeJSON(w, http.StatusOK, poolResponse{
		Sequence:        s.Sequence,
		StateHash:       hex.EncodeToString(s.StateHash[:]),
		Owner:           p.Owner,
		Contract:        p.Contract,
		InsuredAsset:    p.InsuredAsset,
		TreasuryAsset:   p.TreasuryAsset,
		PolicyPriceAPR:  p.PolicyPriceAPR,
		PriceThreshold:  p.PriceThreshold,
		OracleDecimals:  p.OracleDecimals,
		PoolBalance:     s.PoolBalance,
		TreasuryBalance: s.TreasuryBalance,
		PolicyCount:     s.PolicyCount,
	})
	return nil
}

func (a *api) getPolicy(w http.ResponseWriter, _ *http.Request, params map[string]string) error {
	id, err := policyIDParam(params)
	if err != nil {
		return err
	}
	view, err := a.Ledger.GetPolicy(id, a.now())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, view)
	return nil
}

type premiumQuoteResponse struct {
	InsuredAmount sdkmath.Int `json:"insured_amount"`
	Duration      uint64      `json:"duration"`
	Premium       sdkmath.Int `json:"premium"`
}

func (a *api) quotePremium(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	q := r.URL.Query()
	amount, ok := sdkmath.NewIntFromString(q.Get("insured_amount"))
	if !ok {
		return badRequest("insured_amount must be an integer")
	}
	duration, err := strconv.ParseUint(q.Get("duration"), 10, 64)
	if err != nil {
		return badRequest("duration must be an unsigned integer")
	}

	premium, err := a.Ledger.QuotePremium(amount, duration)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, premiumQuoteResponse{InsuredAmount: amount, Duration: duration, Premium: premium})
	return nil
}

type repaymentQuoteResponse struct {
	Policy         state.PolicyView `json:"policy"`
	Price          sdkmath.Int      `json:"price"`
	Threshold      sdkmath.Int      `json:"threshold"`
	Repayment      sdkmath.Int      `json:"repayment"`
	PoolBalance    sdkmath.Int      `json:"pool_balance"`
	PoolSufficient bool             `json:"pool_sufficient"`
}

func (a *api) quoteRepayment(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	id, err := policyIDParam(params)
	if err != nil {
		return err
	}
	quote, err := a.Ledger.QuoteRepayment(r.Context(), id, a.now())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, repaymentQuoteResponse{
		Policy:         quote.Policy,
		Price:          quote.Price,
		Threshold:      quote.Threshold,
		Repayment:      quote.Repayment,
		PoolBalance:    quote.PoolBalance,
		PoolSufficient: quote.PoolBalance.GTE(quote.Repayment),
	})
	return nil
}

type liveBalanceResponse struct {
	Holder  ledger.Address `json:"holder"`
	Asset   ledger.Asset   `json:"asset"`
	Balance sdkmath.Int    `json:"balance"`
}

func (a *api) holderBalance(w http.ResponseWriter, _ *http.Request, params map[string]string) error {
	holder, err := addressParam(params, "holder")
	if err != nil {
		return err
	}
	asset := ledger.Asset(params["asset"])
	writeJSON(w, http.StatusOK, liveBalanceResponse{
		Holder:  holder,
		Asset:   asset,
		Balance: a.Ledger.BalanceOf(holder, asset),
	})
	return nil
}

type allowanceResponse struct {
	Owner     ledger.Address `json:"owner"`
	Spender   ledger.Address `json:"spender"`
	Asset     ledger.Asset   `json:"asset"`
	Allowance sdkmath.Int    `json:"allowance"`
}

func (a *api) allowance(w http.ResponseWriter, _ *http.Request, params map[string]string) error {
	owner, err := addressParam(params, "holder")
	if err != nil {
		return err
	}
	spender, err := addressParam(params, "spender")
	if err != nil {
		return err
	}
	asset := ledger.Asset(params["asset"])
	writeJSON(w, http.StatusOK, allowanceResponse{
		Owner:     owner,
		Spender:   spender,
		Asset:     asset,
		Allowance: a.Ledger.Allowance(owner, spender, asset),
	})
	return nil
}

// --- projected reads ---

// holderPolicies reads the projection when available, with pagination via
// ?before=<created_seq>. Without projections it lists live engine state.
func (a *api) holderPolicies(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	holder, err := addressParam(params, "holder")
	if err != nil {
		return err
	}

	if a.Queries == nil {
		writeJSON(w, http.StatusOK, map[string]any{"policies": a.Ledger.PoliciesByHolder(holder, a.now())})
		return nil
	}

	limit, before, err := pageParams(r, 50, 200)
	if err != nil {
		return err
	}
	policies, err := a.Queries.ListPoliciesByHolder(r.Context(), holder, a.now(), limit, before)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
	return nil
}

func (a *api) holderBalances(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	if a.Queries == nil {
		return errProjectionsUnavailable
	}
	holder, err := addressParam(params, "holder")
	if err != nil {
		return err
	}
	balances, err := a.Queries.GetBalances(r.Context(), holder)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, balances)
	return nil
}

func (a *api) holderJournals(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	if a.Queries == nil {
		return errProjectionsUnavailable
	}
	holder, err := addressParam(params, "holder")
	if err != nil {
		return err
	}
	limit, before, err := pageParams(r, 100, 500)
	if err != nil {
		return err
	}
	entries, err := a.Queries.GetJournalHistory(r.Context(), holder, limit, before)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"journals": entries})
	return nil
}

func (a *api) holderActivity(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	if a.Activity == nil {
		return errProjectionsUnavailable
	}
	holder, err := addressParam(params, "holder")
	if err != nil {
		return err
	}
	limit, _, err := pageParams(r, 50, 500)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": a.Activity.QueryByHolder(holder, limit)})
	return nil
}

// --- admin ---

func (a *api) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if a.Rebuild == nil {
		return errProjectionsUnavailable
	}
	if err := a.Rebuild(r.Context()); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"rebuilt": true})
	return nil
}

func (a *api) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if a.Snapshot == nil {
		return errProjectionsUnavailable
	}
	seq, err := a.Snapshot(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequence": seq})
	return nil
}

func (a *api) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if a.Integrity == nil {
		return errProjectionsUnavailable
	}
	report, err := a.Integrity(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, report)
	return nil
}

// --- params ---

func policyIDParam(params map[string]string) (state.PolicyID, error) {
	id, err := state.ParsePolicyID(params["policy_id"])
	if err != nil {
		return id, badRequest(err.Error())
	}
	return id, nil
}

func addressParam(params map[string]string, name string) (ledger.Address, error) {
	addr, err := ledger.ParseAddress(params[name])
	if err != nil {
		return addr, badRequest(name + ": " + err.Error())
	}
	return addr, nil
}

func pageParams(r *http.Request, def, max int) (int, *int64, error) {
	q := r.URL.Query()

	limit := def
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return 0, nil, badRequest("limit must be a positive integer")
		}
		limit = min(n, max)
	}

	var before *int64
	if s := q.Get("before"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, nil, badRequest("before must be an integer")
		}
		before = &n
	}
	return limit, before, nil
}
