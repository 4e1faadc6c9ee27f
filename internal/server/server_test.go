package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"DepegLedger/internal/core"
	"DepegLedger/internal/ingestion"
	"DepegLedger/internal/ledger"
	fpmath "DepegLedger/internal/math"
	"DepegLedger/internal/observability"
	"DepegLedger/internal/oracle"
	"DepegLedger/internal/state"
	"DepegLedger/internal/testutil"
)

var (
	owner    = testutil.Address(0x01)
	contract = testutil.Address(0xc0)
	alice    = testutil.Address(0xa1)
)

var clock = time.Unix(1_700_000_000, 0)

type harness struct {
	t      *testing.T
	engine *core.Engine
	oracle *oracle.StaticGateway
	auth   *Authenticator
	srv    *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	gw := oracle.NewStaticGateway()
	gw.SetPrice("USDT", fpmath.Pow10(8))
	params := state.InsuranceParams{
		Owner: owner, Contract: contract, InsuredAsset: "USDT", TreasuryAsset: "USDC",
		PolicyPriceAPR: 5, PriceThreshold: sdkmath.NewInt(99_500_000), OracleDecimals: 8,
	}
	e, err := core.NewEngine(params, gw, nil, nil, nil, 128, nil, zerolog.Nop())
	require.NoError(t, err)

	now := func() time.Time { return clock }
	auth := NewAuthenticator("test-secret", time.Hour)
	api, err := NewAPIHandler(APIDeps{
		Ledger: e,
		Ingest: ingestion.NewIngestService(e, owner, now),
		Auth:   auth,
		Now:    now,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	health := observability.NewHealthChecker()
	health.SetReady(true)
	return &harness{
		t:      t,
		engine: e,
		oracle: gw,
		auth:   auth,
		srv:    NewServer(":0", ":0", api, health, zerolog.Nop()),
	}
}

func (h *harness) token(caller ledger.Address) string {
	tok, err := h.auth.IssueToken(caller, time.Now())
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path string, caller *ledger.Address, body any) (*httptest.ResponseRecorder, map[string]any) {
	h.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+h.token(*caller))
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (h *harness) submit(caller ledger.Address, commandType string, body map[string]any) (*httptest.ResponseRecorder, map[string]any) {
	return h.do(http.MethodPost, "/v1/commands/"+commandType, &caller, body)
}

func (h *harness) mustSubmit(caller ledger.Address, commandType string, body map[string]any) map[string]any {
	rec, out := h.submit(caller, commandType, body)
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	return out
}

// fund gives the pool liquidity and alice treasury funds with allowance.
func (h *harness) fund() {
	amount := "10000000000"
	h.mustSubmit(owner, "deposit_asset", map[string]any{"holder": owner.Hex(), "asset": "USDT", "amount": amount})
	h.mustSubmit(owner, "approve", map[string]any{"spender": contract.Hex(), "asset": "USDT", "amount": amount})
	h.mustSubmit(owner, "add_liquidity", map[string]any{"amount": amount})
	h.mustSubmit(owner, "deposit_asset", map[string]any{"holder": alice.Hex(), "asset": "USDC", "amount": amount})
	h.mustSubmit(alice, "approve", map[string]any{"spender": contract.Hex(), "asset": "USDC", "amount": amount})
}

func TestAPI_RequiresToken(t *testing.T) {
	h := newHarness(t)

	rec, out := h.do(http.MethodPost, "/v1/commands/add_liquidity", nil, map[string]any{"amount": "1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", out["error"])

	req := httptest.NewRequest(http.MethodPost, "/v1/commands/add_liquidity", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec2 := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)

	// A token signed with another key is rejected.
	other := NewAuthenticator("other-secret", time.Hour)
	tok, err := other.IssueToken(owner, time.Now())
	require.NoError(t, err)
	_, err = h.auth.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Expired tokens are rejected.
	tok, err = h.auth.IssueToken(owner, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = h.auth.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAPI_PolicyLifecycle(t *testing.T) {
	h := newHarness(t)
	h.fund()

	insured := sdkmath.NewInt(1_000_000_000)
	premium, err := h.engine.QuotePremium(insured, 86_400)
	require.NoError(t, err)

	rec, quote := h.do(http.MethodGet, "/v1/quotes/premium?insured_amount=1000000000&duration=86400", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, premium.String(), quote["premium"])

	receipt := h.mustSubmit(alice, "create_policy", map[string]any{"insured_amount": insured.String(), "duration": 86_400})
	assert.Equal(t, premium.String(), receipt["amount"])
	assert.Equal(t, float64(6), receipt["sequence"])

	id := core.HashPolicy(alice, insured, uint64(clock.Unix()), 86_400)
	assert.Equal(t, id.Hex(), receipt["policy_id"])

	rec, policy := h.do(http.MethodGet, "/v1/policies/"+id.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Active", policy["status"])
	assert.Equal(t, alice.Hex(), policy["holder"])

	// Still pegged: the claim is refused.
	rec, out := h.submit(alice, "get_repayment", map[string]any{"policy_id": id.Hex()})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "price_above_threshold", out["error"])

	h.oracle.SetPrice("USDT", sdkmath.NewInt(90_000_000))

	rec, rq := h.do(http.MethodGet, "/v1/quotes/repayment/"+id.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100000000", rq["repayment"])
	assert.Equal(t, true, rq["pool_sufficient"])

	claim := h.mustSubmit(alice, "get_repayment", map[string]any{"policy_id": id.Hex()})
	assert.Equal(t, "100000000", claim["amount"])
	assert.Equal(t, "90000000", claim["observed_price"])

	rec, out = h.submit(alice, "get_repayment", map[string]any{"policy_id": id.Hex()})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "policy_already_settled", out["error"])

	rec, policy = h.do(http.MethodGet, "/v1/policies/"+id.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Repaid", policy["status"])

	rec, live := h.do(http.MethodGet, "/v1/holders/"+alice.Hex()+"/balances/USDT", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100000000", live["balance"])

	rec, list := h.do(http.MethodGet, "/v1/holders/"+alice.Hex()+"/policies", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list["policies"], 1)
}

func TestAPI_ErrorMapping(t *testing.T) {
	h := newHarness(t)
	h.fund()

	rec, out := h.submit(alice, "withdraw_liquidity", map[string]any{"amount": "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_owner", out["error"])

	rec, out = h.submit(alice, "deposit_asset", map[string]any{"holder": alice.Hex(), "asset": "USDT", "amount": "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_owner", out["error"])
	assert.True(t, h.engine.BalanceOf(alice, "USDT").IsZero())

	rec, out = h.submit(owner, "add_liquidity", map[string]any{"amount": "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "zero_amount", out["error"])

	rec, out = h.submit(owner, "mint", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_command", out["error"])

	rec, out = h.submit(alice, "get_repayment", map[string]any{"policy_id": state.PolicyID{0x09}.Hex()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "policy_not_found", out["error"])

	cmdID := uuid.NewString()
	h.mustSubmit(owner, "approve", map[string]any{"command_id": cmdID, "spender": contract.Hex(), "asset": "USDT", "amount": "5"})
	rec, out = h.submit(owner, "approve", map[string]any{"command_id": cmdID, "spender": contract.Hex(), "asset": "USDT", "amount": "5"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_command", out["error"])

	h.oracle.Clear("USDT")
	rec, out = h.submit(alice, "create_policy", map[string]any{"insured_amount": "100", "duration": 60})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "oracle_unavailable", out["error"])

	rec, _ = h.do(http.MethodGet, "/v1/policies/nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(http.MethodGet, "/v1/quotes/premium?insured_amount=x&duration=1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_AdminRoutes(t *testing.T) {
	h := newHarness(t)

	rec, out := h.do(http.MethodGet, "/v1/admin/integrity", &alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_owner", out["error"])

	rec, out = h.do(http.MethodGet, "/v1/admin/integrity", &owner, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "projections_unavailable", out["error"])

	rec, _ = h.do(http.MethodGet, "/v1/holders/"+alice.Hex()+"/balances", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPI_PoolStatus(t *testing.T) {
	h := newHarness(t)
	h.fund()

	rec, out := h.do(http.MethodGet, "/v1/pool", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10000000000", out["pool_balance"])
	assert.Equal(t, "0", out["treasury_balance"])
	assert.Equal(t, "99500000", out["price_threshold"])
	assert.Equal(t, float64(5), out["sequence"])
	assert.Equal(t, owner.Hex(), out["owner"])
}

func TestServer_HealthEndpoints(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx := context.Background()
	resp, err := h.srv.healthServer.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.srv.SetServing(true)
	resp, err = h.srv.healthServer.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		key    string
	}{
		{core.ErrPolicyExpired, http.StatusUnprocessableEntity, "policy_expired"},
		{&core.PoolUnderfundedError{}, http.StatusUnprocessableEntity, "pool_underfunded"},
		{core.ErrDuplicatePolicy, http.StatusConflict, "duplicate_policy"},
		{core.ErrInvalidDuration, http.StatusBadRequest, "invalid_duration"},
		{context.Canceled, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, key := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.key)
		assert.Equal(t, tt.key, key)
	}
}
