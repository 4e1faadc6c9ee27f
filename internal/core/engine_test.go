package core_test

import (
	"context"
	"encoding/json"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
	fpmath "DepegLedger/internal/math"
	"DepegLedger/internal/observability"
	"DepegLedger/internal/oracle"
	"DepegLedger/internal/state"
	"DepegLedger/internal/testutil"
)

const (
	usdt ledger.Asset = "USDT"
	usdc ledger.Asset = "USDC"

	startTime  = uint64(1_700_000_000)
	thirtyDays = uint64(30 * 24 * 3600)
)

var (
	owner    = testutil.Address(0x01)
	contract = testutil.Address(0xc0)
	alice    = testutil.Address(0xa1)
	bob      = testutil.Address(0xb0)

	threshold = sdkmath.NewInt(99_500_000)
)

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	t       *testing.T
	engine  *core.Engine
	oracle  *oracle.StaticGateway
	persist chan core.CoreOutput
	params  state.InsuranceParams
	now     uint64
}

func defaultParams() state.InsuranceParams {
	return state.InsuranceParams{
		Owner:          owner,
		Contract:       contract,
		InsuredAsset:   usdt,
		TreasuryAsset:  usdc,
		PolicyPriceAPR: 5,
		PriceThreshold: threshold,
		OracleDecimals: 8,
	}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithParams(t, defaultParams())
}

func newFixtureWithParams(t *testing.T, params state.InsuranceParams) *fixture {
	t.Helper()

	gw := oracle.NewStaticGateway()
	gw.SetPrice(params.FeedID(), fpmath.Pow10(params.OracleDecimals))

	persist := make(chan core.CoreOutput, 1024)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	engine, err := core.NewEngine(params, gw, persist, nil, nil, 1024, metrics, zerolog.Nop())
	require.NoError(t, err)

	return &fixture{t: t, engine: engine, oracle: gw, persist: persist, params: params, now: startTime}
}

func (f *fixture) header(caller ledger.Address) event.Header {
	return event.Header{CommandID: uuid.New(), Caller: caller, IssuedAt: f.now}
}

func (f *fixture) exec(cmd event.Command) (*core.Receipt, error) {
	return f.engine.ProcessCommand(context.Background(), cmd)
}

func (f *fixture) mustExec(cmd event.Command) *core.Receipt {
	f.t.Helper()
	r, err := f.exec(cmd)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) setPrice(p sdkmath.Int) {
	f.oracle.SetPrice(f.params.FeedID(), p)
}

// fund bridges amount in for holder and approves the contract to spend it.
func (f *fixture) fund(holder ledger.Address, asset ledger.Asset, amount sdkmath.Int) {
	f.t.Helper()
	f.mustExec(&event.DepositAsset{Header: f.header(holder), Holder: holder, Asset: asset, Amount: amount})
	f.mustExec(&event.Approve{Header: f.header(holder), Spender: contract, Asset: asset, Amount: amount})
}

// seedPool gives the pool liquidity from the owner.
func (f *fixture) seedPool(amount sdkmath.Int) {
	f.t.Helper()
	f.fund(owner, usdt, amount)
	f.mustExec(&event.AddLiquidity{Header: f.header(owner), Amount: amount})
}

func (f *fixture) createPolicy(holder ledger.Address, insured sdkmath.Int, duration uint64) (*core.Receipt, error) {
	return f.exec(&event.CreatePolicy{Header: f.header(holder), InsuredAmount: insured, Duration: duration})
}

func units(t *testing.T, s string) sdkmath.Int {
	t.Helper()
	v, err := fpmath.ParseUnits(s, 18)
	require.NoError(t, err)
	return v
}

// ============================================================================
// Test: hashPolicy
// ============================================================================

func TestHashPolicy_DeterministicAndDistinct(t *testing.T) {
	amount := sdkmath.NewInt(1_000)

	a := core.HashPolicy(alice, amount, startTime, thirtyDays)
	b := core.HashPolicy(alice, amount, startTime, thirtyDays)
	assert.Equal(t, a, b)

	variants := []state.PolicyID{
		core.HashPolicy(bob, amount, startTime, thirtyDays),
		core.HashPolicy(alice, sdkmath.NewInt(1_001), startTime, thirtyDays),
		core.HashPolicy(alice, amount, startTime+1, thirtyDays),
		core.HashPolicy(alice, amount, startTime, thirtyDays+1),
	}
	seen := map[state.PolicyID]bool{a: true}
	for _, v := range variants {
		assert.False(t, seen[v], "collision for %s", v)
		seen[v] = true
	}
}

func TestHashPolicy_MatchesCreatedPolicy(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, usdc, units(t, "1000"))

	insured := units(t, "100")
	r, err := f.createPolicy(alice, insured, thirtyDays)
	require.NoError(t, err)
	require.NotNil(t, r.PolicyID)

	assert.Equal(t, core.HashPolicy(alice, insured, f.now, thirtyDays), *r.PolicyID)
}

// ============================================================================
// Test: createPolicy
// ============================================================================

func TestCreatePolicy_PriceUnderThreshold(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, usdc, units(t, "1000"))
	f.setPrice(threshold.SubRaw(1))
	seqBefore := f.engine.GetSequence()

	_, err := f.createPolicy(alice, units(t, "100"), thirtyDays)

	var under *core.PriceUnderThresholdError
	require.ErrorAs(t, err, &under)
	assert.ErrorIs(t, err, core.ErrPriceUnderThreshold)
	assert.Equal(t, "99499999", under.Price.String())
	assert.Equal(t, "99500000", under.Threshold.String())

	assert.Equal(t, seqBefore, f.engine.GetSequence())
	assert.Equal(t, units(t, "1000").String(), f.engine.BalanceOf(alice, usdc).String())
	assert.Empty(t, f.engine.PoliciesByHolder(alice, f.now))
}

func TestCreatePolicy_AtThresholdChargesPremium(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, usdc, units(t, "1000"))
	f.setPrice(threshold)

	insured := units(t, "100")
	r, err := f.createPolicy(alice, insured, thirtyDays)
	require.NoError(t, err)

	assert.Equal(t, "410958904109589041", r.Amount.String())
	assert.Equal(t, units(t, "1000").Sub(r.Amount).String(), f.engine.BalanceOf(alice, usdc).String())
	assert.Equal(t, r.Amount.String(), f.engine.TreasuryBalance().String())
	assert.Equal(t, threshold.String(), r.ObservedPrice.String())

	require.Len(t, r.Notifications, 1)
	n := r.Notifications[0]
	assert.Equal(t, event.NotificationPolicyCreated, n.Type)
	assert.Equal(t, *r.PolicyID, *n.PolicyID)
	assert.Equal(t, alice, *n.Holder)
	assert.Equal(t, insured.String(), n.Amount.String())

	view, err := f.engine.GetPolicy(*r.PolicyID, f.now)
	require.NoError(t, err)
	assert.Equal(t, state.PolicyStatusActive, view.Status)
	assert.False(t, view.Settled)
	assert.Equal(t, f.now+thirtyDays, view.ExpiresAt)
}

func TestCreatePolicy_DuplicateTupleRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, usdc, units(t, "1000"))

	_, err := f.createPolicy(alice, units(t, "100"), thirtyDays)
	require.NoError(t, err)

	balance := f.engine.BalanceOf(alice, usdc)
	_, err = f.createPolicy(alice, units(t, "100"), thirtyDays)
	assert.ErrorIs(t, err, core.ErrDuplicatePolicy)
	assert.Equal(t, balance.String(), f.engine.BalanceOf(alice, usdc).String(), "no second premium")

	f.now++
	_, err = f.createPolicy(alice, units(t, "100"), thirtyDays)
	assert.NoError(t, err, "a different timestamp is a different policy")
}

func TestCreatePolicy_ErrorPrecedence(t *testing.T) {
	f := newFixture(t)
	f.setPrice(sdkmath.NewInt(1)) // deep depeg; alice has no funds or allowance

	_, err := f.createPolicy(alice, sdkmath.ZeroInt(), thirtyDays)
	assert.ErrorIs(t, err, core.ErrZeroAmount)

	_, err = f.createPolicy(alice, units(t, "100"), 0)
	assert.ErrorIs(t, err, core.ErrInvalidDuration)

	_, err = f.createPolicy(alice, units(t, "100"), thirtyDays)
	assert.ErrorIs(t, err, core.ErrPriceUnderThreshold, "price is checked before funds")
}

func TestCreatePolicy_InsufficientFunds(t *testing.T) {
	f := newFixture(t)

	// allowance but no balance
	f.mustExec(&event.Approve{Header: f.header(alice), Spender: contract, Asset: usdc, Amount: units(t, "10")})
	_, err := f.createPolicy(alice, units(t, "100"), thirtyDays)
	var balanceErr *ledger.InsufficientBalanceError
	assert.ErrorAs(t, err, &balanceErr)

	// balance but no allowance
	f.mustExec(&event.DepositAsset{Header: f.header(bob), Holder: bob, Asset: usdc, Amount: units(t, "10")})
	_, err = f.createPolicy(bob, units(t, "100"), thirtyDays)
	var allowanceErr *ledger.InsufficientAllowanceError
	assert.ErrorAs(t, err, &allowanceErr)

	assert.Empty(t, f.engine.PoliciesByHolder(alice, f.now))
	assert.Empty(t, f.engine.PoliciesByHolder(bob, f.now))
}

func TestCreatePolicy_OracleUnavailable(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, usdc, units(t, "1000"))
	f.oracle.Clear(f.params.FeedID())

	_, err := f.createPolicy(alice, units(t, "100"), thirtyDays)
	assert.ErrorIs(t, err, core.ErrOracleUnavailable)
	assert.Equal(t, "oracle_unavailable", core.ErrorCode(err))
}

// ============================================================================
// Test: getRepayment
// ============================================================================

// insuredPolicy seeds the pool and sells alice a 100e18 policy at par.
func insuredPolicy(t *testing.T, f *fixture) state.PolicyID {
	t.Helper()
	f.seedPool(units(t, "1000"))
	f.fund(alice, usdc, units(t, "1000"))
	r, err := f.createPolicy(alice, units(t, "100"), thirtyDays)
	require.NoError(t, err)
	return *r.PolicyID
}

func TestGetRepayment_DepegScenario(t *testing.T) {
	f := newFixture(t)
	id := insuredPolicy(t, f)

	f.now += 3600
	f.setPrice(threshold.SubRaw(10))

	r, err := f.exec(&event.GetRepayment{Header: f.header(alice), PolicyID: id})
	require.NoError(t, err)

	// 100e18 × (1e8 − 99,499,990) / 1e8
	want := units(t, "100").MulRaw(500_010).QuoRaw(100_000_000)
	assert.Equal(t, "500010000000000000", want.String())
	assert.Equal(t, want.String(), r.Amount.String())

	require.Len(t, r.Notifications, 1)
	assert.Equal(t, event.NotificationPolicyRepayed, r.Notifications[0].Type)
	assert.Equal(t, id, *r.Notifications[0].PolicyID)
	assert.Equal(t, want.String(), r.Notifications[0].Amount.String())

	assert.Equal(t, want.String(), f.engine.BalanceOf(alice, usdt).String())
	assert.Equal(t, units(t, "1000").Sub(want).String(), f.engine.PoolBalance().String())

	view, err := f.engine.GetPolicy(id, f.now)
	require.NoError(t, err)
	assert.Equal(t, state.PolicyStatusRepaid, view.Status)
}

func TestGetRepayment_AboveThresholdChangesNothing(t *testing.T) {
	f := newFixture(t)
	id := insuredPolicy(t, f)

	f.setPrice(threshold.AddRaw(1))
	seq, hash, pool := f.engine.GetSequence(), f.engine.GetStateHash(), f.engine.PoolBalance()

	_, err := f.exec(&event.GetRepayment{Header: f.header(alice), PolicyID: id})

	var above *core.PriceAboveThresholdError
	require.ErrorAs(t, err, &above)
	assert.Equal(t, "99500001", above.Price.String())
	assert.Equal(t, threshold.String(), above.Threshold.String())

	assert.Equal(t, seq, f.engine.GetSequence())
	assert.Equal(t, hash, f.engine.GetStateHash())
	assert.Equal(t, pool.String(), f.engine.PoolBalance().String())
	assert.True(t, f.engine.BalanceOf(alice, usdt).IsZero())

	// exactly at threshold is still not claimable
	f.setPrice(threshold)
	_, err = f.exec(&event.GetRepayment{Header: f.header(alice), PolicyID: id})
	assert.ErrorIs(t, err, core.ErrPriceAboveThreshold)
}

func TestGetRepayment_ExpiredRegardlessOfPrice(t *testing.T) {
	f := newFixture(t)
	id := insuredPolicy(t, f)
	start := f.now

	f.setPrice(sdkmath.ZeroInt())
	f.now = start + thirtyDays + 1
	_, err := f.exec(&event.GetRepayment{Header: f.header(alice), PolicyID: id})
	assert.ErrorIs(t, err, core.ErrPolicyExpired)

	view, err := f.engine.GetPolicy(id, f.now)
	require.NoError(t, err)
	assert.Equal(t, state.PolicyStatusExpired, view.Status)
}

func TestGetRepayment_LastSecondOfCoverage(t *testing.T) {
	f := newFixture(t)
	id := insuredPolicy(t, f)

	f.setPrice(sdkmath.ZeroInt())
	f.now += thirtyDays
	r, err := f.exec(&event.GetRepayment{Header: f.header(alice), PolicyID: id})
	require.NoError(t, err)
	assert.Equal(t, units(t, "100").String(), r.Amount.String(), "price zero pays the full insured amount")
}

func TestGetRepayment_BackdatedClaimAfterExpiry(t *testing.T) {
	f := newFixture(t)
	id := insuredPolicy(t, f)
	start := f.now

	// Any command committed after expiry moves the engine clock past it.
	f.now = start + thirtyDays + 1
	f.mustExec(&event.DepositAsset{Header: f.header(owner), Holder: bob, Asset: usdt, Amount: units(t, "1")})
	require.Equal(t, start+thirtyDays+1, f.engine.GetClock())

	f.setPrice(sdkmath.ZeroInt())
	f.now = start
	pool := f.engine.PoolBalance()

	_, err := f.exec(&event.GetRepayment{Header: f.header(alice), PolicyID: id})
	assert.ErrorIs(t, err, core.ErrPolicyExpired)
	assert.Equal(t, pool.String(), f.engine.PoolBalance().String())
	assert.True(t, f.engine.BalanceOf(alice, usdt).IsZero())
}

func TestGetRepayment_SettledAndUnknown(t *testing.T) {
	f := newFixture(t)
	id := insuredPolicy(t, f)
	f.setPrice(sdkmath.NewInt(90_000_000))

	f.mustExec(&event.GetRepayment{Header: f.header(alice), PolicyID: id})

	_, err := f.exec(&event.GetRepayment{Header: f.header(alice), PolicyID: id})
	assert.ErrorIs(t, err, core.ErrPolicyAlreadySettled)

	var unknown state.PolicyID
	unknown[0] = 0xff
	_, err = f.exec(&event.GetRepayment{Header: f.header(alice), PolicyID: unknown})
	assert.ErrorIs(t, err, core.ErrPolicyNotFound)
}

func TestGetRepayment_PoolUnderfundedPaysNothing(t *testing.T) {
	f := newFixture(t)
	f.seedPool(units(t, "1"))
	f.fund(alice, usdc, units(t, "1000"))
	r, err := f.createPolicy(alice, units(t, "100"), thirtyDays)
	require.NoError(t, err)

	f.setPrice(sdkmath.NewInt(50_000_000))
	_, err = f.exec(&event.GetRepayment{Header: f.header(alice), PolicyID: *r.PolicyID})

	var underfunded *core.PoolUnderfundedError
	require.ErrorAs(t, err, &underfunded)
	assert.Equal(t, units(t, "50").String(), underfunded.Required.String())
	assert.Equal(t, units(t, "1").String(), underfunded.Available.String())
	assert.Equal(t, units(t, "1").String(), f.engine.PoolBalance().String())

	view, _ := f.engine.GetPolicy(*r.PolicyID, f.now)
	assert.False(t, view.Settled)
}

func TestGetRepayment_AnyCallerPaysHolder(t *testing.T) {
	f := newFixture(t)
	id := insuredPolicy(t, f)
	f.setPrice(sdkmath.NewInt(99_000_000))

	r, err := f.exec(&event.GetRepayment{Header: f.header(bob), PolicyID: id})
	require.NoError(t, err)

	assert.Equal(t, r.Amount.String(), f.engine.BalanceOf(alice, usdt).String())
	assert.True(t, f.engine.BalanceOf(bob, usdt).IsZero())
}

func TestQuoteRepayment_DoesNotMutate(t *testing.T) {
	f := newFixture(t)
	id := insuredPolicy(t, f)
	f.setPrice(sdkmath.NewInt(99_000_000))
	seq := f.engine.GetSequence()

	q, err := f.engine.QuoteRepayment(context.Background(), id, f.now)
	require.NoError(t, err)
	assert.Equal(t, units(t, "1").String(), q.Repayment.String())
	assert.Equal(t, seq, f.engine.GetSequence())

	view, _ := f.engine.GetPolicy(id, f.now)
	assert.False(t, view.Settled)
}

func TestQuoteRepayment_UsesQuoteOracle(t *testing.T) {
	f := newFixture(t)
	id := insuredPolicy(t, f)
	f.setPrice(sdkmath.NewInt(99_000_000))

	quotes := oracle.NewStaticGateway()
	quotes.SetPrice(f.params.FeedID(), sdkmath.NewInt(98_000_000))
	f.engine.SetQuoteOracle(quotes)

	q, err := f.engine.QuoteRepayment(context.Background(), id, f.now)
	require.NoError(t, err)
	assert.Equal(t, "98000000", q.Price.String())

	// A quote-side outage does not reach commands.
	quotes.Clear(f.params.FeedID())
	_, err = f.engine.QuoteRepayment(context.Background(), id, f.now)
	assert.ErrorIs(t, err, core.ErrOracleUnavailable)

	var unknown state.PolicyID
	unknown[0] = 0xee
	_, err = f.engine.QuoteRepayment(context.Background(), unknown, f.now)
	assert.ErrorIs(t, err, core.ErrPolicyNotFound, "policy checks run before the oracle read")

	r, err := f.exec(&event.GetRepayment{Header: f.header(alice), PolicyID: id})
	require.NoError(t, err)
	assert.Equal(t, "99000000", r.ObservedPrice.String())
}

// ============================================================================
// Test: liquidity pool
// ============================================================================

func TestLiquidity_AddWithdrawRoundTrip(t *testing.T) {
	f := newFixture(t)
	amount := units(t, "250")
	f.fund(owner, usdt, amount)

	before := f.engine.BalanceOf(owner, usdt)
	r := f.mustExec(&event.AddLiquidity{Header: f.header(owner), Amount: amount})
	assert.Equal(t, event.NotificationLiquidityAdded, r.Notifications[0].Type)
	assert.Equal(t, amount.String(), f.engine.PoolBalance().String())

	r = f.mustExec(&event.WithdrawLiquidity{Header: f.header(owner), Amount: amount})
	assert.Equal(t, event.NotificationLiquidityWithdrawn, r.Notifications[0].Type)
	assert.Equal(t, before.String(), f.engine.BalanceOf(owner, usdt).String())
	assert.True(t, f.engine.PoolBalance().IsZero())
}

func TestLiquidity_AnyoneMayAddOnlyOwnerWithdraws(t *testing.T) {
	f := newFixture(t)
	f.fund(bob, usdt, units(t, "10"))
	f.mustExec(&event.AddLiquidity{Header: f.header(bob), Amount: units(t, "10")})

	_, err := f.exec(&event.WithdrawLiquidity{Header: f.header(bob), Amount: units(t, "1")})
	assert.ErrorIs(t, err, core.ErrNotOwner)
	assert.Equal(t, units(t, "10").String(), f.engine.PoolBalance().String())
}

func TestLiquidity_Failures(t *testing.T) {
	f := newFixture(t)
	f.seedPool(units(t, "5"))

	_, err := f.exec(&event.AddLiquidity{Header: f.header(owner), Amount: sdkmath.ZeroInt()})
	assert.ErrorIs(t, err, core.ErrZeroAmount)

	_, err = f.exec(&event.WithdrawLiquidity{Header: f.header(owner), Amount: sdkmath.ZeroInt()})
	assert.ErrorIs(t, err, core.ErrZeroAmount)

	_, err = f.exec(&event.WithdrawLiquidity{Header: f.header(owner), Amount: units(t, "6")})
	assert.ErrorIs(t, err, core.ErrPoolUnderfunded)

	// allowance was consumed by seedPool
	f.mustExec(&event.DepositAsset{Header: f.header(owner), Holder: owner, Asset: usdt, Amount: units(t, "1")})
	_, err = f.exec(&event.AddLiquidity{Header: f.header(owner), Amount: units(t, "1")})
	var allowanceErr *ledger.InsufficientAllowanceError
	assert.ErrorAs(t, err, &allowanceErr)
}

// ============================================================================
// Test: collectFee
// ============================================================================

func TestCollectFee_SweepsTreasuryToOwner(t *testing.T) {
	f := newFixture(t)
	insuredPolicy(t, f)
	premium := f.engine.TreasuryBalance()
	require.True(t, premium.IsPositive())

	_, err := f.exec(&event.CollectFee{Header: f.header(alice)})
	assert.ErrorIs(t, err, core.ErrNotOwner)

	r := f.mustExec(&event.CollectFee{Header: f.header(owner)})
	assert.Equal(t, premium.String(), r.Amount.String())
	assert.Equal(t, event.NotificationFeeCollected, r.Notifications[0].Type)
	assert.True(t, f.engine.TreasuryBalance().IsZero())
	assert.Equal(t, premium.String(), f.engine.BalanceOf(owner, usdc).String())
	assert.Equal(t, units(t, "1000").String(), f.engine.PoolBalance().String(), "pool untouched")

	// a second sweep moves nothing but still emits
	r = f.mustExec(&event.CollectFee{Header: f.header(owner)})
	assert.True(t, r.Amount.IsZero())
	require.Len(t, r.Notifications, 1)
	assert.True(t, r.Notifications[0].Amount.IsZero())
}

func TestCollectFee_CommingledAssetsSweepPool(t *testing.T) {
	params := defaultParams()
	params.TreasuryAsset = usdt
	f := newFixtureWithParams(t, params)

	f.seedPool(units(t, "100"))
	r := f.mustExec(&event.CollectFee{Header: f.header(owner)})

	assert.Equal(t, units(t, "100").String(), r.Amount.String())
	assert.True(t, f.engine.PoolBalance().IsZero())
}

// ============================================================================
// Test: idempotency, hash chain, replay, snapshots
// ============================================================================

func TestProcessCommand_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	cmd := &event.DepositAsset{Header: f.header(alice), Holder: alice, Asset: usdt, Amount: units(t, "1")}

	f.mustExec(cmd)
	_, err := f.exec(cmd)
	assert.ErrorIs(t, err, core.ErrDuplicateCommand)
	assert.Equal(t, units(t, "1").String(), f.engine.BalanceOf(alice, usdt).String())
}

func TestProcessCommand_ClampsBackdatedTimestamp(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, usdc, units(t, "1000"))

	later := f.now + 3600
	f.now = later
	f.mustExec(&event.DepositAsset{Header: f.header(owner), Holder: bob, Asset: usdc, Amount: units(t, "1")})
	drain(f.persist)

	f.now = startTime
	insured := units(t, "100")
	r, err := f.createPolicy(alice, insured, thirtyDays)
	require.NoError(t, err)

	assert.Equal(t, core.HashPolicy(alice, insured, later, thirtyDays), *r.PolicyID)
	view, err := f.engine.GetPolicy(*r.PolicyID, later)
	require.NoError(t, err)
	assert.Equal(t, later, view.StartTimestamp)

	out := drain(f.persist)
	require.Len(t, out, 1)
	assert.Equal(t, later, out[0].Envelope.Timestamp)
	assert.Equal(t, later, decode(t, out[0].Envelope).Timestamp(), "logged payload carries the applied time")
	assert.Equal(t, later, f.engine.GetClock())
}

func TestProcessCommand_RejectsUnknownAssetAndZeroCaller(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec(&event.DepositAsset{Header: f.header(alice), Holder: alice, Asset: "DAI", Amount: units(t, "1")})
	assert.ErrorIs(t, err, core.ErrUnknownAsset)

	_, err = f.exec(&event.CollectFee{Header: f.header(ledger.ZeroAddress)})
	assert.ErrorIs(t, err, core.ErrInvalidAddress)
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func TestHashChain_Links(t *testing.T) {
	f := newFixture(t)
	insuredPolicy(t, f)

	outputs := drain(f.persist)
	require.NotEmpty(t, outputs)
	assert.Equal(t, core.GenesisHash(), outputs[0].Envelope.PrevHash)
	for i := 1; i < len(outputs); i++ {
		assert.Equal(t, outputs[i-1].Envelope.StateHash, outputs[i].Envelope.PrevHash)
		assert.Equal(t, outputs[i-1].Envelope.Sequence+1, outputs[i].Envelope.Sequence)
	}
	assert.Equal(t, outputs[len(outputs)-1].Envelope.StateHash, f.engine.GetStateHash())
}

// decode rebuilds a command from its logged payload.
func decode(t *testing.T, env *event.CommandEnvelope) event.Command {
	t.Helper()
	var cmd event.Command
	switch env.CommandType {
	case event.CommandTypeDepositAsset:
		cmd = &event.DepositAsset{}
	case event.CommandTypeApprove:
		cmd = &event.Approve{}
	case event.CommandTypeAddLiquidity:
		cmd = &event.AddLiquidity{}
	case event.CommandTypeWithdrawLiquidity:
		cmd = &event.WithdrawLiquidity{}
	case event.CommandTypeCreatePolicy:
		cmd = &event.CreatePolicy{}
	case event.CommandTypeGetRepayment:
		cmd = &event.GetRepayment{}
	case event.CommandTypeCollectFee:
		cmd = &event.CollectFee{}
	}
	require.NoError(t, json.Unmarshal(env.Payload, cmd))
	return cmd
}

func TestReplay_ReproducesStateWithRecordedPrices(t *testing.T) {
	live := newFixture(t)
	id := insuredPolicy(t, live)
	live.setPrice(sdkmath.NewInt(97_000_000))
	live.mustExec(&event.GetRepayment{Header: live.header(alice), PolicyID: id})
	live.mustExec(&event.CollectFee{Header: live.header(owner)})
	outputs := drain(live.persist)

	replica := newFixture(t)
	replica.setPrice(sdkmath.NewInt(1)) // the live oracle must not be consulted
	for _, o := range outputs {
		require.NoError(t, replica.engine.ReplayCommand(context.Background(), o.Envelope, decode(t, o.Envelope)))
	}

	assert.Equal(t, live.engine.GetStateHash(), replica.engine.GetStateHash())
	assert.Equal(t, live.engine.GetSequence(), replica.engine.GetSequence())
	assert.Equal(t, live.engine.BalanceOf(alice, usdt).String(), replica.engine.BalanceOf(alice, usdt).String())
	assert.Empty(t, drain(replica.persist), "replay emits nothing")
}

func TestReplay_DetectsDivergence(t *testing.T) {
	live := newFixture(t)
	insuredPolicy(t, live)
	outputs := drain(live.persist)

	replica := newFixture(t)
	last := len(outputs) - 1
	for _, o := range outputs[:last] {
		require.NoError(t, replica.engine.ReplayCommand(context.Background(), o.Envelope, decode(t, o.Envelope)))
	}

	env := *outputs[last].Envelope
	tampered := sdkmath.NewInt(1)
	env.ObservedPrice = &tampered
	err := replica.engine.ReplayCommand(context.Background(), &env, decode(t, &env))
	assert.ErrorIs(t, err, core.ErrStateDivergence)
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	live := newFixture(t)
	id := insuredPolicy(t, live)

	raw, err := json.Marshal(live.engine.CreateSnapshotState())
	require.NoError(t, err)

	var snap core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := newFixture(t)
	require.NoError(t, restored.engine.RestoreFromSnapshot(&snap))
	assert.Equal(t, live.engine.GetStateHash(), restored.engine.GetStateHash())
	assert.Equal(t, live.engine.GetClock(), restored.engine.GetClock())

	price := sdkmath.NewInt(99_000_000)
	live.setPrice(price)
	restored.setPrice(price)
	claim := &event.GetRepayment{Header: live.header(bob), PolicyID: id}

	a, err := live.exec(claim)
	require.NoError(t, err)
	b, err := restored.exec(claim)
	require.NoError(t, err)
	assert.Equal(t, a.StateHash, b.StateHash)

	// restored LRU still knows commands applied before the snapshot
	first := drain(live.persist)[0]
	_, err = restored.exec(decode(t, first.Envelope))
	assert.ErrorIs(t, err, core.ErrDuplicateCommand)
}
