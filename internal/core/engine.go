package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
	"DepegLedger/internal/observability"
	"DepegLedger/internal/oracle"
	"DepegLedger/internal/state"
)

// DefaultLRUCapacity bounds the in-memory dedup tier.
const DefaultLRUCapacity = 1_000_000

// Engine is the single-writer command processor for the insurance contract.
// Every command runs under one lock: validate, stage, check, then commit.
// A rejected command leaves no trace in state.
type Engine struct {
	mu sync.Mutex

	params      state.InsuranceParams
	sequence    int64  // last applied sequence; 0 at genesis
	clock       uint64 // latest committed command timestamp
	hasher      *StateHasher
	balances    *ledger.BalanceTracker
	allowances  *ledger.AllowanceBook
	journalGen  *ledger.JournalGenerator
	validator   *ledger.InvariantValidator
	registry    *state.PolicyRegistry
	oracle      oracle.Gateway
	quoteOracle oracle.Gateway // read-only quotes; defaults to oracle
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied command.
type CoreOutput struct {
	Envelope      *event.CommandEnvelope
	Batch         *ledger.Batch
	Policy        *state.Policy // post-commit record if the command created or settled one
	Notifications []event.Notification
}

// Receipt is returned to the caller of an applied command.
type Receipt struct {
	Sequence      int64
	StateHash     [32]byte
	PolicyID      *state.PolicyID
	Amount        sdkmath.Int // moved amount: premium, repayment, fee, liquidity
	ObservedPrice *sdkmath.Int
	Notifications []event.Notification
}

// transition is the staged effect of one command. Building it may fail;
// committing it may not.
type transition struct {
	batch         *ledger.Batch
	spend         *allowanceSpend
	approval      *ledger.AllowanceEntry
	newPolicy     *state.Policy
	settle        *state.PolicyID
	observedPrice *sdkmath.Int
	amount        sdkmath.Int
	commingled    bool // fee sweep that also drained pool liquidity
	notifications []event.Notification
}

// allowanceSpend is a transferFrom by the contract on behalf of owner.
type allowanceSpend struct {
	owner  ledger.Address
	asset  ledger.Asset
	amount sdkmath.Int
}

// NewEngine builds an engine at genesis. Either channel may be nil, in which
// case that output is skipped.
func NewEngine(
	params state.InsuranceParams,
	gateway oracle.Gateway,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	lruCapacity int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid insurance params: %w", err)
	}
	if gateway == nil {
		return nil, fmt.Errorf("oracle gateway is required")
	}

	balances := ledger.NewBalanceTracker()

	return &Engine{
		params:         params,
		hasher:         NewStateHasher(),
		balances:       balances,
		allowances:     ledger.NewAllowanceBook(),
		journalGen:     ledger.NewJournalGenerator(params.Contract),
		validator:      ledger.NewInvariantValidator(balances),
		registry:       state.NewPolicyRegistry(),
		oracle:         gateway,
		quoteOracle:    gateway,
		idempotency:    NewIdempotencyChecker(lruCapacity, dbChecker, metrics, logger),
		metrics:        metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// ProcessCommand is the main processing pipeline
func (c *Engine) ProcessCommand(ctx context.Context, cmd event.Command) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	cmdType := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	if c.idempotency.IsDuplicate(ctx, cmdType, key) {
		c.recordRejection(cmdType, ErrDuplicateCommand)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCommand, key)
	}

	if err := c.clampTimestamp(cmd); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", cmdType, err)
	}

	t, err := c.dispatch(ctx, cmd, c.oracle)
	if err != nil {
		c.recordRejection(cmdType, err)
		c.logger.Debug().Err(err).
			Str("command_type", cmdType).
			Str("idempotency_key", key).
			Str("caller", cmd.CallerAddress().Hex()).
			Msg("command rejected")
		return nil, err
	}

	output := c.commit(cmd, t, payload)

	// Persistence: blocking send. The core stalls until the persistence
	// worker drains, so no applied command is lost.
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	// Projections: non-blocking send, drop on full. Projections can be
	// rebuilt from the event log.
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}

	c.idempotency.MarkProcessed(cmdType, key)
	c.recordApplied(cmdType, t, start)

	if t.commingled {
		c.logger.Warn().
			Str("asset", string(c.params.TreasuryAsset)).
			Str("amount", t.amount.String()).
			Int64("sequence", output.Envelope.Sequence).
			Msg("fee sweep included pool liquidity: insured and treasury asset are the same")
	}

	return &Receipt{
		Sequence:      output.Envelope.Sequence,
		StateHash:     output.Envelope.StateHash,
		PolicyID:      receiptPolicyID(t),
		Amount:        t.amount,
		ObservedPrice: t.observedPrice,
		Notifications: output.Notifications,
	}, nil
}

// ReplayCommand re-applies a logged command during recovery. The oracle is
// replaced by the price the command originally observed, and the resulting
// state hash must match the logged one. Nothing is emitted downstream.
func (c *Engine) ReplayCommand(ctx context.Context, env *event.CommandEnvelope, cmd event.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Sequence != c.sequence+1 {
		return fmt.Errorf("%w: expected sequence %d, log has %d", ErrStateDivergence, c.sequence+1, env.Sequence)
	}

	t, err := c.dispatch(ctx, cmd, oracle.NewRecordedGateway(env.ObservedPrice))
	if err != nil {
		return fmt.Errorf("%w: sequence %d (%s) rejected on replay: %v",
			ErrStateDivergence, env.Sequence, cmd.CommandType(), err)
	}

	output := c.commit(cmd, t, env.Payload)
	if env.StateHash != ([32]byte{}) && output.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("%w: sequence %d hash %x, log has %x",
			ErrStateDivergence, env.Sequence, output.Envelope.StateHash, env.StateHash)
	}

	c.idempotency.MarkProcessed(cmd.CommandType().String(), cmd.IdempotencyKey())
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return nil
}

// timestampSetter is implemented by every command through its Header.
type timestampSetter interface {
	SetTimestamp(ts uint64)
}

// clampTimestamp moves a command stamped before the last committed command
// up to that command's time. Expiry and policy start are judged on the
// clamped value, so time seen by the state never runs backwards.
func (c *Engine) clampTimestamp(cmd event.Command) error {
	if cmd.Timestamp() >= c.clock {
		return nil
	}
	s, ok := cmd.(timestampSetter)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	c.logger.Debug().
		Str("idempotency_key", cmd.IdempotencyKey()).
		Uint64("issued_at", cmd.Timestamp()).
		Uint64("clock", c.clock).
		Msg("command timestamp behind engine clock, clamped")
	s.SetTimestamp(c.clock)
	return nil
}

// dispatch validates a command and stages its effects. It does not mutate.
func (c *Engine) dispatch(ctx context.Context, cmd event.Command, gw oracle.Gateway) (*transition, error) {
	caller := cmd.CallerAddress()
	if caller.IsZero() || caller == c.params.Contract {
		return nil, fmt.Errorf("%w: caller %s", ErrInvalidAddress, caller)
	}

	seq := c.sequence + 1

	switch e := cmd.(type) {
	case *event.DepositAsset:
		return c.handleDepositAsset(seq, e)
	case *event.Approve:
		return c.handleApprove(seq, e)
	case *event.AddLiquidity:
		return c.handleAddLiquidity(seq, e)
	case *event.WithdrawLiquidity:
		return c.handleWithdrawLiquidity(seq, e)
	case *event.CreatePolicy:
		return c.handleCreatePolicy(ctx, seq, e, gw)
	case *event.GetRepayment:
		return c.handleGetRepayment(ctx, seq, e, gw)
	case *event.CollectFee:
		return c.handleCollectFee(seq, e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// commit applies a staged transition, advances the hash chain and builds
// the output. Any failure here means dispatch let through something it
// should not have, so it panics.
func (c *Engine) commit(cmd event.Command, t *transition, payload []byte) CoreOutput {
	seq := c.sequence + 1

	if err := c.validator.ValidateBatchBalance(t.batch); err != nil {
		panic(fmt.Sprintf("FATAL: malformed batch at sequence %d: %v", seq, err))
	}
	if t.spend != nil {
		if err := c.allowances.Spend(t.spend.owner, c.params.Contract, t.spend.asset, t.spend.amount); err != nil {
			panic(fmt.Sprintf("FATAL: allowance spend failed after check at sequence %d: %v", seq, err))
		}
	}
	if err := c.balances.ApplyBatch(t.batch); err != nil {
		panic(fmt.Sprintf("FATAL: batch apply failed after check at sequence %d: %v", seq, err))
	}
	if t.approval != nil {
		c.allowances.Approve(t.approval.Owner, t.approval.Spender, t.approval.Asset, t.approval.Amount)
	}

	var policy *state.Policy
	if t.newPolicy != nil {
		if err := c.registry.Insert(*t.newPolicy); err != nil {
			panic(fmt.Sprintf("FATAL: policy insert failed after check at sequence %d: %v", seq, err))
		}
		p := *t.newPolicy
		policy = &p
	}
	if t.settle != nil {
		if err := c.registry.MarkSettled(*t.settle); err != nil {
			panic(fmt.Sprintf("FATAL: policy settle failed after check at sequence %d: %v", seq, err))
		}
		p, _ := c.registry.Get(*t.settle)
		policy = &p
	}

	if err := c.validator.ValidateTouchedAccounts(t.batch); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated at sequence %d: %v", seq, err))
	}
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		panic(fmt.Sprintf("FATAL: ledger not zero-sum at sequence %d: %v", seq, err))
	}

	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, c.computeStateDigest(cmd, t, policy))
	c.sequence = seq
	if ts := cmd.Timestamp(); ts > c.clock {
		c.clock = ts
	}

	notifications := make([]event.Notification, len(t.notifications))
	for i, n := range t.notifications {
		n.Sequence = seq
		notifications[i] = n
	}

	return CoreOutput{
		Envelope: &event.CommandEnvelope{
			Sequence:       seq,
			IdempotencyKey: cmd.IdempotencyKey(),
			CommandType:    cmd.CommandType(),
			Caller:         cmd.CallerAddress(),
			Timestamp:      cmd.Timestamp(),
			ObservedPrice:  t.observedPrice,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:         t.batch,
		Policy:        policy,
		Notifications: notifications,
	}
}

// computeStateDigest creates canonical bytes for the state hash: the
// command key, then every touched account balance in path order, then any
// touched policy and allowance.
func (c *Engine) computeStateDigest(cmd event.Command, t *transition, policy *state.Policy) []byte {
	digest := make([]byte, 0, 256)

	key := cmd.IdempotencyKey()
	digest = append(digest, byte(len(key)))
	digest = append(digest, key...)

	affected := make(map[ledger.AccountKey]bool)
	if t.batch != nil {
		for _, j := range t.batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for k := range affected {
		accounts = append(accounts, k)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	for _, k := range accounts {
		path := k.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendSignedWord(digest, c.balances.GetBalance(k))
	}

	if policy != nil {
		digest = append(digest, policy.CanonicalBytes()...)
	}

	if t.approval != nil {
		a := t.approval
		digest = append(digest, a.Owner[:]...)
		digest = append(digest, a.Spender[:]...)
		digest = append(digest, byte(len(a.Asset)))
		digest = append(digest, a.Asset...)
		digest = appendSignedWord(digest, c.allowances.Allowance(a.Owner, a.Spender, a.Asset))
	}
	if t.spend != nil {
		digest = appendSignedWord(digest, c.allowances.Allowance(t.spend.owner, c.params.Contract, t.spend.asset))
	}

	return digest
}

// appendSignedWord appends a sign byte and the 32-byte big-endian magnitude.
func appendSignedWord(buf []byte, v sdkmath.Int) []byte {
	var word [32]byte
	v.BigInt().FillBytes(word[:]) // FillBytes uses the absolute value
	if v.IsNegative() {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, word[:]...)
}

func receiptPolicyID(t *transition) *state.PolicyID {
	switch {
	case t.newPolicy != nil:
		id := t.newPolicy.ID
		return &id
	case t.settle != nil:
		id := *t.settle
		return &id
	}
	return nil
}

func (c *Engine) recordRejection(cmdType string, err error) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(cmdType, ErrorCode(err)).Inc()
	}
}

func (c *Engine) recordApplied(cmdType string, t *transition, start time.Time) {
	if c.metrics == nil {
		return
	}

	c.metrics.CoreCommandsApplied.WithLabelValues(cmdType).Inc()
	c.metrics.CoreCommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))

	if t.batch != nil {
		for _, j := range t.batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	if t.commingled {
		c.metrics.CommingledFeeSweeps.Inc()
	}

	switch {
	case t.newPolicy != nil:
		c.metrics.PoliciesCreated.Inc()
		c.metrics.PremiumCollected.Add(toFloat(t.amount))
	case t.settle != nil:
		c.metrics.PoliciesRepaid.Inc()
		c.metrics.RepaymentPaid.Add(toFloat(t.amount))
	}

	c.metrics.PoolBalance.Set(toFloat(c.balances.BalanceOf(c.params.Contract, c.params.InsuredAsset)))
	c.metrics.TreasuryBalance.Set(toFloat(c.balances.BalanceOf(c.params.Contract, c.params.TreasuryAsset)))
}

func toFloat(v sdkmath.Int) float64 {
	if v.IsNil() {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.BigInt()).Float64()
	return f
}
