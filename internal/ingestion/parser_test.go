package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
	"DepegLedger/internal/ingestion"
	"DepegLedger/internal/ledger"
	"DepegLedger/internal/state"
	"DepegLedger/internal/testutil"
)

var (
	owner = testutil.Address(0x01)
	alice = testutil.Address(0xa1)
	bob   = testutil.Address(0xb0)
)

var receivedAt = time.Unix(1_700_000_000, 0)

func payload(t *testing.T, v map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestParseCommand_DepositAsset(t *testing.T) {
	id := uuid.New()
	data := payload(t, map[string]any{
		"command_id": id.String(),
		"caller":     alice.Hex(),
		"holder":     bob.Hex(),
		"asset":      "USDT",
		"amount":     "1000000",
	})

	cmd, err := ingestion.ParseCommand("deposit_asset", data, alice, receivedAt)
	require.NoError(t, err)

	dep, ok := cmd.(*event.DepositAsset)
	require.True(t, ok, "got %T", cmd)
	assert.Equal(t, id.String(), dep.IdempotencyKey())
	assert.Equal(t, alice, dep.CallerAddress())
	assert.Equal(t, bob, dep.Holder)
	assert.Equal(t, ledger.Asset("USDT"), dep.Asset)
	assert.Equal(t, "1000000", dep.Amount.String())
	assert.Equal(t, uint64(1_700_000_000), dep.Timestamp())
}

func TestParseCommand_IgnoresBodyCallerAndTimestamp(t *testing.T) {
	data := payload(t, map[string]any{
		"command_id":     uuid.NewString(),
		"caller":         owner.Hex(),
		"issued_at":      1_650_000_000,
		"insured_amount": "500",
		"duration":       86_400,
	})

	cmd, err := ingestion.ParseCommand("create_policy", data, alice, receivedAt)
	require.NoError(t, err)

	cp := cmd.(*event.CreatePolicy)
	assert.Equal(t, alice, cp.CallerAddress())
	assert.Equal(t, uint64(1_700_000_000), cp.Timestamp())
	assert.Equal(t, uint64(86_400), cp.Duration)
}

func TestParseCommand_RequiresCaller(t *testing.T) {
	data := payload(t, map[string]any{"command_id": uuid.NewString(), "amount": "1"})
	_, err := ingestion.ParseCommand("add_liquidity", data, ledger.Address{}, receivedAt)
	assert.ErrorIs(t, err, ingestion.ErrInvalidCommand)
}

func TestParseCommand_GetRepayment(t *testing.T) {
	id := state.PolicyID{0xab, 0xcd}
	data := payload(t, map[string]any{
		"command_id": uuid.NewString(),
		"caller":     bob.Hex(),
		"policy_id":  id.Hex(),
	})

	cmd, err := ingestion.ParseCommand("get_repayment", data, bob, receivedAt)
	require.NoError(t, err)
	assert.Equal(t, id, cmd.(*event.GetRepayment).PolicyID)
}

func TestParseCommand_CollectFeeHeaderOnly(t *testing.T) {
	data := payload(t, map[string]any{
		"command_id": uuid.NewString(),
		"caller":     alice.Hex(),
	})

	cmd, err := ingestion.ParseCommand("collect_fee", data, owner, receivedAt)
	require.NoError(t, err)
	assert.Equal(t, event.CommandTypeCollectFee, cmd.CommandType())
}

func TestParseCommand_Rejects(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"command_id": uuid.NewString(),
			"caller":     alice.Hex(),
			"amount":     "10",
		}
	}

	tests := []struct {
		name        string
		commandType string
		mutate      func(map[string]any)
		raw         []byte
	}{
		{name: "unknown type", commandType: "mint"},
		{name: "malformed json", commandType: "add_liquidity", raw: []byte(`{"amount":`)},
		{name: "empty body", commandType: "add_liquidity", raw: []byte{}},
		{name: "missing command id", commandType: "add_liquidity", mutate: func(m map[string]any) { delete(m, "command_id") }},
		{name: "missing amount", commandType: "withdraw_liquidity", mutate: func(m map[string]any) { delete(m, "amount") }},
		{name: "negative amount", commandType: "add_liquidity", mutate: func(m map[string]any) { m["amount"] = "-5" }},
		{name: "approve without spender", commandType: "approve", mutate: func(m map[string]any) { m["asset"] = "USDT" }},
		{name: "deposit without holder", commandType: "deposit_asset", mutate: func(m map[string]any) { m["asset"] = "USDT" }},
		{name: "repayment without policy", commandType: "get_repayment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.raw
			if data == nil {
				m := valid()
				if tt.mutate != nil {
					tt.mutate(m)
				}
				data = payload(t, m)
			}
			_, err := ingestion.ParseCommand(tt.commandType, data, alice, receivedAt)
			assert.ErrorIs(t, err, ingestion.ErrInvalidCommand)
		})
	}
}

func TestCommandTypeFromSubject(t *testing.T) {
	ct, ok := ingestion.CommandTypeFromSubject("depeg.commands.create_policy")
	assert.True(t, ok)
	assert.Equal(t, "create_policy", ct)

	for _, subject := range []string{"depeg.commands.", "depeg.commands.a.b", "other.commands.x", "depeg.events.PolicyCreated"} {
		_, ok := ingestion.CommandTypeFromSubject(subject)
		assert.False(t, ok, subject)
	}
}

// --- dispatcher ---

type fakeProcessor struct {
	err  error
	seen []event.Command
}

func (f *fakeProcessor) ProcessCommand(_ context.Context, cmd event.Command) (*core.Receipt, error) {
	f.seen = append(f.seen, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Receipt{Sequence: int64(len(f.seen))}, nil
}

// tokenTable accepts a fixed set of tokens.
type tokenTable map[string]ledger.Address

func (tt tokenTable) Validate(token string) (ledger.Address, error) {
	caller, ok := tt[token]
	if !ok {
		return ledger.Address{}, errors.New("unknown token")
	}
	return caller, nil
}

var tokens = tokenTable{"alice-token": alice, "owner-token": owner}

func newDispatcher(proc ingestion.CommandProcessor, raw <-chan ingestion.RawCommand) *ingestion.Dispatcher {
	return ingestion.NewDispatcher(proc, raw, tokens, owner, nil, zerolog.Nop())
}

func TestDispatcher_AckAndNak(t *testing.T) {
	valid := payload(t, map[string]any{
		"command_id": uuid.NewString(),
		"amount":     "10",
	})

	tests := []struct {
		name      string
		auth      string
		data      []byte
		err       error
		outcome   string
		wantAck   bool
		processed bool
	}{
		{name: "applied", data: valid, outcome: ingestion.OutcomeApplied, wantAck: true, processed: true},
		{name: "business rejection", data: valid, err: core.ErrZeroAmount, outcome: ingestion.OutcomeRejected, wantAck: true, processed: true},
		{name: "duplicate", data: valid, err: core.ErrDuplicateCommand, outcome: ingestion.OutcomeDuplicate, wantAck: true, processed: true},
		{name: "oracle down", data: valid, err: core.ErrOracleUnavailable, outcome: ingestion.OutcomeRetry, wantAck: false, processed: true},
		{name: "unparseable", data: []byte("nope"), outcome: ingestion.OutcomeInvalid, wantAck: true},
		{name: "no token", auth: "-", data: valid, outcome: ingestion.OutcomeUnauthed, wantAck: true},
		{name: "unknown token", auth: "Bearer forged", data: valid, outcome: ingestion.OutcomeUnauthed, wantAck: true},
		{name: "not a bearer token", auth: "alice-token", data: valid, outcome: ingestion.OutcomeUnauthed, wantAck: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := tt.auth
			switch auth {
			case "":
				auth = "Bearer alice-token"
			case "-":
				auth = ""
			}

			proc := &fakeProcessor{err: tt.err}
			d := newDispatcher(proc, nil)

			var acked, naked bool
			outcome := d.Handle(context.Background(), ingestion.RawCommand{
				Subject:       "depeg.commands.add_liquidity",
				CommandType:   "add_liquidity",
				Data:          tt.data,
				Authorization: auth,
				ReceivedAt:    receivedAt,
				Ack:           func() { acked = true },
				Nak:           func() { naked = true },
			})

			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.wantAck, acked)
			assert.Equal(t, !tt.wantAck, naked)
			assert.Equal(t, tt.processed, len(proc.seen) == 1)
		})
	}
}

func TestDispatcher_CallerComesFromToken(t *testing.T) {
	proc := &fakeProcessor{}
	d := newDispatcher(proc, nil)

	// alice names the owner in the body to pass the owner-only check.
	body := payload(t, map[string]any{
		"command_id": uuid.NewString(),
		"caller":     owner.Hex(),
		"issued_at":  1,
		"amount":     "10",
	})
	outcome := d.Handle(context.Background(), ingestion.RawCommand{
		CommandType:   "withdraw_liquidity",
		Data:          body,
		Authorization: "Bearer alice-token",
		ReceivedAt:    receivedAt,
	})

	assert.Equal(t, ingestion.OutcomeApplied, outcome)
	require.Len(t, proc.seen, 1)
	assert.Equal(t, alice, proc.seen[0].CallerAddress())
	assert.Equal(t, uint64(receivedAt.Unix()), proc.seen[0].Timestamp())
}

func TestDispatcher_DepositRestrictedToOwner(t *testing.T) {
	body := func() []byte {
		return payload(t, map[string]any{
			"command_id": uuid.NewString(),
			"holder":     alice.Hex(),
			"asset":      "USDT",
			"amount":     "10",
		})
	}

	proc := &fakeProcessor{}
	d := newDispatcher(proc, nil)

	outcome := d.Handle(context.Background(), ingestion.RawCommand{
		CommandType: "deposit_asset", Data: body(), Authorization: "Bearer alice-token", ReceivedAt: receivedAt,
	})
	assert.Equal(t, ingestion.OutcomeRejected, outcome)
	assert.Empty(t, proc.seen)

	outcome = d.Handle(context.Background(), ingestion.RawCommand{
		CommandType: "deposit_asset", Data: body(), Authorization: "Bearer owner-token", ReceivedAt: receivedAt,
	})
	assert.Equal(t, ingestion.OutcomeApplied, outcome)
	require.Len(t, proc.seen, 1)
	assert.Equal(t, alice, proc.seen[0].(*event.DepositAsset).Holder)
}

func TestDispatcher_RunDrainsChannel(t *testing.T) {
	proc := &fakeProcessor{}
	raw := make(chan ingestion.RawCommand, 3)
	for i := 0; i < 3; i++ {
		raw <- ingestion.RawCommand{
			CommandType:   "collect_fee",
			Data:          payload(t, map[string]any{"command_id": uuid.NewString()}),
			Authorization: "Bearer owner-token",
			ReceivedAt:    receivedAt,
		}
	}
	close(raw)

	require.NoError(t, newDispatcher(proc, raw).Run(context.Background()))
	assert.Len(t, proc.seen, 3)
}

// --- ingest service ---

func TestIngestService_StampsCallerAndClock(t *testing.T) {
	proc := &fakeProcessor{}
	clock := func() time.Time { return time.Unix(1_800_000_000, 0) }
	svc := ingestion.NewIngestService(proc, owner, clock)

	// Body claims to be alice at an old time; the token says bob.
	body := payload(t, map[string]any{
		"caller":         alice.Hex(),
		"issued_at":      1,
		"insured_amount": "100",
		"duration":       60,
	})
	_, err := svc.Submit(context.Background(), bob, "create_policy", body)
	require.NoError(t, err)

	require.Len(t, proc.seen, 1)
	cmd := proc.seen[0]
	assert.Equal(t, bob, cmd.CallerAddress())
	assert.Equal(t, uint64(1_800_000_000), cmd.Timestamp())
	_, err = uuid.Parse(cmd.IdempotencyKey())
	assert.NoError(t, err)

	_, err = svc.Submit(context.Background(), bob, "mint", nil)
	assert.ErrorIs(t, err, ingestion.ErrInvalidCommand)

	_, err = svc.Submit(context.Background(), bob, "collect_fee", nil)
	assert.NoError(t, err)
}

func TestIngestService_DepositRestrictedToOwner(t *testing.T) {
	proc := &fakeProcessor{}
	svc := ingestion.NewIngestService(proc, owner, nil)
	body := payload(t, map[string]any{"holder": alice.Hex(), "asset": "USDT", "amount": "5"})

	_, err := svc.Submit(context.Background(), alice, "deposit_asset", body)
	assert.ErrorIs(t, err, core.ErrNotOwner)
	assert.Empty(t, proc.seen)

	_, err = svc.Submit(context.Background(), owner, "deposit_asset", body)
	require.NoError(t, err)
	require.Len(t, proc.seen, 1)
	assert.Equal(t, owner, proc.seen[0].CallerAddress())
}

// --- outbound ---

func sampleOutput() core.CoreOutput {
	id := state.PolicyID{0x01}
	return core.CoreOutput{
		Envelope: &event.CommandEnvelope{
			Sequence:       7,
			IdempotencyKey: "k-7",
			CommandType:    event.CommandTypeGetRepayment,
			Timestamp:      1_700_000_060,
		},
		Notifications: []event.Notification{event.PolicyRepayed(id, sdkmath.NewInt(100_000_000))},
	}
}

func TestEncodeNotification(t *testing.T) {
	out := sampleOutput()
	subject, data, err := ingestion.EncodeNotification(out, out.Notifications[0])
	require.NoError(t, err)
	assert.Equal(t, "depeg.events.PolicyRepayed", subject)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "PolicyRepayed", body["type"])
	assert.Equal(t, "100000000", body["amount"])
	assert.Equal(t, "get_repayment", body["command_type"])
	assert.Equal(t, float64(7), body["sequence"])
	assert.NotContains(t, body, "holder")
}

type flakyPublisher struct {
	failures int32
	calls    atomic.Int32
	subjects []string
}

func (f *flakyPublisher) Publish(_ context.Context, subject string, _ []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("nats: timeout")
	}
	f.subjects = append(f.subjects, subject)
	return &jetstream.PubAck{Stream: ingestion.EventStream}, nil
}

func TestOutboundPublisher_RetriesTransientFailures(t *testing.T) {
	pub := &flakyPublisher{failures: 2}
	in := make(chan core.CoreOutput, 1)
	in <- sampleOutput()
	close(in)

	op := ingestion.NewOutboundPublisher(pub, in, nil, zerolog.Nop())
	require.NoError(t, op.Run(context.Background()))

	assert.Equal(t, int32(3), pub.calls.Load())
	assert.Equal(t, []string{"depeg.events.PolicyRepayed"}, pub.subjects)
}

func TestOutboundPublisher_GivesUpAfterAttempts(t *testing.T) {
	pub := &flakyPublisher{failures: 100}
	in := make(chan core.CoreOutput, 1)
	in <- sampleOutput()
	close(in)

	op := ingestion.NewOutboundPublisher(pub, in, nil, zerolog.Nop())
	require.NoError(t, op.Run(context.Background()))

	assert.Equal(t, int32(3), pub.calls.Load())
	assert.Empty(t, pub.subjects)
}
