package ingestion

import (
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
)

// ErrInvalidCommand marks a payload that can never be applied. Callers ack
// it instead of asking for redelivery.
var ErrInvalidCommand = errors.New("invalid command")

// ParseCommand converts a wire payload into a typed command for an
// authenticated caller. The ingestion shell validates and stamps commands
// before they reach the deterministic core. Any caller or issued_at in the
// body is overwritten: identity comes from the credential and time from
// receivedAt, so the core never reads the wall clock.
func ParseCommand(commandType string, data []byte, caller ledger.Address, receivedAt time.Time) (event.Command, error) {
	ct, ok := event.ParseCommandType(commandType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, commandType)
	}

	cmd, err := decode(ct, data)
	if err != nil {
		return nil, err
	}

	if err := stampAndValidate(cmd, caller, receivedAt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, ct, err)
	}
	return cmd, nil
}

func decode(ct event.CommandType, data []byte) (event.Command, error) {
	// collect_fee carries nothing beyond the header.
	if len(data) == 0 {
		data = []byte("{}")
	}
	cmd, err := event.DecodeCommand(ct, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return cmd, nil
}

func stampAndValidate(cmd event.Command, caller ledger.Address, receivedAt time.Time) error {
	h := headerOf(cmd)
	if h == nil {
		return fmt.Errorf("unsupported command %T", cmd)
	}
	h.Caller = caller
	h.IssuedAt = uint64(receivedAt.Unix())

	if h.CommandID == uuid.Nil {
		return errors.New("command_id is required")
	}
	if h.Caller.IsZero() {
		return errors.New("caller is required")
	}

	switch c := cmd.(type) {
	case *event.DepositAsset:
		if c.Holder.IsZero() {
			return errors.New("holder is required")
		}
		return requireAmount("amount", c.Amount)
	case *event.Approve:
		if c.Spender.IsZero() {
			return errors.New("spender is required")
		}
		return requireAmount("amount", c.Amount)
	case *event.AddLiquidity:
		return requireAmount("amount", c.Amount)
	case *event.WithdrawLiquidity:
		return requireAmount("amount", c.Amount)
	case *event.CreatePolicy:
		return requireAmount("insured_amount", c.InsuredAmount)
	case *event.GetRepayment:
		if c.PolicyID == ([32]byte{}) {
			return errors.New("policy_id is required")
		}
	}
	return nil
}

// requireAmount rejects missing or negative amounts. Zero is a business
// rule and is left to the engine.
func requireAmount(field string, v sdkmath.Int) error {
	if v.IsNil() {
		return fmt.Errorf("%s is required", field)
	}
	if v.IsNegative() {
		return fmt.Errorf("%s must not be negative", field)
	}
	return nil
}

func headerOf(cmd event.Command) *event.Header {
	switch c := cmd.(type) {
	case *event.DepositAsset:
		return &c.Header
	case *event.Approve:
		return &c.Header
	case *event.AddLiquidity:
		return &c.Header
	case *event.WithdrawLiquidity:
		return &c.Header
	case *event.CreatePolicy:
		return &c.Header
	case *event.GetRepayment:
		return &c.Header
	case *event.CollectFee:
		return &c.Header
	default:
		return nil
	}
}
