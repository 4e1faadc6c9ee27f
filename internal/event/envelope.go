package event

import (
	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"DepegLedger/internal/ledger"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeDepositAsset
	CommandTypeApprove
	CommandTypeAddLiquidity
	CommandTypeWithdrawLiquidity
	CommandTypeCreatePolicy
	CommandTypeGetRepayment
	CommandTypeCollectFee
)

var commandNames = map[CommandType]string{
	CommandTypeDepositAsset:      "deposit_asset",
	CommandTypeApprove:           "approve",
	CommandTypeAddLiquidity:      "add_liquidity",
	CommandTypeWithdrawLiquidity: "withdraw_liquidity",
	CommandTypeCreatePolicy:      "create_policy",
	CommandTypeGetRepayment:      "get_repayment",
	CommandTypeCollectFee:        "collect_fee",
}

// String returns the wire name, used in NATS subjects and the event log.
func (ct CommandType) String() string {
	if name, ok := commandNames[ct]; ok {
		return name
	}
	return "unknown"
}

// ParseCommandType is the inverse of String.
func ParseCommandType(name string) (CommandType, bool) {
	for ct, n := range commandNames {
		if n == name {
			return ct, true
		}
	}
	return CommandTypeUnknown, false
}

// AllCommandTypes lists every applied command type in declaration order.
func AllCommandTypes() []CommandType {
	return []CommandType{
		CommandTypeDepositAsset,
		CommandTypeApprove,
		CommandTypeAddLiquidity,
		CommandTypeWithdrawLiquidity,
		CommandTypeCreatePolicy,
		CommandTypeGetRepayment,
		CommandTypeCollectFee,
	}
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// CallerAddress returns the authenticated caller
	CallerAddress() ledger.Address

	// Timestamp returns the versioned input time in unix seconds.
	// Stamped at ingress; the core never reads the wall clock.
	Timestamp() uint64
}

// Header carries the fields shared by every command.
type Header struct {
	CommandID uuid.UUID      `json:"command_id"`
	Caller    ledger.Address `json:"caller"`
	IssuedAt  uint64         `json:"issued_at"`
}

func (h Header) IdempotencyKey() string {
	return h.CommandID.String()
}

func (h Header) CallerAddress() ledger.Address {
	return h.Caller
}

func (h Header) Timestamp() uint64 {
	return h.IssuedAt
}

// SetTimestamp moves the command's effective time. The engine uses it to
// keep committed timestamps non-decreasing.
func (h *Header) SetTimestamp(ts uint64) {
	h.IssuedAt = ts
}

// CommandEnvelope wraps every applied command in the log
type CommandEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	CommandType CommandType
	Caller      ledger.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp uint64

	// Oracle price the command observed, nil if it never read the oracle.
	// Replay feeds this back instead of querying the oracle again.
	ObservedPrice *sdkmath.Int

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}
