package state

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/ledger"
)

// PolicyID is the 32-byte Keccak-256 digest identifying a policy.
type PolicyID [32]byte

func ParsePolicyID(s string) (PolicyID, error) {
	var id PolicyID

	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != 2*len(id) {
		return id, fmt.Errorf("invalid policy id %q: want %d hex digits", s, 2*len(id))
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return id, fmt.Errorf("invalid policy id %q: %w", s, err)
	}

	copy(id[:], b)
	return id, nil
}

func (id PolicyID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id PolicyID) String() string {
	return id.Hex()
}

func (id PolicyID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *PolicyID) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicyID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PolicyStatus is derived at read time and never stored.
type PolicyStatus int32

const (
	PolicyStatusActive PolicyStatus = iota
	PolicyStatusRepaid
	PolicyStatusExpired
)

func (s PolicyStatus) String() string {
	switch s {
	case PolicyStatusActive:
		return "Active"
	case PolicyStatusRepaid:
		return "Repaid"
	case PolicyStatusExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

func (s PolicyStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Policy is an insurance contract against the insured asset depegging.
// Everything except Settled is fixed at creation.
type Policy struct {
	ID             PolicyID       `json:"policy_id"`
	Holder         ledger.Address `json:"holder"`
	InsuredAmount  sdkmath.Int    `json:"insured_amount"`
	StartTimestamp uint64         `json:"start_timestamp"` // unix seconds
	Duration       uint64         `json:"duration"`        // seconds
	Settled        bool           `json:"settled"`
}

// ExpiresAt is the last second at which the policy can still be claimed.
func (p Policy) ExpiresAt() uint64 {
	return p.StartTimestamp + p.Duration
}

// IsExpired reports whether now is strictly past start + duration.
func (p Policy) IsExpired(now uint64) bool {
	return now > p.ExpiresAt()
}

// Status derives the lifecycle state as of now.
func (p Policy) Status(now uint64) PolicyStatus {
	switch {
	case p.Settled:
		return PolicyStatusRepaid
	case p.IsExpired(now):
		return PolicyStatusExpired
	default:
		return PolicyStatusActive
	}
}

// CanonicalBytes returns a deterministic encoding for state hashing.
func (p Policy) CanonicalBytes() []byte {
	amount := p.InsuredAmount.BigInt()
	amountBytes := make([]byte, 32)
	amount.FillBytes(amountBytes)

	buf := make([]byte, 0, 32+20+32+8+8+1)
	buf = append(buf, p.ID[:]...)
	buf = append(buf, p.Holder[:]...)
	buf = append(buf, amountBytes...)
	buf = binary.BigEndian.AppendUint64(buf, p.StartTimestamp)
	buf = binary.BigEndian.AppendUint64(buf, p.Duration)
	if p.Settled {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// PolicyView is a policy plus its derived status, for reads.
type PolicyView struct {
	Policy
	Status    PolicyStatus `json:"status"`
	ExpiresAt uint64       `json:"expires_at"`
}

func NewPolicyView(p Policy, now uint64) PolicyView {
	return PolicyView{
		Policy:    p,
		Status:    p.Status(now),
		ExpiresAt: p.ExpiresAt(),
	}
}
