package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"DepegLedger/internal/ledger"
)

var (
	ErrPolicyExists  = errors.New("policy already exists")
	ErrPolicyMissing = errors.New("policy does not exist")
	ErrPolicySettled = errors.New("policy already settled")
)

// PolicyRegistry stores policies keyed by id. Records are never deleted.
type PolicyRegistry struct {
	policies map[PolicyID]*Policy
}

func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{
		policies: make(map[PolicyID]*Policy),
	}
}

// Get returns a copy so callers cannot mutate stored records.
func (r *PolicyRegistry) Get(id PolicyID) (Policy, bool) {
	p, ok := r.policies[id]
	if !ok {
		return Policy{}, false
	}
	return *p, true
}

func (r *PolicyRegistry) Exists(id PolicyID) bool {
	_, ok := r.policies[id]
	return ok
}

func (r *PolicyRegistry) Insert(p Policy) error {
	if r.Exists(p.ID) {
		return fmt.Errorf("%w: %s", ErrPolicyExists, p.ID)
	}
	if p.InsuredAmount.IsNil() || !p.InsuredAmount.IsPositive() {
		return fmt.Errorf("policy %s has non-positive insured amount", p.ID)
	}
	stored := p
	r.policies[p.ID] = &stored
	return nil
}

// MarkSettled flips the settled flag. It can succeed only once per policy.
func (r *PolicyRegistry) MarkSettled(id PolicyID) error {
	p, ok := r.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyMissing, id)
	}
	if p.Settled {
		return fmt.Errorf("%w: %s", ErrPolicySettled, id)
	}
	p.Settled = true
	return nil
}

func (r *PolicyRegistry) Len() int {
	return len(r.policies)
}

// All returns every policy ordered by id.
func (r *PolicyRegistry) All() []Policy {
	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// ByHolder returns a holder's policies ordered by start time, then id.
func (r *PolicyRegistry) ByHolder(holder ledger.Address) []Policy {
	var out []Policy
	for _, p := range r.policies {
		if p.Holder == holder {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTimestamp != out[j].StartTimestamp {
			return out[i].StartTimestamp < out[j].StartTimestamp
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Restore replaces the registry contents from a snapshot.
func (r *PolicyRegistry) Restore(policies []Policy) {
	r.policies = make(map[PolicyID]*Policy, len(policies))
	for _, p := range policies {
		stored := p
		r.policies[p.ID] = &stored
	}
}
