package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
)

// AuthHeader is the NATS message header carrying the sender's bearer token.
const AuthHeader = "Authorization"

var ErrUnauthenticated = errors.New("unauthenticated")

// CallerVerifier resolves a bearer token to the caller it was issued for.
// server.Authenticator implements it.
type CallerVerifier interface {
	Validate(token string) (ledger.Address, error)
}

// authenticate turns an Authorization header value into a caller.
func authenticate(v CallerVerifier, header string) (ledger.Address, error) {
	if header == "" {
		return ledger.Address{}, fmt.Errorf("%w: missing %s header", ErrUnauthenticated, AuthHeader)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return ledger.Address{}, fmt.Errorf("%w: malformed %s header", ErrUnauthenticated, AuthHeader)
	}
	caller, err := v.Validate(token)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return caller, nil
}

// authorizeIngress applies the rules every entry point enforces on top of
// the engine's own checks. deposit_asset credits the ledger from outside,
// so only the owner may submit it.
func authorizeIngress(cmd event.Command, owner ledger.Address) error {
	if cmd.CommandType() == event.CommandTypeDepositAsset && cmd.CallerAddress() != owner {
		return fmt.Errorf("%w: deposit_asset is restricted to the owner", core.ErrNotOwner)
	}
	return nil
}
