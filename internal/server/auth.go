package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"DepegLedger/internal/ledger"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
)

type contextKey string

const callerKey contextKey = "caller"

// Claims identify the caller. The subject is the caller's 0x address.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator issues and validates HS256 caller tokens.
type Authenticator struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewAuthenticator(secretKey string, tokenDuration time.Duration) *Authenticator {
	return &Authenticator{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// IssueToken creates a token for caller, valid from now.
func (a *Authenticator) IssueToken(caller ledger.Address, now time.Time) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.Hex(),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns the caller address in its subject.
func (a *Authenticator) Validate(tokenString string) (ledger.Address, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secretKey, nil
		},
	)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return ledger.Address{}, ErrInvalidToken
	}

	caller, err := ledger.ParseAddress(claims.Subject)
	if err != nil || caller.IsZero() {
		return ledger.Address{}, fmt.Errorf("%w: subject is not an address", ErrInvalidToken)
	}
	return caller, nil
}

// Authenticate reads the bearer token from r.
func (a *Authenticator) Authenticate(r *http.Request) (ledger.Address, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ledger.Address{}, ErrMissingToken
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return ledger.Address{}, ErrInvalidToken
	}
	return a.Validate(tokenString)
}

func withCaller(ctx context.Context, caller ledger.Address) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFrom returns the authenticated caller stored on ctx.
func CallerFrom(ctx context.Context) (ledger.Address, bool) {
	caller, ok := ctx.Value(callerKey).(ledger.Address)
	return caller, ok
}
