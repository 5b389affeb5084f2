// Package transport implements Transport (spec.md §4.3): REST-style
// calls to fetch/upload prekeys and post encrypted envelopes, plus a
// bidirectional framed gateway. Grounded on the teacher's
// internal/auth, internal/websocket and internal/registry packages,
// generalized from "server handling inbound HTTP" to "client issuing
// outbound calls".
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialProvider supplies the bearer token used to authenticate
// REST and gateway calls. Injected rather than read from a global, per
// the Design Notes' capability-injection requirement.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// RefreshFunc obtains a brand-new bearer token from whatever issued
// the current one (a login endpoint, a device-pairing flow, ...).
type RefreshFunc func(ctx context.Context) (string, error)

// expiryLeeway is how far ahead of a token's exp claim
// StaticCredentialProvider refreshes it, so a request already in
// flight when the token lapses doesn't race the server's own clock.
const expiryLeeway = 30 * time.Second

// StaticCredentialProvider holds a bearer token and, when constructed
// with a RefreshFunc, refreshes it once the token's exp claim comes
// within expiryLeeway of the current time. The exp claim is read with
// github.com/golang-jwt/jwt/v5 unverified — verifying a token this
// client itself was handed is the server's job, not the client's; the
// claim here only ever decides when to ask for a refresh. A token that
// doesn't parse as a JWT, or carries no exp claim, is treated as never
// expiring, which covers the common single-opaque-static-token case.
type StaticCredentialProvider struct {
	mu      sync.Mutex
	token   string
	expiry  time.Time // zero value means "no known expiry"
	refresh RefreshFunc
}

// NewStaticCredentialProvider wraps a fixed bearer token with no
// refresh capability — used in tests and for deployments where the
// host application manages token refresh itself and just hands the
// core a current token.
func NewStaticCredentialProvider(token string) *StaticCredentialProvider {
	return &StaticCredentialProvider{token: token, expiry: tokenExpiry(token)}
}

// NewRefreshingCredentialProvider wraps an initial bearer token with a
// refresh callback invoked once its exp claim is within expiryLeeway
// of expiring.
func NewRefreshingCredentialProvider(token string, refresh RefreshFunc) *StaticCredentialProvider {
	return &StaticCredentialProvider{token: token, expiry: tokenExpiry(token), refresh: refresh}
}

// Token implements transport.CredentialProvider.
func (s *StaticCredentialProvider) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refresh == nil || s.expiry.IsZero() || time.Until(s.expiry) > expiryLeeway {
		return s.token, nil
	}

	fresh, err := s.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("transport: refresh bearer token: %w", err)
	}
	s.token = fresh
	s.expiry = tokenExpiry(fresh)
	return s.token, nil
}

// tokenExpiry reads a JWT's exp claim without verifying its signature.
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
