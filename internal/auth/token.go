package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("no token available")

// TokenProvider yields the current auth credential on demand. Implementations
// may refresh behind the scenes; the transport calls Token before every
// handshake so a reconnect always carries a fresh credential.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticProvider returns a fixed token, for tests and the CLI client.
type StaticProvider string

func (p StaticProvider) Token(ctx context.Context) (string, error) {
	if p == "" {
		return "", ErrNoToken
	}
	return string(p), nil
}

// RefreshFunc obtains a new token when the cached one is missing or stale.
type RefreshFunc func(ctx context.Context) (string, error)

// RefreshingProvider caches a JWT and re-fetches it once its exp claim is
// within the expiry margin. The token is only inspected, never verified;
// verification is the server's job.
type RefreshingProvider struct {
	refresh RefreshFunc
	margin  time.Duration

	mu    sync.Mutex
	token string
}

func NewRefreshingProvider(refresh RefreshFunc, margin time.Duration) *RefreshingProvider {
	if margin <= 0 {
		margin = 30 * time.Second
	}
	return &RefreshingProvider{refresh: refresh, margin: margin}
}

func (p *RefreshingProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && !p.stale(p.token) {
		return p.token, nil
	}

	token, err := p.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}
	p.token = token
	return token, nil
}

// Invalidate drops the cached token so the next Token call refreshes. The
// session calls this after the server reports an auth failure.
func (p *RefreshingProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}

func (p *RefreshingProvider) stale(token string) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		// Opaque tokens cannot be inspected; treat them as fresh and let
		// the server reject them if not.
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < p.margin
}
