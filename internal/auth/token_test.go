package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "driver-1",
		"exp": time.Now().Add(ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestStaticProvider(t *testing.T) {
	tok, err := StaticProvider("abc").Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok)

	_, err = StaticProvider("").Token(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
}

func TestRefreshingProviderCachesFreshToken(t *testing.T) {
	calls := 0
	fresh := signedToken(t, time.Hour)
	p := NewRefreshingProvider(func(ctx context.Context) (string, error) {
		calls++
		return fresh, nil
	}, 30*time.Second)

	for i := 0; i < 3; i++ {
		tok, err := p.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, fresh, tok)
	}
	require.Equal(t, 1, calls)
}

func TestRefreshingProviderRefreshesNearExpiry(t *testing.T) {
	tokens := []string{signedToken(t, 10*time.Second), signedToken(t, time.Hour)}
	calls := 0
	p := NewRefreshingProvider(func(ctx context.Context) (string, error) {
		tok := tokens[calls]
		calls++
		return tok, nil
	}, 30*time.Second)

	// First call fetches a token already inside the margin; the next call
	// must fetch again.
	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, tokens[0], tok)

	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, tokens[1], tok)
	require.Equal(t, 2, calls)
}

func TestRefreshingProviderInvalidate(t *testing.T) {
	calls := 0
	p := NewRefreshingProvider(func(ctx context.Context) (string, error) {
		calls++
		return signedToken(t, time.Hour), nil
	}, 30*time.Second)

	_, err := p.Token(context.Background())
	require.NoError(t, err)
	p.Invalidate()
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRefreshingProviderOpaqueTokenTreatedAsFresh(t *testing.T) {
	calls := 0
	p := NewRefreshingProvider(func(ctx context.Context) (string, error) {
		calls++
		return "opaque-session-key", nil
	}, 30*time.Second)

	for i := 0; i < 2; i++ {
		tok, err := p.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "opaque-session-key", tok)
	}
	require.Equal(t, 1, calls)
}

func TestRefreshingProviderPropagatesRefreshError(t *testing.T) {
	boom := errors.New("identity service unavailable")
	p := NewRefreshingProvider(func(ctx context.Context) (string, error) {
		return "", boom
	}, 0)

	_, err := p.Token(context.Background())
	require.ErrorIs(t, err, boom)
}
