package clickpesa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIssuer struct {
	calls int
	token string
	err   error
}

func (f *fakeIssuer) GenerateToken(ctx context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func TestTokenCacheIssuesAndCaches(t *testing.T) {
	issuer := &fakeIssuer{token: "jwt-1"}
	cache := NewTokenCache(NewMemoryTokenStore())
	cache.setIssuer(issuer)

	ctx := context.Background()

	got, err := cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer jwt-1", got, "Bearer prefix is added")
	assert.Equal(t, 1, issuer.calls)

	// Second call hits the cache.
	got, err = cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer jwt-1", got)
	assert.Equal(t, 1, issuer.calls)
}

func TestTokenCacheKeepsBearerPrefix(t *testing.T) {
	issuer := &fakeIssuer{token: "Bearer jwt-2"}
	cache := NewTokenCache(NewMemoryTokenStore())
	cache.setIssuer(issuer)

	got, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer jwt-2", got)
}

func TestTokenCacheRefreshBuffer(t *testing.T) {
	issuer := &fakeIssuer{token: "jwt-1"}
	cache := NewTokenCache(NewMemoryTokenStore())
	cache.setIssuer(issuer)

	now := time.Now()
	cache.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, issuer.calls)

	// Inside validity but within the 5-minute refresh buffer: reissue.
	issuer.token = "jwt-2"
	cache.now = func() time.Time { return now.Add(TokenValidity - 2*time.Minute) }

	got, err := cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer jwt-2", got)
	assert.Equal(t, 2, issuer.calls)
}

func TestTokenCacheForceRefresh(t *testing.T) {
	issuer := &fakeIssuer{token: "jwt-1"}
	cache := NewTokenCache(NewMemoryTokenStore())
	cache.setIssuer(issuer)

	ctx := context.Background()
	_, err := cache.Get(ctx, false)
	require.NoError(t, err)

	issuer.token = "jwt-2"
	got, err := cache.Get(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "Bearer jwt-2", got)
	assert.Equal(t, 2, issuer.calls)
}

func TestTokenCacheInvalidate(t *testing.T) {
	issuer := &fakeIssuer{token: "jwt-1"}
	cache := NewTokenCache(NewMemoryTokenStore())
	cache.setIssuer(issuer)

	ctx := context.Background()
	_, err := cache.Get(ctx, false)
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx))

	issuer.token = "jwt-2"
	got, err := cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer jwt-2", got)
}

func TestTokenValid(t *testing.T) {
	now := time.Now()

	var nilToken *Token
	assert.False(t, nilToken.Valid(now))

	fresh := &Token{Value: "Bearer x", ExpiresAt: now.Add(time.Hour)}
	assert.True(t, fresh.Valid(now))

	nearExpiry := &Token{Value: "Bearer x", ExpiresAt: now.Add(3 * time.Minute)}
	assert.False(t, nearExpiry.Valid(now), "inside refresh buffer counts as invalid")
}
