package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyoverlay/internal/backend"
)

type fakeFetcher struct {
	calls atomic.Int32
	now   func() time.Time
	ttl   time.Duration
	err   error
}

func (f *fakeFetcher) SpotifyToken(ctx context.Context) (backend.AccessToken, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return backend.AccessToken{}, f.err
	}
	return backend.AccessToken{
		Token:     "tok-" + string(rune('0'+n)),
		ExpiresAt: f.now().Add(f.ttl),
	}, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestTokenStaticWins(t *testing.T) {
	f := &fakeFetcher{now: time.Now, ttl: time.Hour}
	s := NewTokenSource(f, WithStaticToken("static"))

	tok, err := s.Token(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "static", tok)
	assert.Zero(t, f.calls.Load())
}

func TestTokenCachedUntilMargin(t *testing.T) {
	clock := newClock()
	f := &fakeFetcher{now: clock.Now, ttl: 10 * time.Minute}
	s := NewTokenSource(f, withClock(clock.Now))

	tok, err := s.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	clock.Advance(9 * time.Minute)
	tok, err = s.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), f.calls.Load())

	// inside the 30s margin and past the refresh interval
	clock.Advance(45 * time.Second)
	tok, err = s.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestTokenRefreshThrottled(t *testing.T) {
	clock := newClock()
	f := &fakeFetcher{now: clock.Now, ttl: 10 * time.Second}
	s := NewTokenSource(f, withClock(clock.Now))

	_, err := s.Token(context.Background(), false)
	require.NoError(t, err)

	// token already inside the margin but still valid: throttled refresh
	// falls back to it
	tok, err := s.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), f.calls.Load())

	clock.Advance(20 * time.Second)
	_, err = s.Token(context.Background(), false)
	assert.ErrorIs(t, err, ErrRefreshThrottled)

	clock.Advance(time.Minute)
	tok, err = s.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestTokenForcedBypassesLimiter(t *testing.T) {
	clock := newClock()
	f := &fakeFetcher{now: clock.Now, ttl: time.Hour}
	s := NewTokenSource(f, withClock(clock.Now))

	_, err := s.Token(context.Background(), false)
	require.NoError(t, err)
	tok, err := s.Token(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestTokenFetchError(t *testing.T) {
	f := &fakeFetcher{now: time.Now, err: backend.ErrNotConnected}
	s := NewTokenSource(f)

	_, err := s.Token(context.Background(), false)
	assert.ErrorIs(t, err, backend.ErrNotConnected)
	assert.Equal(t, KindAuthentication, KindOf(wrap("token", err)))
}

type memCache struct {
	token string
	exp   time.Time
	saves int
}

func (m *memCache) LoadAccessToken(string) (string, time.Time, error) {
	return m.token, m.exp, nil
}

func (m *memCache) SaveAccessToken(_ string, token string, exp time.Time) error {
	m.token, m.exp = token, exp
	m.saves++
	return nil
}

func TestTokenUsesPersistentCache(t *testing.T) {
	clock := newClock()
	cache := &memCache{token: "persisted", exp: clock.Now().Add(time.Hour)}
	f := &fakeFetcher{now: clock.Now, ttl: time.Hour}
	s := NewTokenSource(f, withClock(clock.Now), WithTokenCache(cache))

	tok, err := s.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok)
	assert.Zero(t, f.calls.Load())

	tok, err = s.Token(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, "tok-1", cache.token)
	assert.Equal(t, 1, cache.saves)
}

func TestTokenFuncSatisfiesOAuth2(t *testing.T) {
	fn := TokenFunc(func(context.Context) (string, error) { return "abc", nil })
	tok, err := fn.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)

	failing := TokenFunc(func(context.Context) (string, error) { return "", errors.New("boom") })
	_, err = failing.Token()
	assert.Error(t, err)
}
