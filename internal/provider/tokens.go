package provider

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"partyoverlay/internal/backend"
	"partyoverlay/internal/httputil"
)

const (
	DefaultExpiryMargin    = 30 * time.Second
	DefaultRefreshInterval = 60 * time.Second

	tokenCacheKey = "spotify"
)

// Fetcher obtains a fresh access token from the backend.
type Fetcher interface {
	SpotifyToken(ctx context.Context) (backend.AccessToken, error)
}

// TokenCache persists the last access token across restarts.
type TokenCache interface {
	LoadAccessToken(provider string) (string, time.Time, error)
	SaveAccessToken(provider, token string, expiresAt time.Time) error
}

// TokenFunc supplies an access token on demand. It also satisfies
// oauth2.TokenSource so it can authorize Web API requests directly.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), httputil.DefaultTimeout)
	defer cancel()
	tok, err := f(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}

// TokenSource hands out provider access tokens: a static token when
// configured, otherwise a cached token refreshed through the backend once it
// is within the expiry margin. Non-forced refreshes are rate limited.
type TokenSource struct {
	static  string
	fetcher Fetcher
	cache   TokenCache
	margin  time.Duration
	limiter *rate.Limiter
	group   singleflight.Group
	now     func() time.Time

	mu          sync.Mutex
	token       string
	expiresAt   time.Time
	cacheLoaded bool
}

type TokenOption func(*TokenSource)

func WithStaticToken(token string) TokenOption {
	return func(s *TokenSource) { s.static = token }
}

func WithTokenCache(c TokenCache) TokenOption {
	return func(s *TokenSource) { s.cache = c }
}

func WithExpiryMargin(d time.Duration) TokenOption {
	return func(s *TokenSource) { s.margin = d }
}

// WithRefreshInterval sets the minimum spacing between non-forced refreshes.
func WithRefreshInterval(d time.Duration) TokenOption {
	return func(s *TokenSource) { s.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

func withClock(now func() time.Time) TokenOption {
	return func(s *TokenSource) { s.now = now }
}

func NewTokenSource(f Fetcher, opts ...TokenOption) *TokenSource {
	s := &TokenSource{
		fetcher: f,
		margin:  DefaultExpiryMargin,
		limiter: rate.NewLimiter(rate.Every(DefaultRefreshInterval), 1),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Token returns a usable access token. force bypasses both the cache and the
// refresh rate limit.
func (s *TokenSource) Token(ctx context.Context, force bool) (string, error) {
	if s.static != "" {
		return s.static, nil
	}
	s.loadCache()

	if !force {
		if tok, ok := s.cached(s.margin); ok {
			return tok, nil
		}
		if !s.limiter.AllowN(s.now(), 1) {
			if tok, ok := s.cached(0); ok {
				return tok, nil
			}
			return "", ErrRefreshThrottled
		}
	}

	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		if tok, ok := s.cached(0); ok && !force {
			log.Printf("provider: token refresh failed, using current token: %v", err)
			return tok, nil
		}
		return "", err
	}
	return v.(string), nil
}

// Func exposes the non-forced Token as a TokenFunc.
func (s *TokenSource) Func() TokenFunc {
	return func(ctx context.Context) (string, error) {
		return s.Token(ctx, false)
	}
}

// ExpiresAt returns the expiry of the cached token, zero for static tokens.
func (s *TokenSource) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Invalidate drops the cached token so the next call refreshes.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

func (s *TokenSource) cached(margin time.Duration) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", false
	}
	if !s.now().Add(margin).Before(s.expiresAt) {
		return "", false
	}
	return s.token, true
}

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	at, err := s.fetcher.SpotifyToken(ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.token = at.Token
	s.expiresAt = at.ExpiresAt
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SaveAccessToken(tokenCacheKey, at.Token, at.ExpiresAt); err != nil {
			log.Printf("provider: caching access token: %v", err)
		}
	}
	return at.Token, nil
}

func (s *TokenSource) loadCache() {
	s.mu.Lock()
	if s.cacheLoaded || s.cache == nil {
		s.cacheLoaded = true
		s.mu.Unlock()
		return
	}
	s.cacheLoaded = true
	s.mu.Unlock()

	tok, exp, err := s.cache.LoadAccessToken(tokenCacheKey)
	if err != nil {
		log.Printf("provider: loading cached access token: %v", err)
		return
	}
	if tok == "" {
		return
	}
	s.mu.Lock()
	if s.token == "" {
		s.token = tok
		s.expiresAt = exp
	}
	s.mu.Unlock()
}
