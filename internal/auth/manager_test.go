package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOAuth struct {
	mu            sync.Mutex
	refreshCalls  int
	exchangeCalls int
	refreshDelay  time.Duration

	refreshFunc  func(refreshToken string) (*Token, error)
	exchangeFunc func(code string) (*Token, error)
}

func (f *fakeOAuth) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	f.mu.Lock()
	f.refreshCalls++
	delay := f.refreshDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return f.refreshFunc(refreshToken)
}

func (f *fakeOAuth) ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, error) {
	f.mu.Lock()
	f.exchangeCalls++
	f.mu.Unlock()
	return f.exchangeFunc(code)
}

func (f *fakeOAuth) Validate(ctx context.Context, accessToken string) (bool, error) {
	return true, nil
}

func (f *fakeOAuth) counts() (refresh, exchange int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls, f.exchangeCalls
}

// redirectingOpener stands in for the browser: it parses the state out of the
// authorization URL and immediately hits the local redirect listener with it.
func redirectingOpener(t *testing.T, port int, code string) Opener {
	t.Helper()
	return func(rawURL string) error {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return err
		}
		state := parsed.Query().Get("state")
		go func() {
			target := fmt.Sprintf("http://127.0.0.1:%d/?code=%s&state=%s", port, code, state)
			for i := 0; i < 100; i++ {
				resp, err := http.Get(target)
				if err == nil {
					resp.Body.Close()
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()
		return nil
	}
}

func noopOpener(string) error { return nil }

func newTestManager(t *testing.T, store Store, oauth *fakeOAuth, opener Opener, port int) *Manager {
	t.Helper()
	return NewManager(store, oauth, opener, clockwork.NewRealClock(), Options{
		ClientID:        "test_client",
		AuthorizeURL:    "https://example.invalid/authorize",
		RedirectURI:     fmt.Sprintf("http://localhost:%d", port),
		RedirectPort:    port,
		AuthFlowTimeout: 5 * time.Second,
	})
}

func TestEnsureToken_SufficientStoredToken(t *testing.T) {
	store := NewMemoryStore(&Token{
		AccessToken:  "stored",
		RefreshToken: "refresh",
		Scopes:       []string{"user:read:chat", "user:bot"},
	})
	oauth := &fakeOAuth{}
	m := newTestManager(t, store, oauth, noopOpener, 0)

	tok, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
	require.NoError(t, err)
	assert.Equal(t, "stored", tok.AccessToken)

	refresh, exchange := oauth.counts()
	assert.Zero(t, refresh)
	assert.Zero(t, exchange)
}

func TestEnsureToken_InvalidatedTokenRefreshedOnce(t *testing.T) {
	store := NewMemoryStore(&Token{
		AccessToken:  "stale",
		RefreshToken: "refresh1",
		Scopes:       []string{"user:read:chat"},
	})
	oauth := &fakeOAuth{
		refreshFunc: func(refreshToken string) (*Token, error) {
			assert.Equal(t, "refresh1", refreshToken)
			return &Token{AccessToken: "fresh", RefreshToken: "refresh2", Scopes: []string{"user:read:chat"}}, nil
		},
	}
	m := newTestManager(t, store, oauth, noopOpener, 0)

	first, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
	require.NoError(t, err)
	m.Invalidate(first.AccessToken)

	tok, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)

	// Persisted before being handed out.
	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.AccessToken)
	assert.Equal(t, "refresh2", stored.RefreshToken)

	refresh, _ := oauth.counts()
	assert.Equal(t, 1, refresh)
}

func TestEnsureToken_InvalidateIgnoresReplacedToken(t *testing.T) {
	store := NewMemoryStore(&Token{
		AccessToken:  "current",
		RefreshToken: "refresh",
		Scopes:       []string{"user:read:chat"},
	})
	oauth := &fakeOAuth{}
	m := newTestManager(t, store, oauth, noopOpener, 0)

	_, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
	require.NoError(t, err)

	// A 401 observed with an older token must not mark the current one.
	m.Invalidate("long-gone")

	tok, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
	require.NoError(t, err)
	assert.Equal(t, "current", tok.AccessToken)

	refresh, _ := oauth.counts()
	assert.Zero(t, refresh)
}

func TestEnsureToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	store := NewMemoryStore(&Token{
		AccessToken:  "stale",
		RefreshToken: "refresh1",
		Scopes:       []string{"user:read:chat"},
	})
	oauth := &fakeOAuth{
		refreshDelay: 50 * time.Millisecond,
		refreshFunc: func(string) (*Token, error) {
			return &Token{AccessToken: "fresh", RefreshToken: "refresh2", Scopes: []string{"user:read:chat"}}, nil
		},
	}
	m := newTestManager(t, store, oauth, noopOpener, 0)

	first, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
	require.NoError(t, err)
	m.Invalidate(first.AccessToken)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
			if err != nil || tok.AccessToken != "fresh" {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	refresh, _ := oauth.counts()
	assert.Equal(t, 1, refresh, "concurrent callers must share a single refresh")
}

func TestEnsureToken_NoStoredTokenRunsInteractiveFlow(t *testing.T) {
	port := freePort(t)
	store := NewMemoryStore(nil)
	oauth := &fakeOAuth{
		exchangeFunc: func(code string) (*Token, error) {
			assert.Equal(t, "grant123", code)
			return &Token{AccessToken: "issued", RefreshToken: "refresh", Scopes: []string{"user:read:chat"}}, nil
		},
	}
	m := newTestManager(t, store, oauth, redirectingOpener(t, port, "grant123"), port)

	tok, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
	require.NoError(t, err)
	assert.Equal(t, "issued", tok.AccessToken)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "issued", stored.AccessToken)
}

func TestEnsureToken_RevokedRefreshFallsBackToInteractive(t *testing.T) {
	port := freePort(t)
	store := NewMemoryStore(&Token{
		AccessToken:  "stale",
		RefreshToken: "revoked_refresh",
		Scopes:       []string{"user:read:chat"},
	})
	oauth := &fakeOAuth{
		refreshFunc: func(string) (*Token, error) {
			return nil, &TokenRefreshError{Revoked: true, Err: fmt.Errorf("invalid refresh token")}
		},
		exchangeFunc: func(code string) (*Token, error) {
			return &Token{AccessToken: "reissued", RefreshToken: "refresh2", Scopes: []string{"user:read:chat", "user:bot"}}, nil
		},
	}
	m := newTestManager(t, store, oauth, redirectingOpener(t, port, "grant456"), port)

	first, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
	require.NoError(t, err)
	m.Invalidate(first.AccessToken)

	tok, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
	require.NoError(t, err)
	assert.Equal(t, "reissued", tok.AccessToken)

	refresh, exchange := oauth.counts()
	assert.Equal(t, 1, refresh)
	assert.Equal(t, 1, exchange)
}

func TestEnsureToken_ScopeWideningRequestsUnion(t *testing.T) {
	port := freePort(t)
	store := NewMemoryStore(&Token{
		AccessToken:  "narrow",
		RefreshToken: "refresh",
		Scopes:       []string{"user:read:chat"},
	})
	var requestedScope string
	opener := func(rawURL string) error {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return err
		}
		requestedScope = parsed.Query().Get("scope")
		return redirectingOpener(t, port, "grant789")(rawURL)
	}
	oauth := &fakeOAuth{
		exchangeFunc: func(string) (*Token, error) {
			return &Token{AccessToken: "wide", RefreshToken: "refresh2", Scopes: []string{"moderator:read:followers", "user:read:chat"}}, nil
		},
	}
	m := newTestManager(t, store, oauth, opener, port)

	tok, err := m.EnsureToken(context.Background(), []string{"moderator:read:followers"})
	require.NoError(t, err)
	assert.Equal(t, "wide", tok.AccessToken)

	// The replacement grant covers the previous grant plus the new scopes.
	assert.Contains(t, requestedScope, "user:read:chat")
	assert.Contains(t, requestedScope, "moderator:read:followers")
}

func TestEnsureToken_InteractiveFlowTimesOut(t *testing.T) {
	port := freePort(t)
	store := NewMemoryStore(nil)
	m := NewManager(store, &fakeOAuth{}, noopOpener, clockwork.NewRealClock(), Options{
		ClientID:        "test_client",
		AuthorizeURL:    "https://example.invalid/authorize",
		RedirectURI:     fmt.Sprintf("http://localhost:%d", port),
		RedirectPort:    port,
		AuthFlowTimeout: 100 * time.Millisecond,
	})

	_, err := m.EnsureToken(context.Background(), []string{"user:read:chat"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestReauthorize_ForcesInteractiveWithUnion(t *testing.T) {
	port := freePort(t)
	store := NewMemoryStore(&Token{
		AccessToken:  "valid",
		RefreshToken: "refresh",
		Scopes:       []string{"user:read:chat"},
	})
	oauth := &fakeOAuth{
		exchangeFunc: func(string) (*Token, error) {
			return &Token{AccessToken: "replacement", RefreshToken: "refresh2", Scopes: []string{"user:read:chat", "channel:read:subscriptions"}}, nil
		},
	}
	m := newTestManager(t, store, oauth, redirectingOpener(t, port, "grant"), port)

	tok, err := m.Reauthorize(context.Background(), []string{"channel:read:subscriptions"})
	require.NoError(t, err)
	assert.Equal(t, "replacement", tok.AccessToken)

	_, exchange := oauth.counts()
	assert.Equal(t, 1, exchange)
}
