package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/Mellanfrost/twitch-bot/internal/metrics"
)

const (
	// Refresh when less than a minute of advertised lifetime remains.
	refreshMargin = 60 * time.Second
	// Poll cadence when the service did not advertise a token lifetime.
	refreshPollInterval = time.Minute

	tokenOpKey = "token"
)

// oauthAPI is the subset of OAuthClient used by the Manager.
type oauthAPI interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	Validate(ctx context.Context, accessToken string) (bool, error)
}

// Options configures the interactive authorization flow.
type Options struct {
	ClientID        string
	AuthorizeURL    string
	RedirectURI     string
	RedirectPort    int
	AuthFlowTimeout time.Duration
}

// Manager owns the token lifecycle: it validates, refreshes, or interactively
// re-issues tokens so a token covering the required scopes is always
// available to callers. All token operations funnel through a single-flight
// group, so concurrent callers share one in-flight refresh or authorization
// instead of firing duplicates.
type Manager struct {
	store  Store
	oauth  oauthAPI
	opener Opener
	clock  clockwork.Clock
	opts   Options

	group singleflight.Group

	mu      sync.Mutex
	current *Token
	invalid bool
	loaded  bool
}

func NewManager(store Store, oauth oauthAPI, opener Opener, clock clockwork.Clock, opts Options) *Manager {
	return &Manager{
		store:  store,
		oauth:  oauth,
		opener: opener,
		clock:  clock,
		opts:   opts,
	}
}

// Current returns the token currently held, without triggering any token
// operation. May be nil before the first EnsureToken call.
func (m *Manager) Current() *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// EnsureToken returns a token sufficient for the required scopes, refreshing
// or interactively re-authorizing as needed. Every success path persists the
// token to the store before returning it.
func (m *Manager) EnsureToken(ctx context.Context, required []string) (*Token, error) {
	// The loop covers the case where a waiter shared an in-flight operation
	// that was started for a narrower scope set: re-check and go again.
	for attempt := 0; attempt < 3; attempt++ {
		if tok := m.usableToken(required); tok != nil {
			return tok, nil
		}

		v, err, _ := m.group.Do(tokenOpKey, func() (any, error) {
			return m.obtain(ctx, required)
		})
		if err != nil {
			return nil, err
		}

		tok := v.(*Token)
		if tok.Sufficient(required) && !m.isInvalid(tok) {
			return tok, nil
		}
	}
	return nil, errors.New("unable to obtain a token covering the required scopes")
}

// Invalidate marks the given access token as expired, typically after a
// protected call failed with a 401. The next EnsureToken goes through the
// refresh path. A token that has already been replaced is ignored, so a
// stale 401 cannot invalidate a fresher token.
func (m *Manager) Invalidate(accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.AccessToken == accessToken {
		m.invalid = true
	}
}

// Reauthorize forces an interactive re-authorization for a token covering
// the current grant plus the extra scopes. Used when the service rejects a
// call for insufficient scope even though the stored grant looked
// sufficient, meaning the stored scope record is out of sync with the
// actual grant.
func (m *Manager) Reauthorize(ctx context.Context, extra []string) (*Token, error) {
	v, err, _ := m.group.Do(tokenOpKey, func() (any, error) {
		if err := m.loadOnce(); err != nil {
			return nil, err
		}
		m.mu.Lock()
		tok := m.current
		m.mu.Unlock()

		scopes := extra
		if tok != nil {
			scopes = UnionScopes(tok.Scopes, extra)
		}
		return m.authorize(ctx, scopes)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

func (m *Manager) usableToken(required []string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded || m.current == nil || m.invalid {
		return nil
	}
	if !m.current.Sufficient(required) || m.expiringSoon(m.current) {
		return nil
	}
	return m.current
}

func (m *Manager) isInvalid(tok *Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalid && m.current != nil && m.current.AccessToken == tok.AccessToken
}

func (m *Manager) expiringSoon(tok *Token) bool {
	if tok.ExpiresAt.IsZero() {
		return false
	}
	return !m.clock.Now().Add(refreshMargin).Before(tok.ExpiresAt)
}

// obtain runs inside the single-flight group: at most one token operation is
// in flight at any time.
func (m *Manager) obtain(ctx context.Context, required []string) (*Token, error) {
	if err := m.loadOnce(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	tok := m.current
	invalid := m.invalid
	m.mu.Unlock()

	switch {
	case tok == nil:
		return m.authorize(ctx, required)

	case !tok.Sufficient(required):
		// The service issues a replacement token scoped to the union of the
		// previous grant and the new requirement, not a merge.
		return m.authorize(ctx, UnionScopes(tok.Scopes, required))

	case invalid || m.expiringSoon(tok):
		start := m.clock.Now()
		fresh, err := m.oauth.Refresh(ctx, tok.RefreshToken)
		if err != nil {
			var refreshErr *TokenRefreshError
			if errors.As(err, &refreshErr) && refreshErr.Revoked {
				metrics.TokenOperationsTotal.WithLabelValues("refresh", "revoked").Inc()
				slog.Warn("Refresh token revoked, starting interactive authorization")
				return m.authorize(ctx, UnionScopes(tok.Scopes, required))
			}
			metrics.TokenOperationsTotal.WithLabelValues("refresh", "error").Inc()
			return nil, err
		}
		metrics.TokenOperationsTotal.WithLabelValues("refresh", "success").Inc()
		metrics.TokenRefreshDuration.Observe(m.clock.Since(start).Seconds())
		if len(fresh.Scopes) == 0 {
			// Refresh responses carry the original grant forward.
			fresh.Scopes = tok.Scopes
		}
		slog.Info("Access token refreshed", "scopes", JoinScopes(fresh.Scopes))
		return m.adopt(fresh)

	default:
		return tok, nil
	}
}

func (m *Manager) loadOnce() error {
	m.mu.Lock()
	if m.loaded {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	stored, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load stored token: %w", err)
	}

	m.mu.Lock()
	if !m.loaded {
		m.current = stored
		m.loaded = true
	}
	m.mu.Unlock()
	return nil
}

// authorize runs the interactive flow: open the authorization URL for the
// user, capture the redirect on the local one-shot listener, and exchange
// the code for a token. Bounded by AuthFlowTimeout so it fails instead of
// hanging forever when the redirect never arrives.
func (m *Manager) authorize(ctx context.Context, scopes []string) (*Token, error) {
	state := uuid.NewString()
	authURL := BuildAuthorizeURL(m.opts.AuthorizeURL, m.opts.ClientID, m.opts.RedirectURI, scopes, state)

	authCtx, cancel := context.WithTimeout(ctx, m.opts.AuthFlowTimeout)
	defer cancel()

	slog.Info("Starting interactive authorization", "scopes", JoinScopes(scopes), "port", m.opts.RedirectPort)
	if err := m.opener(authURL); err != nil {
		metrics.TokenOperationsTotal.WithLabelValues("authorize", "error").Inc()
		return nil, fmt.Errorf("failed to open authorization URL: %w", err)
	}

	code, err := AwaitAuthorizationCode(authCtx, m.opts.RedirectPort, state)
	if err != nil {
		metrics.TokenOperationsTotal.WithLabelValues("authorize", "error").Inc()
		return nil, err
	}

	token, err := m.oauth.ExchangeCode(authCtx, code, m.opts.RedirectURI)
	if err != nil {
		metrics.TokenOperationsTotal.WithLabelValues("exchange", "error").Inc()
		return nil, err
	}
	if len(token.Scopes) == 0 {
		token.Scopes = scopes
	}

	metrics.TokenOperationsTotal.WithLabelValues("authorize", "success").Inc()
	slog.Info("Interactive authorization complete", "scopes", JoinScopes(token.Scopes))
	return m.adopt(token)
}

// adopt persists the token and makes it the current one.
func (m *Manager) adopt(tok *Token) (*Token, error) {
	if err := m.store.Save(tok); err != nil {
		return nil, fmt.Errorf("failed to persist token: %w", err)
	}
	m.mu.Lock()
	m.current = tok
	m.invalid = false
	m.mu.Unlock()
	return tok, nil
}

// StartProactiveRefresh refreshes the access token shortly before its
// advertised expiry so an expired token is never handed to the session
// mid-stream. Runs until ctx is cancelled.
func (m *Manager) StartProactiveRefresh(ctx context.Context) {
	go m.refreshLoop(ctx)
}

func (m *Manager) refreshLoop(ctx context.Context) {
	for {
		timer := m.clock.NewTimer(m.nextRefreshIn())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}

		m.mu.Lock()
		tok := m.current
		m.mu.Unlock()
		if tok == nil || !m.expiringSoon(tok) {
			continue
		}

		// Shares the single-flight group with on-demand refreshes.
		if _, err := m.EnsureToken(ctx, tok.Scopes); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Proactive token refresh failed", "error", err)
		}
	}
}

func (m *Manager) nextRefreshIn() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.ExpiresAt.IsZero() {
		return refreshPollInterval
	}
	wait := m.current.ExpiresAt.Sub(m.clock.Now()) - refreshMargin
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}
