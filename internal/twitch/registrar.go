package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nicklaw5/helix/v2"

	"github.com/Mellanfrost/twitch-bot/internal/auth"
	"github.com/Mellanfrost/twitch-bot/internal/metrics"
	"github.com/Mellanfrost/twitch-bot/internal/retry"
)

// Definition describes one subscribable event type: its remote type string,
// payload version, condition, and the scopes the user token must carry.
type Definition struct {
	Type      string
	Version   string
	Condition helix.EventSubCondition
	Scopes    []string
}

type Status string

const (
	StatusPending Status = "pending"
	StatusEnabled Status = "enabled"
	StatusFailed  Status = "failed"
)

// Subscription is one registered event type bound to a session. Subscriptions
// are recreated, not reused, whenever the session is replaced.
type Subscription struct {
	Type      string
	SessionID string
	ID        string
	Status    Status
}

// subscriptionAPI is the subset of HelixClient used by the Registrar.
type subscriptionAPI interface {
	CreateEventSubSubscription(ctx context.Context, eventType, version string, condition helix.EventSubCondition, sessionID string, requiredScopes []string) (string, string, error)
}

// reauthorizer broadens the token grant after a scope-insufficient rejection.
type reauthorizer interface {
	Reauthorize(ctx context.Context, extra []string) (*auth.Token, error)
}

// Registrar ensures a remote subscription exists for each registered event
// type, bound to the current session.
type Registrar struct {
	client subscriptionAPI
	tokens reauthorizer
	clock  clockwork.Clock
	policy retry.Policy

	mu     sync.Mutex
	active map[string]*Subscription // keyed by event type
}

func NewRegistrar(client subscriptionAPI, tokens reauthorizer, clock clockwork.Clock) *Registrar {
	return &Registrar{
		client: client,
		tokens: tokens,
		clock:  clock,
		policy: retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   time.Second,
			RateLimitBackoff: 5 * time.Second,
			Clock:            clock,
		},
		active: make(map[string]*Subscription),
	}
}

// Subscribe registers def against sessionID. Idempotent per (type, session):
// calling again after success returns the existing subscription. Rate-limit
// rejections are retried with backoff; a scope-insufficient rejection
// triggers one re-authorization with the augmented scope set and a single
// retry; other rejections mark the subscription FAILED and are surfaced.
func (r *Registrar) Subscribe(ctx context.Context, def Definition, sessionID string) (*Subscription, error) {
	r.mu.Lock()
	if existing, ok := r.active[def.Type]; ok && existing.SessionID == sessionID && existing.Status == StatusEnabled {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	sub, err := r.create(ctx, def, sessionID)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
			slog.Warn("Subscription rejected for insufficient scope, re-authorizing",
				"event_type", def.Type, "scopes", auth.JoinScopes(def.Scopes))
			if _, authErr := r.tokens.Reauthorize(ctx, def.Scopes); authErr != nil {
				return r.fail(def.Type, sessionID, fmt.Errorf("re-authorization failed: %w", authErr))
			}
			sub, err = r.create(ctx, def, sessionID)
		}
	}
	if err != nil {
		return r.fail(def.Type, sessionID, err)
	}

	r.mu.Lock()
	r.active[def.Type] = sub
	r.mu.Unlock()

	metrics.SubscriptionsTotal.WithLabelValues(def.Type, string(sub.Status)).Inc()
	slog.Info("Subscription registered", "event_type", def.Type, "session_id", sessionID, "subscription_id", sub.ID, "status", sub.Status)
	return sub, nil
}

func (r *Registrar) create(ctx context.Context, def Definition, sessionID string) (*Subscription, error) {
	policy := r.policy
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Retrying subscription registration", "event_type", def.Type, "attempt", attempt, "backoff", backoff, "error", err)
	}

	type created struct{ id, status string }
	res, err := retry.Do(ctx, policy, classifySubscribeError, func() (created, error) {
		id, status, err := r.client.CreateEventSubSubscription(ctx, def.Type, def.Version, def.Condition, sessionID, def.Scopes)
		return created{id: id, status: status}, err
	})
	if err != nil {
		var permanent *retry.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		return nil, err
	}

	status := StatusPending
	if res.status == "enabled" {
		status = StatusEnabled
	}
	return &Subscription{Type: def.Type, SessionID: sessionID, ID: res.id, Status: status}, nil
}

func (r *Registrar) fail(eventType, sessionID string, err error) (*Subscription, error) {
	sub := &Subscription{Type: eventType, SessionID: sessionID, Status: StatusFailed}
	r.mu.Lock()
	r.active[eventType] = sub
	r.mu.Unlock()
	metrics.SubscriptionsTotal.WithLabelValues(eventType, string(StatusFailed)).Inc()
	return sub, fmt.Errorf("subscription for %s failed: %w", eventType, err)
}

// Active returns a snapshot of the registrar's subscriptions.
func (r *Registrar) Active() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.active))
	for _, sub := range r.active {
		out = append(out, *sub)
	}
	return out
}

func classifySubscribeError(err error) retry.Action {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return retry.After
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return retry.Retry
		default:
			// Invalid event type, duplicate, scope: not retried here.
			return retry.Stop
		}
	}
	// Transport errors are transient.
	return retry.Retry
}
