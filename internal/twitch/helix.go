package twitch

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/nicklaw5/helix/v2"
	"golang.org/x/time/rate"

	"github.com/Mellanfrost/twitch-bot/internal/auth"
)

// Helix allows ~800 request points per minute per user token; stay well
// inside that.
const (
	helixRequestsPerSecond = 10
	helixRequestBurst      = 20
)

// APIError carries the status code of a rejected Helix call so callers can
// classify scope, conflict, and rate-limit rejections.
type APIError struct {
	StatusCode int
	ErrorText  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api error: status %d %s: %s", e.StatusCode, e.ErrorText, e.Message)
}

// tokenProvider supplies a valid user token for API calls.
type tokenProvider interface {
	EnsureToken(ctx context.Context, required []string) (*auth.Token, error)
	Invalidate(accessToken string)
}

// HelixClient wraps the helix client for the API operations the bot needs.
// Every call fetches the current token through the credential manager; a 401
// invalidates the token and retries once with a refreshed one.
type HelixClient struct {
	mu      sync.Mutex
	client  *helix.Client
	tokens  tokenProvider
	limiter *rate.Limiter
}

// NewHelixClient creates a HelixClient. apiBaseURL overrides the Helix API
// base URL (configurable for testing); pass "" for the real API.
func NewHelixClient(clientID string, tokens tokenProvider, apiBaseURL string) (*HelixClient, error) {
	opts := &helix.Options{ClientID: clientID}
	if apiBaseURL != "" {
		opts.APIBaseURL = apiBaseURL
	}
	client, err := helix.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}

	return &HelixClient{
		client:  client,
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(helixRequestsPerSecond), helixRequestBurst),
	}, nil
}

// GetUserID resolves a login name to a user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	var userID string
	err := hc.withUserToken(ctx, nil, func() (int, string, string, error) {
		resp, err := hc.client.GetUsers(&helix.UsersParams{Logins: []string{login}})
		if err != nil {
			return 0, "", "", fmt.Errorf("failed to get user %s: %w", login, err)
		}
		if resp.StatusCode == http.StatusOK {
			if len(resp.Data.Users) == 0 {
				return 0, "", "", fmt.Errorf("no user found for login %s", login)
			}
			userID = resp.Data.Users[0].ID
		}
		return resp.StatusCode, resp.Error, resp.ErrorMessage, nil
	}, http.StatusOK)
	if err != nil {
		return "", err
	}
	return userID, nil
}

// CreateEventSubSubscription registers an EventSub subscription bound to the
// given websocket session. Returns the subscription ID and remote status.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, eventType, version string, condition helix.EventSubCondition, sessionID string, requiredScopes []string) (string, string, error) {
	var id, status string
	err := hc.withUserToken(ctx, requiredScopes, func() (int, string, string, error) {
		resp, err := hc.client.CreateEventSubSubscription(&helix.EventSubSubscription{
			Type:      eventType,
			Version:   version,
			Condition: condition,
			Transport: helix.EventSubTransport{
				Method:    "websocket",
				SessionID: sessionID,
			},
		})
		if err != nil {
			return 0, "", "", fmt.Errorf("failed to create eventsub subscription: %w", err)
		}
		if resp.StatusCode == http.StatusAccepted {
			if len(resp.Data.EventSubSubscriptions) == 0 {
				return 0, "", "", fmt.Errorf("no subscription returned")
			}
			id = resp.Data.EventSubSubscriptions[0].ID
			status = resp.Data.EventSubSubscriptions[0].Status
		}
		return resp.StatusCode, resp.Error, resp.ErrorMessage, nil
	}, http.StatusAccepted)
	if err != nil {
		return "", "", err
	}
	return id, status, nil
}

// SendChatMessage posts a chat message to the broadcaster's channel.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) error {
	return hc.withUserToken(ctx, []string{"user:write:chat"}, func() (int, string, string, error) {
		resp, err := hc.client.SendChatMessage(&helix.SendChatMessageParams{
			BroadcasterID: broadcasterID,
			SenderID:      senderID,
			Message:       message,
		})
		if err != nil {
			return 0, "", "", fmt.Errorf("failed to send chat message: %w", err)
		}
		return resp.StatusCode, resp.Error, resp.ErrorMessage, nil
	}, http.StatusOK)
}

// withUserToken runs a Helix call with the current user token set, retrying
// once with a refreshed token when the call comes back 401. The callback
// returns the response status so the expiry retry can be decided here;
// wantStatus is the success code for the call.
func (hc *HelixClient) withUserToken(ctx context.Context, requiredScopes []string, call func() (int, string, string, error), wantStatus int) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := hc.tokens.EnsureToken(ctx, requiredScopes)
		if err != nil {
			return fmt.Errorf("failed to ensure token: %w", err)
		}

		if err := hc.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait cancelled: %w", err)
		}

		hc.mu.Lock()
		hc.client.SetUserAccessToken(token.AccessToken)
		statusCode, errText, errMsg, err := call()
		hc.mu.Unlock()

		if err != nil {
			return err
		}
		if statusCode == wantStatus {
			return nil
		}
		if statusCode == http.StatusUnauthorized && attempt == 0 {
			// Lazily detected expiry: invalidate and retry once with a
			// refreshed token.
			hc.tokens.Invalidate(token.AccessToken)
			continue
		}
		return &APIError{StatusCode: statusCode, ErrorText: errText, Message: errMsg}
	}
	return &APIError{StatusCode: http.StatusUnauthorized, ErrorText: "Unauthorized", Message: "token rejected after refresh"}
}
