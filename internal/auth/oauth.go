package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const httpCallTimeout = 10 * time.Second

type TokenRefreshError struct {
	Revoked bool
	Err     error
}

func (e *TokenRefreshError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("token revoked: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}

// OAuthClient talks to the Twitch OAuth endpoints: authorization-code
// exchange, refresh-token exchange, and token validation.
type OAuthClient struct {
	clientID     string
	clientSecret string
	tokenURL     string // OAuth token endpoint URL (configurable for testing)
	validateURL  string
	httpClient   *http.Client
}

func NewOAuthClient(clientID, clientSecret, tokenURL, validateURL string) *OAuthClient {
	return &OAuthClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		validateURL:  validateURL,
		httpClient:   &http.Client{Timeout: httpCallTimeout},
	}
}

// ExchangeCode trades an authorization code for a fresh token.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("code", code)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", redirectURI)

	token, err := c.tokenRequest(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	return token, nil
}

// Refresh trades a refresh token for a fresh token. A 400/401 response means
// the refresh token is revoked or invalid and is reported via
// TokenRefreshError.Revoked so the caller can fall back to interactive
// authorization.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	return c.tokenRequest(ctx, data)
}

func (c *OAuthClient) tokenRequest(ctx context.Context, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &TokenRefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TokenRefreshError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TokenRefreshError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		// Token may be revoked
		revoked := resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized
		return nil, &TokenRefreshError{
			Revoked: revoked,
			Err:     fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var result struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		Scope        []string `json:"scope"`
		ExpiresIn    int      `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &TokenRefreshError{Err: err}
	}
	if result.AccessToken == "" {
		return nil, &TokenRefreshError{Err: fmt.Errorf("token endpoint returned no access token")}
	}

	token := &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Scopes:       result.Scope,
	}
	if result.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	return token, nil
}

// Validate checks an access token against the validation endpoint.
func (c *OAuthClient) Validate(ctx context.Context, accessToken string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.validateURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to execute validate request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		return false, nil
	default:
		return false, fmt.Errorf("validate endpoint returned status %d", resp.StatusCode)
	}
}
