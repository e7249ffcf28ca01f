package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CLIENT_ID", "client123")
	t.Setenv("CLIENT_SECRET", "secret456")
	t.Setenv("BOT_USERNAME", "mybot")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "client123", cfg.ClientID)
	assert.Equal(t, ".env", cfg.EnvFile)
	assert.Equal(t, 3000, cfg.RedirectPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.KeepaliveTimeout)
	assert.Equal(t, 5*time.Minute, cfg.AuthFlowTimeout)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, "wss://eventsub.wss.twitch.tv/ws", cfg.EventSubURL)
	assert.Equal(t, "https://id.twitch.tv/oauth2/token", cfg.OAuthTokenURL)
}

func TestLoad_BroadcasterDefaultsToBot(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mybot", cfg.BroadcasterUsername)
}

func TestLoad_ExplicitBroadcaster(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BROADCASTER_USERNAME", "streamer")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "streamer", cfg.BroadcasterUsername)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("CLIENT_ID", "client123")
	t.Setenv("CLIENT_SECRET", "")
	t.Setenv("BOT_USERNAME", "mybot")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLIENT_SECRET is required")
}

func TestLoad_InvalidPort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIRECT_PORT", "99999")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIRECT_PORT")
}

func TestLoad_InvalidReconnectAttempts(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECONNECT_MAX_ATTEMPTS")
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KEEPALIVE_TIMEOUT", "45s")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("HELIX_URL", "http://localhost:8080")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.KeepaliveTimeout)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "http://localhost:8080", cfg.HelixURL)
}

func TestRedirectURI(t *testing.T) {
	cfg := &Config{RedirectPort: 3000}
	assert.Equal(t, "http://localhost:3000", cfg.RedirectURI())
}
