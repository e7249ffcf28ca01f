package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	AccessToken  string `env:"ACCESS_TOKEN"`
	RefreshToken string `env:"REFRESH_TOKEN"`
	TokenScopes  string `env:"TOKEN_SCOPES"`

	BotUsername         string `env:"BOT_USERNAME"`
	BroadcasterUsername string `env:"BROADCASTER_USERNAME"`

	EnvFile      string `env:"ENV_FILE" default:".env"`
	RedirectPort int    `env:"REDIRECT_PORT" default:"3000"`
	BrowserPath  string `env:"BROWSER_PATH"`
	MetricsPort  string `env:"METRICS_PORT"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	KeepaliveTimeout     time.Duration `env:"KEEPALIVE_TIMEOUT" default:"30s"`
	HandshakeTimeout     time.Duration `env:"HANDSHAKE_TIMEOUT" default:"10s"`
	AuthFlowTimeout      time.Duration `env:"AUTH_FLOW_TIMEOUT" default:"5m"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff     time.Duration `env:"RECONNECT_BACKOFF" default:"1s"`

	// Endpoint overrides (configurable for testing)
	EventSubURL       string `env:"EVENTSUB_URL" default:"wss://eventsub.wss.twitch.tv/ws"`
	HelixURL          string `env:"HELIX_URL"`
	OAuthAuthorizeURL string `env:"OAUTH_AUTHORIZE_URL" default:"https://id.twitch.tv/oauth2/authorize"`
	OAuthTokenURL     string `env:"OAUTH_TOKEN_URL" default:"https://id.twitch.tv/oauth2/token"`
	OAuthValidateURL  string `env:"OAUTH_VALIDATE_URL" default:"https://id.twitch.tv/oauth2/validate"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// A bot that only listens to its own channel can omit BROADCASTER_USERNAME.
	if cfg.BroadcasterUsername == "" {
		cfg.BroadcasterUsername = cfg.BotUsername
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"CLIENT_ID":     cfg.ClientID,
		"CLIENT_SECRET": cfg.ClientSecret,
		"BOT_USERNAME":  cfg.BotUsername,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.RedirectPort <= 0 || cfg.RedirectPort > 65535 {
		return fmt.Errorf("REDIRECT_PORT must be a valid port, got %d", cfg.RedirectPort)
	}
	if cfg.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1, got %d", cfg.ReconnectMaxAttempts)
	}

	return nil
}

// RedirectURI returns the local OAuth redirect target embedded in the
// authorization URL and registered with the Twitch application.
func (c *Config) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d", c.RedirectPort)
}
