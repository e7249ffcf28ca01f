package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mellanfrost/twitch-bot/internal/bot"
	"github.com/Mellanfrost/twitch-bot/internal/config"
	"github.com/Mellanfrost/twitch-bot/internal/dispatch"
	"github.com/Mellanfrost/twitch-bot/internal/logging"
	"github.com/Mellanfrost/twitch-bot/internal/twitch"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func startMetricsServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		slog.Info("Metrics server starting", "port", port)
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			slog.Error("Metrics server error", "error", err)
		}
	}()
}

func registerHandlers(b *bot.Bot) error {
	err := b.OnChatMessage(func(ctx context.Context, n dispatch.Notification, send *twitch.Sender) error {
		chatter, _ := n.Payload["chatter_user_name"].(string)
		message, _ := n.Payload["message"].(map[string]any)
		text, _ := message["text"].(string)
		slog.Info("Chat message", "chatter", chatter, "text", text)

		if strings.TrimSpace(text) == "!ping" && send != nil {
			return send.Send(ctx, "pong")
		}
		return nil
	})
	if err != nil {
		return err
	}

	return b.OnFollow(func(ctx context.Context, n dispatch.Notification, send *twitch.Sender) error {
		follower, _ := n.Payload["user_name"].(string)
		if follower == "" || send == nil {
			return nil
		}
		return send.Send(ctx, fmt.Sprintf("Thanks for the follow, %s!", follower))
	})
}

func main() {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Bot starting", "bot", cfg.BotUsername, "broadcaster", cfg.BroadcasterUsername)

	if cfg.MetricsPort != "" {
		startMetricsServer(cfg.MetricsPort)
	}

	b, err := bot.New(cfg, clockwork.NewRealClock())
	if err != nil {
		slog.Error("Failed to create bot", "error", err)
		os.Exit(1)
	}

	if err := registerHandlers(b); err != nil {
		slog.Error("Failed to register handlers", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil {
		slog.Error("Bot exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Bot stopped")
}
