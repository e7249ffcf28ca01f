package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/Mellanfrost/twitch-bot/internal/auth"
	"github.com/Mellanfrost/twitch-bot/internal/config"
	"github.com/Mellanfrost/twitch-bot/internal/dispatch"
	"github.com/Mellanfrost/twitch-bot/internal/eventsub"
	"github.com/Mellanfrost/twitch-bot/internal/twitch"
)

// Handler receives a notification plus the bot's send-message capability.
type Handler func(ctx context.Context, n dispatch.Notification, send *twitch.Sender) error

// Bot composes the credential manager, session manager, subscription
// registrar, and dispatcher into a single run loop.
type Bot struct {
	cfg   *config.Config
	clock clockwork.Clock

	tokens     *auth.Manager
	helix      *twitch.HelixClient
	registrar  *twitch.Registrar
	dispatcher *dispatch.Dispatcher
	session    *eventsub.Manager

	mu          sync.Mutex
	eventTypes  []string // registration order
	definitions []twitch.Definition
	sender      *twitch.Sender
	running     bool
}

func New(cfg *config.Config, clock clockwork.Clock) (*Bot, error) {
	store := auth.NewEnvFileStore(cfg.EnvFile)
	oauth := auth.NewOAuthClient(cfg.ClientID, cfg.ClientSecret, cfg.OAuthTokenURL, cfg.OAuthValidateURL)
	tokens := auth.NewManager(store, oauth, auth.SystemOpener(cfg.BrowserPath), clock, auth.Options{
		ClientID:        cfg.ClientID,
		AuthorizeURL:    cfg.OAuthAuthorizeURL,
		RedirectURI:     cfg.RedirectURI(),
		RedirectPort:    cfg.RedirectPort,
		AuthFlowTimeout: cfg.AuthFlowTimeout,
	})

	helixClient, err := twitch.NewHelixClient(cfg.ClientID, tokens, cfg.HelixURL)
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:        cfg,
		clock:      clock,
		tokens:     tokens,
		helix:      helixClient,
		registrar:  twitch.NewRegistrar(helixClient, tokens, clock),
		dispatcher: dispatch.NewDispatcher(clock),
	}
	b.session = eventsub.NewManager(eventsub.Config{
		URL:                  cfg.EventSubURL,
		KeepaliveTimeout:     cfg.KeepaliveTimeout,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		ReconnectBackoff:     cfg.ReconnectBackoff,
	}, b.dispatcher, b.resubscribe, clock)

	return b, nil
}

// On appends a handler for the given event type. Handlers for one type run
// in registration order; event types must be registered before Run so their
// scopes enter the authorization request.
func (b *Bot) On(eventType string, h Handler) error {
	if _, ok := supportedEvents[eventType]; !ok {
		return fmt.Errorf("unsupported event type %q", eventType)
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("cannot register %s: bot already running", eventType)
	}
	known := false
	for _, t := range b.eventTypes {
		if t == eventType {
			known = true
			break
		}
	}
	if !known {
		b.eventTypes = append(b.eventTypes, eventType)
	}
	b.mu.Unlock()

	b.dispatcher.Register(eventType, func(ctx context.Context, n dispatch.Notification) error {
		return h(ctx, n, b.currentSender())
	})
	return nil
}

// OnChatMessage registers a handler for channel.chat.message.
func (b *Bot) OnChatMessage(h Handler) error { return b.On(EventChatMessage, h) }

// OnFollow registers a handler for channel.follow.
func (b *Bot) OnFollow(h Handler) error { return b.On(EventFollow, h) }

func (b *Bot) currentSender() *twitch.Sender {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sender
}

// RequiredScopes returns the union of the base scopes and the scopes of all
// registered event types. Grows as event types are registered; frozen once
// Run starts.
func (b *Bot) RequiredScopes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	scopes := append([]string(nil), baseScopes...)
	for _, t := range b.eventTypes {
		scopes = auth.UnionScopes(scopes, supportedEvents[t].scopes)
	}
	return scopes
}

// Run performs credential ensure, identity resolution, session connect,
// subscription of all registered event types, then the receive/dispatch
// loop until ctx is cancelled. Returns nil on clean stop and the fatal
// error when reconnect attempts are exhausted.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bot already running")
	}
	if len(b.eventTypes) == 0 {
		b.mu.Unlock()
		return fmt.Errorf("no event handlers registered: the session would be closed as idle")
	}
	b.running = true
	b.mu.Unlock()
	defer b.dispatcher.Stop()

	scopes := b.RequiredScopes()
	if _, err := b.tokens.EnsureToken(ctx, scopes); err != nil {
		return fmt.Errorf("credential ensure failed: %w", err)
	}

	botUserID, err := b.helix.GetUserID(ctx, b.cfg.BotUsername)
	if err != nil {
		return fmt.Errorf("failed to resolve bot user: %w", err)
	}
	broadcasterID := botUserID
	if b.cfg.BroadcasterUsername != b.cfg.BotUsername {
		broadcasterID, err = b.helix.GetUserID(ctx, b.cfg.BroadcasterUsername)
		if err != nil {
			return fmt.Errorf("failed to resolve broadcaster: %w", err)
		}
	}
	slog.Info("Identities resolved", "bot_user_id", botUserID, "broadcaster_user_id", broadcasterID)

	b.mu.Lock()
	b.sender = twitch.NewSender(b.helix, broadcasterID, botUserID)
	b.definitions = b.definitions[:0]
	for _, t := range b.eventTypes {
		spec := supportedEvents[t]
		b.definitions = append(b.definitions, twitch.Definition{
			Type:      t,
			Version:   spec.version,
			Condition: spec.condition(broadcasterID, botUserID),
			Scopes:    spec.scopes,
		})
	}
	b.mu.Unlock()

	b.tokens.StartProactiveRefresh(ctx)

	return b.session.Run(ctx)
}

// resubscribe recreates every registered subscription against a fresh
// session. Invoked by the session manager after each welcome, before any
// notification from that session is dispatched.
func (b *Bot) resubscribe(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defs := append([]twitch.Definition(nil), b.definitions...)
	b.mu.Unlock()

	for _, def := range defs {
		if _, err := b.registrar.Subscribe(ctx, def, sessionID); err != nil {
			return err
		}
	}
	return nil
}
