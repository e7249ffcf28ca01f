package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Mellanfrost/twitch-bot/internal/logging"
	"github.com/Mellanfrost/twitch-bot/internal/metrics"
	"github.com/Mellanfrost/twitch-bot/internal/retry"
)

const (
	// Grace added on top of the keepalive interval the server advertises.
	keepaliveGrace = 5 * time.Second
	// How many recently dispatched message IDs to remember across reconnects.
	seenCapacity = 512
)

// Dispatcher receives decoded notifications. Dispatch must not block the
// read loop.
type Dispatcher interface {
	Dispatch(eventType string, payload map[string]any)
}

// Config holds the session manager's connection parameters.
type Config struct {
	URL                  string
	KeepaliveTimeout     time.Duration
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
}

// Manager owns the persistent duplex connection to the EventSub service:
// handshake, keepalive timeout detection, remote-initiated migration, and
// reconnect-with-resubscribe. Exactly one session is active at a time.
type Manager struct {
	cfg        Config
	dispatcher Dispatcher
	clock      clockwork.Clock

	// onWelcome is invoked after every handshake with the new session ID,
	// before any notification from that session is dispatched. The bot wires
	// it to re-register every subscription.
	onWelcome func(ctx context.Context, sessionID string) error

	mu               sync.Mutex
	state            State
	session          *Session
	conn             *websocket.Conn
	keepaliveTimeout time.Duration
	closed           bool

	seen *seenSet
}

func NewManager(cfg Config, dispatcher Dispatcher, onWelcome func(ctx context.Context, sessionID string) error, clock clockwork.Clock) *Manager {
	return &Manager{
		cfg:              cfg,
		dispatcher:       dispatcher,
		clock:            clock,
		onWelcome:        onWelcome,
		state:            StateDisconnected,
		keepaliveTimeout: cfg.KeepaliveTimeout,
		seen:             newSeenSet(seenCapacity),
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentSession returns a snapshot of the active session, or nil.
func (m *Manager) CurrentSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	snapshot := *m.session
	return &snapshot
}

// Run connects and processes inbound frames until ctx is cancelled or
// reconnect attempts are exhausted. Returns nil on clean shutdown and the
// fatal error otherwise.
func (m *Manager) Run(ctx context.Context) error {
	// Closing the connection is what unblocks a pending read on cancel.
	stop := context.AfterFunc(ctx, func() { m.Close() })
	defer stop()

	if err := m.connect(ctx, m.cfg.URL); err != nil {
		m.teardown()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("session connect failed: %w", err)
	}

	for {
		reason := m.receive(ctx)
		if ctx.Err() != nil || m.isClosed() {
			m.teardown()
			slog.Info("Session closed")
			return nil
		}

		metrics.SessionReconnectsTotal.WithLabelValues(reason).Inc()
		slog.Warn("Session connection lost, reconnecting", "reason", reason)
		m.setState(StateReconnecting)

		if err := m.connect(ctx, m.cfg.URL); err != nil {
			m.teardown()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session reconnect failed: %w", err)
		}
	}
}

// Close shuts the session down. No further dispatch occurs afterward.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	metrics.SessionState.Set(float64(s))
}

func (m *Manager) teardown() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.session = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.setState(StateClosed)
}

// connect dials with bounded exponential backoff. Exhausting the attempts is
// a fatal error surfaced to Run's caller.
func (m *Manager) connect(ctx context.Context, url string) error {
	if m.State() != StateReconnecting {
		m.setState(StateConnecting)
	}

	policy := retry.Policy{
		MaxAttempts:    m.cfg.MaxReconnectAttempts,
		InitialBackoff: m.cfg.ReconnectBackoff,
		Clock:          m.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Session connect attempt failed", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	return retry.DoVoid(ctx, policy, func(error) retry.Action { return retry.Retry }, func() error {
		return m.connectOnce(ctx, url)
	})
}

// connectOnce dials url, waits for the welcome frame, swaps the new
// connection in (closing any previous one only after the new session is
// active), and re-registers subscriptions against the new session ID.
func (m *Manager) connectOnce(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	session, keepalive, err := m.awaitWelcome(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("session manager closed during handshake")
	}
	old := m.conn
	m.conn = conn
	m.session = session
	m.keepaliveTimeout = keepalive
	m.mu.Unlock()

	// Old connection (remote migration) is closed only now, after the
	// replacement is live.
	if old != nil {
		_ = old.Close()
	}

	m.setState(StateActive)
	logging.WithSession(session.ID).Info("Session active", "keepalive_timeout", keepalive)

	// Subscriptions are bound to the session identity and must be recreated
	// before any notification from this session is handled.
	if m.onWelcome != nil {
		if err := m.onWelcome(ctx, session.ID); err != nil {
			return fmt.Errorf("resubscribe after welcome: %w", err)
		}
	}
	return nil
}

func (m *Manager) awaitWelcome(conn *websocket.Conn) (*Session, time.Duration, error) {
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, 0, fmt.Errorf("read welcome: %w", err)
	}

	f, err := decodeFrame(data)
	if err != nil {
		return nil, 0, err
	}
	if f.Metadata.MessageType != messageTypeWelcome {
		return nil, 0, fmt.Errorf("expected %s, got %s", messageTypeWelcome, f.Metadata.MessageType)
	}
	metrics.SessionFramesTotal.WithLabelValues(f.Metadata.MessageType).Inc()

	payload, err := decodeSessionPayload(f.Payload)
	if err != nil {
		return nil, 0, err
	}
	if payload.Session.ID == "" {
		return nil, 0, fmt.Errorf("welcome carries no session id")
	}

	keepalive := m.cfg.KeepaliveTimeout
	if secs := payload.Session.KeepaliveTimeoutSeconds; secs > 0 {
		keepalive = time.Duration(secs)*time.Second + keepaliveGrace
	}

	now := m.clock.Now()
	return &Session{ID: payload.Session.ID, ConnectedAt: now, LastKeepalive: now}, keepalive, nil
}

// receive reads frames until the connection dies, returning the reason used
// for reconnect metrics. The keepalive watchdog is the read deadline: any
// frame resets it, and a silent window longer than the timeout kills the
// connection.
func (m *Manager) receive(ctx context.Context) string {
	for {
		m.mu.Lock()
		conn := m.conn
		timeout := m.keepaliveTimeout
		m.mu.Unlock()
		if conn == nil {
			return "closed"
		}

		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || m.isClosed() {
				return "closed"
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return "keepalive_timeout"
			}
			return "read_error"
		}

		f, err := decodeFrame(data)
		if err != nil {
			slog.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		metrics.SessionFramesTotal.WithLabelValues(f.Metadata.MessageType).Inc()

		switch f.Metadata.MessageType {
		case messageTypeKeepalive:
			m.touchKeepalive()

		case messageTypeNotification:
			m.touchKeepalive()
			m.handleNotification(f)

		case messageTypeReconnect:
			m.touchKeepalive()
			if reason, dead := m.handleReconnectRequest(ctx, f); dead {
				return reason
			}

		default:
			slog.Debug("Unhandled frame", "message_type", f.Metadata.MessageType)
		}
	}
}

func (m *Manager) touchKeepalive() {
	m.mu.Lock()
	if m.session != nil {
		m.session.LastKeepalive = m.clock.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) handleNotification(f *frame) {
	m.mu.Lock()
	duplicate := m.seen.remember(f.Metadata.MessageID)
	m.mu.Unlock()
	if duplicate {
		// Re-delivered across a migration; already dispatched once.
		slog.Debug("Skipping duplicate notification", "message_id", f.Metadata.MessageID)
		return
	}

	payload, err := decodeNotificationPayload(f.Payload)
	if err != nil {
		slog.Warn("Dropping undecodable notification", "message_id", f.Metadata.MessageID, "error", err)
		return
	}

	eventType := payload.Subscription.Type
	if eventType == "" {
		eventType = f.Metadata.SubscriptionType
	}
	m.dispatcher.Dispatch(eventType, payload.Event)
}

// handleReconnectRequest migrates to the connection target the server
// advertised. The old connection stays open until the new one is active, so
// there is no window with no live connection. A failed migration reports the
// connection as dead and falls back to the normal reconnect path.
func (m *Manager) handleReconnectRequest(ctx context.Context, f *frame) (string, bool) {
	payload, err := decodeSessionPayload(f.Payload)
	if err != nil || payload.Session.ReconnectURL == "" {
		slog.Warn("Reconnect request without usable target, treating connection as lost", "error", err)
		return "remote_request", true
	}

	slog.Info("Remote reconnect requested, migrating", "target", payload.Session.ReconnectURL)
	if err := m.connectOnce(ctx, payload.Session.ReconnectURL); err != nil {
		if ctx.Err() != nil || m.isClosed() {
			return "closed", true
		}
		slog.Warn("Migration failed, falling back to reconnect", "error", err)
		return "remote_request", true
	}

	metrics.SessionReconnectsTotal.WithLabelValues("remote_request").Inc()
	return "", false
}
