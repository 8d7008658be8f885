package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/crypto"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/metrics"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/ratelimit"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/security"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// Per-socket flood guard, applied before the shared tier limit.
	burstRate = 20
	burstSize = 40
)

// ConnectionAuthenticator resolves the caller of a WebSocket handshake.
type ConnectionAuthenticator interface {
	AuthenticateConnection(r *http.Request) (security.Context, error)
}

// ErrShuttingDown is returned when Shutdown is called more than once.
var ErrShuttingDown = errors.New("realtime: transport shutting down")

// Transport upgrades HTTP requests to WebSocket connections and runs them
// through a Manager. http.Server.Shutdown does not wait for hijacked
// connections, so the transport tracks them itself; see Shutdown.
type Transport struct {
	manager  *Manager
	auth     ConnectionAuthenticator
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	base     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// NewTransport creates a WebSocket transport.
func NewTransport(manager *Manager, auth ConnectionAuthenticator, limiter *ratelimit.Limiter, logger zerolog.Logger) *Transport {
	base, stop := context.WithCancel(context.Background())
	return &Transport{
		base:    base,
		stop:    stop,
		manager: manager,
		auth:    auth,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// wsConn serializes writes to one socket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// track registers a live handler. It reports false once Shutdown began.
func (t *Transport) track() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return false
	}
	t.sessions.Add(1)
	return true
}

// Shutdown closes every live connection and waits until each has
// disconnected from the manager, or until ctx is done.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return ErrShuttingDown
	}
	t.closing = true
	t.mu.Unlock()

	t.stop()
	done := make(chan struct{})
	go func() {
		t.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ServeHTTP authenticates, registers the connection and then reads protocol
// messages until the client goes away.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sc, err := t.auth.AuthenticateConnection(r)
	if err != nil || !sc.IsAuthenticated {
		metrics.BlockedRequests.WithLabelValues("ws_auth").Inc()
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conversationID := r.URL.Query().Get("conversation")
	if conversationID == "" {
		writeJSONError(w, http.StatusBadRequest, "conversation query parameter required")
		return
	}

	if !t.track() {
		writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	defer t.sessions.Done()

	sessionID := crypto.NewSessionID()
	ctx, cancel := context.WithCancel(security.WithContext(r.Context(), sc))
	defer cancel()
	stopAfter := context.AfterFunc(t.base, cancel)
	defer stopAfter()

	if _, err := t.manager.Connect(ctx, sessionID, sc.UserID, conversationID); err != nil {
		if errors.Is(err, ErrTooManySessions) {
			writeJSONError(w, http.StatusTooManyRequests, "too many concurrent sessions")
			return
		}
		t.logger.Error().Err(err).Str("user", sc.UserID).Msg("failed to register connection")
		writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	defer func() {
		if err := t.manager.Disconnect(context.Background(), sessionID); err != nil {
			t.logger.Warn().Err(err).Str("session", sessionID).Msg("disconnect cleanup failed")
		}
	}()

	raw, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	raw.SetReadLimit(maxMessageSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := conn.send(models.ProtocolMessage{
		Type:      models.ProtocolAuth,
		SessionID: sessionID,
		Status:    "connected",
	}); err != nil {
		return
	}

	go func() {
		<-ctx.Done()
		// Unblocks the read loop on shutdown.
		_ = raw.Close()
	}()
	go t.keepalive(ctx, raw)
	go func() {
		err := t.manager.Pump(ctx, sessionID, func(ev models.StreamEvent) error {
			return conn.send(models.ProtocolMessage{
				Type:    models.ProtocolEvent,
				Channel: ev.Channel,
				Event:   &ev,
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Debug().Err(err).Str("session", sessionID).Msg("event pump stopped")
		}
		// A dead writer should also end the read loop.
		_ = raw.Close()
	}()

	policy := ratelimit.PolicyFor(sc.Tier)
	burst := rate.NewLimiter(rate.Limit(burstRate), burstSize)
	for {
		var msg models.ProtocolMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug().Err(err).Str("session", sessionID).Msg("websocket read error")
			}
			return
		}

		if !burst.Allow() {
			metrics.RateLimitHits.WithLabelValues("ws:burst").Inc()
			if err := conn.send(t.manager.errorReply("rate limit exceeded")); err != nil {
				return
			}
			continue
		}

		res, err := t.limiter.Check(ctx, "ws:"+sc.UserID, policy.Requests, policy.Window)
		if err == nil && !res.Allowed {
			metrics.RateLimitHits.WithLabelValues("ws").Inc()
			if err := conn.send(t.manager.errorReply("rate limit exceeded")); err != nil {
				return
			}
			continue
		}

		reply := t.manager.HandleMessage(ctx, sessionID, msg)
		if reply == nil {
			continue
		}
		if err := conn.send(reply); err != nil {
			return
		}
	}
}

func (t *Transport) keepalive(ctx context.Context, raw *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
