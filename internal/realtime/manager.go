// Package realtime tracks live client connections on this process and
// turns protocol messages into queue and stream operations.
//
// The connection table is local to one process. Events reach connections
// because each connection polls the shared stream for its own channels
// (see Pump), so a connection on any instance sees every event published on
// a channel it subscribed to.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/metrics"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/observability"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/queue"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/ratelimit"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/security"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/session"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/stream"
)

const (
	DefaultActionQueue  = "agent-actions"
	DefaultPollInterval = 500 * time.Millisecond
	pollBatch           = 100
)

var (
	// ErrUnknownSession is returned for session ids with no local connection.
	ErrUnknownSession = errors.New("realtime: unknown session")

	// ErrTooManySessions is returned by Connect when the caller's tier allows
	// no more concurrent connections.
	ErrTooManySessions = errors.New("realtime: concurrent session limit reached")
)

// Config tunes a Manager.
type Config struct {
	SessionTTL   time.Duration
	PollInterval time.Duration
	ActionQueue  string
}

// Deps are the store-backed components a Manager drives.
type Deps struct {
	Sessions *session.Registry
	Presence *session.Presence
	Stream   *stream.Stream
	Queue    *queue.Queue
	Limiter  *ratelimit.Limiter
	Log      *observability.Logger
}

// ConnectionInfo is a snapshot of one local connection.
type ConnectionInfo struct {
	SessionID      string      `json:"sessionId"`
	UserID         string      `json:"userId"`
	ConversationID string      `json:"conversationId"`
	Tier           models.Tier `json:"tier"`
	Channels       []string    `json:"channels"`
	ConnectedAt    time.Time   `json:"connectedAt"`
}

type connection struct {
	sessionID      string
	userID         string
	conversationID string
	tier           models.Tier
	connectedAt    time.Time
	cursors        map[string]string // channel -> last delivered event id
}

func (c *connection) info() ConnectionInfo {
	channels := make([]string, 0, len(c.cursors))
	for ch := range c.cursors {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return ConnectionInfo{
		SessionID:      c.sessionID,
		UserID:         c.userID,
		ConversationID: c.conversationID,
		Tier:           c.tier,
		Channels:       channels,
		ConnectedAt:    c.connectedAt,
	}
}

// Manager owns the connection table for one server instance.
type Manager struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewManager creates a manager with an empty connection table.
func NewManager(deps Deps, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = session.DefaultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ActionQueue == "" {
		cfg.ActionQueue = DefaultActionQueue
	}
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		conns:  make(map[string]*connection),
	}
}

// Connect registers a connection for sessionID, creates its session record
// and marks the user online. The caller's tier, read from ctx, bounds how
// many connections the user may hold on this instance. Reconnecting an
// existing sessionID replaces its state.
func (m *Manager) Connect(ctx context.Context, sessionID, userID, conversationID string) (bool, error) {
	if sessionID == "" || userID == "" {
		return false, session.ErrMissingID
	}
	sc := security.FromContext(ctx)
	policy := ratelimit.PolicyFor(sc.Tier)
	conn := &connection{
		sessionID:      sessionID,
		userID:         userID,
		conversationID: conversationID,
		tier:           sc.Tier,
		connectedAt:    m.now().UTC(),
		cursors:        make(map[string]string),
	}

	// The slot is reserved under the same lock as the limit check so
	// parallel handshakes cannot all pass it.
	m.mu.Lock()
	active := 0
	for _, c := range m.conns {
		if c.userID == userID && c.sessionID != sessionID {
			active++
		}
	}
	if policy.ConcurrentSessions > 0 && active >= policy.ConcurrentSessions {
		m.mu.Unlock()
		m.logger.Warn().
			Str("type", "security").
			Str("event", "session_limit").
			Str("user", userID).
			Int("active", active).
			Msg("concurrent session limit reached")
		return false, ErrTooManySessions
	}
	prev, replaced := m.conns[sessionID]
	m.conns[sessionID] = conn
	m.mu.Unlock()
	if !replaced {
		metrics.ActiveConnections.Inc()
	}

	if _, err := m.deps.Sessions.Create(ctx, sessionID, userID, conversationID, m.cfg.SessionTTL); err != nil {
		m.release(conn, prev)
		return false, err
	}
	if err := m.deps.Presence.SetPresence(ctx, userID, models.PresenceOnline); err != nil {
		m.logger.Warn().Err(err).Str("user", userID).Msg("failed to set presence")
	}

	m.deps.Log.Info("connection registered", map[string]interface{}{
		"sessionId":      sessionID,
		"userId":         userID,
		"conversationId": conversationID,
	})
	return true, nil
}

// release undoes a reservation made by Connect, restoring prev when the
// session id was being replaced.
func (m *Manager) release(conn, prev *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[conn.sessionID] != conn {
		return
	}
	if prev != nil {
		m.conns[conn.sessionID] = prev
		return
	}
	delete(m.conns, conn.sessionID)
	metrics.ActiveConnections.Dec()
}

// Disconnect drops the local connection and its session record. In-flight
// work for the session is not drained. The user is marked offline when no
// other local connection remains.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	delete(m.conns, sessionID)
	stillConnected := false
	if ok {
		for _, c := range m.conns {
			if c.userID == conn.userID {
				stillConnected = true
				break
			}
		}
	}
	m.mu.Unlock()

	if ok {
		metrics.ActiveConnections.Dec()
	}

	err := m.deps.Sessions.Delete(ctx, sessionID)
	if ok && !stillConnected {
		if perr := m.deps.Presence.SetPresence(ctx, conn.userID, models.PresenceOffline); perr != nil && err == nil {
			err = perr
		}
	}

	if ok {
		m.deps.Log.Info("connection closed", map[string]interface{}{
			"sessionId": sessionID,
			"userId":    conn.userID,
		})
	}
	return err
}

func (m *Manager) lookup(sessionID string) (*connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[sessionID]
	return c, ok
}

// HandleMessage dispatches one inbound protocol message. It returns the
// reply to send, or nil when the message is dropped (unknown type or a
// missing required field). An unknown session always yields an error reply.
func (m *Manager) HandleMessage(ctx context.Context, sessionID string, msg models.ProtocolMessage) *models.ProtocolMessage {
	conn, ok := m.lookup(sessionID)
	if !ok {
		metrics.ProtocolMessages.WithLabelValues(string(msg.Type), "unknown_session").Inc()
		return m.errorReply("session not found")
	}

	var reply *models.ProtocolMessage
	switch msg.Type {
	case models.ProtocolSubscribe:
		reply = m.handleSubscribe(ctx, conn, msg)
	case models.ProtocolUnsubscribe:
		reply = m.handleUnsubscribe(conn, msg)
	case models.ProtocolPing:
		reply = m.handlePing(ctx, conn)
	case models.ProtocolAction:
		reply = m.handleAction(ctx, conn, msg)
	default:
		m.dropped(sessionID, msg, "unsupported message type")
		return nil
	}

	if reply == nil {
		return nil
	}
	outcome := "ok"
	if reply.Type == models.ProtocolError {
		outcome = "error"
	}
	metrics.ProtocolMessages.WithLabelValues(string(msg.Type), outcome).Inc()
	return reply
}

func (m *Manager) dropped(sessionID string, msg models.ProtocolMessage, reason string) {
	metrics.ProtocolMessages.WithLabelValues(string(msg.Type), "dropped").Inc()
	m.deps.Log.Warn("protocol message dropped", map[string]interface{}{
		"sessionId": sessionID,
		"type":      string(msg.Type),
		"reason":    reason,
	})
}

type subscribeOptions struct {
	From string `json:"from"`
}

func (m *Manager) handleSubscribe(ctx context.Context, conn *connection, msg models.ProtocolMessage) *models.ProtocolMessage {
	if msg.Channel == "" {
		m.dropped(conn.sessionID, msg, "missing channel")
		return nil
	}

	if !stream.CanRead(conn.userID, msg.Channel) {
		m.deps.Log.Warn("subscribe denied", map[string]interface{}{
			"sessionId": conn.sessionID,
			"userId":    conn.userID,
			"channel":   msg.Channel,
		})
		return m.errorReply("channel not permitted")
	}

	var opts subscribeOptions
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &opts)
	}
	if _, err := store.ParseStreamID(opts.From); err != nil {
		return m.errorReply("invalid from cursor")
	}
	cursor := opts.From
	if cursor == "" {
		latest, err := m.deps.Stream.Latest(ctx, msg.Channel)
		if err != nil {
			m.deps.Log.Error("subscribe failed", map[string]interface{}{
				"sessionId": conn.sessionID,
				"channel":   msg.Channel,
				"error":     err.Error(),
			})
			return m.errorReply("failed to subscribe")
		}
		cursor = latest
	}

	m.mu.Lock()
	conn.cursors[msg.Channel] = cursor
	m.mu.Unlock()

	return &models.ProtocolMessage{
		Type:    models.ProtocolSubscribe,
		Channel: msg.Channel,
		Status:  "subscribed",
	}
}

func (m *Manager) handleUnsubscribe(conn *connection, msg models.ProtocolMessage) *models.ProtocolMessage {
	if msg.Channel == "" {
		m.dropped(conn.sessionID, msg, "missing channel")
		return nil
	}

	m.mu.Lock()
	delete(conn.cursors, msg.Channel)
	m.mu.Unlock()

	return &models.ProtocolMessage{
		Type:    models.ProtocolUnsubscribe,
		Channel: msg.Channel,
		Status:  "unsubscribed",
	}
}

// handlePing replies with a timestamp and doubles as the presence heartbeat.
func (m *Manager) handlePing(ctx context.Context, conn *connection) *models.ProtocolMessage {
	if err := m.deps.Presence.SetPresence(ctx, conn.userID, models.PresenceOnline); err != nil {
		m.logger.Warn().Err(err).Str("user", conn.userID).Msg("presence heartbeat failed")
	}
	return &models.ProtocolMessage{
		Type:      models.ProtocolPing,
		Timestamp: m.now().UTC().Format(time.RFC3339Nano),
	}
}

type actionPayload struct {
	Priority models.Priority `json:"priority"`
}

// actionJob is the payload queued for workers.
type actionJob struct {
	SessionID      string          `json:"sessionId"`
	UserID         string          `json:"userId"`
	ConversationID string          `json:"conversationId"`
	StreamID       string          `json:"streamId"`
	Action         json.RawMessage `json:"action"`
}

func (m *Manager) handleAction(ctx context.Context, conn *connection, msg models.ProtocolMessage) *models.ProtocolMessage {
	if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
		m.dropped(conn.sessionID, msg, "missing payload")
		return nil
	}

	quota, err := m.deps.Limiter.CheckDaily(ctx, conn.userID, conn.tier)
	if err != nil {
		m.logger.Warn().Err(err).Str("user", conn.userID).Msg("daily quota check failed")
	} else if !quota.Allowed {
		metrics.RateLimitHits.WithLabelValues("ws:action").Inc()
		return m.errorReply("daily message limit reached")
	}

	now := m.now().UTC()
	channel := stream.ConversationChannel(conn.conversationID)
	streamID, err := m.deps.Stream.Publish(ctx, channel, models.AgentEvent{
		Type:           models.EventUserAction,
		ConversationID: conn.conversationID,
		UserID:         conn.userID,
		Action:         msg.Payload,
		Timestamp:      now.Format(time.RFC3339Nano),
	})
	if err != nil {
		m.deps.Log.Error("action publish failed", map[string]interface{}{
			"sessionId": conn.sessionID,
			"channel":   channel,
			"error":     err.Error(),
		})
		return m.errorReply("failed to publish action")
	}

	var opts actionPayload
	_ = json.Unmarshal(msg.Payload, &opts)
	if !opts.Priority.Valid() {
		opts.Priority = models.PriorityNormal
	}
	job, _ := json.Marshal(actionJob{
		SessionID:      conn.sessionID,
		UserID:         conn.userID,
		ConversationID: conn.conversationID,
		StreamID:       streamID,
		Action:         msg.Payload,
	})
	if _, err := m.deps.Queue.Enqueue(ctx, m.cfg.ActionQueue, &models.QueueMessage{
		Type:     models.MessageActionExecution,
		Payload:  job,
		Priority: opts.Priority,
	}); err != nil {
		m.deps.Log.Error("action enqueue failed", map[string]interface{}{
			"sessionId": conn.sessionID,
			"streamId":  streamID,
			"error":     err.Error(),
		})
	}

	return &models.ProtocolMessage{
		Type:     models.ProtocolAction,
		Status:   "received",
		StreamID: streamID,
	}
}

func (m *Manager) errorReply(message string) *models.ProtocolMessage {
	return &models.ProtocolMessage{
		Type:      models.ProtocolError,
		Error:     message,
		Timestamp: m.now().UTC().Format(time.RFC3339Nano),
	}
}

// BroadcastToChannel publishes event onto channel.
func (m *Manager) BroadcastToChannel(ctx context.Context, channel string, event interface{}) (string, error) {
	return m.deps.Stream.Publish(ctx, channel, event)
}

// BroadcastToUser publishes event onto the user's channel.
func (m *Manager) BroadcastToUser(ctx context.Context, userID string, event interface{}) (string, error) {
	return m.deps.Stream.Publish(ctx, stream.UserChannel(userID), event)
}

// BroadcastToConversation stamps event with the conversation and time and
// publishes it onto the conversation's channel.
func (m *Manager) BroadcastToConversation(ctx context.Context, conversationID string, event models.AgentEvent) (string, error) {
	event.ConversationID = conversationID
	if event.Timestamp == "" {
		event.Timestamp = m.now().UTC().Format(time.RFC3339Nano)
	}
	return m.deps.Stream.Publish(ctx, stream.ConversationChannel(conversationID), event)
}

// ActiveConnections lists every connection on this instance.
func (m *Manager) ActiveConnections() []ConnectionInfo {
	return m.filter(func(*connection) bool { return true })
}

// ConnectionsByConversation lists local connections for a conversation.
func (m *Manager) ConnectionsByConversation(conversationID string) []ConnectionInfo {
	return m.filter(func(c *connection) bool { return c.conversationID == conversationID })
}

// ConnectionsByUser lists local connections for a user.
func (m *Manager) ConnectionsByUser(userID string) []ConnectionInfo {
	return m.filter(func(c *connection) bool { return c.userID == userID })
}

func (m *Manager) filter(keep func(*connection) bool) []ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, c := range m.conns {
		if keep(c) {
			out = append(out, c.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Poll reads new events on every channel the session subscribes to and
// advances its cursors past them. A channel that fails to read does not
// hold back the others; its error is returned alongside their events.
func (m *Manager) Poll(ctx context.Context, sessionID string) ([]models.StreamEvent, error) {
	m.mu.RLock()
	conn, ok := m.conns[sessionID]
	var cursors map[string]string
	if ok {
		cursors = make(map[string]string, len(conn.cursors))
		for ch, cur := range conn.cursors {
			cursors[ch] = cur
		}
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	channels := make([]string, 0, len(cursors))
	for ch := range cursors {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	var (
		out  []models.StreamEvent
		errs []error
	)
	for _, ch := range channels {
		events, err := m.deps.Stream.Subscribe(ctx, ch, cursors[ch], pollBatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
			continue
		}
		if len(events) == 0 {
			continue
		}

		m.mu.Lock()
		// Skip the advance if the channel was dropped or re-subscribed
		// while reading.
		if cur, still := conn.cursors[ch]; still && cur == cursors[ch] {
			conn.cursors[ch] = events[len(events)-1].ID
			out = append(out, events...)
		}
		m.mu.Unlock()
	}
	return out, errors.Join(errs...)
}

// Pump polls the session's channels every poll interval and hands each new
// event to deliver. It returns when ctx is done, the session disconnects or
// deliver fails.
func (m *Manager) Pump(ctx context.Context, sessionID string, deliver func(models.StreamEvent) error) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		events, err := m.Poll(ctx, sessionID)
		if errors.Is(err, ErrUnknownSession) {
			return err
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("session", sessionID).Msg("stream poll failed")
		}
		for _, ev := range events {
			if err := deliver(ev); err != nil {
				return err
			}
			metrics.StreamDelivered.Inc()
		}
	}
}
