package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

// DefaultTTL applies when Create is called with a non-positive ttl.
const DefaultTTL = time.Hour

// ErrMissingID is returned when a session id is empty.
var ErrMissingID = errors.New("session: id is required")

// Registry stores TTL-bound session records. Sessions are never renewed;
// a long-lived connection must call Create again before the TTL runs out.
type Registry struct {
	kv  store.KV
	now func() time.Time
}

// NewRegistry creates a session registry backed by kv.
func NewRegistry(kv store.KV) *Registry {
	return &Registry{kv: kv, now: time.Now}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// Create stores or replaces the session record, expiring after ttl.
func (r *Registry) Create(ctx context.Context, sessionID, userID, conversationID string, ttl time.Duration) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrMissingID
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	sess := &models.Session{
		SessionID:      sessionID,
		UserID:         userID,
		ConversationID: conversationID,
		CreatedAt:      r.now().UTC(),
		TTL:            ttl,
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := r.kv.Set(ctx, sessionKey(sessionID), string(data), ttl); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session, or nil when it does not exist or has expired.
func (r *Registry) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	data, ok, err := r.kv.Get(ctx, sessionKey(sessionID))
	if err != nil || !ok {
		return nil, err
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Delete removes the session record.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return r.kv.Del(ctx, sessionKey(sessionID))
}
