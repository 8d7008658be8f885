package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

// DefaultPresenceTTL is how long an online/idle status lasts without being
// set again.
const DefaultPresenceTTL = 5 * time.Minute

// ErrInvalidStatus is returned for statuses other than online, idle and
// offline.
var ErrInvalidStatus = errors.New("presence: invalid status")

// Presence tracks per-user online/idle status. Records expire after a fixed
// TTL with no sliding refresh, so owners must heartbeat by calling
// SetPresence periodically or the user reads as offline.
type Presence struct {
	kv  store.KV
	ttl time.Duration
}

// NewPresence creates a presence tracker. A non-positive ttl selects
// DefaultPresenceTTL.
func NewPresence(kv store.KV, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Presence{kv: kv, ttl: ttl}
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetPresence records the user's status. Offline deletes the record.
func (p *Presence) SetPresence(ctx context.Context, userID string, status models.PresenceStatus) error {
	switch status {
	case models.PresenceOffline:
		return p.kv.Del(ctx, presenceKey(userID))
	case models.PresenceOnline, models.PresenceIdle:
		return p.kv.Set(ctx, presenceKey(userID), string(status), p.ttl)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
}

// GetPresence returns the user's status. ok is false when the user is
// offline.
func (p *Presence) GetPresence(ctx context.Context, userID string) (models.PresenceStatus, bool, error) {
	value, ok, err := p.kv.Get(ctx, presenceKey(userID))
	if err != nil || !ok {
		return "", false, err
	}
	return models.PresenceStatus(value), true, nil
}
