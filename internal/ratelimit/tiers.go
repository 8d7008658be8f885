package ratelimit

import (
	"context"
	"time"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
)

// Policy is the admission policy of a subscription tier. Zero
// MaxMessagesPerDay means unlimited.
type Policy struct {
	Requests           int
	Window             time.Duration
	ConcurrentSessions int
	MaxMessagesPerDay  int
}

var policies = map[models.Tier]Policy{
	models.TierFree: {
		Requests:           60,
		Window:             time.Minute,
		ConcurrentSessions: 2,
		MaxMessagesPerDay:  100,
	},
	models.TierPro: {
		Requests:           600,
		Window:             time.Minute,
		ConcurrentSessions: 10,
		MaxMessagesPerDay:  5000,
	},
	models.TierEnterprise: {
		Requests:           6000,
		Window:             time.Minute,
		ConcurrentSessions: 100,
	},
}

// PolicyFor returns the policy for tier. Unknown tiers get the free policy.
func PolicyFor(tier models.Tier) Policy {
	if p, ok := policies[tier]; ok {
		return p
	}
	return policies[models.TierFree]
}

// CheckDaily applies the tier's daily message quota to userID.
func (l *Limiter) CheckDaily(ctx context.Context, userID string, tier models.Tier) (Result, error) {
	p := PolicyFor(tier)
	if p.MaxMessagesPerDay <= 0 {
		return Result{Allowed: true, Limit: 0, Remaining: -1, ResetAt: l.now().Add(24 * time.Hour)}, nil
	}
	return l.Check(ctx, "daily:"+userID, p.MaxMessagesPerDay, 24*time.Hour)
}
