package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier is a subscription level that selects rate-limit and concurrency policy.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Principal represents a registered user or agent allowed to connect.
type Principal struct {
	ID         uuid.UUID `json:"id"`
	PublicKey  string    `json:"public_key"`
	Name       string    `json:"name,omitempty"`
	Tier       Tier      `json:"tier"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
