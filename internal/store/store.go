package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
)

// DataStore defines the interface for the principal directory: who may
// connect and which subscription tier applies to them.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Principal operations
	CreatePrincipal(ctx context.Context, publicKey, name string, tier models.Tier, apiKeyHash string) (*models.Principal, error)
	GetPrincipalByID(ctx context.Context, id uuid.UUID) (*models.Principal, error)
	GetPrincipalByPublicKey(ctx context.Context, publicKey string) (*models.Principal, error)
	UpdatePrincipalTier(ctx context.Context, id uuid.UUID, tier models.Tier) error
	CountPrincipals(ctx context.Context) (int64, error)
}
