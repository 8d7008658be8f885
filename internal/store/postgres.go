package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/metrics"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS principals (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	public_key TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT 'free',
	api_key_hash TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_principals_public_key ON principals(public_key);
`

const principalColumns = `id, public_key, name, tier, api_key_hash, created_at, updated_at`

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool and
// ensures the principals table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreatePrincipal creates a new principal record.
func (s *PostgresStore) CreatePrincipal(ctx context.Context, publicKey, name string, tier models.Tier, apiKeyHash string) (*models.Principal, error) {
	defer observeDirectory(time.Now())
	return scanPrincipal(s.pool.QueryRow(ctx, `
		INSERT INTO principals (public_key, name, tier, api_key_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+principalColumns,
		publicKey, name, string(tier), apiKeyHash))
}

// GetPrincipalByID retrieves a principal by ID.
func (s *PostgresStore) GetPrincipalByID(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	defer observeDirectory(time.Now())
	return scanPrincipal(s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE id = $1`, id))
}

// GetPrincipalByPublicKey retrieves a principal by public key.
func (s *PostgresStore) GetPrincipalByPublicKey(ctx context.Context, publicKey string) (*models.Principal, error) {
	defer observeDirectory(time.Now())
	return scanPrincipal(s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE public_key = $1`, publicKey))
}

// UpdatePrincipalTier changes the subscription tier of a principal.
func (s *PostgresStore) UpdatePrincipalTier(ctx context.Context, id uuid.UUID, tier models.Tier) error {
	defer observeDirectory(time.Now())
	_, err := s.pool.Exec(ctx, `
		UPDATE principals SET tier = $2, updated_at = now() WHERE id = $1
	`, id, string(tier))
	return err
}

// CountPrincipals returns the total number of registered principals.
func (s *PostgresStore) CountPrincipals(ctx context.Context) (int64, error) {
	defer observeDirectory(time.Now())
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM principals`).Scan(&count)
	return count, err
}

func scanPrincipal(row pgx.Row) (*models.Principal, error) {
	p := &models.Principal{}
	var tier string
	err := row.Scan(
		&p.ID,
		&p.PublicKey,
		&p.Name,
		&tier,
		&p.APIKeyHash,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Tier = models.Tier(tier)
	return p, nil
}

func observeDirectory(start time.Time) {
	metrics.DirectoryLatency.Observe(time.Since(start).Seconds())
}
