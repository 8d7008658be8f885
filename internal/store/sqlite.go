package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/agentbus.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/agentbus.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		public_key TEXT UNIQUE NOT NULL,
		name TEXT DEFAULT '',
		tier TEXT NOT NULL DEFAULT 'free',
		api_key_hash TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_principals_public_key ON principals(public_key);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreatePrincipal creates a new principal record.
func (s *SQLiteStore) CreatePrincipal(ctx context.Context, publicKey, name string, tier models.Tier, apiKeyHash string) (*models.Principal, error) {
	id := uuid.New()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, public_key, name, tier, api_key_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), publicKey, name, string(tier), apiKeyHash, now, now)
	if err != nil {
		return nil, err
	}

	return s.GetPrincipalByID(ctx, id)
}

// GetPrincipalByID retrieves a principal by ID.
func (s *SQLiteStore) GetPrincipalByID(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	return s.queryPrincipal(ctx, `WHERE id = ?`, id.String())
}

// GetPrincipalByPublicKey retrieves a principal by public key.
func (s *SQLiteStore) GetPrincipalByPublicKey(ctx context.Context, publicKey string) (*models.Principal, error) {
	return s.queryPrincipal(ctx, `WHERE public_key = ?`, publicKey)
}

func (s *SQLiteStore) queryPrincipal(ctx context.Context, where string, arg interface{}) (*models.Principal, error) {
	p := &models.Principal{}
	var idStr, tier string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, public_key, name, tier, api_key_hash, created_at, updated_at
		FROM principals `+where, arg).Scan(
		&idStr,
		&p.PublicKey,
		&p.Name,
		&tier,
		&p.APIKeyHash,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	p.Tier = models.Tier(tier)
	return p, nil
}

// UpdatePrincipalTier changes the subscription tier of a principal.
func (s *SQLiteStore) UpdatePrincipalTier(ctx context.Context, id uuid.UUID, tier models.Tier) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE principals SET tier = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(tier), id.String())
	return err
}

// CountPrincipals returns the total number of registered principals.
func (s *SQLiteStore) CountPrincipals(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM principals`).Scan(&count)
	return count, err
}
