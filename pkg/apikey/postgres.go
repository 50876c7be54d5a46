package apikey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"govcore/pkg/models"
)

type keyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists key records. Only the SHA-256 of the secret is
// stored.
type PostgresStore struct {
	DB keyDB
}

func NewPostgresStore(db keyDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const keySchema = `
CREATE TABLE IF NOT EXISTS api_keys (
    key_id        TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    role          TEXT NOT NULL DEFAULT 'viewer',
    hashed_secret TEXT NOT NULL,
    scopes        JSONB NOT NULL,
    tier          TEXT NOT NULL DEFAULT 'free',
    rate_limits   JSONB NOT NULL,
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id);
`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, keySchema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, key models.APIKey) error {
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	limits, err := json.Marshal(key.RateLimits)
	if err != nil {
		return fmt.Errorf("encode rate limits: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO api_keys (key_id, tenant_id, name, role, hashed_secret, scopes, tier, rate_limits, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		key.ID, key.TenantID, key.Name, string(key.Role), key.HashedSecret, scopes, key.Tier, limits, key.IsActive, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.APIKey, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT key_id, tenant_id, name, role, hashed_secret, scopes, tier, rate_limits, is_active, created_at
		FROM api_keys WHERE key_id = $1`, id)
	key, err := scanKey(row)
	if err == pgx.ErrNoRows {
		return models.APIKey{}, ErrNotFound
	}
	return key, err
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]models.APIKey, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT key_id, tenant_id, name, role, hashed_secret, scopes, tier, rate_limits, is_active, created_at
		FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	var out []models.APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE api_keys SET is_active = FALSE WHERE key_id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (models.APIKey, error) {
	var (
		key    models.APIKey
		role   string
		scopes []byte
		limits []byte
	)
	if err := row.Scan(&key.ID, &key.TenantID, &key.Name, &role, &key.HashedSecret, &scopes, &key.Tier, &limits, &key.IsActive, &key.CreatedAt); err != nil {
		return models.APIKey{}, err
	}
	key.Role = models.Role(role)
	if err := json.Unmarshal(scopes, &key.Scopes); err != nil {
		return models.APIKey{}, fmt.Errorf("decode scopes: %w", err)
	}
	if err := json.Unmarshal(limits, &key.RateLimits); err != nil {
		return models.APIKey{}, fmt.Errorf("decode rate limits: %w", err)
	}
	return key, nil
}
