package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"govcore/pkg/models"
)

// approvalDB is the slice of pgxpool.Pool the store needs. Tests substitute
// a fake.
type approvalDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps approvals durable across restarts. Signatures live in
// their own table keyed (approval_id, approver) so a duplicate signature is
// an ON CONFLICT no-op at the database, not just in process.
type PostgresStore struct {
	DB approvalDB
}

func NewPostgresStore(db approvalDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const approvalSchema = `
CREATE TABLE IF NOT EXISTS approvals (
    approval_id        TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL DEFAULT '',
    governance_context JSONB NOT NULL,
    required_approvers JSONB NOT NULL,
    status             TEXT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL,
    expires_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS approval_signatures (
    approval_id TEXT NOT NULL REFERENCES approvals(approval_id),
    approver    TEXT NOT NULL,
    signed_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (approval_id, approver)
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, expires_at);
`

// EnsureSchema creates the approval tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, approvalSchema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, pa models.PendingApproval) error {
	gc, err := json.Marshal(pa.Context)
	if err != nil {
		return fmt.Errorf("encode governance context: %w", err)
	}
	required, err := json.Marshal(pa.RequiredApprovers)
	if err != nil {
		return fmt.Errorf("encode required approvers: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO approvals (approval_id, tenant_id, governance_context, required_approvers, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pa.ID, pa.Context.Actor.OrganizationID, gc, required, string(pa.Status), pa.CreatedAt, pa.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.PendingApproval, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT approval_id, governance_context, required_approvers, status, created_at, expires_at
		FROM approvals WHERE approval_id = $1`, id)
	pa, err := scanApproval(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.PendingApproval{}, ErrNotFound
		}
		return models.PendingApproval{}, err
	}
	pa.ApprovedBy, err = s.signatures(ctx, id)
	if err != nil {
		return models.PendingApproval{}, err
	}
	return pa, nil
}

func (s *PostgresStore) RecordApproval(ctx context.Context, id, approver string) ([]string, error) {
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO approval_signatures (approval_id, approver, signed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (approval_id, approver) DO NOTHING`,
		id, approver, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("record signature: %w", err)
	}
	_ = tag
	return s.signatures(ctx, id)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to models.ApprovalStatus) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE approvals SET status = $1 WHERE approval_id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("update approval status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]models.PendingApproval, error) {
	query := `
		SELECT approval_id, governance_context, required_approvers, status, created_at, expires_at
		FROM approvals WHERE 1=1`
	args := []any{}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	var out []models.PendingApproval
	for rows.Next() {
		pa, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pa)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].ApprovedBy, err = s.signatures(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) ExpireBefore(ctx context.Context, now time.Time) ([]models.PendingApproval, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE approvals SET status = $1
		WHERE status = $2 AND expires_at < $3
		RETURNING approval_id, governance_context, required_approvers, status, created_at, expires_at`,
		string(models.ApprovalExpired), string(models.ApprovalPending), now)
	if err != nil {
		return nil, fmt.Errorf("expire approvals: %w", err)
	}
	defer rows.Close()
	var expired []models.PendingApproval
	for rows.Next() {
		pa, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, pa)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range expired {
		expired[i].ApprovedBy, err = s.signatures(ctx, expired[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return expired, nil
}

func (s *PostgresStore) signatures(ctx context.Context, id string) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT approver FROM approval_signatures WHERE approval_id = $1 ORDER BY signed_at`, id)
	if err != nil {
		return nil, fmt.Errorf("load signatures: %w", err)
	}
	defer rows.Close()
	var approvers []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		approvers = append(approvers, a)
	}
	return approvers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (models.PendingApproval, error) {
	var (
		pa       models.PendingApproval
		gc       []byte
		required []byte
		status   string
	)
	if err := row.Scan(&pa.ID, &gc, &required, &status, &pa.CreatedAt, &pa.ExpiresAt); err != nil {
		return models.PendingApproval{}, err
	}
	if err := json.Unmarshal(gc, &pa.Context); err != nil {
		return models.PendingApproval{}, fmt.Errorf("decode governance context: %w", err)
	}
	if err := json.Unmarshal(required, &pa.RequiredApprovers); err != nil {
		return models.PendingApproval{}, fmt.Errorf("decode required approvers: %w", err)
	}
	pa.Status = models.ApprovalStatus(status)
	return pa, nil
}
