package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"govcore/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSink persists evicted hot-window entries into the durable
// audit_entries table. It doubles as the read side for retention queries
// beyond the in-memory window.
type PostgresSink struct {
	DB auditDB
}

// EnsureSchema creates the audit table when it does not exist yet.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			entry_id   TEXT PRIMARY KEY,
			actor_id   TEXT NOT NULL,
			actor_seq  BIGINT NOT NULL,
			tenant_id  TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL,
			resource   TEXT NOT NULL DEFAULT '',
			verdict    TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			severity   TEXT NOT NULL DEFAULT 'info',
			details    JSONB,
			prev_hash  TEXT NOT NULL DEFAULT '',
			hash       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_actor_seq ON audit_entries (actor_id, actor_seq);
		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_entries (created_at)
	`)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Persist(ctx context.Context, entries []models.AuditEntry) error {
	for _, e := range entries {
		details := e.Details
		if len(details) == 0 {
			details = json.RawMessage("null")
		}
		_, err := s.DB.Exec(ctx, `
			INSERT INTO audit_entries
			(entry_id, actor_id, actor_seq, tenant_id, action, resource, verdict, reason, severity, details, prev_hash, hash, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (entry_id) DO NOTHING
		`, e.ID, e.ActorID, e.ActorSeq, e.TenantID, e.Action, e.Resource, string(e.Verdict), e.Reason, string(e.Severity), details, e.PrevHash, e.Hash, e.Timestamp)
		if err != nil {
			return fmt.Errorf("persist audit entry %s: %w", e.ID, err)
		}
	}
	return nil
}

func (s *PostgresSink) Get(ctx context.Context, entryID string) (models.AuditEntry, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT entry_id, actor_id, actor_seq, tenant_id, action, resource, verdict, reason, severity, details, prev_hash, hash, created_at
		FROM audit_entries WHERE entry_id=$1
	`, entryID)
	return scanEntry(row)
}

func (s *PostgresSink) QueryByActor(ctx context.Context, actorID string, since time.Time, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT entry_id, actor_id, actor_seq, tenant_id, action, resource, verdict, reason, severity, details, prev_hash, hash, created_at
		FROM audit_entries WHERE actor_id=$1 AND created_at >= $2
		ORDER BY actor_seq ASC LIMIT $3
	`, actorID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.AuditEntry, error) {
	var e models.AuditEntry
	var verdict, severity string
	var details json.RawMessage
	if err := row.Scan(&e.ID, &e.ActorID, &e.ActorSeq, &e.TenantID, &e.Action, &e.Resource, &verdict, &e.Reason, &severity, &details, &e.PrevHash, &e.Hash, &e.Timestamp); err != nil {
		return e, err
	}
	e.Verdict = models.Verdict(verdict)
	e.Severity = models.AuditSeverity(severity)
	if string(details) != "null" {
		e.Details = details
	}
	return e, nil
}
