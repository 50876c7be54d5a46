package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"govcore/pkg/models"
)

type fakeAuditDB struct {
	execErr  error
	execSQL  []string
	execArgs [][]any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, append([]any(nil), args...))
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: errors.New("not implemented")}
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error { return r.err }

func TestPostgresSinkPersist(t *testing.T) {
	db := &fakeAuditDB{}
	sink := &PostgresSink{DB: db}
	entries := []models.AuditEntry{
		{ID: "e1", ActorID: "u1", ActorSeq: 1, Action: "decide", Verdict: models.VerdictAllow, Severity: models.SeverityInfo, Timestamp: time.Now().UTC()},
		{ID: "e2", ActorID: "u1", ActorSeq: 2, Action: "decide", Verdict: models.VerdictDeny, Severity: models.SeverityInfo, Timestamp: time.Now().UTC()},
	}
	if err := sink.Persist(context.Background(), entries); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(db.execArgs) != 2 {
		t.Fatalf("expected one insert per entry, got %d", len(db.execArgs))
	}
	if db.execArgs[0][0] != "e1" || db.execArgs[1][0] != "e2" {
		t.Fatalf("entries persisted out of order: %v %v", db.execArgs[0][0], db.execArgs[1][0])
	}
}

func TestPostgresSinkPersistSurfacesError(t *testing.T) {
	db := &fakeAuditDB{execErr: errors.New("connection refused")}
	sink := &PostgresSink{DB: db}
	err := sink.Persist(context.Background(), []models.AuditEntry{{ID: "e1", ActorID: "u1", Action: "decide"}})
	if err == nil {
		t.Fatalf("expected persist error to surface")
	}
}
