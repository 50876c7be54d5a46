package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"govcore/pkg/models"
)

func TestRingLogAppendAssignsChainAndSequence(t *testing.T) {
	log := NewRingLog(8)
	ctx := context.Background()

	id1, err := log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "decide"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	id2, err := log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "decide"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id1 == "" || id2 == "" || id1 == id2 {
		t.Fatalf("expected distinct non-empty entry ids, got %q %q", id1, id2)
	}
	first, err := log.Get(ctx, id1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := log.Get(ctx, id2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.ActorSeq != 1 || second.ActorSeq != 2 {
		t.Fatalf("expected monotonic per-actor sequence, got %d then %d", first.ActorSeq, second.ActorSeq)
	}
	if second.PrevHash != first.Hash {
		t.Fatalf("expected chained hashes, prev=%q first=%q", second.PrevHash, first.Hash)
	}
	if err := log.VerifyChain(); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
}

func TestRingLogPerActorSequenceIndependent(t *testing.T) {
	log := NewRingLog(8)
	ctx := context.Background()
	_, _ = log.Append(ctx, models.AuditEntry{ActorID: "a", Action: "decide"})
	_, _ = log.Append(ctx, models.AuditEntry{ActorID: "b", Action: "decide"})
	idA, _ := log.Append(ctx, models.AuditEntry{ActorID: "a", Action: "decide"})
	got, err := log.Get(ctx, idA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ActorSeq != 2 {
		t.Fatalf("actor a second entry must have seq 2, got %d", got.ActorSeq)
	}
}

func TestRingLogRejectsIncompleteEntries(t *testing.T) {
	log := NewRingLog(4)
	if _, err := log.Append(context.Background(), models.AuditEntry{Action: "decide"}); err == nil {
		t.Fatalf("expected error for missing actor_id")
	}
	if _, err := log.Append(context.Background(), models.AuditEntry{ActorID: "u1"}); err == nil {
		t.Fatalf("expected error for missing action")
	}
}

type captureSink struct {
	persisted []models.AuditEntry
	err       error
}

func (s *captureSink) Persist(ctx context.Context, entries []models.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.persisted = append(s.persisted, entries...)
	return nil
}

func TestRingLogEvictionHandsOffToSink(t *testing.T) {
	sink := &captureSink{}
	log := NewRingLog(2, WithSink(sink))
	ctx := context.Background()
	first, _ := log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "one"})
	_, _ = log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "two"})
	_, _ = log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "three"})

	if log.Len() != 2 {
		t.Fatalf("expected ring to hold capacity entries, got %d", log.Len())
	}
	if len(sink.persisted) != 1 || sink.persisted[0].ID != first {
		t.Fatalf("expected oldest entry handed to sink, got %+v", sink.persisted)
	}
	if _, err := log.Get(ctx, first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("evicted entry must leave the hot window, err=%v", err)
	}
}

func TestRingLogStrictEvictionBlocksOnSinkFailure(t *testing.T) {
	sink := &captureSink{err: errors.New("kafka down")}
	log := NewRingLog(1, WithSink(sink), WithStrictEviction())
	ctx := context.Background()
	if _, err := log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "one"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "two"}); err == nil {
		t.Fatalf("strict eviction must fail the append when the sink errors")
	}
	if log.Len() != 1 {
		t.Fatalf("failed append must not mutate the window, len=%d", log.Len())
	}
}

func TestRingLogStrictEvictionRequiresSink(t *testing.T) {
	log := NewRingLog(1, WithStrictEviction())
	ctx := context.Background()
	_, _ = log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "one"})
	if _, err := log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "two"}); !errors.Is(err, ErrEvictionBlocked) {
		t.Fatalf("expected ErrEvictionBlocked, got %v", err)
	}
}

func TestRingLogQueryFilters(t *testing.T) {
	log := NewRingLog(16)
	ctx := context.Background()
	_, _ = log.Append(ctx, models.AuditEntry{ActorID: "u1", TenantID: "t1", Action: "decide", Verdict: models.VerdictAllow})
	_, _ = log.Append(ctx, models.AuditEntry{ActorID: "u2", TenantID: "t1", Action: "decide", Verdict: models.VerdictDeny})
	_, _ = log.Append(ctx, models.AuditEntry{ActorID: "u2", TenantID: "t2", Action: "apikey.create", Severity: models.SeveritySecurity})

	byActor, _ := log.Query(ctx, Filter{ActorID: "u2"})
	if len(byActor) != 2 {
		t.Fatalf("expected 2 entries for u2, got %d", len(byActor))
	}
	byVerdict, _ := log.Query(ctx, Filter{Verdict: models.VerdictDeny})
	if len(byVerdict) != 1 || byVerdict[0].ActorID != "u2" {
		t.Fatalf("unexpected verdict filter result: %+v", byVerdict)
	}
	security, _ := log.Query(ctx, Filter{Severity: models.SeveritySecurity})
	if len(security) != 1 || security[0].Action != "apikey.create" {
		t.Fatalf("unexpected severity filter result: %+v", security)
	}
	limited, _ := log.Query(ctx, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("expected limit to cap results, got %d", len(limited))
	}
}

func TestRingLogQueryTimeRange(t *testing.T) {
	log := NewRingLog(8)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	_, _ = log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "decide", Timestamp: old})
	_, _ = log.Append(ctx, models.AuditEntry{ActorID: "u1", Action: "decide"})

	recent, _ := log.Query(ctx, Filter{Since: time.Now().UTC().Add(-time.Minute)})
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent entry, got %d", len(recent))
	}
	past, _ := log.Query(ctx, Filter{Until: time.Now().UTC().Add(-30 * time.Minute)})
	if len(past) != 1 {
		t.Fatalf("expected 1 old entry, got %d", len(past))
	}
}
