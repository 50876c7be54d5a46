package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"govcore/pkg/models"
)

var (
	ErrEvictionBlocked = errors.New("audit eviction blocked: no durable sink accepted the entry")
	ErrNotFound        = errors.New("audit entry not found")
)

// Sink receives entries that are about to be evicted from the hot window so
// long-term retention can be handed to durable storage. Persist must be
// atomic per batch: an error means nothing was retained.
type Sink interface {
	Persist(ctx context.Context, entries []models.AuditEntry) error
}

// Log is the append-only contract every governance layer writes to. Append
// never fails silently: a dropped audit entry is a security incident, so any
// storage problem surfaces as an error to the caller.
type Log interface {
	Append(ctx context.Context, e models.AuditEntry) (string, error)
	Query(ctx context.Context, f Filter) ([]models.AuditEntry, error)
	Get(ctx context.Context, id string) (models.AuditEntry, error)
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	ActorID  string
	TenantID string
	Action   string
	Verdict  models.Verdict
	Severity models.AuditSeverity
	Since    time.Time
	Until    time.Time
	Limit    int
}

// RingLog keeps a bounded in-memory hot window of entries in strict append
// order. Entries are hash-chained so any mutation of the window is
// detectable. When the ring is full the oldest entry is handed to the sink
// before eviction; with StrictEviction set, a missing or failing sink blocks
// the append instead of dropping history.
type RingLog struct {
	mu             sync.Mutex
	entries        []models.AuditEntry
	capacity       int
	lastHash       string
	actorSeq       map[string]uint64
	sink           Sink
	strictEviction bool
}

type Option func(*RingLog)

// WithSink attaches the durable handoff target for evicted entries.
func WithSink(s Sink) Option {
	return func(l *RingLog) { l.sink = s }
}

// WithStrictEviction makes eviction without a successful durable handoff an
// append error rather than silent data loss.
func WithStrictEviction() Option {
	return func(l *RingLog) { l.strictEviction = true }
}

func NewRingLog(capacity int, opts ...Option) *RingLog {
	if capacity <= 0 {
		capacity = 1024
	}
	l := &RingLog{
		capacity: capacity,
		entries:  make([]models.AuditEntry, 0, capacity),
		actorSeq: map[string]uint64{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RingLog) Append(ctx context.Context, e models.AuditEntry) (string, error) {
	if strings.TrimSpace(e.ActorID) == "" {
		return "", errors.New("audit entry requires actor_id")
	}
	if strings.TrimSpace(e.Action) == "" {
		return "", errors.New("audit entry requires action")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.capacity {
		oldest := l.entries[0]
		if l.sink != nil {
			if err := l.sink.Persist(ctx, []models.AuditEntry{oldest}); err != nil {
				if l.strictEviction {
					return "", fmt.Errorf("audit handoff failed: %w", err)
				}
			}
		} else if l.strictEviction {
			return "", ErrEvictionBlocked
		}
		l.entries = l.entries[1:]
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}
	l.actorSeq[e.ActorID]++
	e.ActorSeq = l.actorSeq[e.ActorID]
	e.PrevHash = l.lastHash
	e.Hash = chainHash(e)
	l.lastHash = e.Hash
	l.entries = append(l.entries, e)
	return e.ID, nil
}

func (l *RingLog) Get(ctx context.Context, id string) (models.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ID == id {
			return l.entries[i], nil
		}
	}
	return models.AuditEntry{}, ErrNotFound
}

func (l *RingLog) Query(ctx context.Context, f Filter) ([]models.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := f.Limit
	if limit <= 0 || limit > l.capacity {
		limit = l.capacity
	}
	out := make([]models.AuditEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := l.entries[i]
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Verdict != "" && e.Verdict != f.Verdict {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Len reports the current hot-window size.
func (l *RingLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// VerifyChain walks the retained window and reports the first entry whose
// hash no longer matches its recomputed chain value.
func (l *RingLog) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if chainHash(e) != e.Hash {
			return fmt.Errorf("audit chain broken at index %d (id=%s)", i, e.ID)
		}
		if i > 0 && e.PrevHash != l.entries[i-1].Hash {
			return fmt.Errorf("audit chain link broken at index %d (id=%s)", i, e.ID)
		}
	}
	return nil
}

func chainHash(e models.AuditEntry) string {
	h := sha256.New()
	for _, part := range []string{
		e.PrevHash,
		e.ID,
		e.ActorID,
		strconv.FormatUint(e.ActorSeq, 10),
		e.TenantID,
		e.Action,
		e.Resource,
		string(e.Verdict),
		e.Reason,
		string(e.Severity),
		e.Timestamp.Format(time.RFC3339Nano),
		string(e.Details),
	} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
