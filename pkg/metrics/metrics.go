package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry aggregates operational counters for the governor. Snapshots are
// served as JSON for dashboards and as Prometheus text for scrapers.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	verdict        map[string]int64
	reason         map[string]int64
	approvalState  map[string]int64
	rateLimitHits  map[string]int64
	securityEvents int64
	auditFailures  int64
	upstreamRetry  int64
	gauges         map[string]float64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Verdicts       map[string]int64        `json:"verdicts"`
	Reasons        map[string]int64        `json:"reasons"`
	ApprovalStates map[string]int64        `json:"approval_states"`
	RateLimitHits  map[string]int64        `json:"rate_limit_hits"`
	SecurityEvents int64                   `json:"security_events_total"`
	AuditFailures  int64                   `json:"audit_failures_total"`
	UpstreamRetry  int64                   `json:"upstream_retries_total"`
	Gauges         map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		verdict:       map[string]int64{},
		reason:        map[string]int64{},
		approvalState: map[string]int64{},
		rateLimitHits: map[string]int64{},
		gauges:        map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncApprovalState(state string) {
	state = strings.TrimSpace(strings.ToLower(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.approvalState[state]++
	r.mu.Unlock()
}

// IncRateLimitHit counts a throttled request per window granularity.
func (r *Registry) IncRateLimitHit(granularity string) {
	if granularity == "" {
		granularity = "unknown"
	}
	r.mu.Lock()
	r.rateLimitHits[granularity]++
	r.mu.Unlock()
}

func (r *Registry) IncSecurityEvent() {
	r.mu.Lock()
	r.securityEvents++
	r.mu.Unlock()
}

// IncAuditFailure counts an audit append that could not be recorded. Any
// nonzero value is an incident: the log exists to answer "was this ever
// attempted" and a failed write means a gap in that answer.
func (r *Registry) IncAuditFailure() {
	r.mu.Lock()
	r.auditFailures++
	r.mu.Unlock()
}

func (r *Registry) IncUpstreamRetry() {
	r.mu.Lock()
	r.upstreamRetry++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:       make(map[string]int64, len(r.verdict)),
		Reasons:        make(map[string]int64, len(r.reason)),
		ApprovalStates: make(map[string]int64, len(r.approvalState)),
		RateLimitHits:  make(map[string]int64, len(r.rateLimitHits)),
		SecurityEvents: r.securityEvents,
		AuditFailures:  r.auditFailures,
		UpstreamRetry:  r.upstreamRetry,
		Gauges:         make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.approvalState {
		out.ApprovalStates[k] = v
	}
	for k, v := range r.rateLimitHits {
		out.RateLimitHits[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP govcore_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE govcore_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "govcore_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP govcore_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE govcore_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "govcore_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP govcore_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE govcore_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "govcore_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP govcore_verdict_total total decisions by verdict\n")
		b.WriteString("# TYPE govcore_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "govcore_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP govcore_reason_total total decisions by reason code\n")
		b.WriteString("# TYPE govcore_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "govcore_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP govcore_approval_state_total approval transitions by resulting state\n")
		b.WriteString("# TYPE govcore_approval_state_total counter\n")
		for _, state := range SortedKeys(snap.ApprovalStates) {
			fmt.Fprintf(b, "govcore_approval_state_total{state=%q} %d\n", state, snap.ApprovalStates[state])
		}
		b.WriteString("# HELP govcore_rate_limit_hits_total throttled requests by window\n")
		b.WriteString("# TYPE govcore_rate_limit_hits_total counter\n")
		for _, g := range SortedKeys(snap.RateLimitHits) {
			fmt.Fprintf(b, "govcore_rate_limit_hits_total{window=%q} %d\n", g, snap.RateLimitHits[g])
		}
		b.WriteString("# HELP govcore_security_events_total high severity security audit events\n")
		b.WriteString("# TYPE govcore_security_events_total counter\n")
		fmt.Fprintf(b, "govcore_security_events_total %d\n", snap.SecurityEvents)
		b.WriteString("# HELP govcore_audit_failures_total audit entries that failed to append\n")
		b.WriteString("# TYPE govcore_audit_failures_total counter\n")
		fmt.Fprintf(b, "govcore_audit_failures_total %d\n", snap.AuditFailures)
		b.WriteString("# HELP govcore_upstream_retries_total provider calls retried after throttling\n")
		b.WriteString("# TYPE govcore_upstream_retries_total counter\n")
		fmt.Fprintf(b, "govcore_upstream_retries_total %d\n", snap.UpstreamRetry)
		b.WriteString("# HELP govcore_gauge operational gauge metrics\n")
		b.WriteString("# TYPE govcore_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "govcore_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

// SortedKeys returns the map's keys in lexical order for stable output.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Middleware records every response's status and latency.
func Middleware(r *Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)
			r.Observe(req.URL.Path, rec.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
