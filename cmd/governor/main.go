package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"govcore/pkg/apikey"
	"govcore/pkg/approval"
	"govcore/pkg/audit"
	"govcore/pkg/auth"
	"govcore/pkg/hardening"
	"govcore/pkg/httpx"
	"govcore/pkg/metrics"
	"govcore/pkg/models"
	"govcore/pkg/policy"
	"govcore/pkg/ratelimit"
	"govcore/pkg/store"
	"govcore/pkg/stream"
	"govcore/pkg/telemetry"
	"govcore/pkg/upstream"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Server holds the wired governance components behind the HTTP surface.
type Server struct {
	Engine     *policy.Engine
	Approvals  *approval.Workflow
	Audit      audit.Log
	Keys       *apikey.Service
	Limiter    ratelimit.Limiter
	BaseLimits ratelimit.Limits
	Metrics    *metrics.Registry
	Events     *stream.Hub
	Assist     *upstream.Client
	AuthMode   string
	TrustProxy bool
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (*pgxpool.Pool, error)
	openRedisFn     func(context.Context) (*redis.Client, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runGovernor(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("governor: %v", err)
	}
}

func runGovernor(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (*pgxpool.Pool, error),
	openRedis func(context.Context) (*redis.Client, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = store.NewPostgresPool
	}
	if openRedis == nil {
		openRedis = store.NewRedis
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "governor")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	authMode := env("AUTH_MODE", "on")
	authSecret := env("AUTH_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "governor",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		AuthMode:              authMode,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_SECRET", Value: authSecret},
		},
	}); err != nil {
		return err
	}

	// Redis backs the rate limiter and the key cache when reachable; both
	// degrade to in-process state without it.
	var redisClient *redis.Client
	if env("REDIS_ENABLED", "true") == "true" {
		if redisClient, err = openRedis(ctx); err != nil {
			log.Printf("redis unavailable, using in-memory fallbacks: %v", err)
			redisClient = nil
		}
	}
	memLimiter := ratelimit.NewInMemory()
	var limiter ratelimit.Limiter = memLimiter
	if redisClient != nil {
		redisLimiter := ratelimit.NewRedis(redisClient)
		redisLimiter.Fallback = memLimiter
		limiter = redisLimiter
	}

	var pool *pgxpool.Pool
	if env("DATABASE_ENABLED", "true") == "true" {
		if pool, err = openDB(ctx); err != nil {
			return err
		}
		defer pool.Close()
	}

	events := stream.NewHub()
	registry := metrics.NewRegistry()

	auditLog, err := buildAuditLog(ctx, pool)
	if err != nil {
		return err
	}

	engine, err := policy.NewEngine(env("POLICY_VERSION", "v1"), nil, auditLog)
	if err != nil {
		return err
	}

	var approvalStore approval.Store = approval.NewMemoryStore()
	var keyStore apikey.Store = apikey.NewMemoryStore()
	if pool != nil {
		pgApprovals := approval.NewPostgresStore(pool)
		if err := pgApprovals.EnsureSchema(ctx); err != nil {
			return err
		}
		approvalStore = pgApprovals
		pgKeys := apikey.NewPostgresStore(pool)
		if err := pgKeys.EnsureSchema(ctx); err != nil {
			return err
		}
		keyStore = pgKeys
	}
	keyStore = apikey.NewCachedStore(keyStore, store.NewCache(ctx, redisClient))

	workflow, err := approval.NewWorkflow(approvalStore, auditLog,
		approval.WithTTL(envDurationSec("APPROVAL_TTL_SEC", 86400)),
		approval.WithNotifier(events),
	)
	if err != nil {
		return err
	}
	keys, err := apikey.NewService(keyStore)
	if err != nil {
		return err
	}

	var assist *upstream.Client
	if providerURL := env("AI_PROVIDER_URL", ""); providerURL != "" {
		assist = upstream.NewClient(providerURL, env("AI_PROVIDER_KEY", ""),
			upstream.WithBaseDelay(time.Duration(envInt("AI_RETRY_BASE_MS", 500))*time.Millisecond),
			upstream.WithMaxRetries(envInt("AI_MAX_RETRIES", 3)),
		)
		assist.HTTPClient = telemetry.InstrumentClient(assist.HTTPClient)
	}

	s := &Server{
		Engine:    engine,
		Approvals: workflow,
		Audit:     auditLog,
		Keys:      keys,
		Limiter:   limiter,
		BaseLimits: ratelimit.Limits{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			PerHour:   envInt("RATE_LIMIT_PER_HOUR", 1000),
			PerDay:    envInt("RATE_LIMIT_PER_DAY", 10000),
		},
		Metrics:    registry,
		Events:     events,
		Assist:     assist,
		AuthMode:   authMode,
		TrustProxy: env("TRUST_PROXY", "false") == "true",
	}

	stopLoops := s.startBackgroundLoops(ctx, memLimiter)
	defer stopLoops()

	r := s.routes(routeConfig{
		Auth: auth.MiddlewareConfig{
			Mode:   authMode,
			Secret: authSecret,
			Issuer: env("AUTH_ISSUER", ""),
			Keys:   keys,
		},
		CORSOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		MaxBody:     int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	})

	addr := env("ADDR", ":8080")
	log.Printf("governor listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

type routeConfig struct {
	Auth        auth.MiddlewareConfig
	CORSOrigins string
	MaxBody     int64
}

// routes builds the full HTTP surface. Health and metrics stay open; every
// governance endpoint sits behind authentication, per-caller rate limits and
// a scope gate.
func (s *Server) routes(cfg routeConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(metrics.Middleware(s.Metrics))
	r.Use(telemetry.HTTPMiddleware("governor"))
	r.Use(httpx.MaxBodyMiddleware(cfg.MaxBody))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "governor"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(cfg.Auth))
	authRouter.Use(s.rateLimitMiddleware)

	authRouter.With(auth.RequireScope(models.ScopeDecide)).Post("/v1/decide", s.decide)

	authRouter.With(auth.RequireScope(models.ScopeApprove)).Get("/v1/approvals", s.listApprovals)
	authRouter.With(auth.RequireScope(models.ScopeApprove)).Get("/v1/approvals/{id}", s.getApproval)
	authRouter.With(auth.RequireScope(models.ScopeApprove)).Post("/v1/approvals/{id}/approve", s.approve)
	authRouter.With(auth.RequireScope(models.ScopeApprove)).Post("/v1/approvals/{id}/reject", s.reject)

	authRouter.With(auth.RequireScope(models.ScopeAuditRead)).Get("/v1/audit", s.queryAudit)
	authRouter.With(auth.RequireScope(models.ScopeAuditRead)).Get("/v1/audit/{id}", s.getAuditEntry)

	authRouter.With(auth.RequireScope(models.ScopeKeysManage)).Post("/v1/tenants/{tenantID}/apikeys", s.createKey)
	authRouter.With(auth.RequireScope(models.ScopeKeysManage)).Get("/v1/tenants/{tenantID}/apikeys", s.listKeys)
	authRouter.With(auth.RequireScope(models.ScopeKeysManage)).Delete("/v1/tenants/{tenantID}/apikeys/{keyID}", s.revokeKey)

	authRouter.With(auth.RequireScope(models.ScopeAIInvoke)).Post("/v1/assist", s.assist)
	authRouter.With(auth.RequireScope(models.ScopeAuditRead)).Get("/v1/stream", s.streamEvents)

	r.Mount("/", authRouter)
	return r
}

// buildAuditLog assembles the ring log with whatever durable sinks the
// environment provides. With a database the ring evicts strictly; without
// one it keeps the bounded in-memory window only.
func buildAuditLog(ctx context.Context, pool *pgxpool.Pool) (audit.Log, error) {
	var sinks []audit.Sink
	if pool != nil {
		pg := &audit.PostgresSink{DB: pool}
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if env("KAFKA_ENABLED", "false") == "true" {
		kafkaSink, err := audit.NewKafkaSink(audit.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_AUDIT_TOPIC", "govcore.audit"),
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, kafkaSink)
	}
	capacity := envInt("AUDIT_RING_CAPACITY", 4096)
	switch len(sinks) {
	case 0:
		return audit.NewRingLog(capacity), nil
	case 1:
		return audit.NewRingLog(capacity, audit.WithSink(sinks[0]), audit.WithStrictEviction()), nil
	default:
		return audit.NewRingLog(capacity, audit.WithSink(teeSink(sinks)), audit.WithStrictEviction()), nil
	}
}

// teeSink fans evicted entries out to every configured sink. Any failure
// blocks the eviction so no entry is lost.
type teeSink []audit.Sink

func (t teeSink) Persist(ctx context.Context, entries []models.AuditEntry) error {
	for _, sink := range t {
		if err := sink.Persist(ctx, entries); err != nil {
			return err
		}
	}
	return nil
}

// startBackgroundLoops runs the approval expiry sweep, the limiter bucket
// sweep and gauge refresh until the returned stop func is called.
func (s *Server) startBackgroundLoops(ctx context.Context, memLimiter *ratelimit.InMemoryLimiter) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(envDurationSec("EXPIRY_SWEEP_SEC", 60))
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				n, err := s.Approvals.ExpireDue(loopCtx)
				if err != nil {
					log.Printf("approval expiry sweep: %v", err)
					continue
				}
				for i := 0; i < n; i++ {
					s.Metrics.IncApprovalState(string(models.ApprovalExpired))
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(envDurationSec("LIMITER_SWEEP_SEC", 300))
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				memLimiter.Sweep(time.Now())
				s.Metrics.SetGauge("limiter_active_keys", float64(memLimiter.ActiveKeys()))
				s.Metrics.SetGauge("stream_subscribers", float64(s.Events.SubscriberCount()))
			}
		}
	}()
	return cancel
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
