package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"govcore/pkg/audit"
	"govcore/pkg/models"
)

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunGovernorStartsWithoutBackends(t *testing.T) {
	t.Setenv("ADDR", "127.0.0.1:0")
	t.Setenv("AUTH_MODE", "on")
	t.Setenv("AUTH_SECRET", "test-secret")
	t.Setenv("DATABASE_ENABLED", "false")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("ENVIRONMENT", "dev")

	var served *http.Server
	err := runGovernor(noopTelemetry, nil, nil, func(server *http.Server) error {
		served = server
		return nil
	})
	if err != nil {
		t.Fatalf("runGovernor: %v", err)
	}
	if served == nil {
		t.Fatal("listen was never reached")
	}
	if served.Handler == nil {
		t.Fatal("server has no handler")
	}
	if served.ReadHeaderTimeout == 0 {
		t.Fatal("expected a read-header timeout")
	}
}

func TestRunGovernorRefusesAuthOff(t *testing.T) {
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "")
	t.Setenv("DATABASE_ENABLED", "false")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("ENVIRONMENT", "dev")

	err := runGovernor(noopTelemetry, nil, nil, func(server *http.Server) error { return nil })
	if err == nil {
		t.Fatal("AUTH_MODE=off without the explicit override must refuse to start")
	}
}

func TestRunGovernorAllowsAuthOffWhenExplicit(t *testing.T) {
	t.Setenv("ADDR", "127.0.0.1:0")
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("DATABASE_ENABLED", "false")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("ENVIRONMENT", "dev")

	err := runGovernor(noopTelemetry, nil, nil, func(server *http.Server) error { return nil })
	if err != nil {
		t.Fatalf("explicit dev override must start: %v", err)
	}
}

func TestRunGovernorHardeningGateInProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("AUTH_MODE", "on")
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("DATABASE_ENABLED", "false")
	t.Setenv("REDIS_ENABLED", "false")

	err := runGovernor(noopTelemetry, nil, nil, func(server *http.Server) error { return nil })
	if err == nil {
		t.Fatal("production without AUTH_SECRET must refuse to start")
	}
}

func TestRunGovernorTelemetryFailure(t *testing.T) {
	err := runGovernor(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return nil, errors.New("exporter down")
		},
		nil, nil,
		func(server *http.Server) error { return nil },
	)
	if err == nil {
		t.Fatal("telemetry failure must propagate")
	}
}

func TestMainDirect(t *testing.T) {
	origFatal := logFatalf
	origTelemetry := initTelemetryFn
	origListen := listenFn
	defer func() {
		logFatalf = origFatal
		initTelemetryFn = origTelemetry
		listenFn = origListen
	}()

	t.Setenv("ADDR", "127.0.0.1:0")
	t.Setenv("AUTH_MODE", "on")
	t.Setenv("AUTH_SECRET", "test-secret")
	t.Setenv("DATABASE_ENABLED", "false")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("ENVIRONMENT", "dev")

	fatalCalled := false
	logFatalf = func(format string, args ...any) { fatalCalled = true }
	initTelemetryFn = noopTelemetry
	listenFn = func(server *http.Server) error { return nil }

	main()

	if fatalCalled {
		t.Fatal("logFatalf must not fire on a clean start")
	}

	initTelemetryFn = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return nil, errors.New("telemetry init failed")
	}
	main()
	if !fatalCalled {
		t.Fatal("logFatalf must fire when startup fails")
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Persist(ctx context.Context, entries []models.AuditEntry) error {
	f.calls++
	return errors.New("sink down")
}

type countingSink struct{ entries []models.AuditEntry }

func (c *countingSink) Persist(ctx context.Context, entries []models.AuditEntry) error {
	c.entries = append(c.entries, entries...)
	return nil
}

func TestTeeSinkStopsOnFirstFailure(t *testing.T) {
	bad := &failingSink{}
	good := &countingSink{}
	tee := teeSink{bad, good}
	err := tee.Persist(context.Background(), []models.AuditEntry{{ID: "e1"}})
	if err == nil {
		t.Fatal("tee must propagate sink failure")
	}
	if len(good.entries) != 0 {
		t.Fatal("later sinks must not run after a failure")
	}
}

func TestTeeSinkFansOut(t *testing.T) {
	a := &countingSink{}
	b := &countingSink{}
	tee := teeSink{a, b}
	if err := tee.Persist(context.Background(), []models.AuditEntry{{ID: "e1"}, {ID: "e2"}}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(a.entries) != 2 || len(b.entries) != 2 {
		t.Fatalf("fan-out incomplete: %d/%d", len(a.entries), len(b.entries))
	}
}

func TestBuildAuditLogWithoutBackends(t *testing.T) {
	t.Setenv("KAFKA_ENABLED", "false")
	logImpl, err := buildAuditLog(context.Background(), nil)
	if err != nil {
		t.Fatalf("buildAuditLog: %v", err)
	}
	if _, ok := logImpl.(*audit.RingLog); !ok {
		t.Fatalf("expected a plain ring log, got %T", logImpl)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GOV_TEST_STR", "value")
	t.Setenv("GOV_TEST_INT", "42")
	t.Setenv("GOV_TEST_BAD", "nope")
	if env("GOV_TEST_STR", "def") != "value" {
		t.Fatal("env should prefer the set value")
	}
	if env("GOV_TEST_MISSING", "def") != "def" {
		t.Fatal("env should fall back to the default")
	}
	if envInt("GOV_TEST_INT", 1) != 42 {
		t.Fatal("envInt should parse the set value")
	}
	if envInt("GOV_TEST_BAD", 7) != 7 {
		t.Fatal("envInt should fall back on parse failure")
	}
	if envDurationSec("GOV_TEST_INT", 1) != 42*time.Second {
		t.Fatal("envDurationSec should scale seconds")
	}
}

func TestWSOriginPatterns(t *testing.T) {
	if got := wsOriginPatterns(""); got != nil {
		t.Fatalf("empty input: %v", got)
	}
	got := wsOriginPatterns(" a.example.com , ,b.example.com ")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("patterns = %v", got)
	}
}
