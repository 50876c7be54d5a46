package hardening

import (
	"strings"
	"testing"
)

func strictOptions() Options {
	return Options{
		Service:            "govcore",
		Environment:        "production",
		AuthMode:           "on",
		DatabaseRequireTLS: "true",
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    "true",
		CORSAllowedOrigins: "https://console.example.com",
		RequiredSecrets:    []EnvRequirement{{Name: "AUTH_SECRET", Value: "s3cret"}},
	}
}

func TestValidateProductionPasses(t *testing.T) {
	if err := ValidateProduction(strictOptions()); err != nil {
		t.Fatalf("strict config must pass: %v", err)
	}
}

func TestValidateSkipsNonProduction(t *testing.T) {
	o := Options{Environment: "dev", AuthMode: "off"}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("dev must not be gated: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"auth off", func(o *Options) { o.AuthMode = "off" }, "AUTH_MODE"},
		{"db plaintext", func(o *Options) { o.DatabaseRequireTLS = "false" }, "DATABASE_REQUIRE_TLS"},
		{"redis plaintext", func(o *Options) { o.RedisRequireTLS = "" }, "REDIS_REQUIRE_TLS"},
		{"redis insecure tls", func(o *Options) { o.RedisTLSInsecure = "true" }, "REDIS_TLS_INSECURE"},
		{"cors wildcard", func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard"},
		{"cors localhost", func(o *Options) { o.CORSAllowedOrigins = "http://localhost:3000" }, "localhost"},
		{"cors http", func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" }, "HTTPS"},
		{"cors empty", func(o *Options) { o.CORSAllowedOrigins = "" }, "CORS_ALLOWED_ORIGINS"},
		{"missing secret", func(o *Options) { o.RequiredSecrets = []EnvRequirement{{Name: "AUTH_SECRET"}} }, "AUTH_SECRET"},
	}
	for _, c := range cases {
		o := strictOptions()
		c.mutate(&o)
		err := ValidateProduction(o)
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%s: expected error containing %q, got %v", c.name, c.want, err)
		}
	}
}

func TestValidateOptOut(t *testing.T) {
	o := strictOptions()
	o.AuthMode = "off"
	o.StrictProdSecurity = "false"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("explicit opt-out must pass: %v", err)
	}
}
