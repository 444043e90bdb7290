package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("addr = %q", cfg.HTTPAddr)
	}
	if cfg.Timezone != "America/Sao_Paulo" {
		t.Fatalf("timezone = %q", cfg.Timezone)
	}
	if cfg.WalletName != "Carteira" {
		t.Fatalf("wallet = %q", cfg.WalletName)
	}
	if cfg.RateLimitPerSec != 20 || cfg.RateLimitBurst != 40 {
		t.Fatalf("rate limit = %d/%d", cfg.RateLimitPerSec, cfg.RateLimitBurst)
	}
	if cfg.ShutdownTimeout() != 10*time.Second {
		t.Fatalf("shutdown = %v", cfg.ShutdownTimeout())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONTAFLOW_HTTP_ADDR", ":9999")
	t.Setenv("CONTAFLOW_PG_DSN", "postgres://localhost/contaflow")
	t.Setenv("CONTAFLOW_AUTH_SECRET", "s3cret")
	t.Setenv("CONTAFLOW_TIMEZONE", "UTC")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("addr = %q", cfg.HTTPAddr)
	}
	if cfg.PostgresDSN != "postgres://localhost/contaflow" {
		t.Fatalf("dsn = %q", cfg.PostgresDSN)
	}
	if cfg.AuthSecret != "s3cret" {
		t.Fatalf("secret = %q", cfg.AuthSecret)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("location = %v", cfg.Location())
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := Config{Timezone: "Not/AZone"}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
}
