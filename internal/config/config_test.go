package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("LEDGER_BACKEND", "")
	t.Setenv("TICK_SCHEDULE", "")
	t.Setenv("ABANDON_TIMEOUT", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.StoreBackend != BackendSQLite {
		t.Fatalf("expected sqlite store by default, got %s", cfg.StoreBackend)
	}
	if cfg.EffectiveLedgerBackend() != BackendSQLite {
		t.Fatalf("expected ledger to follow store backend, got %s", cfg.EffectiveLedgerBackend())
	}
	if cfg.TickSchedule != "@every 1m" {
		t.Fatalf("expected one-minute schedule, got %s", cfg.TickSchedule)
	}
	if cfg.AbandonTimeout != 2*time.Minute {
		t.Fatalf("expected default abandon timeout, got %s", cfg.AbandonTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("LEDGER_BACKEND", "redis")
	t.Setenv("SEND_CONCURRENCY", "8")
	t.Setenv("SEND_RATE_PER_SEC", "2.5")
	t.Setenv("ABANDON_TIMEOUT", "90s")
	t.Setenv("DRY_RUN", "true")
	cfg := Load()
	if cfg.Port != "9090" || cfg.Env != "production" {
		t.Fatalf("expected overrides, got %s/%s", cfg.Port, cfg.Env)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.StoreBackend != BackendPostgres {
		t.Fatalf("expected normalized backend, got %s", cfg.StoreBackend)
	}
	if cfg.EffectiveLedgerBackend() != BackendRedis {
		t.Fatalf("expected redis ledger, got %s", cfg.EffectiveLedgerBackend())
	}
	if cfg.SendConcurrency != 8 || cfg.SendRatePerSec != 2.5 {
		t.Fatalf("unexpected send tuning %d %v", cfg.SendConcurrency, cfg.SendRatePerSec)
	}
	if cfg.AbandonTimeout != 90*time.Second {
		t.Fatalf("expected abandon override, got %s", cfg.AbandonTimeout)
	}
	if !cfg.DryRun {
		t.Fatalf("expected dry run")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("SEND_CONCURRENCY", "many")
	t.Setenv("TICK_TIMEOUT", "soon")
	cfg := Load()
	if cfg.SendConcurrency != 4 {
		t.Fatalf("expected default concurrency, got %d", cfg.SendConcurrency)
	}
	if cfg.TickTimeout != 50*time.Second {
		t.Fatalf("expected default tick timeout, got %s", cfg.TickTimeout)
	}
}

func TestSplitHelpers(t *testing.T) {
	if got := SplitList(" a, ,b ,"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected list %v", got)
	}
	if SplitList("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
	pairs := SplitPairs("whatsapp=tok1, web = tok2, broken, empty=")
	if len(pairs) != 2 || pairs["whatsapp"] != "tok1" || pairs["web"] != "tok2" {
		t.Fatalf("unexpected pairs %v", pairs)
	}
}
