package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_AUTO_MIGRATE", "true")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("DASHBOARD_CACHE_TTL_SECONDS", "45")
	t.Setenv("SCHEDULER_INTERVAL_MINUTES", "15")

	cfg := Load()
	if cfg.Address() != ":9090" {
		t.Fatalf("expected :9090, got %q", cfg.Address())
	}
	if !cfg.DBAutoMigrate {
		t.Fatalf("expected DB_AUTO_MIGRATE to be true")
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("expected redis db 3, got %d", cfg.RedisDB)
	}
	if cfg.DashboardCacheTTL() != 45*time.Second {
		t.Fatalf("expected 45s cache ttl, got %s", cfg.DashboardCacheTTL())
	}
	if cfg.SchedulerInterval() != 15*time.Minute {
		t.Fatalf("expected 15m scheduler interval, got %s", cfg.SchedulerInterval())
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "0")
	t.Setenv("SCHEDULER_INTERVAL_MINUTES", "-5")

	cfg := Load()
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected default token ttl, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.SchedulerIntervalMinutes != 60 {
		t.Fatalf("expected default scheduler interval, got %d", cfg.SchedulerIntervalMinutes)
	}
}
