package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"PORT", "DATABASE_URL", "APP_ENV", "ENVIRONMENT", "GO_ENV", "RAILWAY_ENVIRONMENT",
		"ALLOWED_ORIGINS",
		"ASSEMBLY_DEFAULT_MODEL_CEILING", "ASSEMBLY_DEFAULT_OUTPUT_RESERVE_PCT",
		"ASSEMBLY_CHARS_PER_TOKEN", "ASSEMBLY_HISTORY_FETCH_LIMIT", "ASSEMBLY_RETRIEVAL_LIMIT",
		"SNAPSHOT_RETENTION_ENABLED", "SNAPSHOT_RETENTION_SCHEDULE", "SNAPSHOT_RETENTION_MAX_AGE",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != defaultPort {
		t.Fatalf("expected default port %q, got %q", defaultPort, cfg.Port)
	}

	if cfg.Environment != defaultEnvironment {
		t.Fatalf("expected default environment %q, got %q", defaultEnvironment, cfg.Environment)
	}

	if cfg.Assembly.DefaultModelCeiling != defaultModelCeiling {
		t.Fatalf("expected default model ceiling %d, got %d", defaultModelCeiling, cfg.Assembly.DefaultModelCeiling)
	}

	if cfg.Assembly.DefaultOutputReservePct != defaultOutputReservePct {
		t.Fatalf("expected default output reserve %v, got %v", defaultOutputReservePct, cfg.Assembly.DefaultOutputReservePct)
	}

	if !cfg.Retention.Enabled {
		t.Fatalf("expected retention enabled by default")
	}

	if cfg.Retention.Schedule != defaultRetentionSchedule {
		t.Fatalf("expected default retention schedule %q, got %q", defaultRetentionSchedule, cfg.Retention.Schedule)
	}

	if cfg.Retention.MaxAge != defaultRetentionMaxAge {
		t.Fatalf("expected default retention max age %v, got %v", defaultRetentionMaxAge, cfg.Retention.MaxAge)
	}
}

func TestLoadParsesAssemblySettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASSEMBLY_DEFAULT_MODEL_CEILING", "200000")
	t.Setenv("ASSEMBLY_DEFAULT_OUTPUT_RESERVE_PCT", "0.2")
	t.Setenv("ASSEMBLY_HISTORY_FETCH_LIMIT", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Assembly.DefaultModelCeiling != 200000 {
		t.Fatalf("expected model ceiling 200000, got %d", cfg.Assembly.DefaultModelCeiling)
	}

	if cfg.Assembly.DefaultOutputReservePct != 0.2 {
		t.Fatalf("expected output reserve 0.2, got %v", cfg.Assembly.DefaultOutputReservePct)
	}

	if cfg.Assembly.HistoryFetchLimit != 500 {
		t.Fatalf("expected history fetch limit 500, got %d", cfg.Assembly.HistoryFetchLimit)
	}
}

func TestLoadRejectsBadOutputReserve(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASSEMBLY_DEFAULT_OUTPUT_RESERVE_PCT", "1.5")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for out-of-range output reserve")
	}
}

func TestLoadRejectsBadRetentionMaxAge(t *testing.T) {
	clearEnv(t)
	t.Setenv("SNAPSHOT_RETENTION_MAX_AGE", "-24h")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error for negative retention max age")
	}
	if !strings.Contains(err.Error(), "SNAPSHOT_RETENTION_MAX_AGE") {
		t.Fatalf("error should name the variable, got: %v", err)
	}
}

func TestLoadRequiresDatabaseURLOutsideDevelopment(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when DATABASE_URL missing in production")
	}
}

func TestLoadParsesRetentionDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("SNAPSHOT_RETENTION_MAX_AGE", "72h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Retention.MaxAge != 72*time.Hour {
		t.Fatalf("expected 72h retention, got %v", cfg.Retention.MaxAge)
	}
}
