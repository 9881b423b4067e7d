package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Database.Type != "memory" {
		t.Fatalf("expected memory default store, got %q", cfg.Database.Type)
	}
	if cfg.Sync.Interval.Duration != 60*time.Second {
		t.Fatalf("unexpected default sync interval: %v", cfg.Sync.Interval.Duration)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestReadOverridesDefaults(t *testing.T) {
	input := `
listen_addr = "0.0.0.0:9000"

[database]
type = "postgres"
dsn = "postgres://localhost/mirror"

[sync]
interval = "2m"
error_cooldown = "30m"

[credential]
token_file = "/etc/drivemirror/tokens.json"
`
	cfg, err := Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("listen addr not applied: %q", cfg.ListenAddr)
	}
	if cfg.Database.Type != "postgres" || cfg.Database.DSN != "postgres://localhost/mirror" {
		t.Fatalf("database not applied: %+v", cfg.Database)
	}
	if cfg.Sync.Interval.Duration != 2*time.Minute {
		t.Fatalf("interval not parsed: %v", cfg.Sync.Interval.Duration)
	}
	if cfg.Sync.ErrorCooldown.Duration != 30*time.Minute {
		t.Fatalf("cooldown not parsed: %v", cfg.Sync.ErrorCooldown.Duration)
	}
	// Untouched sections keep their defaults.
	if cfg.Sync.RetryLimit != 100 || cfg.Drive.PageSize != 100 {
		t.Fatalf("defaults lost: %+v", cfg.Sync)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestReadRejectsBadDuration(t *testing.T) {
	if _, err := Read(strings.NewReader("[sync]\ninterval = \"soon\"\n")); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DRIVEMIRROR_ADDR", "127.0.0.1:7777")
	t.Setenv("DRIVEMIRROR_DB_TYPE", "postgres")
	t.Setenv("DRIVEMIRROR_DB_DSN", "postgres://env/mirror")
	t.Setenv("DRIVEMIRROR_SYNC_INTERVAL", "90s")

	cfg, err := ReadFromFile("")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7777" {
		t.Fatalf("env addr not applied: %q", cfg.ListenAddr)
	}
	if cfg.Database.DSN != "postgres://env/mirror" {
		t.Fatalf("env dsn not applied: %q", cfg.Database.DSN)
	}
	if cfg.Sync.Interval.Duration != 90*time.Second {
		t.Fatalf("env interval not applied: %v", cfg.Sync.Interval.Duration)
	}
}

func TestValidateCatchesMissingDSN(t *testing.T) {
	cfg := Default()
	cfg.Database.Type = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("postgres without dsn must not validate")
	}
	cfg.Database.Type = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown store type must not validate")
	}
}

func TestReadFromFileMissingPathUsesDefaults(t *testing.T) {
	cfg, err := ReadFromFile("/nonexistent/drivemirror.toml")
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Database.Type != "memory" {
		t.Fatalf("expected defaults, got %+v", cfg.Database)
	}
}
