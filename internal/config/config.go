// Package config loads the service configuration from a TOML file with
// environment overrides for secrets and deployment-specific values.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr string     `toml:"listen_addr"`
	AuthToken  string     `toml:"auth_token"`
	Database   Database   `toml:"database"`
	Drive      Drive      `toml:"drive"`
	Sync       Sync       `toml:"sync"`
	Credential Credential `toml:"credential"`
	Log        LogConfig  `toml:"log"`
}

// Database selects the store backend. This uses a tagged union pattern - the
// Type field determines which other fields are relevant.
type Database struct {
	Type string `toml:"type"` // "postgres" or "memory"
	DSN  string `toml:"dsn,omitempty"`
}

type Drive struct {
	BaseURL  string `toml:"base_url"`
	MimeType string `toml:"mime_type"`
	PageSize int    `toml:"page_size"`
}

type Sync struct {
	Interval        duration `toml:"interval"`
	MonitorInterval duration `toml:"monitor_interval"`
	RetryLimit      int      `toml:"retry_limit"`
	ErrorCooldown   duration `toml:"error_cooldown"`
	SuccessMaxAge   duration `toml:"success_max_age"`
	MaxRetries      int      `toml:"max_retries"`
	RetryDelay      duration `toml:"retry_delay"`
	BatchSize       int      `toml:"batch_size"`
	Parallelism     int      `toml:"parallelism"`
}

type Credential struct {
	TokenFile string `toml:"token_file"`
}

type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// duration lets TOML carry values like "15m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8085",
		Database:   Database{Type: "memory"},
		Drive:      Drive{MimeType: "application/vnd.google-apps.document", PageSize: 100},
		Sync: Sync{
			Interval:        duration{60 * time.Second},
			MonitorInterval: duration{60 * time.Second},
			RetryLimit:      100,
			ErrorCooldown:   duration{15 * time.Minute},
			SuccessMaxAge:   duration{24 * time.Hour},
			MaxRetries:      3,
			RetryDelay:      duration{5 * time.Second},
			BatchSize:       500,
			Parallelism:     8,
		},
		Credential: Credential{TokenFile: "tokens.json"},
		Log:        LogConfig{MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 14},
	}
}

// Read decodes a Config from the reader on top of the defaults.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// ReadFromFile loads a config file. A missing path returns defaults.
func ReadFromFile(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	cfg, err := Read(f)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv layers DRIVEMIRROR_* variables over the file. Secrets should
// arrive this way rather than sitting in the TOML.
func (c *Config) applyEnv() {
	if v := os.Getenv("DRIVEMIRROR_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DRIVEMIRROR_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("DRIVEMIRROR_DB_TYPE"); v != "" {
		c.Database.Type = v
	}
	if v := os.Getenv("DRIVEMIRROR_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("DRIVEMIRROR_DRIVE_BASE_URL"); v != "" {
		c.Drive.BaseURL = v
	}
	if v := os.Getenv("DRIVEMIRROR_TOKEN_FILE"); v != "" {
		c.Credential.TokenFile = v
	}
	if v := intEnv("DRIVEMIRROR_PAGE_SIZE", 0); v > 0 {
		c.Drive.PageSize = v
	}
	if v := durationEnv("DRIVEMIRROR_SYNC_INTERVAL", 0); v > 0 {
		c.Sync.Interval = duration{v}
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

// Validate catches configurations that cannot possibly run.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for type postgres")
		}
	default:
		return fmt.Errorf("unknown database.type %q", c.Database.Type)
	}
	if c.Credential.TokenFile == "" {
		return fmt.Errorf("credential.token_file must be set")
	}
	return nil
}
