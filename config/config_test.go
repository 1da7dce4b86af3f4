package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"storage": {"postgres": {"host": "localhost", "dbname": "theo"}}
	}`)

	cfg := LoadConfig(path)

	if cfg.Server.Address != ":8080" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if !cfg.Sweeper.Enabled || cfg.Sweeper.Interval != time.Minute || cfg.Sweeper.BatchSize != 100 {
		t.Fatalf("sweeper defaults = %+v", cfg.Sweeper)
	}
	if cfg.Approvals.WarningWindow != 30*time.Minute {
		t.Fatalf("warning window = %v", cfg.Approvals.WarningWindow)
	}
	table := cfg.Approvals.Expirations.Table()
	if table["low"] != 24*time.Hour || table["critical"] != time.Hour {
		t.Fatalf("expiration table = %v", table)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"address": ":9999"},
		"storage": {"postgres": {"url": "postgres://u:p@db:5432/theo?sslmode=disable"}},
		"approvals": {"expirations": {"high": "15m"}},
		"sweeper": {"enabled": false, "schedule": "@hourly"}
	}`)

	cfg := LoadConfig(path)

	if cfg.Server.Address != ":9999" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Sweeper.Enabled || cfg.Sweeper.Schedule != "@hourly" {
		t.Fatalf("sweeper = %+v", cfg.Sweeper)
	}
	table := cfg.Approvals.Expirations.Table()
	if table["high"] != 15*time.Minute {
		t.Fatalf("high ttl = %v", table["high"])
	}
	// unset levels still fall back to defaults
	if table["medium"] != 12*time.Hour {
		t.Fatalf("medium ttl = %v", table["medium"])
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "theo", Password: "s3cret", DBName: "theo"}
	want := "postgres://theo:s3cret@db:5432/theo?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}

	p = PostgresConfig{URL: "postgres://elsewhere/x"}
	if got := p.DSN(); got != "postgres://elsewhere/x" {
		t.Fatalf("dsn = %q", got)
	}
}

func TestPostgresValidate(t *testing.T) {
	if err := (PostgresConfig{URL: "postgres://x/y"}).Validate(); err != nil {
		t.Fatalf("url-only config should be valid: %v", err)
	}
	if err := (PostgresConfig{Host: "db"}).Validate(); err == nil {
		t.Fatal("expected error for missing dbname")
	}
	if err := (PostgresConfig{DBName: "theo"}).Validate(); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestRedisOptional(t *testing.T) {
	var r RedisConfig
	if r.Enabled() {
		t.Fatal("empty redis config should be disabled")
	}
	r = RedisConfig{Host: "cache"}
	if !r.Enabled() || r.Addr() != "cache:6379" {
		t.Fatalf("redis = enabled=%v addr=%q", r.Enabled(), r.Addr())
	}
}
