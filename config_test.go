package main

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DB_DIALECT", "")
	t.Setenv("DB_SQLITE_PATH", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DBDialect != "sqlite" {
		t.Fatalf("DBDialect = %q, want sqlite", cfg.DBDialect)
	}
	if cfg.SQLitePath != defaultSQLitePath {
		t.Fatalf("SQLitePath = %q, want %q", cfg.SQLitePath, defaultSQLitePath)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("DB_DIALECT", " Postgres ")
	t.Setenv("GAG_SWEEP_INTERVAL", "5s")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ServerAddr != ":9090" || cfg.AdminToken != "secret" {
		t.Fatalf("unexpected addr/token: %+v", cfg)
	}
	if cfg.DBDialect != "postgres" {
		t.Fatalf("DBDialect = %q, want postgres", cfg.DBDialect)
	}
	if cfg.GagSweepInterval != 5*time.Second {
		t.Fatalf("GagSweepInterval = %v", cfg.GagSweepInterval)
	}
}

func TestLoadConfigError(t *testing.T) {
	t.Setenv("GAG_SWEEP_INTERVAL", "soon")

	_, err := loadConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestPostgresDSNFallback(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://fallback"}
	if got := cfg.postgresDSN(); got != "postgres://fallback" {
		t.Fatalf("postgresDSN = %q", got)
	}
	cfg.PostgresDSN = " postgres://primary "
	if got := cfg.postgresDSN(); got != "postgres://primary" {
		t.Fatalf("postgresDSN = %q", got)
	}
}
