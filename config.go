package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultSQLitePath = "tmp/stendhal.sqlite"

type Config struct {
	ServerAddr       string        `env:"SERVER_ADDR" envDefault:":8080"`
	AdminToken       string        `env:"ADMIN_TOKEN" envDefault:"DEV"`
	DBDialect        string        `env:"DB_DIALECT" envDefault:"sqlite"`
	SQLitePath       string        `env:"DB_SQLITE_PATH"`
	PostgresDSN      string        `env:"DB_POSTGRES_DSN"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	GagSweepInterval time.Duration `env:"GAG_SWEEP_INTERVAL" envDefault:"30s"`
}

// loadConfig reads Config from the environment.
func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DBDialect = strings.TrimSpace(strings.ToLower(cfg.DBDialect))
	if cfg.DBDialect == "" {
		cfg.DBDialect = string(dialectSQLite)
	}
	cfg.SQLitePath = strings.TrimSpace(cfg.SQLitePath)
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = defaultSQLitePath
	}
	return cfg, nil
}

// postgresDSN prefers DB_POSTGRES_DSN and falls back to DATABASE_URL.
func (c Config) postgresDSN() string {
	if dsn := strings.TrimSpace(c.PostgresDSN); dsn != "" {
		return dsn
	}
	return strings.TrimSpace(c.DatabaseURL)
}
