package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Store drivers understood by the server.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds process settings read from the environment.  A .env file in
// the working directory is loaded first when present; real environment
// variables always win.
type Config struct {
	Port          string
	LogMode       string
	StoreDriver   string
	DatabaseURL   string
	SQLitePath    string
	RedisAddr     string
	NotifyChannel string
	SeedReference bool
	CORSOrigins   []string
}

// Load reads the configuration.  DATABASE_URL is required for the postgres
// driver only.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		LogMode:       getEnv("LOG_MODE", "dev"),
		StoreDriver:   strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "triage.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		NotifyChannel: getEnv("POSTGRES_NOTIFY_CHANNEL", "triage_alerts"),
		SeedReference: getBool("SEED_REFERENCE", true),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "http://localhost:4200,http://127.0.0.1:4200")),
	}
	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL must be set for the postgres store")
		}
	case DriverSQLite, DriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
