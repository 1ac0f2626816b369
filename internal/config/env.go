// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress string
	Port          int

	// API
	APIMaxBodyBytes int

	// Core
	ProbeConcurrency    int
	SeedFile            string
	GeoIPDBPath         string
	GeoIPReloadSchedule string
	ShutdownGrace       time.Duration

	// Auth
	AdminToken string
}

// DBPath returns the SQLite database path under the state directory.
func (c *EnvConfig) DBPath() string {
	return c.StateDir + "/upmon.db"
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.StateDir = envStr("UPMON_STATE_DIR", "/var/lib/upmon")
	cfg.ListenAddress = strings.TrimSpace(envStr("UPMON_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("UPMON_PORT", 8080, &errs)
	cfg.APIMaxBodyBytes = envInt("UPMON_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.ProbeConcurrency = envInt("UPMON_PROBE_CONCURRENCY", 16, &errs)
	cfg.SeedFile = envStr("UPMON_SEED_FILE", "")
	cfg.GeoIPDBPath = envStr("UPMON_GEOIP_DB_PATH", "")
	cfg.GeoIPReloadSchedule = envStr("UPMON_GEOIP_RELOAD_SCHEDULE", "0 4 * * *")
	cfg.ShutdownGrace = envDuration("UPMON_SHUTDOWN_GRACE", 30*time.Second, &errs)

	// Auth (must be defined; empty means auth disabled).
	adminToken, hasAdminToken := os.LookupEnv("UPMON_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "UPMON_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "UPMON_LISTEN_ADDRESS must not be empty")
	}
	validatePort("UPMON_PORT", cfg.Port, &errs)
	validatePositive("UPMON_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("UPMON_PROBE_CONCURRENCY", cfg.ProbeConcurrency, &errs)
	if _, err := cron.ParseStandard(cfg.GeoIPReloadSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("UPMON_GEOIP_RELOAD_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPReloadSchedule, err))
	}
	if cfg.ShutdownGrace <= 0 {
		errs = append(errs, "UPMON_SHUTDOWN_GRACE must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
