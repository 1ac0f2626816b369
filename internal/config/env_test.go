package config

import (
	"strings"
	"testing"
	"time"
)

// setEnvs sets multiple env vars and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// requiredEnvs returns the minimum env vars needed for LoadEnvConfig to succeed.
func requiredEnvs() map[string]string {
	return map[string]string{
		"UPMON_ADMIN_TOKEN": "admin-secret",
	}
}

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setEnvs(t, requiredEnvs())

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "StateDir", cfg.StateDir, "/var/lib/upmon")
	assertEqual(t, "ListenAddress", cfg.ListenAddress, "0.0.0.0")
	assertEqual(t, "Port", cfg.Port, 8080)
	assertEqual(t, "APIMaxBodyBytes", cfg.APIMaxBodyBytes, 1<<20)
	assertEqual(t, "ProbeConcurrency", cfg.ProbeConcurrency, 16)
	assertEqual(t, "SeedFile", cfg.SeedFile, "")
	assertEqual(t, "GeoIPDBPath", cfg.GeoIPDBPath, "")
	assertEqual(t, "GeoIPReloadSchedule", cfg.GeoIPReloadSchedule, "0 4 * * *")
	assertEqual(t, "ShutdownGrace", cfg.ShutdownGrace, 30*time.Second)
	assertEqual(t, "AdminToken", cfg.AdminToken, "admin-secret")
	assertEqual(t, "DBPath", cfg.DBPath(), "/var/lib/upmon/upmon.db")
}

func TestLoadEnvConfig_EnvOverrides(t *testing.T) {
	envs := requiredEnvs()
	envs["UPMON_STATE_DIR"] = "/tmp/upmon-state"
	envs["UPMON_LISTEN_ADDRESS"] = "127.0.0.1"
	envs["UPMON_PORT"] = "9090"
	envs["UPMON_PROBE_CONCURRENCY"] = "64"
	envs["UPMON_SEED_FILE"] = "/etc/upmon/seed.yaml"
	envs["UPMON_GEOIP_DB_PATH"] = "/var/lib/upmon/country.mmdb"
	envs["UPMON_GEOIP_RELOAD_SCHEDULE"] = "30 2 * * *"
	envs["UPMON_SHUTDOWN_GRACE"] = "10s"
	setEnvs(t, envs)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "StateDir", cfg.StateDir, "/tmp/upmon-state")
	assertEqual(t, "ListenAddress", cfg.ListenAddress, "127.0.0.1")
	assertEqual(t, "Port", cfg.Port, 9090)
	assertEqual(t, "ProbeConcurrency", cfg.ProbeConcurrency, 64)
	assertEqual(t, "SeedFile", cfg.SeedFile, "/etc/upmon/seed.yaml")
	assertEqual(t, "GeoIPDBPath", cfg.GeoIPDBPath, "/var/lib/upmon/country.mmdb")
	assertEqual(t, "GeoIPReloadSchedule", cfg.GeoIPReloadSchedule, "30 2 * * *")
	assertEqual(t, "ShutdownGrace", cfg.ShutdownGrace, 10*time.Second)
}

func TestLoadEnvConfig_MissingAdminToken(t *testing.T) {
	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "UPMON_ADMIN_TOKEN") {
		t.Fatalf("error = %v, want admin token violation", err)
	}
}

func TestLoadEnvConfig_CollectsAllViolations(t *testing.T) {
	envs := requiredEnvs()
	envs["UPMON_PORT"] = "0"
	envs["UPMON_PROBE_CONCURRENCY"] = "-1"
	envs["UPMON_GEOIP_RELOAD_SCHEDULE"] = "not a cron"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"UPMON_PORT", "UPMON_PROBE_CONCURRENCY", "UPMON_GEOIP_RELOAD_SCHEDULE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %s violation", err.Error(), want)
		}
	}
}

func TestLoadEnvConfig_InvalidInteger(t *testing.T) {
	envs := requiredEnvs()
	envs["UPMON_PORT"] = "eighty"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "invalid integer") {
		t.Fatalf("error = %v, want invalid integer violation", err)
	}
}
