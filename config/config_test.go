package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil, env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "0 4 * * *", cfg.Scheduler.Jobs["cleanup_expired"])
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, `
port: 9000
database:
  driver: postgres
  dsn: postgres://file
ledger:
  expire_days: 30
scheduler:
  timeout: 1m
  jobs:
    recompute_tiers: "30 5 * * *"
log:
  level: debug
`)

	// GIVEN a file, a flag overriding the port and env overriding the dsn
	cfg, err := Load(
		[]string{"-config", path, "-port", "9100"},
		env(map[string]string{"LEDGER_DB_DSN": "postgres://env"}),
	)
	require.NoError(t, err)

	// THEN each source wins in order
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://env", cfg.Database.DSN)
	assert.Equal(t, 30, cfg.Ledger.ExpireDays)
	assert.Equal(t, int64(100), cfg.Ledger.WelcomeBonus, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Scheduler.Timeout)
	assert.Equal(t, "30 5 * * *", cfg.Scheduler.Jobs["recompute_tiers"])
	assert.Equal(t, "0 4 * * *", cfg.Scheduler.Jobs["cleanup_expired"])
}

func TestLoad_EnvPort(t *testing.T) {
	cfg, err := Load([]string{"-port", "1"}, env(map[string]string{"LEDGER_PORT": "7070"}))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)

	_, err = Load(nil, env(map[string]string{"LEDGER_PORT": "http"}))
	assert.Error(t, err)
}

func TestLoad_NoScheduler(t *testing.T) {
	cfg, err := Load([]string{"-no-scheduler", "-driver", "memory"}, env(nil))
	require.NoError(t, err)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, env(nil))
	assert.Error(t, err)

	_, err = Load([]string{"-config", writeFile(t, "port: [1")}, env(nil))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	cfg.Database.Driver = "mysql"
	cfg.Ledger.ExpireDays = 0
	cfg.Ledger.WelcomeBonus = -1

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"port", "driver", "expire_days", "welcome_bonus"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = Default()
	cfg.Database.DSN = ""
	assert.Error(t, cfg.Validate())
	cfg.Database.Driver = DriverMemory
	assert.NoError(t, cfg.Validate())

	cfg.Ledger.ExpireDays = 40000
	assert.ErrorContains(t, cfg.Validate(), "expire_days")
}
