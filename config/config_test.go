package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Allocation.HoldTTL.Duration)
	assert.Equal(t, "X-Account", cfg.Auth.Header)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
[server]
port = 9090

[store]
driver = "memory"

[allocation]
hold_ttl = "90s"
reap_interval = "10s"

[log]
level = "debug"
`)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 90*time.Second, cfg.Allocation.HoldTTL.Duration)
	assert.Equal(t, 10*time.Second, cfg.Allocation.ReapInterval.Duration)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched sections keep defaults
	assert.Equal(t, AuthHeader, cfg.Auth.Mode)
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse(`
[allocation]
hold_ttl = "soon"
`)
	assert.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[auth]
mode = "jwt"
jwt_secret = "s3cret"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, AuthJWT, cfg.Auth.Mode)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[store]
drvier = "memory"
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"VAULT_PORT":       "7000",
		"VAULT_DB_DRIVER":  "postgres",
		"VAULT_DB_DSN":     "postgres://localhost/vault",
		"VAULT_HOLD_TTL":   "5m",
		"VAULT_JWT_SECRET": "k",
		"VAULT_LOG_LEVEL":  "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/vault", cfg.Store.DSN)
	assert.Equal(t, 5*time.Minute, cfg.Allocation.HoldTTL.Duration)
	assert.Equal(t, "k", cfg.Auth.JWTSecret)
	assert.Equal(t, "warn", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_BadPort(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "VAULT_PORT" {
			return "eighty", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Store.Driver = "mysql"
	cfg.Auth.Mode = AuthJWT
	cfg.RateLimit.RPS = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "jwt_secret")
	assert.Contains(t, err.Error(), "rate_limit.rps")
}

func TestRead_DefersValidation(t *testing.T) {
	// GIVEN: an environment that leaves the sqlite DSN empty
	t.Setenv("VAULT_DB_DRIVER", DriverSQLite)
	t.Setenv("VAULT_DB_DSN", "")

	// WHEN/THEN: Read returns the layered config, Load rejects it
	cfg, err := Read("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Store.DSN)
	require.Error(t, cfg.Validate())

	_, err = Load("")
	assert.ErrorContains(t, err, "store.dsn is required")
}
