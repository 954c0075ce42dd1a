package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safekeeper/credit-vault/api"
	"github.com/safekeeper/credit-vault/config"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, closer, err := openStore(ctx, config.Store{Driver: config.DriverMemory})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NoError(t, closer.Close())

	s, closer, err = openStore(ctx, config.Store{
		Driver: config.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "vault.db"),
	})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NoError(t, closer.Close())

	_, _, err = openStore(ctx, config.Store{Driver: "mysql"})
	assert.Error(t, err)
}

func TestIdentityFor(t *testing.T) {
	id, err := identityFor(config.Auth{Mode: config.AuthHeader, Header: "X-Account"})
	require.NoError(t, err)
	assert.Equal(t, api.HeaderIdentity{Header: "X-Account"}, id)

	id, err = identityFor(config.Auth{Mode: config.AuthJWT, JWTSecret: "k"})
	require.NoError(t, err)
	assert.IsType(t, api.JWTIdentity{}, id)

	_, err = identityFor(config.Auth{Mode: "basic"})
	assert.Error(t, err)
}

func TestReapCommand_Memory(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"reap", "--db-driver=memory", "--log-level=error"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "released 0 expired holds")
}

func TestMigrateCommand_SQLite(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{
		"migrate",
		"--db-driver=sqlite",
		"--db=" + filepath.Join(t.TempDir(), "vault.db"),
		"--log-level=error",
	})

	require.NoError(t, root.Execute())
}

func TestFlagsOverrideInvalidEnvironment(t *testing.T) {
	// GIVEN: the environment selects sqlite with an empty DSN
	t.Setenv("VAULT_DB_DRIVER", "sqlite")
	t.Setenv("VAULT_DB_DSN", "")

	// WHEN: --db supplies the path
	root := newRootCmd()
	root.SetArgs([]string{
		"migrate",
		"--db=" + filepath.Join(t.TempDir(), "vault.db"),
		"--log-level=error",
	})

	// THEN: the flag wins before validation
	require.NoError(t, root.Execute())
}

func TestServeCommand_ValidatesPortFlag(t *testing.T) {
	for _, port := range []string{"0", "99999"} {
		t.Run(port, func(t *testing.T) {
			root := newRootCmd()
			root.SetArgs([]string{"serve", "--db-driver=memory", "--log-level=error", "--port=" + port})

			err := root.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "server.port out of range")
		})
	}
}
