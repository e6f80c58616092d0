package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/config"
	"shieldpool/internal/custody"
	"shieldpool/internal/fault"
)

func TestCustodyFilePersistsMovements(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custody.json")
	c, err := openCustody(path, "pool-admin")
	require.NoError(t, err)
	require.NoError(t, c.Credit("alice", 50))
	require.NoError(t, c.Deposit(context.Background(), "pool-admin", "alice", 20, "op-1"))

	reloaded, err := custody.LoadLedgerFromFile(path, "pool-admin")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), reloaded.Balance("alice"))
	assert.Equal(t, uint64(20), reloaded.Escrow())

	err = c.Withdraw(context.Background(), "pool-admin", "bob", 25, "op-2")
	assert.ErrorIs(t, err, fault.ErrInsufficientBalance)
}

func TestAttestorKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "attestor.key")
	key, created, err := ensureAttestorKey(path)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := ensureAttestorKey(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, key, again)

	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o600))
	_, err = loadAttestorKey(path)
	assert.ErrorIs(t, err, fault.ErrInvalidConfiguration)
}

func TestStateCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Store.DataDir = filepath.Join(dir, "data")
	cfg.Log.File = ""
	cfg.Log.AuditFile = ""
	cfg.Log.Console = false
	cfg.CustodyPath = filepath.Join(dir, "custody.json")
	confPath := filepath.Join(dir, "poold.json")
	require.NoError(t, config.SaveConfig(cfg, confPath))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"state", "--config", confPath})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"pool_id": "main"`)
	assert.Contains(t, out.String(), `"operation_count": 0`)
}
