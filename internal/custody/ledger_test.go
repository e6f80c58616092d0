package custody

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/fault"
)

func TestDepositAndWithdraw(t *testing.T) {
	ctx := context.Background()
	l := NewLedger("pool-authority")
	require.NoError(t, l.Credit("alice", 100))

	require.NoError(t, l.Deposit(ctx, "pool-authority", "alice", 60, "op-1"))
	assert.Equal(t, uint64(40), l.Balance("alice"))
	assert.Equal(t, uint64(60), l.Escrow())

	require.NoError(t, l.Withdraw(ctx, "pool-authority", "bob", 25, "op-2"))
	assert.Equal(t, uint64(25), l.Balance("bob"))
	assert.Equal(t, uint64(35), l.Escrow())
	assert.Len(t, l.History(), 2)
}

func TestMovementIsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	l := NewLedger("a")
	require.NoError(t, l.Credit("alice", 10))

	require.NoError(t, l.Deposit(ctx, "a", "alice", 10, "op-1"))
	require.NoError(t, l.Deposit(ctx, "a", "alice", 10, "op-1"))
	assert.Equal(t, uint64(10), l.Escrow())
	assert.Len(t, l.History(), 1)

	err := l.Deposit(ctx, "a", "alice", 5, "op-1")
	assert.ErrorIs(t, err, fault.ErrOperationExists)
}

func TestMovementRejections(t *testing.T) {
	ctx := context.Background()
	l := NewLedger("a")
	require.NoError(t, l.Credit("alice", 5))

	assert.ErrorIs(t, l.Deposit(ctx, "intruder", "alice", 1, "r1"), fault.ErrUnauthorized)
	assert.ErrorIs(t, l.Deposit(ctx, "a", "alice", 6, "r2"), fault.ErrInsufficientBalance)
	assert.ErrorIs(t, l.Withdraw(ctx, "a", "bob", 1, "r3"), fault.ErrInsufficientBalance)
	assert.ErrorIs(t, l.Deposit(ctx, "a", "alice", 0, "r4"), fault.ErrInvalidAmount)
	assert.Equal(t, uint64(5), l.Balance("alice"))
	assert.Empty(t, l.History())
}

func TestLedgerFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "custody.json")

	l := NewLedger("a")
	require.NoError(t, l.Credit("alice", 50))
	require.NoError(t, l.Deposit(ctx, "a", "alice", 20, "op-1"))
	require.NoError(t, l.SaveToFile(path))

	restored, err := LoadLedgerFromFile(path, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), restored.Balance("alice"))
	assert.Equal(t, uint64(20), restored.Escrow())
	assert.Equal(t, []string{"alice"}, restored.Accounts())

	// a replay after restart is still a no-op
	require.NoError(t, restored.Deposit(ctx, "a", "alice", 20, "op-1"))
	assert.Equal(t, uint64(20), restored.Escrow())

	_, err = LoadLedgerFromFile(path, "someone-else")
	assert.ErrorIs(t, err, fault.ErrInvalidAuthority)

	fresh, err := LoadLedgerFromFile(filepath.Join(t.TempDir(), "missing.json"), "a")
	require.NoError(t, err)
	assert.Zero(t, fresh.Escrow())
}
