package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/fault"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func nf(b byte) [32]byte {
	var n [32]byte
	n[0] = b
	return n
}

func TestCommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	snap, err := s.LoadPool(ctx, "main")
	require.NoError(t, err)
	assert.True(t, snap.Empty())

	require.NoError(t, s.Commit(ctx, "main", &Changes{
		Tree:       []byte("tree-1"),
		Ledger:     []byte("ledger-1"),
		Nullifiers: [][32]byte{nf(1), nf(2)},
		Vaults:     map[string][]byte{"alice": []byte("v1"), "bob": []byte("v2")},
		Keys:       map[string][]byte{"shield@v1": []byte("k")},
	}))
	require.NoError(t, s.Commit(ctx, "main", &Changes{
		Tree:          []byte("tree-2"),
		Nullifiers:    [][32]byte{nf(3)},
		NullifierBase: 2,
		Vaults:        map[string][]byte{"bob": nil},
	}))
	require.NoError(t, s.Commit(ctx, "other", &Changes{Tree: []byte("x")}))

	snap, err = s.LoadPool(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []byte("tree-2"), snap.Tree)
	assert.Equal(t, []byte("ledger-1"), snap.Ledger)
	assert.Equal(t, [][32]byte{nf(1), nf(2), nf(3)}, snap.Nullifiers)
	assert.Equal(t, map[string][]byte{"alice": []byte("v1")}, snap.Vaults)
	assert.Equal(t, []byte("k"), snap.Keys["shield@v1"])
}

func TestCommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	require.NoError(t, s.Commit(ctx, "main", &Changes{Tree: []byte("t1"), Nullifiers: [][32]byte{nf(1)}}))

	err := s.Commit(ctx, "main", &Changes{
		Tree:          []byte("t2"),
		Nullifiers:    [][32]byte{nf(2), nf(1)},
		NullifierBase: 1,
		Vaults:        map[string][]byte{"alice": []byte("v")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrNullifierAlreadyUsed))

	snap, err := s.LoadPool(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []byte("t1"), snap.Tree)
	assert.Equal(t, [][32]byte{nf(1)}, snap.Nullifiers)
	assert.Empty(t, snap.Vaults)
}

func TestCommitmentsAreStoredOnce(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	require.NoError(t, s.Commit(ctx, "main", &Changes{
		Tree:        []byte("t1"),
		Commitments: map[[32]byte]uint64{nf(7): 0, nf(8): 1},
	}))

	err := s.Commit(ctx, "main", &Changes{
		Tree:        []byte("t2"),
		Commitments: map[[32]byte]uint64{nf(9): 2, nf(7): 3},
	})
	assert.ErrorIs(t, err, fault.ErrCommitmentExists)

	snap, err := s.LoadPool(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []byte("t1"), snap.Tree)
	assert.Equal(t, map[[32]byte]uint64{nf(7): 0, nf(8): 1}, snap.Commitments)
	assert.Empty(t, snap.Nullifiers)
}

func TestPingAndCancelledContext(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.Ping(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Commit(ctx, "main", &Changes{Tree: []byte("t")}), context.Canceled)
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Commit(context.Background(), "main", &Changes{Ledger: []byte("l")}))
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	snap, err := s.LoadPool(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, []byte("l"), snap.Ledger)

	_, err = Open(Options{})
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
}
