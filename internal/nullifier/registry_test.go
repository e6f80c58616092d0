package nullifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/fault"
)

func nf(b byte) Nullifier {
	var n Nullifier
	n[31] = b
	n[0] = 0xaa
	return n
}

func TestInsertTwice(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert(nf(1)))

	err := r.Insert(nf(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrNullifierAlreadyUsed))
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Contains(nf(1)))
}

func TestZeroNullifierRejected(t *testing.T) {
	r := New()
	assert.True(t, errors.Is(r.Insert(Nullifier{}), fault.ErrInvalidNullifier))
	assert.Equal(t, 0, r.Len())
}

func TestCheckDoesNotMutate(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert(nf(1)))

	require.NoError(t, r.Check(nf(2), nf(3)))
	assert.Equal(t, 1, r.Len())

	assert.True(t, errors.Is(r.Check(nf(2), nf(1)), fault.ErrNullifierAlreadyUsed))
	assert.True(t, errors.Is(r.Check(nf(4), nf(4)), fault.ErrNullifierAlreadyUsed))
	assert.False(t, r.Contains(nf(4)))
}

func TestRestoreKeepsOrder(t *testing.T) {
	r := New()
	for i := byte(1); i <= 5; i++ {
		require.NoError(t, r.Insert(nf(i)))
	}

	restored, err := Restore(r.All())
	require.NoError(t, err)
	assert.Equal(t, r.All(), restored.All())

	assert.True(t, restored.Contains(nf(4)))
	assert.Equal(t, 5, restored.Len())

	_, err = Restore([]Nullifier{nf(1), nf(1)})
	assert.True(t, errors.Is(err, fault.ErrCorruptRecord))
}
