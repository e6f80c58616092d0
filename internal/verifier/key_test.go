package verifier_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/fault"
	"shieldpool/internal/verifier"
	"shieldpool/internal/verifier/verifiertest"
)

func TestKeyRegistryLifecycle(t *testing.T) {
	reg := verifier.NewKeyRegistry()
	rec := verifiertest.NewFixture(1).Record("shield", "admin")

	require.NoError(t, reg.Register(rec))
	assert.True(t, errors.Is(reg.Register(rec), fault.ErrKeyExists))

	_, err := reg.Get(verifier.KeyRef{CircuitTag: "shield", Version: 2})
	assert.True(t, errors.Is(err, fault.ErrKeyNotFound))

	_, err = reg.Revoke(rec.Ref(), "mallory")
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))

	revoked, err := reg.Revoke(rec.Ref(), "admin")
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	stored, err := reg.Get(rec.Ref())
	require.NoError(t, err)
	assert.False(t, stored.Revoked, "revoke is staged until restored")

	reg.Restore(revoked)
	_, err = reg.Revoke(rec.Ref(), "admin")
	assert.True(t, errors.Is(err, fault.ErrAlreadyRevoked))
	assert.Len(t, reg.List(), 1)
}

func TestKeyRegistryValidatesOnce(t *testing.T) {
	reg := verifier.NewKeyRegistry()
	err := reg.Register(&verifier.KeyRecord{CircuitTag: "shield", Version: 1, KeyBytes: []byte{1, 2, 3}, Authority: "admin"})
	assert.True(t, errors.Is(err, fault.ErrInvalidVerifyingKey))

	err = reg.Register(&verifier.KeyRecord{CircuitTag: "shield", Version: 1, KeyBytes: verifiertest.NewFixture(1).Key.Bytes()})
	assert.True(t, errors.Is(err, fault.ErrInvalidVerifyingKey))
}

func TestKeyRecordEncoding(t *testing.T) {
	rec := verifiertest.NewFixture(2).Record("transfer", "admin")
	rec.Revoked = true

	data, err := rec.MarshalBinary()
	require.NoError(t, err)
	back, err := verifier.DecodeKeyRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, back)

	_, err = verifier.DecodeKeyRecord(data[:len(data)-1])
	assert.True(t, errors.Is(err, fault.ErrCorruptRecord))
	_, err = verifier.DecodeKeyRecord(append([]byte("SPCT"), data[4:]...))
	assert.True(t, errors.Is(err, fault.ErrCorruptRecord))
}
