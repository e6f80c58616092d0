package verifier_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/fault"
	"shieldpool/internal/verifier"
	"shieldpool/internal/verifier/verifiertest"
)

func inputs(vals ...int64) []byte {
	bigs := make([]*big.Int, len(vals))
	for i, v := range vals {
		bigs[i] = big.NewInt(v)
	}
	return verifier.EncodePublicInputs(bigs...)
}

func TestGroth16AcceptsValidProof(t *testing.T) {
	fx := verifiertest.NewFixture(2)
	rec := fx.Record("unshield", "admin")
	pi := inputs(7, 100)

	s, err := verifier.NewGroth16Strategy(4)
	require.NoError(t, err)

	ok, err := s.Verify(verifier.Payload{Proof: fx.Prove(pi), PublicInputs: pi}, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	// cached key path
	ok, err = s.Verify(verifier.Payload{Proof: fx.Prove(pi), PublicInputs: pi}, rec)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGroth16RejectsForgedProof(t *testing.T) {
	fx := verifiertest.NewFixture(1)
	rec := fx.Record("shield", "admin")
	pi := inputs(42)

	s, err := verifier.NewGroth16Strategy(0)
	require.NoError(t, err)

	ok, err := s.Verify(verifier.Payload{Proof: fx.ForgedProof(pi), PublicInputs: pi}, rec)
	require.NoError(t, err)
	assert.False(t, ok)

	// valid proof for different inputs
	ok, err = s.Verify(verifier.Payload{Proof: fx.Prove(inputs(43)), PublicInputs: pi}, rec)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGroth16MalformedInput(t *testing.T) {
	fx := verifiertest.NewFixture(1)
	rec := fx.Record("shield", "admin")
	pi := inputs(1)
	proof := fx.Prove(pi)
	s, err := verifier.NewGroth16Strategy(0)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload verifier.Payload
		want    error
	}{
		{"short proof", verifier.Payload{Proof: proof[:255], PublicInputs: pi}, fault.ErrInvalidProof},
		{"point off curve", verifier.Payload{Proof: flipByte(proof, 63), PublicInputs: pi}, fault.ErrInvalidProof},
		{"ragged inputs", verifier.Payload{Proof: proof, PublicInputs: pi[:31]}, fault.ErrInvalidPublicInputs},
		{"too many inputs", verifier.Payload{Proof: proof, PublicInputs: inputs(1, 2)}, fault.ErrInvalidPublicInputs},
		{"input above modulus", verifier.Payload{Proof: proof, PublicInputs: bytesOf(0xff, 32)}, fault.ErrInvalidPublicInputs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := s.Verify(tt.payload, rec)
			assert.False(t, ok)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
		})
	}

	bad := *rec
	bad.KeyBytes = rec.KeyBytes[:len(rec.KeyBytes)-1]
	_, err = s.Verify(verifier.Payload{Proof: proof, PublicInputs: pi}, &bad)
	assert.True(t, errors.Is(err, fault.ErrInvalidVerifyingKey))
}

func TestRevokedKeyAlwaysRejects(t *testing.T) {
	fx := verifiertest.NewFixture(1)
	rec := fx.Record("shield", "admin")
	rec.Revoked = true
	pi := inputs(5)
	proof := fx.Prove(pi)

	signer, priv := newSigner(t)
	g16, err := verifier.NewGroth16Strategy(0)
	require.NoError(t, err)
	att := verifier.NewAttestationStrategy(signer)

	for _, s := range []verifier.Strategy{g16, att} {
		ok, err := s.Verify(verifier.Payload{
			Proof:        proof,
			PublicInputs: pi,
			Attestation:  verifiertest.Attest(priv, proof, pi, rec.KeyBytes, true, time.Now()),
		}, rec)
		assert.False(t, ok, s.Name())
		assert.True(t, errors.Is(err, fault.ErrKeyRevoked), s.Name())
		assert.Equal(t, fault.KindVerificationFailure, fault.KindOf(err))
	}
}

func TestKeyBytesRoundTrip(t *testing.T) {
	fx := verifiertest.NewFixture(3)
	b := fx.Key.Bytes()
	assert.Len(t, b, 64+3*128+4+4*64)

	vk, err := verifier.ParseVerifyingKey(b)
	require.NoError(t, err)
	assert.Equal(t, 3, vk.NumPublicInputs())
	assert.Equal(t, b, vk.Bytes())
}

func flipByte(b []byte, i int) []byte {
	out := append([]byte(nil), b...)
	out[i] ^= 1
	return out
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func newSigner(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}
