package verifier_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/fault"
	"shieldpool/internal/verifier"
	"shieldpool/internal/verifier/verifiertest"
)

func TestAttestationEncoding(t *testing.T) {
	_, priv := newSigner(t)
	raw := verifiertest.Attest(priv, []byte("proof"), []byte("inputs"), []byte("key"), true, time.Unix(1700000000, 0))
	require.Len(t, raw, verifier.AttestationSize)

	a, err := verifier.ParseAttestation(raw)
	require.NoError(t, err)
	assert.True(t, a.IsValid)
	assert.Equal(t, int64(1700000000), a.Timestamp)
	assert.Equal(t, raw, a.Bytes())

	js, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(js), `"is_valid":true`)

	var back verifier.Attestation
	require.NoError(t, json.Unmarshal(js, &back))
	assert.Equal(t, *a, back)

	raw[96] = 7
	_, err = verifier.ParseAttestation(raw)
	assert.True(t, errors.Is(err, fault.ErrInvalidAttestation))
}

func TestAttestationStrategy(t *testing.T) {
	fx := verifiertest.NewFixture(1)
	rec := fx.Record("shield", "admin")
	pi := inputs(9)
	proof := fx.Prove(pi)
	signer, priv := newSigner(t)
	_, otherPriv := newSigner(t)
	now := time.Unix(1700000000, 0)

	s := verifier.NewAttestationStrategy(signer)
	s.Now = func() time.Time { return now }

	tests := []struct {
		name string
		att  []byte
		ok   bool
		want error
	}{
		{"fresh and valid", verifiertest.Attest(priv, proof, pi, rec.KeyBytes, true, now.Add(-10*time.Second)), true, nil},
		{"exactly at window", verifiertest.Attest(priv, proof, pi, rec.KeyBytes, true, now.Add(-300*time.Second)), true, nil},
		{"stale", verifiertest.Attest(priv, proof, pi, rec.KeyBytes, true, now.Add(-301*time.Second)), false, fault.ErrStaleAttestation},
		{"from the future", verifiertest.Attest(priv, proof, pi, rec.KeyBytes, true, now.Add(time.Second)), false, fault.ErrStaleAttestation},
		{"untrusted signer", verifiertest.Attest(otherPriv, proof, pi, rec.KeyBytes, true, now), false, fault.ErrVerificationFailed},
		{"other proof", verifiertest.Attest(priv, fx.Prove(pi), pi, rec.KeyBytes, true, now), false, fault.ErrVerificationFailed},
		{"other inputs", verifiertest.Attest(priv, proof, inputs(10), rec.KeyBytes, true, now), false, fault.ErrVerificationFailed},
		{"other key", verifiertest.Attest(priv, proof, pi, []byte("k"), true, now), false, fault.ErrVerificationFailed},
		{"attested invalid", verifiertest.Attest(priv, proof, pi, rec.KeyBytes, false, now), false, nil},
		{"truncated", verifiertest.Attest(priv, proof, pi, rec.KeyBytes, true, now)[:100], false, fault.ErrInvalidAttestation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := s.Verify(verifier.Payload{Proof: proof, PublicInputs: pi, Attestation: tt.att}, rec)
			assert.Equal(t, tt.ok, ok)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.want), "got %v", err)
			}
		})
	}
}

func TestAttestationRequiresPayload(t *testing.T) {
	fx := verifiertest.NewFixture(1)
	signer, _ := newSigner(t)
	s := verifier.NewAttestationStrategy(signer)
	pi := inputs(1)

	_, err := s.Verify(verifier.Payload{Proof: fx.Prove(pi), PublicInputs: pi}, fx.Record("shield", "admin"))
	assert.True(t, errors.Is(err, fault.ErrInvalidAttestation))
}
