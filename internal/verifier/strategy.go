// Package verifier checks Groth16 proofs over BN254, either directly with a
// pairing check or by trusting a signed attestation from an external
// verifier. Both strategies share the Strategy contract and are selected
// when a pool is configured.
package verifier

import (
	"fmt"

	"shieldpool/internal/fault"
)

// Payload is the data attached to an operation before verification.
type Payload struct {
	Proof        []byte
	PublicInputs []byte
	// Attestation is the canonical attestation encoding, required only by
	// the attestation strategy.
	Attestation []byte
}

// Strategy validates a payload against a verifying key.
//
// A false result means the proof is well formed but does not verify.
// Malformed input is reported as an InvalidInput error, and a revoked key or
// a rejected attestation as a VerificationFailure error.
type Strategy interface {
	Name() string
	Verify(p Payload, key *KeyRecord) (bool, error)
}

const (
	ModeGroth16     = "groth16"
	ModeAttestation = "attestation"
)

func checkKey(key *KeyRecord) error {
	if key == nil {
		return fault.ErrKeyNotFound
	}
	if key.Revoked {
		return fmt.Errorf("%w: %s", fault.ErrKeyRevoked, key.Ref())
	}
	return nil
}
