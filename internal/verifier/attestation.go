package verifier

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"shieldpool/internal/fault"
)

const (
	attestationMessageSize = 3*32 + 1 + 8
	// AttestationSize is the canonical encoding: message || signature.
	AttestationSize = attestationMessageSize + ed25519.SignatureSize
	// DefaultMaxAttestationAge bounds how old an accepted attestation may be.
	DefaultMaxAttestationAge = 300 * time.Second
)

// Attestation is a signed statement from an external verifier that a proof
// verified (or not) against a key.
type Attestation struct {
	ProofHash        [32]byte
	PublicInputsHash [32]byte
	VerifyingKeyHash [32]byte
	IsValid          bool
	Timestamp        int64
	Signature        [ed25519.SignatureSize]byte
}

// NewAttestation hashes the verified material into an unsigned attestation.
func NewAttestation(proof, publicInputs, keyBytes []byte, valid bool, at time.Time) *Attestation {
	return &Attestation{
		ProofHash:        sha256.Sum256(proof),
		PublicInputsHash: sha256.Sum256(publicInputs),
		VerifyingKeyHash: sha256.Sum256(keyBytes),
		IsValid:          valid,
		Timestamp:        at.Unix(),
	}
}

// Message returns the signed bytes:
// proof_hash || inputs_hash || key_hash || is_valid || timestamp (i64 LE).
func (a *Attestation) Message() []byte {
	msg := make([]byte, 0, attestationMessageSize)
	msg = append(msg, a.ProofHash[:]...)
	msg = append(msg, a.PublicInputsHash[:]...)
	msg = append(msg, a.VerifyingKeyHash[:]...)
	if a.IsValid {
		msg = append(msg, 1)
	} else {
		msg = append(msg, 0)
	}
	return binary.LittleEndian.AppendUint64(msg, uint64(a.Timestamp))
}

// Sign fills in the signature.
func (a *Attestation) Sign(key ed25519.PrivateKey) {
	copy(a.Signature[:], ed25519.Sign(key, a.Message()))
}

// VerifySignature checks the signature against signer.
func (a *Attestation) VerifySignature(signer ed25519.PublicKey) bool {
	return len(signer) == ed25519.PublicKeySize && ed25519.Verify(signer, a.Message(), a.Signature[:])
}

// Bytes returns the canonical 169-byte encoding.
func (a *Attestation) Bytes() []byte {
	return append(a.Message(), a.Signature[:]...)
}

// ParseAttestation decodes the canonical encoding.
func ParseAttestation(b []byte) (*Attestation, error) {
	if len(b) != AttestationSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", fault.ErrInvalidAttestation, len(b), AttestationSize)
	}
	var a Attestation
	copy(a.ProofHash[:], b[0:32])
	copy(a.PublicInputsHash[:], b[32:64])
	copy(a.VerifyingKeyHash[:], b[64:96])
	switch b[96] {
	case 0:
	case 1:
		a.IsValid = true
	default:
		return nil, fmt.Errorf("%w: validity flag %d", fault.ErrInvalidAttestation, b[96])
	}
	a.Timestamp = int64(binary.LittleEndian.Uint64(b[97:105]))
	copy(a.Signature[:], b[105:])
	return &a, nil
}

type attestationJSON struct {
	ProofHash        string `json:"proof_hash"`
	PublicInputsHash string `json:"public_inputs_hash"`
	VerifyingKeyHash string `json:"verifying_key_hash"`
	IsValid          bool   `json:"is_valid"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

func (a *Attestation) MarshalJSON() ([]byte, error) {
	return json.Marshal(attestationJSON{
		ProofHash:        hex.EncodeToString(a.ProofHash[:]),
		PublicInputsHash: hex.EncodeToString(a.PublicInputsHash[:]),
		VerifyingKeyHash: hex.EncodeToString(a.VerifyingKeyHash[:]),
		IsValid:          a.IsValid,
		Timestamp:        a.Timestamp,
		Signature:        hex.EncodeToString(a.Signature[:]),
	})
}

func (a *Attestation) UnmarshalJSON(data []byte) error {
	var j attestationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidAttestation, err)
	}
	fields := []struct {
		src string
		dst []byte
	}{
		{j.ProofHash, a.ProofHash[:]},
		{j.PublicInputsHash, a.PublicInputsHash[:]},
		{j.VerifyingKeyHash, a.VerifyingKeyHash[:]},
		{j.Signature, a.Signature[:]},
	}
	for _, f := range fields {
		raw, err := hex.DecodeString(f.src)
		if err != nil || len(raw) != len(f.dst) {
			return fmt.Errorf("%w: bad hex field", fault.ErrInvalidAttestation)
		}
		copy(f.dst, raw)
	}
	a.IsValid = j.IsValid
	a.Timestamp = j.Timestamp
	return nil
}

// AttestationStrategy accepts proofs vouched for by a trusted signer.
type AttestationStrategy struct {
	Signer ed25519.PublicKey
	MaxAge time.Duration
	Now    func() time.Time
}

// NewAttestationStrategy trusts signer with the default freshness window.
func NewAttestationStrategy(signer ed25519.PublicKey) *AttestationStrategy {
	return &AttestationStrategy{Signer: signer, MaxAge: DefaultMaxAttestationAge, Now: time.Now}
}

func (s *AttestationStrategy) Name() string { return ModeAttestation }

func (s *AttestationStrategy) Verify(p Payload, key *KeyRecord) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if len(p.Proof) != ProofSize {
		return false, fmt.Errorf("%w: proof is %d bytes, want %d", fault.ErrInvalidProof, len(p.Proof), ProofSize)
	}
	if len(p.PublicInputs) == 0 || len(p.PublicInputs)%FieldSize != 0 || len(p.PublicInputs) > MaxPublicInputsSize {
		return false, fmt.Errorf("%w: %d bytes", fault.ErrInvalidPublicInputs, len(p.PublicInputs))
	}
	if len(p.Attestation) == 0 {
		return false, fmt.Errorf("%w: attestation required", fault.ErrInvalidAttestation)
	}
	att, err := ParseAttestation(p.Attestation)
	if err != nil {
		return false, err
	}

	switch {
	case att.ProofHash != sha256.Sum256(p.Proof):
		return false, fmt.Errorf("%w: proof hash mismatch", fault.ErrVerificationFailed)
	case att.PublicInputsHash != sha256.Sum256(p.PublicInputs):
		return false, fmt.Errorf("%w: public inputs hash mismatch", fault.ErrVerificationFailed)
	case att.VerifyingKeyHash != key.Hash():
		return false, fmt.Errorf("%w: verifying key hash mismatch", fault.ErrVerificationFailed)
	case !att.VerifySignature(s.Signer):
		return false, fmt.Errorf("%w: bad attestation signature", fault.ErrVerificationFailed)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	maxAge := s.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAttestationAge
	}
	age := now().Unix() - att.Timestamp
	if age < 0 || age > int64(maxAge/time.Second) {
		return false, fmt.Errorf("%w: age %ds", fault.ErrStaleAttestation, age)
	}
	if !att.IsValid {
		return false, nil
	}
	return true, nil
}
