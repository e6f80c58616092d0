package verifier

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	lru "github.com/hashicorp/golang-lru/v2"

	"shieldpool/internal/fault"
)

const defaultKeyCacheSize = 32

// Groth16Strategy checks proofs on the engine with a BN254 pairing product:
//
//	e(-A, B) * e(alpha, beta) * e(vk_x, gamma) * e(C, delta) == 1
//
// where vk_x = gamma_abc[0] + sum(x_i * gamma_abc[i+1]).
type Groth16Strategy struct {
	keys *lru.Cache[[32]byte, *VerifyingKey]
}

// NewGroth16Strategy returns a strategy caching up to cacheSize parsed keys.
func NewGroth16Strategy(cacheSize int) (*Groth16Strategy, error) {
	if cacheSize <= 0 {
		cacheSize = defaultKeyCacheSize
	}
	cache, err := lru.New[[32]byte, *VerifyingKey](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("key cache: %w", err)
	}
	return &Groth16Strategy{keys: cache}, nil
}

func (s *Groth16Strategy) Name() string { return ModeGroth16 }

func (s *Groth16Strategy) Verify(p Payload, key *KeyRecord) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	vk, err := s.parsedKey(key)
	if err != nil {
		return false, err
	}
	proof, err := ParseProof(p.Proof)
	if err != nil {
		return false, err
	}
	inputs, err := ParsePublicInputs(p.PublicInputs)
	if err != nil {
		return false, err
	}
	return VerifyGroth16(vk, proof, inputs)
}

func (s *Groth16Strategy) parsedKey(key *KeyRecord) (*VerifyingKey, error) {
	id := sha256.Sum256(key.KeyBytes)
	if vk, ok := s.keys.Get(id); ok {
		return vk, nil
	}
	vk, err := ParseVerifyingKey(key.KeyBytes)
	if err != nil {
		return nil, err
	}
	s.keys.Add(id, vk)
	return vk, nil
}

// VerifyGroth16 evaluates the pairing equation for already parsed values.
func VerifyGroth16(vk *VerifyingKey, proof *Proof, inputs []*big.Int) (bool, error) {
	if len(inputs) != vk.NumPublicInputs() {
		return false, fmt.Errorf("%w: got %d inputs, key expects %d",
			fault.ErrInvalidPublicInputs, len(inputs), vk.NumPublicInputs())
	}

	vkX := vk.GammaABC[0]
	var term bn254.G1Affine
	for i, x := range inputs {
		term.ScalarMultiplication(&vk.GammaABC[i+1], x)
		vkX.Add(&vkX, &term)
	}

	var negA bn254.G1Affine
	negA.Neg(&proof.A)

	ok, err := bn254.PairingCheck(
		[]bn254.G1Affine{negA, vk.Alpha, vkX, proof.C},
		[]bn254.G2Affine{proof.B, vk.Beta, vk.Gamma, vk.Delta},
	)
	if err != nil {
		return false, fmt.Errorf("%w: pairing: %v", fault.ErrInvalidProof, err)
	}
	return ok, nil
}
