// Package verifiertest builds Groth16 keys with a known trapdoor so tests can
// produce proofs that satisfy the pairing equation without compiling a
// circuit.
package verifiertest

import (
	"crypto/ed25519"
	"math/big"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"shieldpool/internal/verifier"
)

// Fixture is a verifying key together with its trapdoor scalars.
type Fixture struct {
	Key *verifier.VerifyingKey

	a, b, g, d fr.Element
	k          []fr.Element
}

// NewFixture returns a key accepting numInputs public inputs.
func NewFixture(numInputs int) *Fixture {
	_, _, g1, g2 := bn254.Generators()
	f := &Fixture{k: make([]fr.Element, numInputs+1)}
	for _, e := range []*fr.Element{&f.a, &f.b, &f.g, &f.d} {
		mustRandom(e)
	}
	vk := &verifier.VerifyingKey{GammaABC: make([]bn254.G1Affine, numInputs+1)}
	vk.Alpha.ScalarMultiplication(&g1, f.a.BigInt(new(big.Int)))
	vk.Beta.ScalarMultiplication(&g2, f.b.BigInt(new(big.Int)))
	vk.Gamma.ScalarMultiplication(&g2, f.g.BigInt(new(big.Int)))
	vk.Delta.ScalarMultiplication(&g2, f.d.BigInt(new(big.Int)))
	for i := range f.k {
		mustRandom(&f.k[i])
		vk.GammaABC[i].ScalarMultiplication(&g1, f.k[i].BigInt(new(big.Int)))
	}
	f.Key = vk
	return f
}

// Record wraps the key in an active KeyRecord.
func (f *Fixture) Record(tag, authority string) *verifier.KeyRecord {
	return &verifier.KeyRecord{CircuitTag: tag, Version: 1, KeyBytes: f.Key.Bytes(), Authority: authority}
}

// Prove returns a 256-byte proof valid for inputs. Each input is a 32-byte
// big-endian scalar.
func (f *Fixture) Prove(inputs []byte) []byte {
	_, _, g1, g2 := bn254.Generators()
	var r, s fr.Element
	mustRandom(&r)
	mustRandom(&s)

	// x = k0 + sum(x_i * k_{i+1})
	x := f.k[0]
	for i := 0; i*32 < len(inputs); i++ {
		var xi, t fr.Element
		xi.SetBytes(inputs[i*32 : (i+1)*32])
		t.Mul(&xi, &f.k[i+1])
		x.Add(&x, &t)
	}

	// c = (r*s - a*b - x*g) / d
	var c, ab, xg, dInv fr.Element
	c.Mul(&r, &s)
	ab.Mul(&f.a, &f.b)
	xg.Mul(&x, &f.g)
	c.Sub(&c, &ab).Sub(&c, &xg)
	dInv.Inverse(&f.d)
	c.Mul(&c, &dInv)

	var p verifier.Proof
	p.A.ScalarMultiplication(&g1, r.BigInt(new(big.Int)))
	p.B.ScalarMultiplication(&g2, s.BigInt(new(big.Int)))
	p.C.ScalarMultiplication(&g1, c.BigInt(new(big.Int)))
	return p.Bytes()
}

// ForgedProof returns a well-formed proof that does not verify.
func (f *Fixture) ForgedProof(inputs []byte) []byte {
	p, err := verifier.ParseProof(f.Prove(inputs))
	if err != nil {
		panic(err)
	}
	_, _, g1, _ := bn254.Generators()
	p.C.Add(&p.C, &g1)
	return p.Bytes()
}

// Attest signs an attestation over the given material.
func Attest(signer ed25519.PrivateKey, proof, inputs, keyBytes []byte, valid bool, at time.Time) []byte {
	a := verifier.NewAttestation(proof, inputs, keyBytes, valid, at)
	a.Sign(signer)
	return a.Bytes()
}

func mustRandom(e *fr.Element) {
	for {
		if _, err := e.SetRandom(); err != nil {
			panic(err)
		}
		if !e.IsZero() {
			return
		}
	}
}
