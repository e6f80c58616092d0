// note.go - Shielded notes and their MiMC derivations over the BN254 scalar field.
//
// A note commits to an amount and an owner:
//
//	pk = MiMC(sk)
//	cm = MiMC(amount, pk, rho, rand)
//	nf = MiMC(sk, rho)
//
// The same derivations are enforced inside the circuits, so every value here
// is a canonical field element and can be used directly as a public input.

package prover

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// SpendingKey is the secret that owns notes.
type SpendingKey struct {
	Sk fr.Element
}

// NewSpendingKey draws a random key.
func NewSpendingKey() (*SpendingKey, error) {
	var k SpendingKey
	if _, err := k.Sk.SetRandom(); err != nil {
		return nil, fmt.Errorf("spending key: %w", err)
	}
	return &k, nil
}

// PublicKey returns MiMC(sk).
func (k *SpendingKey) PublicKey() fr.Element { return mimcHash(k.Sk) }

// Note is an unspent shielded value.
type Note struct {
	Amount uint64
	Owner  fr.Element
	Rho    fr.Element
	Rand   fr.Element
}

// NewNote creates a note for owner with fresh randomness.
func NewNote(amount uint64, owner fr.Element) (*Note, error) {
	n := &Note{Amount: amount, Owner: owner}
	for _, e := range []*fr.Element{&n.Rho, &n.Rand} {
		if _, err := e.SetRandom(); err != nil {
			return nil, fmt.Errorf("note randomness: %w", err)
		}
	}
	return n, nil
}

// Commitment returns MiMC(amount, pk, rho, rand).
func (n *Note) Commitment() fr.Element {
	var amount fr.Element
	amount.SetUint64(n.Amount)
	return mimcHash(amount, n.Owner, n.Rho, n.Rand)
}

// Nullifier returns MiMC(sk, rho). Only the owner can compute it.
func (n *Note) Nullifier(k *SpendingKey) fr.Element { return mimcHash(k.Sk, n.Rho) }

// Bytes32 returns the 32-byte big-endian encoding of e.
func Bytes32(e fr.Element) [32]byte { return e.Bytes() }

func mimcHash(elems ...fr.Element) fr.Element {
	h := mimc.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		h.Write(b[:])
	}
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}
