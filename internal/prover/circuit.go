package prover

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// Public fields are declared in the order the pool encodes public inputs.

// ShieldCircuit proves knowledge of the opening of a new commitment whose
// amount fits in 64 bits.
type ShieldCircuit struct {
	Commitment frontend.Variable `gnark:",public"`

	Amount frontend.Variable
	Owner  frontend.Variable
	Rho    frontend.Variable
	Rand   frontend.Variable
}

func (c *ShieldCircuit) Define(api frontend.API) error {
	api.ToBinary(c.Amount, 64)
	cm, err := commit(api, c.Amount, c.Owner, c.Rho, c.Rand)
	if err != nil {
		return err
	}
	api.AssertIsEqual(c.Commitment, cm)
	return nil
}

// UnshieldCircuit proves ownership of a note of the public amount and binds
// its nullifier.
//
// The circuit does not prove that the spent note is a leaf of the pool tree.
// The anchor root of an operation is checked against the pool's root history
// but is not a public input, so the proof is not bound to it.
type UnshieldCircuit struct {
	Nullifier frontend.Variable `gnark:",public"`
	Amount    frontend.Variable `gnark:",public"`

	Sk   frontend.Variable
	Rho  frontend.Variable
	Rand frontend.Variable
}

func (c *UnshieldCircuit) Define(api frontend.API) error {
	api.ToBinary(c.Amount, 64)
	if _, err := spend(api, c.Sk, c.Rho, c.Rand, c.Amount, c.Nullifier); err != nil {
		return err
	}
	return nil
}

// TransferCircuit spends one note and creates another of the same amount.
// Like UnshieldCircuit it carries no Merkle membership proof and leaves the
// anchor root outside the proof.
type TransferCircuit struct {
	Nullifier     frontend.Variable `gnark:",public"`
	CommitmentOut frontend.Variable `gnark:",public"`
	Amount        frontend.Variable `gnark:",public"`

	SkIn     frontend.Variable
	RhoIn    frontend.Variable
	RandIn   frontend.Variable
	OwnerOut frontend.Variable
	RhoOut   frontend.Variable
	RandOut  frontend.Variable
}

func (c *TransferCircuit) Define(api frontend.API) error {
	api.ToBinary(c.Amount, 64)
	if _, err := spend(api, c.SkIn, c.RhoIn, c.RandIn, c.Amount, c.Nullifier); err != nil {
		return err
	}
	cm, err := commit(api, c.Amount, c.OwnerOut, c.RhoOut, c.RandOut)
	if err != nil {
		return err
	}
	api.AssertIsEqual(c.CommitmentOut, cm)
	return nil
}

func hash(api frontend.API, vs ...frontend.Variable) (frontend.Variable, error) {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return nil, err
	}
	h.Write(vs...)
	return h.Sum(), nil
}

func commit(api frontend.API, amount, owner, rho, rand frontend.Variable) (frontend.Variable, error) {
	return hash(api, amount, owner, rho, rand)
}

// spend asserts nf = MiMC(sk, rho) and returns the commitment of the spent
// note, derived with the owner key MiMC(sk).
func spend(api frontend.API, sk, rho, rand, amount, nf frontend.Variable) (frontend.Variable, error) {
	computed, err := hash(api, sk, rho)
	if err != nil {
		return nil, err
	}
	api.AssertIsEqual(nf, computed)
	pk, err := hash(api, sk)
	if err != nil {
		return nil, err
	}
	return commit(api, amount, pk, rho, rand)
}
