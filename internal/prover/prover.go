// prover.go - Proof generation for shield, unshield and transfer operations.
//
// The Prover compiles the three circuits, loads or creates their Groth16
// keys, and turns notes into ready-to-submit pool operations: the canonical
// fields plus a payload holding the 256-byte proof and its public inputs.

package prover

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/rs/zerolog"

	"shieldpool/internal/fault"
	"shieldpool/internal/metrics"
	"shieldpool/internal/pool"
	"shieldpool/internal/verifier"
)

type circuitKeys struct {
	ccs       constraint.ConstraintSystem
	pk        groth16.ProvingKey
	vk        groth16.VerifyingKey
	numPublic int
}

// Prover generates proofs for every operation kind.
type Prover struct {
	circuits map[pool.Kind]*circuitKeys
	metrics  *metrics.Collector
	log      zerolog.Logger
}

// Statement is a proven operation ready for Prepare and AttachPayload.
type Statement struct {
	Kind    pool.Kind
	Fields  pool.Fields
	Payload verifier.Payload
}

func newCircuit(k pool.Kind) (frontend.Circuit, int) {
	switch k {
	case pool.Shield:
		return &ShieldCircuit{}, 1
	case pool.Unshield:
		return &UnshieldCircuit{}, 2
	default:
		return &TransferCircuit{}, 3
	}
}

// New compiles the circuits and loads their keys from keyDir, running the
// setup for any circuit whose keys are missing.
func New(keyDir string, m *metrics.Collector, log zerolog.Logger) (*Prover, error) {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	p := &Prover{circuits: make(map[pool.Kind]*circuitKeys), metrics: m, log: log}
	for _, k := range pool.Kinds {
		circuit, numPublic := newCircuit(k)
		ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, circuit)
		if err != nil {
			return nil, fmt.Errorf("compile %s circuit: %w", k, err)
		}
		pkPath := filepath.Join(keyDir, k.String()+".pk")
		vkPath := filepath.Join(keyDir, k.String()+".vk")
		pk, vk, created, err := SetupOrLoadKeys(ccs, pkPath, vkPath)
		if err != nil {
			return nil, fmt.Errorf("%s keys: %w", k, err)
		}
		log.Info().
			Str("circuit", k.String()).
			Int("constraints", ccs.GetNbConstraints()).
			Bool("generated", created).
			Msg("circuit ready")
		p.circuits[k] = &circuitKeys{ccs: ccs, pk: pk, vk: vk, numPublic: numPublic}
	}
	return p, nil
}

// KeyRecord returns the verifying key of a circuit as a pool key record.
func (p *Prover) KeyRecord(k pool.Kind, version uint32, authority string) (*verifier.KeyRecord, error) {
	c, ok := p.circuits[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fault.ErrInvalidOperationKind, k)
	}
	vk, err := ExportVerifyingKey(c.vk, c.numPublic)
	if err != nil {
		return nil, err
	}
	return &verifier.KeyRecord{CircuitTag: k.String(), Version: version, KeyBytes: vk.Bytes(), Authority: authority}, nil
}

func element(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

func bigOf(e fr.Element) *big.Int { return e.BigInt(new(big.Int)) }

func hashOf(e fr.Element) pool.Hash { return pool.Hash(e.Bytes()) }

// Shield proves a new note.
func (p *Prover) Shield(note *Note) (*Statement, error) {
	cm := note.Commitment()
	assignment := &ShieldCircuit{
		Commitment: bigOf(cm),
		Amount:     element(note.Amount),
		Owner:      bigOf(note.Owner),
		Rho:        bigOf(note.Rho),
		Rand:       bigOf(note.Rand),
	}
	fields := pool.Fields{Amount: note.Amount, Commitment: hashOf(cm)}
	return p.prove(pool.Shield, assignment, fields)
}

// Unshield proves the spend of note to a public recipient. root is the tree
// root the spend is anchored to.
func (p *Prover) Unshield(note *Note, key *SpendingKey, root pool.Hash, recipient string) (*Statement, error) {
	if err := checkOwner(note, key); err != nil {
		return nil, err
	}
	nf := note.Nullifier(key)
	assignment := &UnshieldCircuit{
		Nullifier: bigOf(nf),
		Amount:    element(note.Amount),
		Sk:        bigOf(key.Sk),
		Rho:       bigOf(note.Rho),
		Rand:      bigOf(note.Rand),
	}
	fields := pool.Fields{Amount: note.Amount, Nullifier: hashOf(nf), Root: root, Recipient: recipient}
	return p.prove(pool.Unshield, assignment, fields)
}

// Transfer proves the spend of in and the creation of out.
func (p *Prover) Transfer(in *Note, key *SpendingKey, out *Note, root pool.Hash) (*Statement, error) {
	if err := checkOwner(in, key); err != nil {
		return nil, err
	}
	if in.Amount != out.Amount {
		return nil, fmt.Errorf("%w: transfer of %d into %d", fault.ErrInvalidAmount, in.Amount, out.Amount)
	}
	nf := in.Nullifier(key)
	cm := out.Commitment()
	assignment := &TransferCircuit{
		Nullifier:     bigOf(nf),
		CommitmentOut: bigOf(cm),
		Amount:        element(in.Amount),
		SkIn:          bigOf(key.Sk),
		RhoIn:         bigOf(in.Rho),
		RandIn:        bigOf(in.Rand),
		OwnerOut:      bigOf(out.Owner),
		RhoOut:        bigOf(out.Rho),
		RandOut:       bigOf(out.Rand),
	}
	fields := pool.Fields{Amount: in.Amount, Nullifier: hashOf(nf), Commitment: hashOf(cm), Root: root}
	return p.prove(pool.Transfer, assignment, fields)
}

func checkOwner(n *Note, key *SpendingKey) error {
	pk := key.PublicKey()
	if !pk.Equal(&n.Owner) {
		return fault.ErrOwnerMismatch
	}
	return nil
}

func (p *Prover) prove(k pool.Kind, assignment frontend.Circuit, fields pool.Fields) (*Statement, error) {
	c := p.circuits[k]
	start := time.Now()

	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("%s witness: %w", k, err)
	}
	proof, err := groth16.Prove(c.ccs, c.pk, w)
	if err != nil {
		return nil, fmt.Errorf("%s proof: %w", k, err)
	}
	public, err := w.Public()
	if err != nil {
		return nil, fmt.Errorf("%s public witness: %w", k, err)
	}
	if err := groth16.Verify(proof, c.vk, public); err != nil {
		return nil, fmt.Errorf("%s proof does not verify: %w", k, err)
	}
	proofBytes, err := ExportProof(proof)
	if err != nil {
		return nil, err
	}

	p.metrics.RecordProofGeneration(k.String(), time.Since(start))
	p.log.Debug().Str("circuit", k.String()).Dur("took", time.Since(start)).Msg("proof generated")
	return &Statement{
		Kind:   k,
		Fields: fields,
		Payload: verifier.Payload{
			Proof:        proofBytes,
			PublicInputs: pool.ExpectedPublicInputs(k, fields),
		},
	}, nil
}
