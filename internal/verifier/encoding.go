package verifier

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"shieldpool/internal/fault"
)

// Sizes of the wire encodings. Points use the EIP-197 layout: a G1 point is
// x||y and a G2 point is x.A1||x.A0||y.A1||y.A0, each coordinate a 32-byte
// big-endian field element. The all-zero encoding is the point at infinity.
const (
	FieldSize = 32
	G1Size    = 64
	G2Size    = 128
	ProofSize = G1Size + G2Size + G1Size

	MinProofSize        = 64
	MaxProofSize        = 1024
	MaxPublicInputsSize = 512
)

// Proof is a parsed Groth16 proof.
type Proof struct {
	A bn254.G1Affine
	B bn254.G2Affine
	C bn254.G1Affine
}

// ParseProof decodes a 256-byte proof.
func ParseProof(b []byte) (*Proof, error) {
	if len(b) != ProofSize {
		return nil, fmt.Errorf("%w: proof is %d bytes, want %d", fault.ErrInvalidProof, len(b), ProofSize)
	}
	var p Proof
	var err error
	if p.A, err = decodeG1(b[:G1Size]); err != nil {
		return nil, fmt.Errorf("%w: a: %v", fault.ErrInvalidProof, err)
	}
	if p.B, err = decodeG2(b[G1Size : G1Size+G2Size]); err != nil {
		return nil, fmt.Errorf("%w: b: %v", fault.ErrInvalidProof, err)
	}
	if p.C, err = decodeG1(b[G1Size+G2Size:]); err != nil {
		return nil, fmt.Errorf("%w: c: %v", fault.ErrInvalidProof, err)
	}
	return &p, nil
}

// Bytes encodes the proof.
func (p *Proof) Bytes() []byte {
	out := make([]byte, 0, ProofSize)
	out = append(out, EncodeG1(&p.A)...)
	out = append(out, EncodeG2(&p.B)...)
	return append(out, EncodeG1(&p.C)...)
}

// ParsePublicInputs splits b into 32-byte big-endian scalars.
func ParsePublicInputs(b []byte) ([]*big.Int, error) {
	if len(b) == 0 || len(b)%FieldSize != 0 || len(b) > MaxPublicInputsSize {
		return nil, fmt.Errorf("%w: %d bytes", fault.ErrInvalidPublicInputs, len(b))
	}
	out := make([]*big.Int, len(b)/FieldSize)
	for i := range out {
		var e fr.Element
		if err := e.SetBytesCanonical(b[i*FieldSize : (i+1)*FieldSize]); err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", fault.ErrInvalidPublicInputs, i, err)
		}
		out[i] = e.BigInt(new(big.Int))
	}
	return out, nil
}

// EncodePublicInputs right-aligns every value into a 32-byte slot.
func EncodePublicInputs(values ...*big.Int) []byte {
	out := make([]byte, len(values)*FieldSize)
	for i, v := range values {
		v.FillBytes(out[i*FieldSize : (i+1)*FieldSize])
	}
	return out
}

func decodeG1(b []byte) (bn254.G1Affine, error) {
	var p bn254.G1Affine
	if err := p.X.SetBytesCanonical(b[:FieldSize]); err != nil {
		return p, err
	}
	if err := p.Y.SetBytesCanonical(b[FieldSize:G1Size]); err != nil {
		return p, err
	}
	if !p.IsOnCurve() || !p.IsInSubGroup() {
		return p, fmt.Errorf("point not on curve")
	}
	return p, nil
}

func decodeG2(b []byte) (bn254.G2Affine, error) {
	var p bn254.G2Affine
	coords := []*fp.Element{&p.X.A1, &p.X.A0, &p.Y.A1, &p.Y.A0}
	for i, c := range coords {
		if err := c.SetBytesCanonical(b[i*FieldSize : (i+1)*FieldSize]); err != nil {
			return p, err
		}
	}
	if !p.IsOnCurve() || !p.IsInSubGroup() {
		return p, fmt.Errorf("point not in G2")
	}
	return p, nil
}

// EncodeG1 returns the 64-byte encoding of p.
func EncodeG1(p *bn254.G1Affine) []byte {
	x, y := p.X.Bytes(), p.Y.Bytes()
	out := make([]byte, 0, G1Size)
	out = append(out, x[:]...)
	return append(out, y[:]...)
}

// EncodeG2 returns the 128-byte encoding of p.
func EncodeG2(p *bn254.G2Affine) []byte {
	out := make([]byte, 0, G2Size)
	for _, c := range []*fp.Element{&p.X.A1, &p.X.A0, &p.Y.A1, &p.Y.A0} {
		b := c.Bytes()
		out = append(out, b[:]...)
	}
	return out
}
