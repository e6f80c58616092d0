package prover

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/constraint"

	"shieldpool/internal/verifier"
)

// SaveProvingKey saves a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	return writeFile(path, pk)
}

// SaveVerifyingKey saves a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	return writeFile(path, vk)
}

// writeFile writes w to path. An error from Close is returned.
func writeFile(path string, w io.WriterTo) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = w.WriteTo(f)
	return err
}

// LoadProvingKey loads a BN254 Groth16 proving key from disk.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	_, err = pk.ReadFrom(f)
	return pk, err
}

// LoadVerifyingKey loads a BN254 Groth16 verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	_, err = vk.ReadFrom(f)
	return vk, err
}

// SetupOrLoadKeys loads the key pair of a circuit, or runs the setup and
// saves new keys when either file is missing.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, bool, error) {
	pk, pkErr := LoadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return pk, vk, false, nil
	}
	for _, err := range []error{pkErr, vkErr} {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, false, fmt.Errorf("load keys: %w", err)
		}
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, false, fmt.Errorf("groth16 setup: %w", err)
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, nil, false, err
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, nil, false, err
	}
	return pk, vk, true, nil
}

// ExportVerifyingKey converts a gnark BN254 verifying key into the pool's
// key encoding.
func ExportVerifyingKey(vk groth16.VerifyingKey, numPublic int) (*verifier.VerifyingKey, error) {
	bvk, ok := vk.(*groth16bn254.VerifyingKey)
	if !ok {
		return nil, fmt.Errorf("unsupported verifying key type %T", vk)
	}
	if len(bvk.G1.K) != numPublic+1 {
		return nil, fmt.Errorf("verifying key has %d input points, circuit has %d public inputs", len(bvk.G1.K), numPublic)
	}
	return &verifier.VerifyingKey{
		Alpha:    bvk.G1.Alpha,
		Beta:     bvk.G2.Beta,
		Gamma:    bvk.G2.Gamma,
		Delta:    bvk.G2.Delta,
		GammaABC: append(bvk.G1.K[:0:0], bvk.G1.K...),
	}, nil
}

// ExportProof converts a gnark BN254 proof into the 256-byte pool encoding.
func ExportProof(proof groth16.Proof) ([]byte, error) {
	bp, ok := proof.(*groth16bn254.Proof)
	if !ok {
		return nil, fmt.Errorf("unsupported proof type %T", proof)
	}
	if len(bp.Commitments) > 0 {
		return nil, errors.New("proofs with commitments cannot be exported")
	}
	p := verifier.Proof{A: bp.Ar, B: bp.Bs, C: bp.Krs}
	return p.Bytes(), nil
}
