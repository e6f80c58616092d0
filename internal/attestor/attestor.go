// Package attestor is the external verifier a pool may trust instead of
// checking pairings itself. It verifies a Groth16 proof against a key and
// signs the outcome with its ed25519 key; both accepted and rejected proofs
// get an attestation.
package attestor

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"shieldpool/internal/fault"
	"shieldpool/internal/metrics"
	"shieldpool/internal/verifier"
)

// Service signs verification outcomes.
type Service struct {
	key     ed25519.PrivateKey
	checker *verifier.Groth16Strategy
	now     func() time.Time
	metrics *metrics.Collector
	log     zerolog.Logger
}

// Options configures a Service.
type Options struct {
	Key          ed25519.PrivateKey
	KeyCacheSize int
	Now          func() time.Time
	Metrics      *metrics.Collector
	Log          zerolog.Logger
}

// New creates an attestation service.
func New(opts Options) (*Service, error) {
	if len(opts.Key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: attestor key must be %d bytes", fault.ErrInvalidConfiguration, ed25519.PrivateKeySize)
	}
	checker, err := verifier.NewGroth16Strategy(opts.KeyCacheSize)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{key: opts.Key, checker: checker, now: opts.Now, metrics: opts.Metrics, log: opts.Log}, nil
}

// PublicKey is the key pools configure as the trusted signer.
func (s *Service) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Attest verifies p against rec and returns the signed outcome. Malformed
// input and revoked keys are returned as errors and never signed.
func (s *Service) Attest(p verifier.Payload, rec *verifier.KeyRecord) (*verifier.Attestation, error) {
	start := time.Now()
	ok, err := s.checker.Verify(verifier.Payload{Proof: p.Proof, PublicInputs: p.PublicInputs}, rec)
	s.metrics.RecordVerification("attestor", time.Since(start))
	if err != nil {
		s.log.Warn().Err(err).Str("key", rec.Ref().String()).Msg("attestation refused")
		return nil, err
	}

	att := verifier.NewAttestation(p.Proof, p.PublicInputs, rec.KeyBytes, ok, s.now())
	att.Sign(s.key)
	s.log.Info().
		Str("key", rec.Ref().String()).
		Bool("valid", ok).
		Int64("timestamp", att.Timestamp).
		Msg("attestation issued")
	return att, nil
}
