package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"shieldpool/internal/attestor"
	"shieldpool/internal/fault"
	"shieldpool/internal/verifier"
)

// ServeAttestor answers attest messages with s.
func ServeAttestor(n *Node, s *attestor.Service) {
	n.RegisterHandler(TypeAttest, func(ctx context.Context, msg Message) (any, error) {
		var req AttestRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("%w: attest request: %v", fault.ErrInvalidProof, err)
		}
		att, err := s.Attest(verifier.Payload{Proof: req.Proof, PublicInputs: req.PublicInputs}, req.Key.Record())
		if err != nil {
			return nil, err
		}
		return AttestResponse{Attestation: att}, nil
	})
}

// AttestorClient obtains attestations from a remote attestor node.
type AttestorClient struct {
	Node     *Node
	TargetID string
}

// Attest returns the canonical attestation bytes for p, ready to be placed
// in the payload's attestation field.
func (c *AttestorClient) Attest(ctx context.Context, p verifier.Payload, rec *verifier.KeyRecord) ([]byte, error) {
	req := AttestRequest{Proof: p.Proof, PublicInputs: p.PublicInputs, Key: KeyToJSON(rec)}
	var resp AttestResponse
	if err := c.Node.SendMessage(ctx, c.TargetID, TypeAttest, req, &resp); err != nil {
		return nil, err
	}
	if resp.Attestation == nil {
		return nil, fmt.Errorf("%w: empty attestation reply", fault.ErrInvalidAttestation)
	}
	return resp.Attestation.Bytes(), nil
}

// Attestor returns canonical attestation bytes, locally or through a peer.
type Attestor interface {
	Attest(ctx context.Context, p verifier.Payload, rec *verifier.KeyRecord) ([]byte, error)
}

// LocalAttestor signs in process.
type LocalAttestor struct {
	S *attestor.Service
}

func (l LocalAttestor) Attest(ctx context.Context, p verifier.Payload, rec *verifier.KeyRecord) ([]byte, error) {
	att, err := l.S.Attest(p, rec)
	if err != nil {
		return nil, err
	}
	return att.Bytes(), nil
}
