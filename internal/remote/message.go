package remote

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"shieldpool/internal/verifier"
)

// Message types.
const (
	TypePing   = "ping"
	TypeAttest = "attest"
)

// Message is the envelope for every request and reply between nodes.
type Message struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SenderID string          `json:"senderId"`
	Error    *ErrorReply     `json:"error,omitempty"`
}

// ErrorReply carries a classified error back to the sender.
type ErrorReply struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HexBytes is a byte slice encoded as a hex string.
type HexBytes []byte

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	*b = raw
	return nil
}

// KeyJSON is the wire form of a verifying key record.
type KeyJSON struct {
	CircuitTag string   `json:"circuit_tag"`
	Version    uint32   `json:"version"`
	KeyBytes   HexBytes `json:"key_bytes"`
	Revoked    bool     `json:"revoked"`
	Authority  string   `json:"authority"`
}

func KeyToJSON(rec *verifier.KeyRecord) KeyJSON {
	return KeyJSON{
		CircuitTag: rec.CircuitTag,
		Version:    rec.Version,
		KeyBytes:   HexBytes(rec.KeyBytes),
		Revoked:    rec.Revoked,
		Authority:  rec.Authority,
	}
}

func (k KeyJSON) Record() *verifier.KeyRecord {
	return &verifier.KeyRecord{
		CircuitTag: k.CircuitTag,
		Version:    k.Version,
		KeyBytes:   []byte(k.KeyBytes),
		Revoked:    k.Revoked,
		Authority:  k.Authority,
	}
}

// AttestRequest asks an attestor to check a proof.
type AttestRequest struct {
	Proof        HexBytes `json:"proof"`
	PublicInputs HexBytes `json:"public_inputs"`
	Key          KeyJSON  `json:"key"`
}

// AttestResponse returns the signed outcome.
type AttestResponse struct {
	Attestation *verifier.Attestation `json:"attestation"`
}

// PingPayload is exchanged by health checks.
type PingPayload struct {
	Time int64 `json:"time"`
}
