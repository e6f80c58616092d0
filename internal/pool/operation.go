package pool

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"

	"shieldpool/internal/fault"
	"shieldpool/internal/verifier"
)

// Kind is the type of a shielded operation.
type Kind uint8

const (
	Shield Kind = iota + 1
	Unshield
	Transfer
)

// Kinds lists every operation kind.
var Kinds = []Kind{Shield, Unshield, Transfer}

func (k Kind) String() string {
	switch k {
	case Shield:
		return "shield"
	case Unshield:
		return "unshield"
	case Transfer:
		return "transfer"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) valid() bool { return k >= Shield && k <= Transfer }

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind resolves a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", fault.ErrInvalidOperationKind, s)
}

// Status is the lifecycle state of a prepared operation. Completed
// operations are removed from their vault, so Completed is never stored.
type Status uint8

const (
	Pending Status = iota + 1
	Verified
	Updated
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Verified:
		return "verified"
	case Updated:
		return "updated"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Hash is a 32-byte commitment, nullifier, root or identifier.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }
func (h Hash) IsZero() bool   { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	v, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("%w: expected 32 hex bytes", fault.ErrInvalidRecordEncoding)
	}
	copy(h[:], b)
	return h, nil
}

// ID identifies a prepared operation.
type ID = Hash

const maxRecipientLen = 64

// Fields are the canonical inputs of an operation.
//
//	Shield:   Amount, Commitment
//	Unshield: Amount, Nullifier, Root, Recipient
//	Transfer: Amount, Nullifier, Commitment (the output note), Root
type Fields struct {
	Amount     uint64 `json:"amount"`
	Commitment Hash   `json:"commitment"`
	Nullifier  Hash   `json:"nullifier"`
	Root       Hash   `json:"root"`
	Recipient  string `json:"recipient,omitempty"`
}

func (f Fields) validate(k Kind, min, max uint64) error {
	if f.Amount == 0 {
		return fault.ErrInvalidAmount
	}
	if f.Amount < min {
		return fmt.Errorf("%w: %d < %d", fault.ErrAmountTooSmall, f.Amount, min)
	}
	if f.Amount > max {
		return fmt.Errorf("%w: %d > %d", fault.ErrAmountTooLarge, f.Amount, max)
	}
	if len(f.Recipient) > maxRecipientLen {
		return fmt.Errorf("%w: longer than %d bytes", fault.ErrInvalidRecipient, maxRecipientLen)
	}

	needCommitment := k == Shield || k == Transfer
	needSpend := k == Unshield || k == Transfer
	switch {
	case needCommitment && f.Commitment.IsZero():
		return fmt.Errorf("%w: %s requires a commitment", fault.ErrInvalidCommitment, k)
	case !needCommitment && !f.Commitment.IsZero():
		return fmt.Errorf("%w: %s takes no commitment", fault.ErrInvalidCommitment, k)
	case needSpend && f.Nullifier.IsZero():
		return fmt.Errorf("%w: %s requires a nullifier", fault.ErrInvalidNullifier, k)
	case !needSpend && !f.Nullifier.IsZero():
		return fmt.Errorf("%w: %s takes no nullifier", fault.ErrInvalidNullifier, k)
	case needSpend && f.Root.IsZero():
		return fmt.Errorf("%w: %s requires an anchor root", fault.ErrInvalidRoot, k)
	case !needSpend && !f.Root.IsZero():
		return fmt.Errorf("%w: %s takes no anchor root", fault.ErrInvalidRoot, k)
	case k == Unshield && f.Recipient == "":
		return fmt.Errorf("%w: unshield requires a recipient", fault.ErrInvalidRecipient)
	case k != Unshield && f.Recipient != "":
		return fmt.Errorf("%w: %s takes no recipient", fault.ErrInvalidRecipient, k)
	}
	return nil
}

const idDomain = "shieldpool/operation/v1"

// canonical encodes kind and fields with fixed widths:
// kind(1) amount(8 BE) commitment(32) nullifier(32) root(32) recipient-len(1) recipient.
func canonical(k Kind, f Fields) []byte {
	b := make([]byte, 0, 1+8+3*32+1+len(f.Recipient))
	b = append(b, byte(k))
	b = binary.BigEndian.AppendUint64(b, f.Amount)
	b = append(b, f.Commitment[:]...)
	b = append(b, f.Nullifier[:]...)
	b = append(b, f.Root[:]...)
	b = append(b, byte(len(f.Recipient)))
	return append(b, f.Recipient...)
}

// OperationID is Keccak-256 over the domain tag and the canonical encoding.
func OperationID(k Kind, f Fields) ID {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(idDomain))
	h.Write(canonical(k, f))
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// ExpectedPublicInputs returns the input vector a proof for the operation
// must be bound to:
//
//	Shield:   [commitment]
//	Unshield: [nullifier, amount]
//	Transfer: [nullifier_in, commitment_out, amount]
func ExpectedPublicInputs(k Kind, f Fields) []byte {
	amount := new(big.Int).SetUint64(f.Amount)
	switch k {
	case Shield:
		return verifier.EncodePublicInputs(new(big.Int).SetBytes(f.Commitment[:]))
	case Unshield:
		return verifier.EncodePublicInputs(new(big.Int).SetBytes(f.Nullifier[:]), amount)
	case Transfer:
		return verifier.EncodePublicInputs(new(big.Int).SetBytes(f.Nullifier[:]),
			new(big.Int).SetBytes(f.Commitment[:]), amount)
	}
	return nil
}

// AmountCommitment binds an amount to its note commitment for the recent
// leaf cache.
func AmountCommitment(commitment Hash, amount uint64) Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("shieldpool/amount/v1"))
	h.Write(commitment[:])
	h.Write(binary.BigEndian.AppendUint64(nil, amount))
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Operation is an entry of an owner's vault.
type Operation struct {
	ID        ID
	Kind      Kind
	Status    Status
	Fields    Fields
	Payload   verifier.Payload
	CreatedAt int64
	UpdatedAt int64
	// LeafIndex is the tree position of the operation's commitment once applied.
	LeafIndex uint64
}

func (op *Operation) clone() *Operation {
	c := *op
	c.Payload = verifier.Payload{
		Proof:        append([]byte(nil), op.Payload.Proof...),
		PublicInputs: append([]byte(nil), op.Payload.PublicInputs...),
		Attestation:  append([]byte(nil), op.Payload.Attestation...),
	}
	return &c
}

func (op *Operation) hasPayload() bool {
	return len(op.Payload.Proof) > 0 && len(op.Payload.PublicInputs) > 0
}
