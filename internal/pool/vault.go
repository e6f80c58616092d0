package pool

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"shieldpool/internal/fault"
	"shieldpool/internal/verifier"
)

// Vault holds one owner's in-flight operations in preparation order.
type Vault struct {
	Owner string
	ops   map[ID]*Operation
	order []ID
}

func newVault(owner string) *Vault {
	return &Vault{Owner: owner, ops: make(map[ID]*Operation)}
}

// Get returns a copy of an operation.
func (v *Vault) Get(id ID) (*Operation, bool) {
	op, ok := v.ops[id]
	if !ok {
		return nil, false
	}
	return op.clone(), true
}

// List returns copies of all operations in preparation order.
func (v *Vault) List() []*Operation {
	out := make([]*Operation, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.ops[id].clone())
	}
	return out
}

func (v *Vault) Len() int { return len(v.order) }

// clone copies the index; operations are replaced, never mutated in place.
func (v *Vault) clone() *Vault {
	c := &Vault{Owner: v.Owner, ops: make(map[ID]*Operation, len(v.ops)), order: append([]ID(nil), v.order...)}
	for id, op := range v.ops {
		c.ops[id] = op
	}
	return c
}

func (v *Vault) put(op *Operation) {
	if _, ok := v.ops[op.ID]; !ok {
		v.order = append(v.order, op.ID)
	}
	v.ops[op.ID] = op
}

func (v *Vault) remove(id ID) {
	if _, ok := v.ops[id]; !ok {
		return
	}
	delete(v.ops, id)
	for i, oid := range v.order {
		if oid == id {
			v.order = append(v.order[:i:i], v.order[i+1:]...)
			break
		}
	}
}

var vaultTag = [4]byte{'S', 'P', 'O', 'V'}

const vaultVersion = 1

// MarshalBinary encodes the vault: tag(4) version(1) owner-len(2) owner
// count(4) then each operation length-prefixed (4).
func (v *Vault) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(vaultTag[:])
	buf.WriteByte(vaultVersion)
	binary.Write(&buf, binary.BigEndian, uint16(len(v.Owner)))
	buf.WriteString(v.Owner)
	binary.Write(&buf, binary.BigEndian, uint32(len(v.order)))
	for _, id := range v.order {
		rec := encodeOperation(v.ops[id])
		binary.Write(&buf, binary.BigEndian, uint32(len(rec)))
		buf.Write(rec)
	}
	return buf.Bytes(), nil
}

// opFixed is the fixed-width head of an operation record.
type opFixed struct {
	ID         ID
	Kind       Kind
	Status     Status
	Amount     uint64
	Commitment Hash
	Nullifier  Hash
	Root       Hash
	CreatedAt  int64
	UpdatedAt  int64
	LeafIndex  uint64
}

func encodeOperation(op *Operation) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, opFixed{
		ID:         op.ID,
		Kind:       op.Kind,
		Status:     op.Status,
		Amount:     op.Fields.Amount,
		Commitment: op.Fields.Commitment,
		Nullifier:  op.Fields.Nullifier,
		Root:       op.Fields.Root,
		CreatedAt:  op.CreatedAt,
		UpdatedAt:  op.UpdatedAt,
		LeafIndex:  op.LeafIndex,
	})
	buf.WriteByte(byte(len(op.Fields.Recipient)))
	buf.WriteString(op.Fields.Recipient)
	for _, b := range [][]byte{op.Payload.Proof, op.Payload.PublicInputs, op.Payload.Attestation} {
		binary.Write(&buf, binary.BigEndian, uint32(len(b)))
		buf.Write(b)
	}
	return buf.Bytes()
}

// DecodeVault restores a vault record.
func DecodeVault(data []byte) (*Vault, error) {
	r := bytes.NewReader(data)
	var head struct {
		Tag     [4]byte
		Version uint8
		NameLen uint16
	}
	if err := binary.Read(r, binary.BigEndian, &head); err != nil || head.Tag != vaultTag || head.Version != vaultVersion {
		return nil, fmt.Errorf("%w: vault header", fault.ErrCorruptRecord)
	}
	owner, err := readN(r, int(head.NameLen))
	if err != nil {
		return nil, fmt.Errorf("%w: vault owner", fault.ErrCorruptRecord)
	}
	v := newVault(string(owner))

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: vault count", fault.ErrCorruptRecord)
	}
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: operation %d length", fault.ErrCorruptRecord, i)
		}
		rec, err := readN(r, int(n))
		if err != nil {
			return nil, fmt.Errorf("%w: operation %d", fault.ErrCorruptRecord, i)
		}
		op, err := decodeOperation(rec)
		if err != nil {
			return nil, err
		}
		if _, dup := v.ops[op.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate operation %s", fault.ErrCorruptRecord, op.ID)
		}
		v.put(op)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: vault trailing data", fault.ErrCorruptRecord)
	}
	return v, nil
}

func decodeOperation(rec []byte) (*Operation, error) {
	r := bytes.NewReader(rec)
	var f opFixed
	if err := binary.Read(r, binary.BigEndian, &f); err != nil {
		return nil, fmt.Errorf("%w: operation header", fault.ErrCorruptRecord)
	}
	if !f.Kind.valid() || f.Status < Pending || f.Status > Failed || f.Status == Completed {
		return nil, fmt.Errorf("%w: operation %s kind %d status %d", fault.ErrCorruptRecord, f.ID, f.Kind, f.Status)
	}
	op := &Operation{
		ID:        f.ID,
		Kind:      f.Kind,
		Status:    f.Status,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
		LeafIndex: f.LeafIndex,
		Fields:    Fields{Amount: f.Amount, Commitment: f.Commitment, Nullifier: f.Nullifier, Root: f.Root},
	}
	recipLen, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: operation recipient", fault.ErrCorruptRecord)
	}
	recip, err := readN(r, int(recipLen))
	if err != nil {
		return nil, fmt.Errorf("%w: operation recipient", fault.ErrCorruptRecord)
	}
	op.Fields.Recipient = string(recip)

	var parts [3][]byte
	for i := range parts {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: operation payload", fault.ErrCorruptRecord)
		}
		if parts[i], err = readN(r, int(n)); err != nil {
			return nil, fmt.Errorf("%w: operation payload", fault.ErrCorruptRecord)
		}
	}
	op.Payload = verifier.Payload{Proof: parts[0], PublicInputs: parts[1], Attestation: parts[2]}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: operation trailing data", fault.ErrCorruptRecord)
	}
	if OperationID(op.Kind, op.Fields) != op.ID {
		return nil, fmt.Errorf("%w: operation %s id does not match its fields", fault.ErrCorruptRecord, op.ID)
	}
	return op, nil
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	if n > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	return b, err
}
