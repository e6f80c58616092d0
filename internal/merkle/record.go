package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"shieldpool/internal/fault"
)

// recordTag opens every persisted tree record.
var recordTag = [4]byte{'S', 'P', 'C', 'T'}

const recordVersion = 1

// MarshalBinary encodes the tree as a fixed-width record:
// tag(4) version(1) depth(1) hasher-name(1+n) next_index(8) root(32)
// frontier(32*depth) recent-count(2) recent(72*count).
func (t *Tree) MarshalBinary() ([]byte, error) {
	name := t.hasher.Name()
	buf := bytes.NewBuffer(make([]byte, 0, 64+32*t.depth+72*len(t.recent)))
	buf.Write(recordTag[:])
	buf.WriteByte(recordVersion)
	buf.WriteByte(byte(t.depth))
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)

	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], t.nextIndex)
	buf.Write(u8[:])
	buf.Write(t.root[:])
	for _, n := range t.frontier {
		buf.Write(n[:])
	}

	var u2 [2]byte
	binary.BigEndian.PutUint16(u2[:], uint16(len(t.recent)))
	buf.Write(u2[:])
	for _, leaf := range t.recent {
		buf.Write(leaf.Commitment[:])
		buf.Write(leaf.AmountCommitment[:])
		binary.BigEndian.PutUint64(u8[:], leaf.Index)
		buf.Write(u8[:])
	}
	return buf.Bytes(), nil
}

// Decode restores a tree record. The record must have been written with the
// same hasher; anything else is treated as corruption.
func Decode(data []byte, hasher Hasher) (*Tree, error) {
	r := bytes.NewReader(data)
	var tag [4]byte
	if _, err := r.Read(tag[:]); err != nil || tag != recordTag {
		return nil, fmt.Errorf("%w: tree record tag", fault.ErrCorruptRecord)
	}
	version, _ := r.ReadByte()
	if version != recordVersion {
		return nil, fmt.Errorf("%w: tree record version %d", fault.ErrCorruptRecord, version)
	}
	depthByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: tree depth", fault.ErrCorruptRecord)
	}
	nameLen, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: tree hasher", fault.ErrCorruptRecord)
	}
	name := make([]byte, nameLen)
	if _, err := r.Read(name); err != nil && nameLen > 0 {
		return nil, fmt.Errorf("%w: tree hasher", fault.ErrCorruptRecord)
	}
	if string(name) != hasher.Name() {
		return nil, fmt.Errorf("%w: tree hashed with %q, configured %q", fault.ErrCorruptRecord, name, hasher.Name())
	}

	t, err := New(int(depthByte), hasher)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrCorruptRecord, err)
	}

	var fixed struct {
		NextIndex uint64
		Root      Node
	}
	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return nil, fmt.Errorf("%w: tree header: %v", fault.ErrCorruptRecord, err)
	}
	t.nextIndex, t.root = fixed.NextIndex, fixed.Root
	if err := binary.Read(r, binary.BigEndian, t.frontier); err != nil {
		return nil, fmt.Errorf("%w: tree frontier: %v", fault.ErrCorruptRecord, err)
	}

	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil || count > RecentCapacity {
		return nil, fmt.Errorf("%w: recent leaf count", fault.ErrCorruptRecord)
	}
	t.recent = make([]Leaf, count)
	if err := binary.Read(r, binary.BigEndian, t.recent); err != nil {
		return nil, fmt.Errorf("%w: recent leaves: %v", fault.ErrCorruptRecord, err)
	}
	if r.Len() != 0 || t.nextIndex > t.Capacity() {
		return nil, fmt.Errorf("%w: tree record trailing data", fault.ErrCorruptRecord)
	}
	return t, nil
}
