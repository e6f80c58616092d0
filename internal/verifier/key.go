package verifier

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/consensys/gnark-crypto/ecc/bn254"

	"shieldpool/internal/fault"
)

// KeyRef names a verifying key by circuit and version.
type KeyRef struct {
	CircuitTag string `json:"circuit_tag"`
	Version    uint32 `json:"version"`
}

func (r KeyRef) String() string { return fmt.Sprintf("%s@v%d", r.CircuitTag, r.Version) }

// KeyRecord is a registered verifying key. Once revoked it rejects every
// verification.
type KeyRecord struct {
	CircuitTag string
	Version    uint32
	KeyBytes   []byte
	Revoked    bool
	Authority  string
}

func (k *KeyRecord) Ref() KeyRef { return KeyRef{CircuitTag: k.CircuitTag, Version: k.Version} }

// Hash is the SHA-256 digest of the key bytes, as bound by attestations.
func (k *KeyRecord) Hash() [32]byte { return sha256.Sum256(k.KeyBytes) }

// VerifyingKey is the parsed form of KeyRecord.KeyBytes.
// Layout: alpha(64) beta(128) gamma(128) delta(128) count(u32 LE) gamma_abc(count*64).
type VerifyingKey struct {
	Alpha    bn254.G1Affine
	Beta     bn254.G2Affine
	Gamma    bn254.G2Affine
	Delta    bn254.G2Affine
	GammaABC []bn254.G1Affine
}

const keyHeaderSize = G1Size + 3*G2Size + 4

// NumPublicInputs is the number of inputs the key accepts.
func (vk *VerifyingKey) NumPublicInputs() int { return len(vk.GammaABC) - 1 }

// ParseVerifyingKey decodes key bytes.
func ParseVerifyingKey(b []byte) (*VerifyingKey, error) {
	if len(b) < keyHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", fault.ErrInvalidVerifyingKey, len(b))
	}
	var vk VerifyingKey
	var err error
	off := 0
	if vk.Alpha, err = decodeG1(b[off : off+G1Size]); err != nil {
		return nil, fmt.Errorf("%w: alpha: %v", fault.ErrInvalidVerifyingKey, err)
	}
	off += G1Size
	for _, dst := range []*bn254.G2Affine{&vk.Beta, &vk.Gamma, &vk.Delta} {
		if *dst, err = decodeG2(b[off : off+G2Size]); err != nil {
			return nil, fmt.Errorf("%w: g2 at %d: %v", fault.ErrInvalidVerifyingKey, off, err)
		}
		off += G2Size
	}
	count := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	if count < 1 || len(b)-off != count*G1Size {
		return nil, fmt.Errorf("%w: gamma_abc count %d for %d bytes", fault.ErrInvalidVerifyingKey, count, len(b)-off)
	}
	vk.GammaABC = make([]bn254.G1Affine, count)
	for i := range vk.GammaABC {
		if vk.GammaABC[i], err = decodeG1(b[off : off+G1Size]); err != nil {
			return nil, fmt.Errorf("%w: gamma_abc[%d]: %v", fault.ErrInvalidVerifyingKey, i, err)
		}
		off += G1Size
	}
	return &vk, nil
}

// Bytes encodes the key in record layout.
func (vk *VerifyingKey) Bytes() []byte {
	out := make([]byte, 0, keyHeaderSize+len(vk.GammaABC)*G1Size)
	out = append(out, EncodeG1(&vk.Alpha)...)
	out = append(out, EncodeG2(&vk.Beta)...)
	out = append(out, EncodeG2(&vk.Gamma)...)
	out = append(out, EncodeG2(&vk.Delta)...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(vk.GammaABC)))
	for i := range vk.GammaABC {
		out = append(out, EncodeG1(&vk.GammaABC[i])...)
	}
	return out
}

var keyRecordTag = [4]byte{'S', 'P', 'V', 'K'}

// MarshalBinary encodes the record: tag(4) version(4) revoked(1)
// tag-len(2) tag authority-len(2) authority key-len(4) key.
func (k *KeyRecord) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(keyRecordTag[:])
	binary.Write(&buf, binary.BigEndian, k.Version)
	if k.Revoked {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.Write(&buf, binary.BigEndian, uint16(len(k.CircuitTag)))
	buf.WriteString(k.CircuitTag)
	binary.Write(&buf, binary.BigEndian, uint16(len(k.Authority)))
	buf.WriteString(k.Authority)
	binary.Write(&buf, binary.BigEndian, uint32(len(k.KeyBytes)))
	buf.Write(k.KeyBytes)
	return buf.Bytes(), nil
}

// DecodeKeyRecord restores a record written by MarshalBinary.
func DecodeKeyRecord(data []byte) (*KeyRecord, error) {
	corrupt := func(what string) error { return fmt.Errorf("%w: key record %s", fault.ErrCorruptRecord, what) }
	if len(data) < 9 || !bytes.Equal(data[:4], keyRecordTag[:]) {
		return nil, corrupt("tag")
	}
	k := &KeyRecord{Version: binary.BigEndian.Uint32(data[4:8])}
	switch data[8] {
	case 0:
	case 1:
		k.Revoked = true
	default:
		return nil, corrupt("revoked flag")
	}
	rest := data[9:]
	readField := func(width int) ([]byte, bool) {
		if len(rest) < width {
			return nil, false
		}
		var n int
		if width == 2 {
			n = int(binary.BigEndian.Uint16(rest))
		} else {
			n = int(binary.BigEndian.Uint32(rest))
		}
		rest = rest[width:]
		if len(rest) < n {
			return nil, false
		}
		field := rest[:n]
		rest = rest[n:]
		return field, true
	}
	tag, ok := readField(2)
	if !ok {
		return nil, corrupt("circuit tag")
	}
	authority, ok := readField(2)
	if !ok {
		return nil, corrupt("authority")
	}
	key, ok := readField(4)
	if !ok || len(rest) != 0 {
		return nil, corrupt("key bytes")
	}
	k.CircuitTag = string(tag)
	k.Authority = string(authority)
	k.KeyBytes = append([]byte(nil), key...)
	return k, nil
}

// KeyRegistry holds the verifying keys known to a pool. Callers serialize
// access.
type KeyRegistry struct {
	keys map[KeyRef]*KeyRecord
}

func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[KeyRef]*KeyRecord)}
}

// Register validates and stores a new key. The key bytes are parsed exactly
// once here.
func (r *KeyRegistry) Register(rec *KeyRecord) error {
	if err := r.Validate(rec); err != nil {
		return err
	}
	cp := *rec
	cp.KeyBytes = append([]byte(nil), rec.KeyBytes...)
	r.keys[rec.Ref()] = &cp
	return nil
}

// Validate runs the Register checks without storing the key.
func (r *KeyRegistry) Validate(rec *KeyRecord) error {
	if rec.CircuitTag == "" || rec.Authority == "" {
		return fmt.Errorf("%w: circuit tag and authority are required", fault.ErrInvalidVerifyingKey)
	}
	if rec.Revoked {
		return fmt.Errorf("%w: new keys cannot be revoked", fault.ErrInvalidVerifyingKey)
	}
	if _, err := ParseVerifyingKey(rec.KeyBytes); err != nil {
		return err
	}
	if _, ok := r.keys[rec.Ref()]; ok {
		return fmt.Errorf("%w: %s", fault.ErrKeyExists, rec.Ref())
	}
	return nil
}

// Restore loads a persisted record without re-validating it.
func (r *KeyRegistry) Restore(rec *KeyRecord) { r.keys[rec.Ref()] = rec }

func (r *KeyRegistry) Get(ref KeyRef) (*KeyRecord, error) {
	rec, ok := r.keys[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fault.ErrKeyNotFound, ref)
	}
	return rec, nil
}

// Revoke returns the revoked form of a key without changing the registry;
// the caller persists it and then installs it with Restore. Only the key's
// authority may revoke it.
func (r *KeyRegistry) Revoke(ref KeyRef, authority string) (*KeyRecord, error) {
	rec, err := r.Get(ref)
	if err != nil {
		return nil, err
	}
	if rec.Authority != authority {
		return nil, fmt.Errorf("%w: %s", fault.ErrUnauthorized, ref)
	}
	if rec.Revoked {
		return nil, fmt.Errorf("%w: %s", fault.ErrAlreadyRevoked, ref)
	}
	revoked := *rec
	revoked.Revoked = true
	return &revoked, nil
}

// List returns all records ordered by reference.
func (r *KeyRegistry) List() []*KeyRecord {
	out := make([]*KeyRecord, 0, len(r.keys))
	for _, rec := range r.keys {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CircuitTag != out[j].CircuitTag {
			return out[i].CircuitTag < out[j].CircuitTag
		}
		return out[i].Version < out[j].Version
	})
	return out
}
