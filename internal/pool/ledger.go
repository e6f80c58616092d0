package pool

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"shieldpool/internal/fault"
	"shieldpool/internal/verifier"
)

// RootHistorySize is the number of recent roots a spend may be anchored to.
const RootHistorySize = 16

// Ledger holds the pool-wide counters and the root history.
type Ledger struct {
	CurrentRoot Hash
	// RecentRoots is ordered oldest first; the last entry is CurrentRoot.
	RecentRoots []Hash
	// LastOperationTime is in unix nanoseconds; zero before the first apply.
	LastOperationTime int64
	OperationCount    uint64
	TotalShielded     uint64
	TotalUnshielded   uint64
	// ActiveKeys names the verifying key used for each operation kind.
	ActiveKeys map[Kind]verifier.KeyRef
}

func newLedger(root Hash) *Ledger {
	return &Ledger{CurrentRoot: root, ActiveKeys: make(map[Kind]verifier.KeyRef)}
}

func (l *Ledger) clone() *Ledger {
	c := *l
	c.RecentRoots = append([]Hash(nil), l.RecentRoots...)
	c.ActiveKeys = make(map[Kind]verifier.KeyRef, len(l.ActiveKeys))
	for k, ref := range l.ActiveKeys {
		c.ActiveKeys[k] = ref
	}
	return &c
}

// pushRoot records a new root, evicting the oldest beyond RootHistorySize.
func (l *Ledger) pushRoot(root Hash) {
	l.CurrentRoot = root
	l.RecentRoots = append(l.RecentRoots, root)
	if len(l.RecentRoots) > RootHistorySize {
		l.RecentRoots = append(l.RecentRoots[:0:0], l.RecentRoots[len(l.RecentRoots)-RootHistorySize:]...)
	}
}

// KnownRoot reports whether root is within the recent history.
func (l *Ledger) KnownRoot(root Hash) bool {
	for _, r := range l.RecentRoots {
		if r == root {
			return true
		}
	}
	return false
}

// checkRate rejects an operation of kind k arriving less than its minimum
// interval after the previous applied operation.
func (l *Ledger) checkRate(k Kind, now time.Time, intervals map[Kind]time.Duration) error {
	if l.LastOperationTime == 0 {
		return nil
	}
	min := intervals[k]
	elapsed := now.UnixNano() - l.LastOperationTime
	if elapsed < int64(min) {
		return fmt.Errorf("%w: %s needs %s between operations, %s elapsed",
			fault.ErrRateLimitExceeded, k, min, time.Duration(elapsed))
	}
	return nil
}

// record counts an applied operation. Overflow is reported, never wrapped.
func (l *Ledger) record(k Kind, amount uint64, now time.Time) error {
	if l.OperationCount == math.MaxUint64 {
		return fault.ErrCounterOverflow
	}
	switch k {
	case Shield:
		if l.TotalShielded > math.MaxUint64-amount {
			return fmt.Errorf("%w: total shielded", fault.ErrAmountOverflow)
		}
		l.TotalShielded += amount
	case Unshield:
		if l.TotalUnshielded > math.MaxUint64-amount {
			return fmt.Errorf("%w: total unshielded", fault.ErrAmountOverflow)
		}
		l.TotalUnshielded += amount
	}
	l.OperationCount++
	l.LastOperationTime = now.UnixNano()
	return nil
}

var ledgerTag = [4]byte{'S', 'P', 'L', 'G'}

const ledgerVersion = 1

type ledgerFixed struct {
	Tag               [4]byte
	Version           uint8
	CurrentRoot       Hash
	LastOperationTime int64
	OperationCount    uint64
	TotalShielded     uint64
	TotalUnshielded   uint64
	RootCount         uint8
}

// MarshalBinary encodes the ledger: a fixed head, the recent roots, then
// one (kind, tag-len, tag, version) entry per active key.
func (l *Ledger) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, ledgerFixed{
		Tag:               ledgerTag,
		Version:           ledgerVersion,
		CurrentRoot:       l.CurrentRoot,
		LastOperationTime: l.LastOperationTime,
		OperationCount:    l.OperationCount,
		TotalShielded:     l.TotalShielded,
		TotalUnshielded:   l.TotalUnshielded,
		RootCount:         uint8(len(l.RecentRoots)),
	})
	for _, r := range l.RecentRoots {
		buf.Write(r[:])
	}
	for _, k := range Kinds {
		ref, ok := l.ActiveKeys[k]
		if !ok {
			continue
		}
		buf.WriteByte(byte(k))
		binary.Write(&buf, binary.BigEndian, uint16(len(ref.CircuitTag)))
		buf.WriteString(ref.CircuitTag)
		binary.Write(&buf, binary.BigEndian, ref.Version)
	}
	return buf.Bytes(), nil
}

// DecodeLedger restores a ledger record.
func DecodeLedger(data []byte) (*Ledger, error) {
	r := bytes.NewReader(data)
	var f ledgerFixed
	if err := binary.Read(r, binary.BigEndian, &f); err != nil || f.Tag != ledgerTag || f.Version != ledgerVersion {
		return nil, fmt.Errorf("%w: ledger header", fault.ErrCorruptRecord)
	}
	if f.RootCount > RootHistorySize {
		return nil, fmt.Errorf("%w: %d recent roots", fault.ErrCorruptRecord, f.RootCount)
	}
	l := newLedger(f.CurrentRoot)
	l.LastOperationTime = f.LastOperationTime
	l.OperationCount = f.OperationCount
	l.TotalShielded = f.TotalShielded
	l.TotalUnshielded = f.TotalUnshielded
	l.RecentRoots = make([]Hash, f.RootCount)
	if err := binary.Read(r, binary.BigEndian, l.RecentRoots); err != nil {
		return nil, fmt.Errorf("%w: recent roots", fault.ErrCorruptRecord)
	}
	if len(l.RecentRoots) > 0 && l.RecentRoots[len(l.RecentRoots)-1] != l.CurrentRoot {
		return nil, fmt.Errorf("%w: current root missing from history", fault.ErrCorruptRecord)
	}
	for r.Len() > 0 {
		kb, _ := r.ReadByte()
		k := Kind(kb)
		var n uint16
		if !k.valid() || binary.Read(r, binary.BigEndian, &n) != nil {
			return nil, fmt.Errorf("%w: active key entry", fault.ErrCorruptRecord)
		}
		tag, err := readN(r, int(n))
		if err != nil {
			return nil, fmt.Errorf("%w: active key tag", fault.ErrCorruptRecord)
		}
		var version uint32
		if err := binary.Read(r, binary.BigEndian, &version); err != nil {
			return nil, fmt.Errorf("%w: active key version", fault.ErrCorruptRecord)
		}
		l.ActiveKeys[k] = verifier.KeyRef{CircuitTag: string(tag), Version: version}
	}
	return l, nil
}
