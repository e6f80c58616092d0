// Package nullifier tracks spent-note tags.
//
// The registry is append-only from the outside: a nullifier, once inserted,
// is never removed and never accepted again. Membership uses a hash set and
// insertion order is kept so the set can be persisted as a sequence.
package nullifier

import (
	"encoding/hex"
	"fmt"

	"shieldpool/internal/fault"
)

// Nullifier is a 32-byte spent-note tag.
type Nullifier [32]byte

func (n Nullifier) String() string { return hex.EncodeToString(n[:]) }

// IsZero reports whether n is all zero bytes.
func (n Nullifier) IsZero() bool { return n == Nullifier{} }

// Registry is the pool's nullifier set. Callers serialize access.
type Registry struct {
	seen  map[Nullifier]struct{}
	order []Nullifier
}

func New() *Registry {
	return &Registry{seen: make(map[Nullifier]struct{})}
}

// Restore rebuilds a registry from its persisted sequence.
func Restore(seq []Nullifier) (*Registry, error) {
	r := &Registry{seen: make(map[Nullifier]struct{}, len(seq)), order: make([]Nullifier, 0, len(seq))}
	for _, n := range seq {
		if err := r.Insert(n); err != nil {
			return nil, fmt.Errorf("%w: duplicate nullifier %s in stored sequence", fault.ErrCorruptRecord, n)
		}
	}
	return r, nil
}

func (r *Registry) Contains(n Nullifier) bool {
	_, ok := r.seen[n]
	return ok
}

// Insert registers n.
func (r *Registry) Insert(n Nullifier) error {
	if n.IsZero() {
		return fault.ErrInvalidNullifier
	}
	if r.Contains(n) {
		return fmt.Errorf("%w: %s", fault.ErrNullifierAlreadyUsed, n)
	}
	r.seen[n] = struct{}{}
	r.order = append(r.order, n)
	return nil
}

// Check reports the first nullifier of ns that could not be inserted, either
// because it is registered already or because it repeats inside ns.
// The registry is left untouched.
func (r *Registry) Check(ns ...Nullifier) error {
	pending := make(map[Nullifier]struct{}, len(ns))
	for _, n := range ns {
		if n.IsZero() {
			return fault.ErrInvalidNullifier
		}
		if _, dup := pending[n]; dup || r.Contains(n) {
			return fmt.Errorf("%w: %s", fault.ErrNullifierAlreadyUsed, n)
		}
		pending[n] = struct{}{}
	}
	return nil
}

// Len returns the number of registered nullifiers.
func (r *Registry) Len() int { return len(r.order) }

// All returns the nullifiers in registration order.
func (r *Registry) All() []Nullifier { return append([]Nullifier(nil), r.order...) }
