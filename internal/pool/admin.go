package pool

import (
	"context"
	"fmt"
	"time"

	"shieldpool/internal/fault"
	"shieldpool/internal/merkle"
	"shieldpool/internal/store"
	"shieldpool/internal/verifier"
)

// RegisterKey adds a verifying key to the pool on behalf of authority, which
// must be the pool authority and the key's authority.
func (e *Engine) RegisterKey(ctx context.Context, rec *verifier.KeyRecord, authority string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fatal != nil {
		return e.fatal
	}
	if authority != e.cfg.Authority {
		return fmt.Errorf("%w: %q is not the pool authority", fault.ErrUnauthorized, authority)
	}
	if rec.Authority != authority {
		return fmt.Errorf("%w: key authority %q", fault.ErrInvalidAuthority, rec.Authority)
	}
	if err := e.keys.Validate(rec); err != nil {
		return err
	}
	cp := *rec
	cp.KeyBytes = append([]byte(nil), rec.KeyBytes...)
	if err := e.saveKey(ctx, &cp, nil); err != nil {
		return err
	}
	e.deps.Audit.Info().Str("pool", e.cfg.ID).Str("key", cp.Ref().String()).Msg("verifying key registered")
	return nil
}

// RevokeKey permanently disables a key. Operations verified against it
// before revocation are unaffected; later verifications fail.
func (e *Engine) RevokeKey(ctx context.Context, ref verifier.KeyRef, authority string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fatal != nil {
		return e.fatal
	}
	revoked, err := e.keys.Revoke(ref, authority)
	if err != nil {
		return err
	}
	if err := e.saveKey(ctx, revoked, nil); err != nil {
		return err
	}
	e.deps.Audit.Warn().Str("pool", e.cfg.ID).Str("key", ref.String()).Msg("verifying key revoked")
	return nil
}

// ActivateKey selects the key used to verify operations of kind.
func (e *Engine) ActivateKey(ctx context.Context, kind Kind, ref verifier.KeyRef, authority string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fatal != nil {
		return e.fatal
	}
	if authority != e.cfg.Authority {
		return fmt.Errorf("%w: %q is not the pool authority", fault.ErrUnauthorized, authority)
	}
	if !kind.valid() {
		return fmt.Errorf("%w: %d", fault.ErrInvalidOperationKind, kind)
	}
	rec, err := e.keys.Get(ref)
	if err != nil {
		return err
	}
	if rec.Revoked {
		return fmt.Errorf("%w: %s", fault.ErrKeyRevoked, ref)
	}
	ledger := e.ledger.clone()
	ledger.ActiveKeys[kind] = ref
	if err := e.saveKey(ctx, nil, ledger); err != nil {
		return err
	}
	e.deps.Audit.Info().Str("pool", e.cfg.ID).Str("kind", kind.String()).Str("key", ref.String()).Msg("verifying key activated")
	return nil
}

// saveKey persists a key record and/or a ledger and installs them.
func (e *Engine) saveKey(ctx context.Context, rec *verifier.KeyRecord, ledger *Ledger) error {
	changes := &store.Changes{}
	if rec != nil {
		data, err := rec.MarshalBinary()
		if err != nil {
			return err
		}
		changes.Keys = map[string][]byte{rec.Ref().String(): data}
	}
	if ledger != nil {
		data, err := ledger.MarshalBinary()
		if err != nil {
			return err
		}
		changes.Ledger = data
		// the tree record must exist whenever the ledger does
		if changes.Tree, err = e.tree.MarshalBinary(); err != nil {
			return err
		}
	}
	if err := e.deps.Store.Commit(ctx, e.cfg.ID, changes); err != nil {
		return err
	}
	if rec != nil {
		e.keys.Restore(rec)
	}
	if ledger != nil {
		e.ledger = ledger
	}
	return nil
}

// Keys lists the registered verifying keys.
func (e *Engine) Keys() []verifier.KeyRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	recs := e.keys.List()
	out := make([]verifier.KeyRecord, len(recs))
	for i, r := range recs {
		out[i] = *r
		out[i].KeyBytes = append([]byte(nil), r.KeyBytes...)
	}
	return out
}

// State is a read-only view of the pool.
type State struct {
	PoolID            string                     `json:"pool_id"`
	Hasher            string                     `json:"hasher"`
	Strategy          string                     `json:"strategy"`
	Root              Hash                       `json:"root"`
	RecentRoots       []Hash                     `json:"recent_roots"`
	NextIndex         uint64                     `json:"next_index"`
	Capacity          uint64                     `json:"capacity"`
	OperationCount    uint64                     `json:"operation_count"`
	LastOperationTime time.Time                  `json:"last_operation_time"`
	TotalShielded     uint64                     `json:"total_shielded"`
	TotalUnshielded   uint64                     `json:"total_unshielded"`
	Nullifiers        int                        `json:"nullifiers"`
	Vaults            int                        `json:"vaults"`
	InFlight          int                        `json:"in_flight"`
	ActiveKeys        map[string]verifier.KeyRef `json:"active_keys"`
	Fatal             string                     `json:"fatal,omitempty"`
}

// State returns a snapshot of the pool counters.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{
		PoolID:          e.cfg.ID,
		Hasher:          e.tree.Hasher().Name(),
		Strategy:        e.deps.Strategy.Name(),
		Root:            e.ledger.CurrentRoot,
		RecentRoots:     append([]Hash(nil), e.ledger.RecentRoots...),
		NextIndex:       e.tree.NextIndex(),
		Capacity:        e.tree.Capacity(),
		OperationCount:  e.ledger.OperationCount,
		TotalShielded:   e.ledger.TotalShielded,
		TotalUnshielded: e.ledger.TotalUnshielded,
		Nullifiers:      e.nullifiers.Len(),
		Vaults:          len(e.vaults),
		ActiveKeys:      make(map[string]verifier.KeyRef, len(e.ledger.ActiveKeys)),
	}
	if e.ledger.LastOperationTime != 0 {
		s.LastOperationTime = time.Unix(0, e.ledger.LastOperationTime).UTC()
	}
	for _, v := range e.vaults {
		s.InFlight += v.Len()
	}
	for k, ref := range e.ledger.ActiveKeys {
		s.ActiveKeys[k.String()] = ref
	}
	if e.fatal != nil {
		s.Fatal = e.fatal.Error()
	}
	return s
}

// KnownRoot reports whether root may anchor a spend.
func (e *Engine) KnownRoot(root Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.KnownRoot(root)
}

// NullifierUsed reports whether n has been spent.
func (e *Engine) NullifierUsed(n Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nullifiers.Contains([32]byte(n))
}

// RecentLeaves returns the most recently inserted leaves, oldest first.
func (e *Engine) RecentLeaves() []merkle.Leaf {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Recent()
}

// Frontier returns the tree frontier, for clients building witnesses.
func (e *Engine) Frontier() []merkle.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Frontier()
}
