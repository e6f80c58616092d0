// Package pool implements the shielded-operation engine: per-owner vaults of
// prepared operations driven through Pending, Verified, Updated and
// Completed, on top of the commitment tree, the nullifier registry and the
// pool ledger.
//
// All shared state of a pool lives in one Engine and is only reached under
// its mutex. Every state change is first computed on staged copies, written
// to the store in one transaction, and only then installed in memory, so a
// failed call leaves no partial update behind.
package pool

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shieldpool/internal/fault"
	"shieldpool/internal/merkle"
	"shieldpool/internal/metrics"
	"shieldpool/internal/nullifier"
	"shieldpool/internal/store"
	"shieldpool/internal/verifier"
)

// Config describes one pool.
type Config struct {
	ID        string
	Authority string
	TreeDepth int
	Hasher    merkle.Hasher
	MinAmount uint64
	MaxAmount uint64
	// MinIntervals is the minimum time between an applied operation and the
	// next one of the given kind.
	MinIntervals map[Kind]time.Duration
	MaxBatchSize int
}

// DefaultConfig returns the production defaults for a pool.
func DefaultConfig(id, authority string) Config {
	return Config{
		ID:        id,
		Authority: authority,
		TreeDepth: merkle.DefaultDepth,
		Hasher:    merkle.Sha256Hasher{},
		MinAmount: 1,
		MaxAmount: math.MaxUint64,
		MinIntervals: map[Kind]time.Duration{
			Shield:   4 * time.Second,
			Unshield: 4 * time.Second,
			Transfer: 2 * time.Second,
		},
		MaxBatchSize: 3,
	}
}

var poolIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func (c *Config) validate() error {
	switch {
	case !poolIDPattern.MatchString(c.ID):
		return fmt.Errorf("%w: pool id %q", fault.ErrInvalidConfiguration, c.ID)
	case c.Authority == "":
		return fmt.Errorf("%w: pool authority is required", fault.ErrInvalidConfiguration)
	case c.MinAmount < 1 || c.MinAmount > c.MaxAmount:
		return fmt.Errorf("%w: amount bounds [%d, %d]", fault.ErrInvalidConfiguration, c.MinAmount, c.MaxAmount)
	case c.TreeDepth < 1 || c.TreeDepth > merkle.MaxDepth:
		return fmt.Errorf("%w: tree depth %d", fault.ErrInvalidConfiguration, c.TreeDepth)
	case c.MaxBatchSize < 1:
		return fmt.Errorf("%w: max batch size %d", fault.ErrInvalidConfiguration, c.MaxBatchSize)
	}
	for k, d := range c.MinIntervals {
		if !k.valid() || d < 0 {
			return fmt.Errorf("%w: interval %s=%s", fault.ErrInvalidConfiguration, k, d)
		}
	}
	return nil
}

// Store persists pool records.
type Store interface {
	LoadPool(ctx context.Context, pool string) (*store.Snapshot, error)
	Commit(ctx context.Context, pool string, c *store.Changes) error
}

// Custodian moves public value in and out of the pool. ref identifies the
// operation so a repeated call for the same operation moves value once.
type Custodian interface {
	Deposit(ctx context.Context, authority, from string, amount uint64, ref string) error
	Withdraw(ctx context.Context, authority, to string, amount uint64, ref string) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store     Store
	Strategy  verifier.Strategy
	Custodian Custodian
	Metrics   *metrics.Collector
	Log       zerolog.Logger
	Audit     zerolog.Logger
	Now       func() time.Time
}

// Engine is one shielded pool.
type Engine struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  zerolog.Logger

	tree       *merkle.Tree
	nullifiers *nullifier.Registry
	// commitments maps every leaf of the tree to its index.
	commitments map[Hash]uint64
	ledger      *Ledger
	keys        *verifier.KeyRegistry
	vaults      map[string]*Vault

	// fatal is set once the pool hit an unrecoverable error.
	fatal error
}

// Open loads the pool from the store, or starts an empty one.
func Open(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	if cfg.TreeDepth == 0 {
		cfg.TreeDepth = merkle.DefaultDepth
	}
	if cfg.Hasher == nil {
		cfg.Hasher = merkle.Sha256Hasher{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Strategy == nil || deps.Custodian == nil {
		return nil, fmt.Errorf("%w: store, strategy and custodian are required", fault.ErrInvalidConfiguration)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Log.With().Str("pool", cfg.ID).Logger(),
		keys:   verifier.NewKeyRegistry(),
		vaults: make(map[string]*Vault),
	}
	snap, err := deps.Store.LoadPool(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	if err := e.restore(snap); err != nil {
		return nil, err
	}
	e.publish()
	e.log.Info().
		Uint64("leaves", e.tree.NextIndex()).
		Int("nullifiers", e.nullifiers.Len()).
		Int("vaults", len(e.vaults)).
		Str("strategy", deps.Strategy.Name()).
		Msg("pool opened")
	return e, nil
}

func (e *Engine) restore(snap *store.Snapshot) error {
	var err error
	switch {
	case snap.Tree == nil && snap.Ledger == nil:
		if e.tree, err = merkle.New(e.cfg.TreeDepth, e.cfg.Hasher); err != nil {
			return err
		}
		e.ledger = newLedger(Hash(e.tree.Root()))
	case snap.Tree == nil || snap.Ledger == nil:
		return fmt.Errorf("%w: pool %s has only one of tree and ledger", fault.ErrCorruptRecord, e.cfg.ID)
	default:
		if e.tree, err = merkle.Decode(snap.Tree, e.cfg.Hasher); err != nil {
			return err
		}
		if e.ledger, err = DecodeLedger(snap.Ledger); err != nil {
			return err
		}
		if e.tree.Depth() != e.cfg.TreeDepth {
			return fmt.Errorf("%w: stored tree has depth %d, configured %d",
				fault.ErrInvalidConfiguration, e.tree.Depth(), e.cfg.TreeDepth)
		}
		if Hash(e.tree.Root()) != e.ledger.CurrentRoot {
			return fmt.Errorf("%w: tree root and ledger root differ", fault.ErrCorruptRecord)
		}
	}

	seq := make([]nullifier.Nullifier, len(snap.Nullifiers))
	for i, n := range snap.Nullifiers {
		seq[i] = nullifier.Nullifier(n)
	}
	if e.nullifiers, err = nullifier.Restore(seq); err != nil {
		return err
	}
	if uint64(len(snap.Commitments)) != e.tree.NextIndex() {
		return fmt.Errorf("%w: %d commitments indexed for %d leaves",
			fault.ErrCorruptRecord, len(snap.Commitments), e.tree.NextIndex())
	}
	e.commitments = make(map[Hash]uint64, len(snap.Commitments))
	for cm, idx := range snap.Commitments {
		e.commitments[Hash(cm)] = idx
	}
	for ref, data := range snap.Keys {
		rec, err := verifier.DecodeKeyRecord(data)
		if err != nil {
			return err
		}
		if rec.Ref().String() != ref {
			return fmt.Errorf("%w: key stored under %s is %s", fault.ErrCorruptRecord, ref, rec.Ref())
		}
		e.keys.Restore(rec)
	}
	for owner, data := range snap.Vaults {
		v, err := DecodeVault(data)
		if err != nil {
			return err
		}
		if v.Owner != owner {
			return fmt.Errorf("%w: vault of %q stored under %q", fault.ErrCorruptRecord, v.Owner, owner)
		}
		e.vaults[owner] = v
	}
	return nil
}

// Config returns the pool configuration.
func (e *Engine) Config() Config { return e.cfg }

// Strategy returns the configured verification strategy.
func (e *Engine) Strategy() verifier.Strategy { return e.deps.Strategy }

// Healthy returns the fatal error that stopped the pool, if any.
func (e *Engine) Healthy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

func validOwner(owner string) error {
	if owner == "" || len(owner) > maxRecipientLen {
		return fmt.Errorf("%w: %q", fault.ErrInvalidOwner, owner)
	}
	return nil
}

// lookup returns the vault and operation. Callers hold e.mu.
func (e *Engine) lookup(owner string, id ID) (*Vault, *Operation, error) {
	if err := validOwner(owner); err != nil {
		return nil, nil, err
	}
	v, ok := e.vaults[owner]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", fault.ErrOperationNotFound, owner, id)
	}
	op, ok := v.ops[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", fault.ErrOperationNotFound, owner, id)
	}
	return v, op, nil
}

func requireStatus(op *Operation, want ...Status) error {
	for _, s := range want {
		if op.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: operation %s is %s", fault.ErrInvalidOperationStatus, op.ID, op.Status)
}

// saveVault persists a vault change and installs it.
func (e *Engine) saveVault(ctx context.Context, v *Vault) error {
	changes := &store.Changes{Vaults: map[string][]byte{}}
	if v.Len() == 0 {
		changes.Vaults[v.Owner] = nil
	} else {
		rec, err := v.MarshalBinary()
		if err != nil {
			return err
		}
		changes.Vaults[v.Owner] = rec
	}
	if err := e.deps.Store.Commit(ctx, e.cfg.ID, changes); err != nil {
		return err
	}
	if v.Len() == 0 {
		delete(e.vaults, v.Owner)
	} else {
		e.vaults[v.Owner] = v
	}
	return nil
}

func (e *Engine) now() time.Time { return e.deps.Now() }

// Prepare registers a new Pending operation and returns its id.
func (e *Engine) Prepare(ctx context.Context, owner string, kind Kind, fields Fields) (id ID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("prepare", kind, owner, id, Pending, err) }()

	if e.fatal != nil {
		return ID{}, e.fatal
	}
	if err := validOwner(owner); err != nil {
		return ID{}, err
	}
	if !kind.valid() {
		return ID{}, fmt.Errorf("%w: %d", fault.ErrInvalidOperationKind, kind)
	}
	if err := fields.validate(kind, e.cfg.MinAmount, e.cfg.MaxAmount); err != nil {
		return ID{}, err
	}

	id = OperationID(kind, fields)
	v, ok := e.vaults[owner]
	if !ok {
		v = newVault(owner)
	}
	if _, exists := v.ops[id]; exists {
		return id, fmt.Errorf("%w: %s", fault.ErrOperationExists, id)
	}
	if kind != Unshield {
		if idx, used := e.commitments[fields.Commitment]; used {
			return id, fmt.Errorf("%w: %s is leaf %d", fault.ErrCommitmentExists, fields.Commitment, idx)
		}
	}

	now := e.now().Unix()
	staged := v.clone()
	staged.put(&Operation{ID: id, Kind: kind, Status: Pending, Fields: fields, CreatedAt: now, UpdatedAt: now})
	if err := e.saveVault(ctx, staged); err != nil {
		return id, err
	}
	return id, nil
}

// AttachPayload stores the proof material of a Pending operation. It may be
// called again to replace the payload until verification succeeds.
func (e *Engine) AttachPayload(ctx context.Context, owner string, id ID, payload verifier.Payload) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kind Kind
	defer func() { e.observe("attach", kind, owner, id, Pending, err) }()

	if e.fatal != nil {
		return e.fatal
	}
	if err := checkPayloadShape(payload); err != nil {
		return err
	}
	v, op, err := e.lookup(owner, id)
	if err != nil {
		return err
	}
	kind = op.Kind
	if err := requireStatus(op, Pending); err != nil {
		return err
	}

	updated := op.clone()
	updated.Payload = verifier.Payload{
		Proof:        append([]byte(nil), payload.Proof...),
		PublicInputs: append([]byte(nil), payload.PublicInputs...),
		Attestation:  append([]byte(nil), payload.Attestation...),
	}
	updated.UpdatedAt = e.now().Unix()
	staged := v.clone()
	staged.put(updated)
	return e.saveVault(ctx, staged)
}

func checkPayloadShape(p verifier.Payload) error {
	if len(p.Proof) < verifier.MinProofSize || len(p.Proof) > verifier.MaxProofSize {
		return fmt.Errorf("%w: proof is %d bytes", fault.ErrInvalidProof, len(p.Proof))
	}
	n := len(p.PublicInputs)
	if n == 0 || n%verifier.FieldSize != 0 || n > verifier.MaxPublicInputsSize {
		return fmt.Errorf("%w: %d bytes", fault.ErrInvalidPublicInputs, n)
	}
	if len(p.Attestation) != 0 && len(p.Attestation) != verifier.AttestationSize {
		return fmt.Errorf("%w: %d bytes", fault.ErrInvalidAttestation, len(p.Attestation))
	}
	return nil
}

// activeKey returns the key operations of kind are verified against.
func (e *Engine) activeKey(kind Kind) (*verifier.KeyRecord, error) {
	ref, ok := e.ledger.ActiveKeys[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no active key for %s", fault.ErrKeyNotFound, kind)
	}
	return e.keys.Get(ref)
}

// Verify checks the attached payload of a Pending operation. On success the
// operation becomes Verified; on any failure it stays Pending.
func (e *Engine) Verify(ctx context.Context, owner string, id ID) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kind Kind
	defer func() { e.observe("verify", kind, owner, id, Verified, err) }()

	if e.fatal != nil {
		return e.fatal
	}
	v, op, err := e.lookup(owner, id)
	if err != nil {
		return err
	}
	kind = op.Kind
	if err := requireStatus(op, Pending); err != nil {
		return err
	}
	if !op.hasPayload() {
		return fmt.Errorf("%w: %s", fault.ErrMissingPayload, id)
	}
	if string(op.Payload.PublicInputs) != string(ExpectedPublicInputs(op.Kind, op.Fields)) {
		return fmt.Errorf("%w: %s", fault.ErrInputsMismatch, id)
	}
	if op.Kind != Shield && !e.ledger.KnownRoot(op.Fields.Root) {
		return fmt.Errorf("%w: %s", fault.ErrRootMismatch, op.Fields.Root)
	}
	key, err := e.activeKey(op.Kind)
	if err != nil {
		return err
	}

	start := time.Now()
	ok, err := e.deps.Strategy.Verify(op.Payload, key)
	e.deps.Metrics.RecordVerification(e.deps.Strategy.Name(), time.Since(start))
	if err != nil {
		return fmt.Errorf("verify %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s against %s", fault.ErrVerificationFailed, id, key.Ref())
	}

	updated := op.clone()
	updated.Status = Verified
	updated.UpdatedAt = e.now().Unix()
	staged := v.clone()
	staged.put(updated)
	return e.saveVault(ctx, staged)
}

// stage accumulates the shared-state effects of one or more applies.
type stage struct {
	e          *Engine
	tree       *merkle.Tree
	ledger     *Ledger
	nullifiers []nullifier.Nullifier
	added      map[Hash]uint64
}

func (e *Engine) newStage() *stage {
	return &stage{
		e:      e,
		tree:   e.tree.Clone(),
		ledger: e.ledger.clone(),
		added:  make(map[Hash]uint64),
	}
}

// usedCommitment reports whether cm is a leaf of the tree or of the stage.
func (s *stage) usedCommitment(cm Hash) bool {
	if _, ok := s.added[cm]; ok {
		return true
	}
	_, ok := s.e.commitments[cm]
	return ok
}

// apply stages op and returns its Updated form.
func (s *stage) apply(op *Operation, now time.Time) (*Operation, error) {
	f := op.Fields
	if op.Kind != Shield {
		if !s.ledger.KnownRoot(f.Root) {
			return nil, fmt.Errorf("%w: %s", fault.ErrRootMismatch, f.Root)
		}
		n := nullifier.Nullifier(f.Nullifier)
		if err := s.e.nullifiers.Check(append(s.nullifiers[:len(s.nullifiers):len(s.nullifiers)], n)...); err != nil {
			return nil, err
		}
		s.nullifiers = append(s.nullifiers, n)
	}

	updated := op.clone()
	if op.Kind != Unshield {
		if s.usedCommitment(f.Commitment) {
			return nil, fmt.Errorf("%w: %s", fault.ErrCommitmentExists, f.Commitment)
		}
		idx, root, err := s.tree.Insert(merkle.Node(f.Commitment), merkle.Node(AmountCommitment(f.Commitment, f.Amount)))
		if err != nil {
			return nil, err
		}
		s.ledger.pushRoot(Hash(root))
		s.added[f.Commitment] = idx
		updated.LeafIndex = idx
	}
	if err := s.ledger.record(op.Kind, f.Amount, now); err != nil {
		return nil, err
	}
	updated.Status = Updated
	updated.UpdatedAt = now.Unix()
	return updated, nil
}

// commit writes the staged state with the given vault and installs both.
func (s *stage) commit(ctx context.Context, v *Vault) error {
	e := s.e
	treeRec, err := s.tree.MarshalBinary()
	if err != nil {
		return err
	}
	ledgerRec, err := s.ledger.MarshalBinary()
	if err != nil {
		return err
	}
	vaultRec, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	changes := &store.Changes{
		Tree:          treeRec,
		Ledger:        ledgerRec,
		NullifierBase: uint64(e.nullifiers.Len()),
		Vaults:        map[string][]byte{v.Owner: vaultRec},
	}
	for _, n := range s.nullifiers {
		changes.Nullifiers = append(changes.Nullifiers, [32]byte(n))
	}
	if len(s.added) > 0 {
		changes.Commitments = make(map[[32]byte]uint64, len(s.added))
		for cm, idx := range s.added {
			changes.Commitments[[32]byte(cm)] = idx
		}
	}
	if err := e.deps.Store.Commit(ctx, e.cfg.ID, changes); err != nil {
		return err
	}

	e.tree = s.tree
	e.ledger = s.ledger
	e.vaults[v.Owner] = v
	for cm, idx := range s.added {
		e.commitments[cm] = idx
	}
	for _, n := range s.nullifiers {
		if err := e.nullifiers.Insert(n); err != nil {
			// the store accepted what memory rejects: the two have diverged
			e.fatal = fmt.Errorf("%w: nullifier %s: %v", fault.ErrCorruptRecord, n, err)
			return e.fatal
		}
	}
	return nil
}

// poison records err as fatal when it is.
func (e *Engine) poison(err error) error {
	if fault.IsFatal(err) {
		e.fatal = err
		e.log.Error().Err(err).Msg("pool stopped")
	}
	return err
}

// Apply commits a Verified operation to the shared state: the commitment
// goes into the tree, the nullifier into the registry and the ledger counts
// the operation. The operation becomes Updated.
//
// A spend anchored to a root that has left the history can never succeed and
// moves the operation to Failed. Every other failure leaves it Verified.
func (e *Engine) Apply(ctx context.Context, owner string, id ID) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kind Kind
	defer func() { e.observe("apply", kind, owner, id, Updated, err) }()

	if e.fatal != nil {
		return e.fatal
	}
	v, op, err := e.lookup(owner, id)
	if err != nil {
		return err
	}
	kind = op.Kind
	if err := requireStatus(op, Verified); err != nil {
		return err
	}
	now := e.now()
	if err := e.ledger.checkRate(op.Kind, now, e.cfg.MinIntervals); err != nil {
		e.deps.Metrics.RecordRateLimited(op.Kind.String())
		return err
	}

	s := e.newStage()
	updated, err := s.apply(op, now)
	if err != nil {
		if fault.KindOf(err) == fault.KindVerificationFailure {
			if ferr := e.markFailed(ctx, v, op, err); ferr != nil {
				return ferr
			}
		}
		return e.poison(err)
	}
	staged := v.clone()
	staged.put(updated)
	if err := s.commit(ctx, staged); err != nil {
		return e.poison(err)
	}
	return nil
}

func (e *Engine) markFailed(ctx context.Context, v *Vault, op *Operation, cause error) error {
	failed := op.clone()
	failed.Status = Failed
	failed.UpdatedAt = e.now().Unix()
	staged := v.clone()
	staged.put(failed)
	if err := e.saveVault(ctx, staged); err != nil {
		return err
	}
	e.audit(op, Failed, cause)
	return nil
}

// ApplyBatch applies several Verified operations of one owner as a single
// unit: either all of them become Updated or none does.
func (e *Engine) ApplyBatch(ctx context.Context, owner string, ids []ID) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if err != nil {
			e.log.Warn().Err(err).Str("owner", owner).Int("size", len(ids)).Msg("batch rejected")
			e.deps.Metrics.RecordError(fault.KindOf(err).String())
		}
	}()

	if e.fatal != nil {
		return e.fatal
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: empty batch", fault.ErrInvalidBatch)
	}
	if len(ids) > e.cfg.MaxBatchSize {
		return fmt.Errorf("%w: %d > %d", fault.ErrBatchTooLarge, len(ids), e.cfg.MaxBatchSize)
	}

	// validate every entry before touching shared state
	ops := make([]*Operation, len(ids))
	seen := make(map[ID]struct{}, len(ids))
	var v *Vault
	var interval time.Duration
	var spends []nullifier.Nullifier
	for i, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: operation %s listed twice", fault.ErrInvalidBatch, id)
		}
		seen[id] = struct{}{}
		vault, op, err := e.lookup(owner, id)
		if err != nil {
			return err
		}
		if err := requireStatus(op, Verified); err != nil {
			return err
		}
		if err := checkPayloadShape(op.Payload); err != nil {
			return err
		}
		v, ops[i] = vault, op
		if d := e.cfg.MinIntervals[op.Kind]; d > interval {
			interval = d
		}
		if op.Kind != Shield {
			spends = append(spends, nullifier.Nullifier(op.Fields.Nullifier))
		}
	}
	if err := e.nullifiers.Check(spends...); err != nil {
		return err
	}

	now := e.now()
	if err := e.ledger.checkRate(ops[0].Kind, now, map[Kind]time.Duration{ops[0].Kind: interval}); err != nil {
		e.deps.Metrics.RecordRateLimited("batch")
		return err
	}

	s := e.newStage()
	staged := v.clone()
	for _, op := range ops {
		updated, err := s.apply(op, now)
		if err != nil {
			return e.poison(fmt.Errorf("batch entry %s: %w", op.ID, err))
		}
		staged.put(updated)
	}
	if err := s.commit(ctx, staged); err != nil {
		return e.poison(err)
	}
	for _, op := range ops {
		e.observe("apply", op.Kind, owner, op.ID, Updated, nil)
	}
	return nil
}

// Finalize performs the custodial movement of an Updated operation and
// removes it from the vault. Shield deposits from the owner, Unshield pays
// the recipient, Transfer moves no public value.
func (e *Engine) Finalize(ctx context.Context, owner string, id ID) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kind Kind
	defer func() { e.observe("finalize", kind, owner, id, Completed, err) }()

	if e.fatal != nil {
		return e.fatal
	}
	v, op, err := e.lookup(owner, id)
	if err != nil {
		return err
	}
	kind = op.Kind
	if err := requireStatus(op, Updated); err != nil {
		return err
	}

	ref := op.ID.String()
	switch op.Kind {
	case Shield:
		err = e.deps.Custodian.Deposit(ctx, e.cfg.Authority, owner, op.Fields.Amount, ref)
	case Unshield:
		err = e.deps.Custodian.Withdraw(ctx, e.cfg.Authority, op.Fields.Recipient, op.Fields.Amount, ref)
	}
	if err != nil {
		return fmt.Errorf("custody for %s: %w", id, err)
	}

	staged := v.clone()
	staged.remove(id)
	return e.saveVault(ctx, staged)
}

// Execute drives an operation with an attached payload as far as it goes:
// verify, apply, finalize.
func (e *Engine) Execute(ctx context.Context, owner string, id ID) error {
	op, err := e.Get(owner, id)
	if err != nil {
		return err
	}
	if op.Status == Pending {
		if err := e.Verify(ctx, owner, id); err != nil {
			return err
		}
		op.Status = Verified
	}
	if op.Status == Verified {
		if err := e.Apply(ctx, owner, id); err != nil {
			return err
		}
		op.Status = Updated
	}
	if op.Status == Updated {
		return e.Finalize(ctx, owner, id)
	}
	return requireStatus(op, Pending, Verified, Updated)
}

// Cancel abandons a Pending or Verified operation by moving it to Failed.
func (e *Engine) Cancel(ctx context.Context, owner string, id ID) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kind Kind
	defer func() { e.observe("cancel", kind, owner, id, Failed, err) }()

	if e.fatal != nil {
		return e.fatal
	}
	v, op, err := e.lookup(owner, id)
	if err != nil {
		return err
	}
	kind = op.Kind
	if err := requireStatus(op, Pending, Verified); err != nil {
		return err
	}
	failed := op.clone()
	failed.Status = Failed
	failed.UpdatedAt = e.now().Unix()
	staged := v.clone()
	staged.put(failed)
	return e.saveVault(ctx, staged)
}

// Purge drops the Failed operations of an owner and returns how many.
func (e *Engine) Purge(ctx context.Context, owner string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fatal != nil {
		return 0, e.fatal
	}
	if err := validOwner(owner); err != nil {
		return 0, err
	}
	v, ok := e.vaults[owner]
	if !ok {
		return 0, nil
	}
	staged := v.clone()
	n := 0
	for _, id := range v.order {
		if v.ops[id].Status == Failed {
			staged.remove(id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := e.saveVault(ctx, staged); err != nil {
		return 0, err
	}
	e.log.Info().Str("owner", owner).Int("purged", n).Msg("failed operations purged")
	return n, nil
}

// Get returns a copy of an operation.
func (e *Engine) Get(owner string, id ID) (*Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, op, err := e.lookup(owner, id)
	if err != nil {
		return nil, err
	}
	return op.clone(), nil
}

// List returns the operations of an owner in preparation order.
func (e *Engine) List(owner string) []*Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vaults[owner]
	if !ok {
		return nil
	}
	return v.List()
}

// observe logs, audits and counts the outcome of a transition attempt.
// Callers hold e.mu.
func (e *Engine) observe(stage string, kind Kind, owner string, id ID, to Status, err error) {
	e.deps.Metrics.RecordTransition(kind.String(), stage, err)
	if err != nil {
		e.deps.Metrics.RecordError(fault.KindOf(err).String())
		ev := e.log.Warn()
		if fault.IsFatal(err) {
			ev = e.log.Error()
		}
		ev.Err(err).
			Str("stage", stage).
			Str("kind", kind.String()).
			Str("owner", owner).
			Str("op", id.String()).
			Str("error_kind", fault.KindOf(err).String()).
			Msg("transition rejected")
		return
	}
	e.log.Debug().Str("stage", stage).Str("owner", owner).Str("op", id.String()).Msg("transition")
	e.audit(&Operation{ID: id, Kind: kind}, to, nil)
	e.publish()
}

func (e *Engine) audit(op *Operation, to Status, cause error) {
	ev := e.deps.Audit.Info().
		Str("pool", e.cfg.ID).
		Str("op", op.ID.String()).
		Str("kind", op.Kind.String()).
		Str("to", to.String()).
		Str("root", e.ledger.CurrentRoot.String())
	if cause != nil {
		ev = ev.Str("cause", cause.Error())
	}
	ev.Msg("operation transition")
}

func (e *Engine) publish() {
	inFlight := 0
	for _, v := range e.vaults {
		inFlight += v.Len()
	}
	e.deps.Metrics.SetPoolState(e.cfg.ID, e.tree.NextIndex(), e.nullifiers.Len(), inFlight)
}
