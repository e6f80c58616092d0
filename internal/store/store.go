// Package store persists pool records in BadgerDB.
//
// Every record of a pool lives under the "pool/<id>/" prefix as an
// independent key: the tree, the ledger, one key per vault owner, one key
// per verifying key, and one key per registered nullifier. A Commit writes
// any combination of them in a single transaction.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"

	"shieldpool/internal/fault"
)

// Options configures the database.
type Options struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	Logger     zerolog.Logger
}

// Store is a BadgerDB-backed record store.
type Store struct {
	db  *badgerdb.DB
	log zerolog.Logger
}

// Open opens (or creates) the database.
func Open(opts Options) (*Store, error) {
	var bopts badgerdb.Options
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("%w: data directory is required", fault.ErrInvalidConfiguration)
		}
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		bopts = badgerdb.DefaultOptions(opts.Dir).WithSyncWrites(opts.SyncWrites)
	}
	bopts = bopts.WithLogger(badgerLogger{opts.Logger.With().Str("component", "badger").Logger()})

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, log: opts.Logger}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks that the database answers reads.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badgerdb.Txn) error { return nil })
}

// Snapshot is the persisted state of one pool.
type Snapshot struct {
	Tree       []byte
	Ledger     []byte
	Nullifiers [][32]byte
	// Commitments maps each leaf commitment to its tree index.
	Commitments map[[32]byte]uint64
	Vaults      map[string][]byte
	Keys        map[string][]byte
}

// Empty reports whether nothing was stored for the pool.
func (s *Snapshot) Empty() bool {
	return s.Tree == nil && s.Ledger == nil && len(s.Nullifiers) == 0 && len(s.Commitments) == 0 &&
		len(s.Vaults) == 0 && len(s.Keys) == 0
}

// Changes is one atomic write against a pool.
type Changes struct {
	Tree   []byte
	Ledger []byte
	// Nullifiers are appended starting at sequence NullifierBase.
	Nullifiers    [][32]byte
	NullifierBase uint64
	// Commitments are new leaves; a commitment may be stored once.
	Commitments map[[32]byte]uint64
	// Vaults maps owner to record; a nil record deletes the vault.
	Vaults map[string][]byte
	Keys   map[string][]byte
}

func prefix(pool string) string { return "pool/" + pool + "/" }

func treeKey(pool string) []byte   { return []byte(prefix(pool) + "tree") }
func ledgerKey(pool string) []byte { return []byte(prefix(pool) + "ledger") }

func vaultKey(pool, owner string) []byte { return []byte(prefix(pool) + "vault/" + owner) }
func keyKey(pool, ref string) []byte     { return []byte(prefix(pool) + "key/" + ref) }

func nullifierSeqKey(pool string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefix(pool)+"nf/"), seq)
}

func nullifierSetKey(pool string, n [32]byte) []byte {
	return append([]byte(prefix(pool)+"nfx/"), n[:]...)
}

func commitmentKey(pool string, cm [32]byte) []byte {
	return append([]byte(prefix(pool)+"cm/"), cm[:]...)
}

// LoadPool reads every record of a pool.
func (s *Store) LoadPool(ctx context.Context, pool string) (*Snapshot, error) {
	snap := &Snapshot{Commitments: map[[32]byte]uint64{}, Vaults: map[string][]byte{}, Keys: map[string][]byte{}}
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		if snap.Tree, err = get(txn, treeKey(pool)); err != nil {
			return err
		}
		if snap.Ledger, err = get(txn, ledgerKey(pool)); err != nil {
			return err
		}

		it := txn.NewIterator(badgerdb.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: []byte(prefix(pool))})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			rest := strings.TrimPrefix(string(item.Key()), prefix(pool))
			switch {
			case strings.HasPrefix(rest, "nf/"):
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if len(val) != 32 {
					return fmt.Errorf("%w: nullifier entry %q", fault.ErrCorruptRecord, rest)
				}
				var n [32]byte
				copy(n[:], val)
				// big-endian sequence keys iterate in registration order
				snap.Nullifiers = append(snap.Nullifiers, n)
			case strings.HasPrefix(rest, "cm/"):
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				key := rest[len("cm/"):]
				if len(key) != 32 || len(val) != 8 {
					return fmt.Errorf("%w: commitment entry %x", fault.ErrCorruptRecord, key)
				}
				snap.Commitments[[32]byte([]byte(key))] = binary.BigEndian.Uint64(val)
			case strings.HasPrefix(rest, "vault/"):
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				snap.Vaults[strings.TrimPrefix(rest, "vault/")] = val
			case strings.HasPrefix(rest, "key/"):
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				snap.Keys[strings.TrimPrefix(rest, "key/")] = val
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load pool %s: %w", pool, err)
	}
	return snap, nil
}

// Commit applies c in one transaction. Nothing is written if any part fails.
func (s *Store) Commit(ctx context.Context, pool string, c *Changes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if c.Tree != nil {
		if err := txn.Set(treeKey(pool), c.Tree); err != nil {
			return fmt.Errorf("write tree: %w", err)
		}
	}
	if c.Ledger != nil {
		if err := txn.Set(ledgerKey(pool), c.Ledger); err != nil {
			return fmt.Errorf("write ledger: %w", err)
		}
	}
	for i, n := range c.Nullifiers {
		setKey := nullifierSetKey(pool, n)
		switch _, err := txn.Get(setKey); {
		case err == nil:
			return fmt.Errorf("%w: %x", fault.ErrNullifierAlreadyUsed, n)
		case !errors.Is(err, badgerdb.ErrKeyNotFound):
			return fmt.Errorf("read nullifier: %w", err)
		}
		seq := c.NullifierBase + uint64(i)
		if err := txn.Set(nullifierSeqKey(pool, seq), n[:]); err != nil {
			return fmt.Errorf("write nullifier: %w", err)
		}
		if err := txn.Set(setKey, binary.BigEndian.AppendUint64(nil, seq)); err != nil {
			return fmt.Errorf("write nullifier index: %w", err)
		}
	}
	for cm, idx := range c.Commitments {
		key := commitmentKey(pool, cm)
		switch _, err := txn.Get(key); {
		case err == nil:
			return fmt.Errorf("%w: %x", fault.ErrCommitmentExists, cm)
		case !errors.Is(err, badgerdb.ErrKeyNotFound):
			return fmt.Errorf("read commitment: %w", err)
		}
		if err := txn.Set(key, binary.BigEndian.AppendUint64(nil, idx)); err != nil {
			return fmt.Errorf("write commitment: %w", err)
		}
	}
	for owner, rec := range c.Vaults {
		var err error
		if rec == nil {
			err = txn.Delete(vaultKey(pool, owner))
		} else {
			err = txn.Set(vaultKey(pool, owner), rec)
		}
		if err != nil {
			return fmt.Errorf("write vault %s: %w", owner, err)
		}
	}
	for ref, rec := range c.Keys {
		if err := txn.Set(keyKey(pool, ref), rec); err != nil {
			return fmt.Errorf("write key %s: %w", ref, err)
		}
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit pool %s: %w", pool, err)
	}
	return nil
}

func get(txn *badgerdb.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// badgerLogger routes badger's logs through zerolog.
type badgerLogger struct{ log zerolog.Logger }

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(f), v...)
}
func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(f), v...)
}
func (l badgerLogger) Infof(f string, v ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(f), v...)
}
func (l badgerLogger) Debugf(f string, v ...interface{}) {
	l.log.Trace().Msgf(strings.TrimSpace(f), v...)
}
