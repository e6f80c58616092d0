// runtime.go - Wiring of the pool components from a configuration
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"shieldpool/internal/config"
	"shieldpool/internal/custody"
	"shieldpool/internal/fault"
	"shieldpool/internal/logging"
	"shieldpool/internal/metrics"
	"shieldpool/internal/pool"
	"shieldpool/internal/store"
	"shieldpool/internal/verifier"
)

// custodyFile persists the custodial ledger after every movement.
type custodyFile struct {
	mu     sync.Mutex
	ledger *custody.Ledger
	path   string
}

func openCustody(path, authority string) (*custodyFile, error) {
	if path == "" {
		return &custodyFile{ledger: custody.NewLedger(authority)}, nil
	}
	l, err := custody.LoadLedgerFromFile(path, authority)
	if err != nil {
		return nil, err
	}
	return &custodyFile{ledger: l, path: path}, nil
}

func (c *custodyFile) save() error {
	if c.path == "" {
		return nil
	}
	return c.ledger.SaveToFile(c.path)
}

func (c *custodyFile) Deposit(ctx context.Context, authority, from string, amount uint64, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ledger.Deposit(ctx, authority, from, amount, ref); err != nil {
		return err
	}
	return c.save()
}

func (c *custodyFile) Withdraw(ctx context.Context, authority, to string, amount uint64, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ledger.Withdraw(ctx, authority, to, amount, ref); err != nil {
		return err
	}
	return c.save()
}

func (c *custodyFile) Credit(account string, amount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ledger.Credit(account, amount); err != nil {
		return err
	}
	return c.save()
}

// runtime holds everything a command needs to drive one pool.
type runtime struct {
	cfg      *config.Config
	logs     *logging.Loggers
	registry *prometheus.Registry
	metrics  *metrics.Collector
	store    *store.Store
	custody  *custodyFile
	engine   *pool.Engine
}

func newStrategy(cfg *config.Config) (verifier.Strategy, error) {
	switch cfg.Verifier.Mode {
	case verifier.ModeAttestation:
		key, err := cfg.AttestorKey()
		if err != nil {
			return nil, err
		}
		s := verifier.NewAttestationStrategy(ed25519.PublicKey(key))
		s.MaxAge = time.Duration(cfg.Verifier.MaxAttestationAge)
		return s, nil
	default:
		return verifier.NewGroth16Strategy(cfg.Verifier.KeyCacheSize)
	}
}

func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logs, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	r := &runtime{cfg: cfg, logs: logs, registry: prometheus.NewRegistry()}
	r.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.metrics = metrics.New(r.registry)

	if r.store, err = store.Open(cfg.StoreOptions(logs.App)); err != nil {
		r.Close()
		return nil, err
	}
	if r.custody, err = openCustody(cfg.CustodyPath, cfg.Pool.Authority); err != nil {
		r.Close()
		return nil, err
	}
	strategy, err := newStrategy(cfg)
	if err != nil {
		r.Close()
		return nil, err
	}
	poolCfg, err := cfg.PoolConfig()
	if err != nil {
		r.Close()
		return nil, err
	}
	r.engine, err = pool.Open(ctx, poolCfg, pool.Deps{
		Store:     r.store,
		Strategy:  strategy,
		Custodian: r.custody,
		Metrics:   r.metrics,
		Log:       logs.App,
		Audit:     logs.Audit,
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	logs.App.Info().
		Str("pool", poolCfg.ID).
		Str("strategy", strategy.Name()).
		Str("hasher", poolCfg.Hasher.Name()).
		Int("depth", poolCfg.TreeDepth).
		Msg("pool opened")
	return r, nil
}

func (r *runtime) Close() error {
	var errs []error
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.logs != nil {
		errs = append(errs, r.logs.Close())
	}
	return errors.Join(errs...)
}

// loadAttestorKey reads a hex ed25519 seed.
func loadAttestorKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attestor key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %s must hold a %d-byte hex seed", fault.ErrInvalidConfiguration, path, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// ensureAttestorKey creates the key file when missing and returns the key.
func ensureAttestorKey(path string) (ed25519.PrivateKey, bool, error) {
	if _, err := os.Stat(path); err == nil {
		key, err := loadAttestorKey(path)
		return key, false, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, false, fmt.Errorf("write attestor key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), true, nil
}
