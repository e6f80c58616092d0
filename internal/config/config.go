// config.go - Configuration management for the pool daemon
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"shieldpool/internal/fault"
	"shieldpool/internal/logging"
	"shieldpool/internal/merkle"
	"shieldpool/internal/pool"
	"shieldpool/internal/store"
	"shieldpool/internal/verifier"
)

// Duration is a time.Duration written as "4s" in config files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config represents the daemon configuration
type Config struct {
	Pool     PoolConfig     `json:"pool"`
	Store    StoreConfig    `json:"store"`
	Log      LogConfig      `json:"log"`
	Verifier VerifierConfig `json:"verifier"`
	Attestor AttestorConfig `json:"attestor"`
	Prover   ProverConfig   `json:"prover"`
	API      APIConfig      `json:"api"`
	Node     NodeConfig     `json:"node"`

	// File paths
	KeyDir      string `json:"key_dir"`
	CustodyPath string `json:"custody_path"`
}

type PoolConfig struct {
	ID           string              `json:"id"`
	Authority    string              `json:"authority"`
	TreeDepth    int                 `json:"tree_depth"`
	Hasher       string              `json:"hasher"`
	MinAmount    uint64              `json:"min_amount"`
	MaxAmount    uint64              `json:"max_amount"`
	MinIntervals map[string]Duration `json:"min_intervals"`
	MaxBatchSize int                 `json:"max_batch_size"`
}

type StoreConfig struct {
	DataDir    string `json:"data_dir"`
	InMemory   bool   `json:"in_memory"`
	SyncWrites bool   `json:"sync_writes"`
}

type LogConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	AuditFile  string `json:"audit_file"`
	Console    bool   `json:"console"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	GnarkLevel string `json:"gnark_level"`
}

// VerifierConfig selects how the pool checks proofs.
type VerifierConfig struct {
	Mode         string `json:"mode"`
	KeyCacheSize int    `json:"key_cache_size"`
	// AttestorPublicKey is the hex ed25519 key trusted in attestation mode.
	AttestorPublicKey string   `json:"attestor_public_key,omitempty"`
	MaxAttestationAge Duration `json:"max_attestation_age"`
}

// AttestorConfig enables the attestation service on this node.
type AttestorConfig struct {
	Enabled bool   `json:"enabled"`
	KeyFile string `json:"key_file"`
}

// ProverConfig enables the proving service on this node.
type ProverConfig struct {
	Enabled bool `json:"enabled"`
}

type APIConfig struct {
	Listen            string   `json:"listen"`
	RequestsPerSecond float64  `json:"requests_per_second"`
	Burst             int      `json:"burst"`
	RequestTimeout    Duration `json:"request_timeout"`
	// MaxClockSkew bounds the age of a signed request.
	MaxClockSkew Duration `json:"max_clock_skew"`
}

// NodeConfig describes this node and its peers for remote proving and
// attestation.
type NodeConfig struct {
	ID           string            `json:"id"`
	Peers        map[string]string `json:"peers,omitempty"`
	ProverPeer   string            `json:"prover_peer,omitempty"`
	AttestorPeer string            `json:"attestor_peer,omitempty"`
	Timeout      Duration          `json:"timeout"`
	HealthEvery  Duration          `json:"health_every"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	def := pool.DefaultConfig("main", "pool-admin")
	intervals := make(map[string]Duration, len(def.MinIntervals))
	for k, d := range def.MinIntervals {
		intervals[k.String()] = Duration(d)
	}
	return &Config{
		Pool: PoolConfig{
			ID:           def.ID,
			Authority:    def.Authority,
			TreeDepth:    def.TreeDepth,
			Hasher:       def.Hasher.Name(),
			MinAmount:    def.MinAmount,
			MaxAmount:    def.MaxAmount,
			MinIntervals: intervals,
			MaxBatchSize: def.MaxBatchSize,
		},
		Store: StoreConfig{DataDir: "data"},
		Log: LogConfig{
			Level:      "info",
			File:       "shieldpool.log",
			AuditFile:  "audit.log",
			Console:    true,
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			GnarkLevel: "disabled",
		},
		Verifier: VerifierConfig{
			Mode:              verifier.ModeGroth16,
			KeyCacheSize:      16,
			MaxAttestationAge: Duration(verifier.DefaultMaxAttestationAge),
		},
		Attestor: AttestorConfig{KeyFile: "keys/attestor.key"},
		API: APIConfig{
			Listen:            "127.0.0.1:8545",
			RequestsPerSecond: 5,
			Burst:             10,
			RequestTimeout:    Duration(30 * time.Second),
			MaxClockSkew:      Duration(5 * time.Minute),
		},
		Node: NodeConfig{
			ID:          "node-1",
			Timeout:     Duration(time.Minute),
			HealthEvery: Duration(30 * time.Second),
		},
		KeyDir:      "keys",
		CustodyPath: "custody.json",
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		config := DefaultConfig()
		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", fault.ErrInvalidConfiguration, configPath, err)
		}
		return config, nil
	}

	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{fault.ErrInvalidConfiguration}, args...)...)
}

// Validate checks the settings that are not checked by the pool itself.
func (c *Config) Validate() error {
	if _, err := c.PoolConfig(); err != nil {
		return err
	}
	if !c.Store.InMemory && c.Store.DataDir == "" {
		return invalid("store.data_dir is required")
	}
	switch c.Verifier.Mode {
	case verifier.ModeGroth16:
	case verifier.ModeAttestation:
		if _, err := c.AttestorKey(); err != nil {
			return err
		}
	default:
		return invalid("unknown verifier mode %q", c.Verifier.Mode)
	}
	if c.Verifier.KeyCacheSize <= 0 {
		return invalid("verifier.key_cache_size must be positive")
	}
	if c.API.RequestsPerSecond <= 0 || c.API.Burst <= 0 {
		return invalid("api rate limit must be positive")
	}
	if c.API.RequestTimeout <= 0 {
		return invalid("api.request_timeout must be positive")
	}
	if c.API.MaxClockSkew <= 0 {
		return invalid("api.max_clock_skew must be positive")
	}
	if c.Node.ID == "" {
		return invalid("node.id is required")
	}
	for _, peer := range []string{c.Node.ProverPeer, c.Node.AttestorPeer} {
		if peer == "" {
			continue
		}
		if _, ok := c.Node.Peers[peer]; !ok {
			return invalid("peer %q is not listed in node.peers", peer)
		}
	}
	if c.Attestor.Enabled && c.Attestor.KeyFile == "" {
		return invalid("attestor.key_file is required")
	}
	return nil
}

// PoolConfig converts the pool section.
func (c *Config) PoolConfig() (pool.Config, error) {
	p := c.Pool
	cfg := pool.DefaultConfig(p.ID, p.Authority)
	if p.TreeDepth != 0 {
		cfg.TreeDepth = p.TreeDepth
	}
	if p.Hasher != "" {
		h, err := merkle.HasherByName(p.Hasher)
		if err != nil {
			return cfg, invalid("%v", err)
		}
		cfg.Hasher = h
	}
	if p.MinAmount != 0 {
		cfg.MinAmount = p.MinAmount
	}
	if p.MaxAmount != 0 {
		cfg.MaxAmount = p.MaxAmount
	}
	if p.MaxBatchSize != 0 {
		cfg.MaxBatchSize = p.MaxBatchSize
	}
	if p.MinIntervals != nil {
		cfg.MinIntervals = make(map[pool.Kind]time.Duration, len(p.MinIntervals))
		for name, d := range p.MinIntervals {
			k, err := pool.ParseKind(name)
			if err != nil {
				return cfg, invalid("min_intervals: %v", err)
			}
			if d < 0 {
				return cfg, invalid("min_intervals.%s is negative", name)
			}
			cfg.MinIntervals[k] = time.Duration(d)
		}
	}
	if p.ID == "" || p.Authority == "" {
		return cfg, invalid("pool.id and pool.authority are required")
	}
	return cfg, nil
}

// AttestorKey decodes the trusted attestor key.
func (c *Config) AttestorKey() ([]byte, error) {
	raw, err := hex.DecodeString(c.Verifier.AttestorPublicKey)
	if err != nil || len(raw) != 32 {
		return nil, invalid("verifier.attestor_public_key must be 32 hex bytes")
	}
	return raw, nil
}

// LoggingOptions returns the logger settings.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		AuditFile:  c.Log.AuditFile,
		Console:    c.Log.Console,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		GnarkLevel: c.Log.GnarkLevel,
	}
}

// StoreOptions returns the database settings.
func (c *Config) StoreOptions(log zerolog.Logger) store.Options {
	return store.Options{
		Dir:        c.Store.DataDir,
		InMemory:   c.Store.InMemory,
		SyncWrites: c.Store.SyncWrites,
		Logger:     log,
	}
}
