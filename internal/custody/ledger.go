// ledger.go - Public-balance custody for shielded pools.
//
// The Ledger holds the transparent balances that shield operations draw from
// and unshield operations pay into, plus the escrow each pool accumulates.
// Every movement carries a reference (the operation id), and a reference is
// applied at most once, so a retried finalize never moves value twice.
//
// The ledger can be persisted as a single JSON file.

package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"shieldpool/internal/fault"
)

// Movement is one applied deposit or withdrawal.
type Movement struct {
	Ref     string `json:"ref"`
	Kind    string `json:"kind"`
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// Ledger is an in-process custodian. It is safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	authority string
	balances  map[string]uint64
	escrow    uint64
	applied   map[string]Movement
	history   []Movement
}

// NewLedger creates an empty ledger that only accepts movements signed off
// by authority.
func NewLedger(authority string) *Ledger {
	return &Ledger{
		authority: authority,
		balances:  make(map[string]uint64),
		applied:   make(map[string]Movement),
	}
}

// Credit adds public funds to an account outside of any pool operation.
func (l *Ledger) Credit(account string, amount uint64) error {
	if account == "" {
		return fault.ErrInvalidOwner
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account] > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance of %s", fault.ErrAmountOverflow, account)
	}
	l.balances[account] += amount
	return nil
}

// Balance returns the public balance of account.
func (l *Ledger) Balance(account string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Escrow returns the value currently held by the pool.
func (l *Ledger) Escrow() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.escrow
}

// History returns every applied movement in order.
func (l *Ledger) History() []Movement {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Movement(nil), l.history...)
}

// Deposit moves amount from an account into the pool escrow.
func (l *Ledger) Deposit(ctx context.Context, authority, from string, amount uint64, ref string) error {
	return l.move(ctx, authority, Movement{Ref: ref, Kind: "deposit", Account: from, Amount: amount})
}

// Withdraw pays amount out of the pool escrow into an account.
func (l *Ledger) Withdraw(ctx context.Context, authority, to string, amount uint64, ref string) error {
	return l.move(ctx, authority, Movement{Ref: ref, Kind: "withdraw", Account: to, Amount: amount})
}

func (l *Ledger) move(ctx context.Context, authority string, m Movement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Account == "" || m.Ref == "" {
		return fmt.Errorf("%w: account and reference are required", fault.ErrInvalidOwner)
	}
	if m.Amount == 0 {
		return fault.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if authority != l.authority {
		return fmt.Errorf("%w: custody authority", fault.ErrUnauthorized)
	}
	if prev, ok := l.applied[m.Ref]; ok {
		if prev != m {
			return fmt.Errorf("%w: reference %s reused for a different movement", fault.ErrOperationExists, m.Ref)
		}
		return nil
	}

	switch m.Kind {
	case "deposit":
		if l.balances[m.Account] < m.Amount {
			return fmt.Errorf("%w: %s has %d, needs %d", fault.ErrInsufficientBalance, m.Account, l.balances[m.Account], m.Amount)
		}
		if l.escrow > math.MaxUint64-m.Amount {
			return fmt.Errorf("%w: escrow", fault.ErrAmountOverflow)
		}
		l.balances[m.Account] -= m.Amount
		l.escrow += m.Amount
	case "withdraw":
		if l.escrow < m.Amount {
			return fmt.Errorf("%w: escrow has %d, needs %d", fault.ErrInsufficientBalance, l.escrow, m.Amount)
		}
		if l.balances[m.Account] > math.MaxUint64-m.Amount {
			return fmt.Errorf("%w: balance of %s", fault.ErrAmountOverflow, m.Account)
		}
		l.escrow -= m.Amount
		l.balances[m.Account] += m.Amount
	}
	l.applied[m.Ref] = m
	l.history = append(l.history, m)
	return nil
}

type ledgerFile struct {
	Authority string            `json:"authority"`
	Balances  map[string]uint64 `json:"balances"`
	Escrow    uint64            `json:"escrow"`
	History   []Movement        `json:"history"`
}

// SaveToFile writes the ledger as indented JSON, replacing path.
func (l *Ledger) SaveToFile(path string) error {
	l.mu.Lock()
	snapshot := ledgerFile{
		Authority: l.authority,
		Balances:  make(map[string]uint64, len(l.balances)),
		Escrow:    l.escrow,
		History:   append([]Movement(nil), l.history...),
	}
	for k, v := range l.balances {
		snapshot.Balances[k] = v
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write custody ledger: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadLedgerFromFile restores a ledger written by SaveToFile. A missing file
// yields an empty ledger for authority.
func LoadLedgerFromFile(path, authority string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewLedger(authority), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read custody ledger: %w", err)
	}
	var f ledgerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: custody ledger: %v", fault.ErrCorruptRecord, err)
	}
	if f.Authority != authority {
		return nil, fmt.Errorf("%w: custody ledger belongs to %q", fault.ErrInvalidAuthority, f.Authority)
	}
	l := NewLedger(authority)
	l.escrow = f.Escrow
	for k, v := range f.Balances {
		l.balances[k] = v
	}
	for _, m := range f.History {
		l.applied[m.Ref] = m
		l.history = append(l.history, m)
	}
	return l, nil
}

// Accounts lists accounts with a non-zero balance, sorted by name.
func (l *Ledger) Accounts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.balances))
	for k, v := range l.balances {
		if v > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
