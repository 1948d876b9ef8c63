package agentwallet

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SpendTier is one layer of the daily-spend chain. Get reports a miss with
// ok=false; only the chain decides what a miss means.
type SpendTier interface {
	Name() string
	Get(ctx context.Context, accountID, day string) (v int64, ok bool, err error)
	IncrBy(ctx context.Context, accountID, day string, delta int64, expireAt time.Time) (int64, error)
	Set(ctx context.Context, accountID, day string, value int64, expireAt time.Time) error
}

// SpendStore is the durable counter: SQLite for a single instance, Postgres
// when several instances share one budget. ClaimDailySpend must check the cap
// and book the grant atomically.
type SpendStore interface {
	DailySpend(ctx context.Context, accountID, day string) (int64, error)
	AddDailySpend(ctx context.Context, accountID, day string, deltaMicro int64) (int64, error)
	ClaimDailySpend(ctx context.Context, accountID, day string, capMicro, wantMicro int64) (granted, total int64, err error)
}

// ─── Store Tier ─────────────────────────────────────────────────────────────

// storeTier adapts a SpendStore. A missing row is an authoritative zero, so
// the store never misses.
type storeTier struct {
	store SpendStore
}

func (t storeTier) Name() string { return "store" }

func (t storeTier) Get(ctx context.Context, accountID, day string) (int64, bool, error) {
	v, err := t.store.DailySpend(ctx, accountID, day)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (t storeTier) IncrBy(ctx context.Context, accountID, day string, delta int64, _ time.Time) (int64, error) {
	return t.store.AddDailySpend(ctx, accountID, day, delta)
}

// Set is a no-op: the durable counter only moves by increment.
func (t storeTier) Set(context.Context, string, string, int64, time.Time) error { return nil }

// ─── Memory Tier ────────────────────────────────────────────────────────────

// MemoryTier is the in-process last resort. It only knows what this
// process wrote or read, and forgets everything on restart.
type MemoryTier struct {
	mu     sync.Mutex
	spends map[string]int64
}

// NewMemoryTier returns an empty memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{spends: make(map[string]int64)}
}

func memKey(accountID, day string) string { return accountID + "|" + day }

// Name implements SpendTier.
func (m *MemoryTier) Name() string { return "memory" }

// Get implements SpendTier.
func (m *MemoryTier) Get(_ context.Context, accountID, day string) (int64, bool, error) {
	v, ok := m.Peek(accountID, day)
	return v, ok, nil
}

// Peek is Get without a context, for synchronous callers.
func (m *MemoryTier) Peek(accountID, day string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.spends[memKey(accountID, day)]
	return v, ok
}

// IncrBy implements SpendTier.
func (m *MemoryTier) IncrBy(_ context.Context, accountID, day string, delta int64, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(day)
	k := memKey(accountID, day)
	m.spends[k] += delta
	return m.spends[k], nil
}

// Set implements SpendTier.
func (m *MemoryTier) Set(_ context.Context, accountID, day string, value int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(day)
	m.spends[memKey(accountID, day)] = value
	return nil
}

// Claim grants up to want without letting the counter pass capMicro.
func (m *MemoryTier) Claim(accountID, day string, capMicro, want int64) (granted, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(day)
	k := memKey(accountID, day)
	granted = min(want, max(0, capMicro-m.spends[k]))
	m.spends[k] += granted
	return granted, m.spends[k]
}

// prune drops counters older than day. Caller holds mu.
func (m *MemoryTier) prune(day string) {
	for k := range m.spends {
		if i := strings.LastIndexByte(k, '|'); i >= 0 && k[i+1:] < day {
			delete(m.spends, k)
		}
	}
}
