// Package store provides in-process Repository implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/concession-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps monthly ledgers in a map. Values are cloned on the way in
// and out, so callers never share state with the store.
type Memory struct {
	mu     sync.RWMutex
	months map[ledger.MonthKey]*ledger.MonthlyLedger
}

func NewMemory() *Memory {
	return &Memory{months: make(map[ledger.MonthKey]*ledger.MonthlyLedger)}
}

func (m *Memory) Get(_ context.Context, key ledger.MonthKey) (*ledger.MonthlyLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ml, ok := m.months[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ledger.ErrLedgerNotFound)
	}
	return ml.Clone(), nil
}

func (m *Memory) List(ctx context.Context, key ledger.StockKey) ([]*ledger.MonthlyLedger, error) {
	return m.collect(key, func(ledger.Month) bool { return true }), nil
}

func (m *Memory) ListRange(_ context.Context, key ledger.StockKey, from, to ledger.Month) ([]*ledger.MonthlyLedger, error) {
	return m.collect(key, func(month ledger.Month) bool {
		return !month.Before(from) && !month.After(to)
	}), nil
}

func (m *Memory) collect(key ledger.StockKey, keep func(ledger.Month) bool) []*ledger.MonthlyLedger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ledger.MonthlyLedger
	for k, ml := range m.months {
		if k.Stock() == key && keep(k.Month) {
			out = append(out, ml.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Month.Before(out[j].Key.Month) })
	return out
}

func (m *Memory) Save(_ context.Context, ml *ledger.MonthlyLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLocked(ml)
	return nil
}

// SaveAll writes every month under one lock, so readers never observe a
// partial write-back.
func (m *Memory) SaveAll(_ context.Context, mls []*ledger.MonthlyLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ml := range mls {
		m.saveLocked(ml)
	}
	return nil
}

func (m *Memory) saveLocked(ml *ledger.MonthlyLedger) {
	c := ml.Clone()
	c.RecomputeTotals()
	m.months[c.Key] = c
}

func (m *Memory) Keys(_ context.Context) ([]ledger.StockKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[ledger.StockKey]bool)
	var keys []ledger.StockKey
	for k := range m.months {
		sk := k.Stock()
		if !seen[sk] {
			seen[sk] = true
			keys = append(keys, sk)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Reset drops every month.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.months = make(map[ledger.MonthKey]*ledger.MonthlyLedger)
	return nil
}
