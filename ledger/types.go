/*
Package ledger provides the monthly inventory ledger engine.

PURPOSE:
  Tracks concession stock per (theater, product) one calendar month at a
  time. Each month holds an ordered list of entries (stock added, sold,
  expired, damaged, adjusted) and a carry-forward opening balance equal to
  the previous month's closing balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry:         One dated stock movement inside a month
  - MonthlyLedger: All entries of one (theater, product, year, month)
  - Totals:        Per-month sums recomputed from entries on every save
  - Statistics:    The per-month figures shown to operators

INVARIANTS:
  1. Entry order inside a month is authoritative. Entries are never
     re-sorted by date; balances are replayed in stored order.
  2. Balances never go below zero on the standard and edit replay paths.
  3. CarryForward(N+1) == ClosingBalance(N) once the chain has run.

SEE ALSO:
  - replay.go: Balance replay rules
  - expiry.go: Expiry scanner
  - chain.go:  Carry-forward reconciliation
  - engine.go: Operations that tie it all together
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TheaterID string
type ProductID string
type EntryID string

// StockKey identifies one stock line: a product sold at a theater.
// All months of a StockKey form one carry-forward chain.
type StockKey struct {
	TheaterID TheaterID
	ProductID ProductID
}

func (k StockKey) String() string { return string(k.TheaterID) + "/" + string(k.ProductID) }

// MonthKey identifies one MonthlyLedger document.
type MonthKey struct {
	TheaterID TheaterID
	ProductID ProductID
	Month     Month
}

func NewMonthKey(theaterID TheaterID, productID ProductID, year int, month time.Month) MonthKey {
	return MonthKey{TheaterID: theaterID, ProductID: productID, Month: Month{Year: year, Month: month}}
}

func (k MonthKey) Stock() StockKey { return StockKey{TheaterID: k.TheaterID, ProductID: k.ProductID} }
func (k MonthKey) String() string  { return k.Stock().String() + "@" + k.Month.String() }

// =============================================================================
// ENTRY - Single stock movement
// =============================================================================

type EntryType string

const (
	EntryAdded      EntryType = "ADDED"
	EntryReturned   EntryType = "RETURNED"
	EntrySold       EntryType = "SOLD"
	EntryExpired    EntryType = "EXPIRED"
	EntryDamaged    EntryType = "DAMAGED"
	EntryAdjustment EntryType = "ADJUSTMENT"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryAdded, EntryReturned, EntrySold, EntryExpired, EntryDamaged, EntryAdjustment:
		return true
	}
	return false
}

// Entry is one transaction inside a month.
//
// StockAdded, UsedStock, ExpiredStock and DamageStock are derived display
// fields. Two of them can also carry state that replay must keep:
//   - UsedOverride / DamageOverride: values the operator typed in when
//     editing an entry, taken verbatim instead of derived from the type.
//   - ExpiredStock on a non-EXPIRED entry: quantity the expiry scanner
//     retired from this batch within its own month.
type Entry struct {
	ID       EntryID
	Date     time.Time
	Type     EntryType
	Quantity decimal.Decimal

	StockAdded   decimal.Decimal
	UsedStock    decimal.Decimal
	ExpiredStock decimal.Decimal
	DamageStock  decimal.Decimal
	Balance      decimal.Decimal

	UsedOverride   *decimal.Decimal
	DamageOverride *decimal.Decimal

	ExpireDate  *time.Time
	BatchNumber string
	Notes       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining is the part of this entry's added stock that has not been
// used, expired or damaged yet. Only this remainder can expire.
func (e Entry) Remaining() decimal.Decimal {
	return e.StockAdded.Sub(e.UsedStock).Sub(e.ExpiredStock).Sub(e.DamageStock)
}

// Clone returns a deep copy (pointer fields included).
func (e Entry) Clone() Entry {
	c := e
	if e.UsedOverride != nil {
		v := *e.UsedOverride
		c.UsedOverride = &v
	}
	if e.DamageOverride != nil {
		v := *e.DamageOverride
		c.DamageOverride = &v
	}
	if e.ExpireDate != nil {
		v := *e.ExpireDate
		c.ExpireDate = &v
	}
	return c
}

// =============================================================================
// MONTHLY LEDGER - One document per (theater, product, year, month)
// =============================================================================

type Totals struct {
	StockAdded   decimal.Decimal
	UsedStock    decimal.Decimal
	ExpiredStock decimal.Decimal
	DamageStock  decimal.Decimal
}

type MonthlyLedger struct {
	Key          MonthKey
	CarryForward decimal.Decimal
	Entries      []Entry

	// Stock that came from an earlier month and expired during this one.
	// Always overwritten by the scanner, never incremented.
	ExpiredCarryForwardStock decimal.Decimal

	Totals Totals

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewMonthlyLedger returns an empty month opening at carryForward.
func NewMonthlyLedger(key MonthKey, carryForward decimal.Decimal) *MonthlyLedger {
	return &MonthlyLedger{
		Key:                      key,
		CarryForward:             carryForward,
		ExpiredCarryForwardStock: decimal.Zero,
		Totals:                   Totals{StockAdded: decimal.Zero, UsedStock: decimal.Zero, ExpiredStock: decimal.Zero, DamageStock: decimal.Zero},
	}
}

// ClosingBalance is the last entry's balance, or the carry-forward when
// the month has no entries.
func (m *MonthlyLedger) ClosingBalance() decimal.Decimal {
	if len(m.Entries) == 0 {
		return m.CarryForward
	}
	return m.Entries[len(m.Entries)-1].Balance
}

// RecomputeTotals rebuilds Totals from the entries. Stores call this on
// every save.
func (m *MonthlyLedger) RecomputeTotals() {
	t := Totals{StockAdded: decimal.Zero, UsedStock: decimal.Zero, ExpiredStock: decimal.Zero, DamageStock: decimal.Zero}
	for _, e := range m.Entries {
		t.StockAdded = t.StockAdded.Add(e.StockAdded)
		t.UsedStock = t.UsedStock.Add(e.UsedStock)
		t.ExpiredStock = t.ExpiredStock.Add(e.ExpiredStock)
		t.DamageStock = t.DamageStock.Add(e.DamageStock)
	}
	m.Totals = t
}

// EntryIndex returns the position of the entry with the given id, or -1.
func (m *MonthlyLedger) EntryIndex(id EntryID) int {
	for i := range m.Entries {
		if m.Entries[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so in-memory pipelines never alias stored data.
func (m *MonthlyLedger) Clone() *MonthlyLedger {
	c := *m
	c.Entries = make([]Entry, len(m.Entries))
	for i, e := range m.Entries {
		c.Entries[i] = e.Clone()
	}
	return &c
}

// =============================================================================
// STATISTICS - What the month view shows
// =============================================================================

type Statistics struct {
	TotalAdded      decimal.Decimal
	TotalSold       decimal.Decimal
	TotalExpired    decimal.Decimal
	ExpiredOldStock decimal.Decimal
	TotalDamaged    decimal.Decimal
	OpeningBalance  decimal.Decimal
	ClosingBalance  decimal.Decimal
}

func (m *MonthlyLedger) Statistics() Statistics {
	return Statistics{
		TotalAdded:      m.Totals.StockAdded,
		TotalSold:       m.Totals.UsedStock,
		TotalExpired:    m.Totals.ExpiredStock,
		ExpiredOldStock: m.ExpiredCarryForwardStock,
		TotalDamaged:    m.Totals.DamageStock,
		OpeningBalance:  m.CarryForward,
		ClosingBalance:  m.ClosingBalance(),
	}
}
