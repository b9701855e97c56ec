/*
store.go - Persistence interface for monthly ledgers

PURPOSE:
  Defines the boundary between the engine and the database. A month is
  stored as one document: key, carry-forward, ordered entries, expired
  carry-forward stock and totals.

CONTRACT:
  - Get returns ErrLedgerNotFound (possibly wrapped) for a missing key.
  - List / ListRange return months ordered by (year, month) ascending.
  - Save and SaveAll recompute totals from entries before writing.
  - SaveAll is atomic: all months are written or none are.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/mongo/mongo.go:   MongoDB document store
*/
package ledger

import "context"

type Repository interface {
	// Get returns one month or ErrLedgerNotFound.
	Get(ctx context.Context, key MonthKey) (*MonthlyLedger, error)

	// List returns every month of a stock line, oldest first.
	List(ctx context.Context, key StockKey) ([]*MonthlyLedger, error)

	// ListRange returns months in [from, to], oldest first.
	ListRange(ctx context.Context, key StockKey, from, to Month) ([]*MonthlyLedger, error)

	// Save upserts one month.
	Save(ctx context.Context, m *MonthlyLedger) error

	// SaveAll upserts several months atomically.
	SaveAll(ctx context.Context, ms []*MonthlyLedger) error

	// Keys returns every stock line that has at least one month.
	Keys(ctx context.Context) ([]StockKey, error)
}

// Resetter is implemented by repositories that can drop all data.
type Resetter interface {
	Reset(ctx context.Context) error
}
