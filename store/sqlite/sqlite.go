/*
Package sqlite provides a SQLite-backed implementation of ledger.Repository.

PURPOSE:
  Persists monthly ledgers and the product stock cache. In production the
  same schema works on PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  ledger.Repository: Monthly ledgers and their entries
  ledger.StockSink:  products.current_stock (the Product aggregate's cache)

KEY TABLES:
  monthly_ledgers: One row per (theater, product, year, month)
  ledger_entries:  Entries of a month, ordered by position
  products:        Last pushed closing balance per (theater, product)

ENTRY ORDER:
  Entries are stored with their array position. Balances depend on that
  order, so it is never re-derived from entry dates.

SAVE SEMANTICS:
  Save upserts the month row and rewrites its entries inside one SQL
  transaction. SaveAll does the same for several months in a single
  transaction, so a reconcile write-back is all or nothing.

DECIMALS:
  Quantities are stored as TEXT and parsed with shopspring/decimal, which
  keeps them exact.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection so that
  ":memory:" databases are shared by every query.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, store, logger)

SEE ALSO:
  - ledger/store.go: Repository contract
  - ledger/store/memory.go: In-memory implementation for testing
  - store/mongo: Document store implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/concession-ledger/ledger"
)

// Store implements ledger.Repository and ledger.StockSink using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS monthly_ledgers (
		theater_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		carry_forward TEXT NOT NULL,
		expired_carry_forward_stock TEXT NOT NULL,
		total_stock_added TEXT NOT NULL,
		total_used_stock TEXT NOT NULL,
		total_expired_stock TEXT NOT NULL,
		total_damage_stock TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (theater_id, product_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT NOT NULL,
		theater_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		position INTEGER NOT NULL,
		entry_date TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		quantity TEXT NOT NULL,
		stock_added TEXT NOT NULL,
		used_stock TEXT NOT NULL,
		expired_stock TEXT NOT NULL,
		damage_stock TEXT NOT NULL,
		balance TEXT NOT NULL,
		used_override TEXT,
		damage_override TEXT,
		expire_date TEXT,
		batch_number TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (theater_id, product_id, year, month, id),
		FOREIGN KEY (theater_id, product_id, year, month)
			REFERENCES monthly_ledgers(theater_id, product_id, year, month) ON DELETE CASCADE
	);

	-- Loading a month reads entries in stored order
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_position
		ON ledger_entries(theater_id, product_id, year, month, position);

	-- Product stock cache, written by the best-effort push
	CREATE TABLE IF NOT EXISTS products (
		theater_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		current_stock TEXT NOT NULL,
		stock_year INTEGER NOT NULL,
		stock_month INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (theater_id, product_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// LEDGER REPOSITORY (ledger.Repository interface)
// =============================================================================

const monthColumns = `theater_id, product_id, year, month, carry_forward, expired_carry_forward_stock,
	total_stock_added, total_used_stock, total_expired_stock, total_damage_stock, created_at, updated_at`

const entryColumns = `id, year, month, entry_date, entry_type, quantity, stock_added, used_stock,
	expired_stock, damage_stock, balance, used_override, damage_override, expire_date,
	batch_number, notes, created_at, updated_at`

// Get returns one month or ledger.ErrLedgerNotFound.
func (s *Store) Get(ctx context.Context, key ledger.MonthKey) (*ledger.MonthlyLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	months, err := s.queryMonths(ctx, key.Stock(),
		`AND year = ? AND month = ?`, key.Month.Year, int(key.Month.Month))
	if err != nil {
		return nil, err
	}
	if len(months) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ledger.ErrLedgerNotFound)
	}
	return months[0], nil
}

// List returns every month of a stock line, oldest first.
func (s *Store) List(ctx context.Context, key ledger.StockKey) ([]*ledger.MonthlyLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryMonths(ctx, key, "")
}

// ListRange returns months in [from, to], oldest first.
func (s *Store) ListRange(ctx context.Context, key ledger.StockKey, from, to ledger.Month) ([]*ledger.MonthlyLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryMonths(ctx, key,
		`AND (year * 100 + month) BETWEEN ? AND ?`, monthOrdinal(from), monthOrdinal(to))
}

// Save upserts one month and rewrites its entries.
func (s *Store) Save(ctx context.Context, m *ledger.MonthlyLedger) error {
	return s.SaveAll(ctx, []*ledger.MonthlyLedger{m})
}

// SaveAll writes several months atomically.
func (s *Store) SaveAll(ctx context.Context, ms []*ledger.MonthlyLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, m := range ms {
		if err := s.saveTx(ctx, sqlTx, m); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func (s *Store) saveTx(ctx context.Context, db execer, src *ledger.MonthlyLedger) error {
	m := src.Clone()
	m.RecomputeTotals()
	k := m.Key

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO monthly_ledgers (`+monthColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(theater_id, product_id, year, month) DO UPDATE SET
			carry_forward = excluded.carry_forward,
			expired_carry_forward_stock = excluded.expired_carry_forward_stock,
			total_stock_added = excluded.total_stock_added,
			total_used_stock = excluded.total_used_stock,
			total_expired_stock = excluded.total_expired_stock,
			total_damage_stock = excluded.total_damage_stock,
			updated_at = excluded.updated_at
	`,
		k.TheaterID, k.ProductID, k.Month.Year, int(k.Month.Month),
		m.CarryForward.String(),
		m.ExpiredCarryForwardStock.String(),
		m.Totals.StockAdded.String(),
		m.Totals.UsedStock.String(),
		m.Totals.ExpiredStock.String(),
		m.Totals.DamageStock.String(),
		formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save monthly ledger %s: %w", k, err)
	}

	if _, err := db.ExecContext(ctx,
		`DELETE FROM ledger_entries WHERE theater_id = ? AND product_id = ? AND year = ? AND month = ?`,
		k.TheaterID, k.ProductID, k.Month.Year, int(k.Month.Month),
	); err != nil {
		return fmt.Errorf("failed to clear entries of %s: %w", k, err)
	}

	for pos, e := range m.Entries {
		_, err := db.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(theater_id, product_id, position, `+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			k.TheaterID, k.ProductID, pos,
			string(e.ID), k.Month.Year, int(k.Month.Month),
			formatTime(e.Date),
			string(e.Type),
			e.Quantity.String(),
			e.StockAdded.String(),
			e.UsedStock.String(),
			e.ExpiredStock.String(),
			e.DamageStock.String(),
			e.Balance.String(),
			nullDecimal(e.UsedOverride),
			nullDecimal(e.DamageOverride),
			nullTime(e.ExpireDate),
			nullString(e.BatchNumber),
			nullString(e.Notes),
			formatTime(e.CreatedAt),
			formatTime(e.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("duplicate entry id %s in %s: %w", e.ID, k, ledger.ErrInvalidEntry)
			}
			return fmt.Errorf("failed to save entry %s of %s: %w", e.ID, k, err)
		}
	}

	return nil
}

// Keys returns every (theater, product) with at least one month.
func (s *Store) Keys(ctx context.Context) ([]ledger.StockKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT theater_id, product_id FROM monthly_ledgers ORDER BY theater_id, product_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock keys: %w", err)
	}
	defer rows.Close()

	var keys []ledger.StockKey
	for rows.Next() {
		var k ledger.StockKey
		if err := rows.Scan(&k.TheaterID, &k.ProductID); err != nil {
			return nil, fmt.Errorf("failed to scan stock key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// queryMonths loads months of one stock line plus their entries. The month
// rows are fully read before entries are queried; the pool has a single
// connection.
func (s *Store) queryMonths(ctx context.Context, key ledger.StockKey, filter string, args ...any) ([]*ledger.MonthlyLedger, error) {
	base := []any{key.TheaterID, key.ProductID}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+monthColumns+`
		FROM monthly_ledgers
		WHERE theater_id = ? AND product_id = ? `+filter+`
		ORDER BY year ASC, month ASC
	`, append(base, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query monthly ledgers: %w", err)
	}

	var months []*ledger.MonthlyLedger
	index := make(map[ledger.Month]*ledger.MonthlyLedger)
	for rows.Next() {
		m, err := scanMonth(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		months = append(months, m)
		index[m.Key.Month] = m
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(months) == 0 {
		return nil, nil
	}

	entryRows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE theater_id = ? AND product_id = ? `+filter+`
		ORDER BY year ASC, month ASC, position ASC
	`, append(base, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer entryRows.Close()

	for entryRows.Next() {
		month, e, err := scanEntry(entryRows)
		if err != nil {
			return nil, err
		}
		if m, ok := index[month]; ok {
			m.Entries = append(m.Entries, e)
		}
	}

	return months, entryRows.Err()
}

func scanMonth(rows *sql.Rows) (*ledger.MonthlyLedger, error) {
	var (
		m                                             ledger.MonthlyLedger
		monthNum                                      int
		carry, expiredCF                              string
		totalAdded, totalUsed, totalExpired, totalDmg string
		createdAt, updatedAt                          string
	)

	err := rows.Scan(
		&m.Key.TheaterID, &m.Key.ProductID, &m.Key.Month.Year, &monthNum,
		&carry, &expiredCF,
		&totalAdded, &totalUsed, &totalExpired, &totalDmg,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan monthly ledger: %w", err)
	}

	m.Key.Month.Month = time.Month(monthNum)
	p := fieldParser{}
	m.CarryForward = p.parse(carry)
	m.ExpiredCarryForwardStock = p.parse(expiredCF)
	m.Totals = ledger.Totals{
		StockAdded:   p.parse(totalAdded),
		UsedStock:    p.parse(totalUsed),
		ExpiredStock: p.parse(totalExpired),
		DamageStock:  p.parse(totalDmg),
	}
	m.CreatedAt = p.parseTime(createdAt)
	m.UpdatedAt = p.parseTime(updatedAt)
	if p.err != nil {
		return nil, fmt.Errorf("corrupt monthly ledger %s: %w", m.Key, p.err)
	}
	return &m, nil
}

func scanEntry(rows *sql.Rows) (ledger.Month, ledger.Entry, error) {
	var (
		e                                   ledger.Entry
		month                               ledger.Month
		monthNum                            int
		id, date, typ                       string
		qty, added, used, expired, dmg, bal string
		usedOverride, damageOverride        sql.NullString
		expireDate, batch, notes            sql.NullString
		createdAt, updatedAt                string
	)

	err := rows.Scan(
		&id, &month.Year, &monthNum, &date, &typ,
		&qty, &added, &used, &expired, &dmg, &bal,
		&usedOverride, &damageOverride, &expireDate, &batch, &notes,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return month, e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	month.Month = time.Month(monthNum)

	p := fieldParser{}
	e.ID = ledger.EntryID(id)
	e.Date = p.parseTime(date)
	e.Type = ledger.EntryType(typ)
	e.Quantity = p.parse(qty)
	e.StockAdded = p.parse(added)
	e.UsedStock = p.parse(used)
	e.ExpiredStock = p.parse(expired)
	e.DamageStock = p.parse(dmg)
	e.Balance = p.parse(bal)
	e.UsedOverride = p.parseNull(usedOverride)
	e.DamageOverride = p.parseNull(damageOverride)
	if expireDate.Valid {
		t := p.parseTime(expireDate.String)
		e.ExpireDate = &t
	}
	e.BatchNumber = batch.String
	e.Notes = notes.String
	e.CreatedAt = p.parseTime(createdAt)
	e.UpdatedAt = p.parseTime(updatedAt)
	if p.err != nil {
		return month, e, fmt.Errorf("corrupt ledger entry %s: %w", id, p.err)
	}
	return month, e, nil
}

// =============================================================================
// PRODUCT STOCK (ledger.StockSink interface)
// =============================================================================

// UpdateProductStock upserts products.current_stock.
func (s *Store) UpdateProductStock(ctx context.Context, productID ledger.ProductID, theaterID ledger.TheaterID, update ledger.StockUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (theater_id, product_id, current_stock, stock_year, stock_month, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(theater_id, product_id) DO UPDATE SET
			current_stock = excluded.current_stock,
			stock_year = excluded.stock_year,
			stock_month = excluded.stock_month,
			updated_at = excluded.updated_at
	`,
		theaterID, productID, update.CurrentStock.String(),
		update.Month.Year, int(update.Month.Month),
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to update product stock %s/%s: %w", theaterID, productID, err)
	}
	return nil
}

// GetProductStock returns the last pushed stock figure.
func (s *Store) GetProductStock(ctx context.Context, theaterID ledger.TheaterID, productID ledger.ProductID) (*ledger.ProductStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		ps        ledger.ProductStock
		stock     string
		monthNum  int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT theater_id, product_id, current_stock, stock_year, stock_month, updated_at
		FROM products WHERE theater_id = ? AND product_id = ?
	`, theaterID, productID).Scan(&ps.TheaterID, &ps.ProductID, &stock, &ps.Month.Year, &monthNum, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", theaterID, productID, ledger.ErrProductNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product stock: %w", err)
	}

	ps.Month.Month = time.Month(monthNum)
	p := fieldParser{}
	ps.CurrentStock = p.parse(stock)
	ps.UpdatedAt = p.parseTime(updatedAt)
	if p.err != nil {
		return nil, fmt.Errorf("corrupt product stock %s/%s: %w", theaterID, productID, p.err)
	}
	return &ps, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"ledger_entries", "monthly_ledgers", "products"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func monthOrdinal(m ledger.Month) int {
	return m.Year*100 + int(m.Month)
}

// fieldParser remembers the first parse error so scans stay linear.
type fieldParser struct {
	err error
}

func (p *fieldParser) fail(err error) {
	if err != nil && p.err == nil {
		p.err = err
	}
}

func (p *fieldParser) parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	p.fail(err)
	return d
}

func (p *fieldParser) parseNull(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d := p.parse(ns.String)
	return &d
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (p *fieldParser) parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	p.fail(err)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
