/*
engine.go - Ledger operations

PURPOSE:
  The Engine is the only entry point callers use. It owns the read and
  write pipelines and serializes them per (theater, product).

READ PIPELINE (Month, Reconcile, History, Sweep):
  1. Lock the stock line
  2. Load every month
  3. ExpiryScanner over all months
  4. CarryForwardChain to a fixed point
  5. SaveAll the months that changed (atomic)
  6. Push the latest closing balance if stock changed

WRITE PIPELINE (Append, Update, Delete):
  1. Lock the stock line
  2. Mutate one month and replay that month only
  3. Save it
  4. Push that month's closing balance (best effort)

REPLAY PATHS:
  Append  single-entry standard rule on top of the current closing balance
  Update  EditReplay: overrides kept on the edited entry only, clamped
  Delete  DeleteReplay: signed, not clamped

SEE ALSO:
  - replay.go, expiry.go, chain.go: The pure parts
  - store.go: Repository contract
  - sink.go:  Product stock push

RESET:
  Reset takes every stock line's lock at once (demo scenarios only).
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS
// =============================================================================

// EntryInput is a new entry as received from the API layer.
type EntryInput struct {
	Date        time.Time
	Type        EntryType
	Quantity    decimal.Decimal
	UsedStock   *decimal.Decimal
	DamageStock *decimal.Decimal
	ExpireDate  *time.Time
	BatchNumber string
	Notes       string

	// Balance is accepted for compatibility with older clients and ignored;
	// balances are always recomputed.
	Balance *decimal.Decimal
}

func (in EntryInput) Validate() error {
	if in.Type == "" {
		return &InvalidEntryError{Field: "type", Reason: "is required"}
	}
	if !in.Type.Valid() {
		return &InvalidEntryError{Field: "type", Reason: fmt.Sprintf("%q is not a known entry type", in.Type)}
	}
	if in.Date.IsZero() {
		return &InvalidEntryError{Field: "date", Reason: "is required"}
	}
	if err := validateQuantity(in.Type, in.Quantity); err != nil {
		return err
	}
	return validateOverrides(in.UsedStock, in.DamageStock)
}

// EntryChanges lists the fields an update touches. Nil means unchanged.
type EntryChanges struct {
	Date            *time.Time
	Type            *EntryType
	Quantity        *decimal.Decimal
	ExpireDate      *time.Time
	ClearExpireDate bool
	BatchNumber     *string
	Notes           *string
	UsedStock       *decimal.Decimal
	DamageStock     *decimal.Decimal
}

func (c EntryChanges) Validate() error {
	if c.Type != nil && !c.Type.Valid() {
		return &InvalidEntryError{Field: "type", Reason: fmt.Sprintf("%q is not a known entry type", *c.Type)}
	}
	if c.Date != nil && c.Date.IsZero() {
		return &InvalidEntryError{Field: "date", Reason: "must not be empty"}
	}
	if c.Quantity != nil && c.Quantity.IsZero() {
		return &InvalidEntryError{Field: "quantity", Reason: "must not be zero"}
	}
	return validateOverrides(c.UsedStock, c.DamageStock)
}

// validateQuantity: only ADJUSTMENT carries a sign.
func validateQuantity(typ EntryType, qty decimal.Decimal) error {
	if typ != EntryAdjustment && !qty.IsPositive() {
		return &InvalidEntryError{Field: "quantity", Reason: "must be positive"}
	}
	if typ == EntryAdjustment && qty.IsZero() {
		return &InvalidEntryError{Field: "quantity", Reason: "must not be zero"}
	}
	return nil
}

func validateOverrides(used, damage *decimal.Decimal) error {
	if used != nil && used.IsNegative() {
		return &InvalidEntryError{Field: "usedStock", Reason: "must not be negative"}
	}
	if damage != nil && damage.IsNegative() {
		return &InvalidEntryError{Field: "damageStock", Reason: "must not be negative"}
	}
	return nil
}

// =============================================================================
// REPORTS
// =============================================================================

type ReconcileReport struct {
	Key    StockKey
	Months int

	Created             []MonthKey
	ExpiryReplayed      []MonthKey
	CarryForwardUpdated []MonthKey
	ChainCorrected      []MonthKey
	ChainPasses         int

	SameMonthExpired    decimal.Decimal
	CarryForwardExpired decimal.Decimal
}

// Changed reports whether any stock figure moved.
func (r ReconcileReport) Changed() bool {
	return len(r.ExpiryReplayed) > 0 || len(r.CarryForwardUpdated) > 0 || len(r.ChainCorrected) > 0
}

type SweepReport struct {
	Keys     int
	Changed  int
	Failed   int
	Duration time.Duration
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Repo     Repository
	Sink     StockSink
	Observer Observer
	Logger   *slog.Logger

	Scanner *ExpiryScanner
	Chain   *CarryForwardChain

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() EntryID

	locks *keyLocks
}

// NewEngine wires an engine with defaults: no-op sink and observer, UTC
// expiry thresholds, UUID entry ids.
func NewEngine(repo Repository, sink StockSink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = discardSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		Repo:     repo,
		Sink:     sink,
		Observer: nopObserver{},
		Logger:   logger.With("component", "ledger"),
		Chain:    &CarryForwardChain{},
		Now:      time.Now,
		NewID:    func() EntryID { return EntryID(uuid.NewString()) },
		locks:    newKeyLocks(),
	}
	e.Scanner = &ExpiryScanner{Now: func() time.Time { return e.Now() }, Location: time.UTC}
	return e
}

// =============================================================================
// MONTH BOOTSTRAP
// =============================================================================

// GetOrCreate returns the month, creating it with the previous month's
// closing balance as carry-forward when it does not exist yet.
func (e *Engine) GetOrCreate(ctx context.Context, key MonthKey) (*MonthlyLedger, error) {
	if !key.Month.Valid() {
		return nil, ErrInvalidMonth
	}
	unlock := e.locks.Lock(key.Stock())
	defer unlock()
	return e.getOrCreateLocked(ctx, key)
}

func (e *Engine) getOrCreateLocked(ctx context.Context, key MonthKey) (*MonthlyLedger, error) {
	m, err := e.Repo.Get(ctx, key)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrLedgerNotFound) {
		return nil, fmt.Errorf("load monthly ledger %s: %w", key, err)
	}

	months, err := e.Repo.List(ctx, key.Stock())
	if err != nil {
		return nil, fmt.Errorf("list monthly ledgers %s: %w", key.Stock(), err)
	}
	sortMonths(months)

	m = NewMonthlyLedger(key, openingFor(months, key.Month))
	if err := e.save(ctx, m); err != nil {
		return nil, err
	}
	e.Logger.Info("monthly ledger created", "month", key.String(), "carry_forward", m.CarryForward.String())
	return m, nil
}

// =============================================================================
// WRITE PIPELINE
// =============================================================================

// Append adds an entry at the end of the month.
func (e *Engine) Append(ctx context.Context, key MonthKey, in EntryInput) (*MonthlyLedger, Entry, error) {
	if !key.Month.Valid() {
		return nil, Entry{}, ErrInvalidMonth
	}
	if err := in.Validate(); err != nil {
		return nil, Entry{}, err
	}
	unlock := e.locks.Lock(key.Stock())
	defer unlock()

	m, err := e.getOrCreateLocked(ctx, key)
	if err != nil {
		return nil, Entry{}, err
	}

	now := e.Now()
	entry := Entry{
		ID:             e.NewID(),
		Date:           in.Date,
		Type:           in.Type,
		Quantity:       in.Quantity,
		UsedOverride:   in.UsedStock,
		DamageOverride: in.DamageStock,
		ExpireDate:     in.ExpireDate,
		BatchNumber:    in.BatchNumber,
		Notes:          in.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	applied, clamp := ApplyEntry(m.ClosingBalance(), entry)
	if clamp != nil {
		e.clamped(key, []ClampEvent{*clamp})
	}
	m.Entries = append(m.Entries, applied)

	if err := e.save(ctx, m); err != nil {
		return nil, Entry{}, err
	}
	e.Observer.EntryRecorded(OpAppend, key)
	e.push(ctx, key.Stock(), m)
	return m, applied, nil
}

// Update edits one entry and replays the month. Used/damage values from
// the caller stick to the edited entry; every other entry's overrides are
// dropped and re-derived from type and quantity.
func (e *Engine) Update(ctx context.Context, key MonthKey, id EntryID, changes EntryChanges) (*MonthlyLedger, Entry, error) {
	if err := changes.Validate(); err != nil {
		return nil, Entry{}, err
	}
	unlock := e.locks.Lock(key.Stock())
	defer unlock()

	m, err := e.Repo.Get(ctx, key)
	if err != nil {
		return nil, Entry{}, err
	}
	idx := m.EntryIndex(id)
	if idx < 0 {
		return nil, Entry{}, &EntryNotFoundError{Key: key, EntryID: id}
	}

	target := &m.Entries[idx]
	typ, qty := target.Type, target.Quantity
	if changes.Type != nil {
		typ = *changes.Type
	}
	if changes.Quantity != nil {
		qty = *changes.Quantity
	}
	if err := validateQuantity(typ, qty); err != nil {
		return nil, Entry{}, err
	}

	reopened := false
	if changes.Date != nil {
		target.Date = *changes.Date
	}
	if changes.Type != nil && *changes.Type != target.Type {
		target.Type = *changes.Type
		reopened = true
	}
	if changes.Quantity != nil && !changes.Quantity.Equal(target.Quantity) {
		target.Quantity = *changes.Quantity
		reopened = true
	}
	if changes.ClearExpireDate {
		target.ExpireDate = nil
		reopened = true
	} else if changes.ExpireDate != nil {
		target.ExpireDate = changes.ExpireDate
		reopened = true
	}
	if changes.BatchNumber != nil {
		target.BatchNumber = *changes.BatchNumber
	}
	if changes.Notes != nil {
		target.Notes = *changes.Notes
	}
	if changes.UsedStock != nil {
		target.UsedOverride = changes.UsedStock
	}
	if changes.DamageStock != nil {
		target.DamageOverride = changes.DamageStock
	}
	// A reshaped batch goes back to the scanner; whatever is still past
	// expiry is retired again on the next read.
	if reopened && target.Type != EntryExpired {
		target.ExpiredStock = decimal.Zero
	}
	target.UpdatedAt = e.Now()

	r := Replay(m.CarryForward, m.Entries, EditReplay(id))
	m.Entries = r.Entries
	e.clamped(key, r.Clamps)

	if err := e.save(ctx, m); err != nil {
		return nil, Entry{}, err
	}
	e.Observer.EntryRecorded(OpUpdate, key)
	e.push(ctx, key.Stock(), m)
	return m, m.Entries[idx], nil
}

// Delete removes an entry and replays the rest with the signed, unclamped
// rule.
func (e *Engine) Delete(ctx context.Context, key MonthKey, id EntryID) (*MonthlyLedger, error) {
	unlock := e.locks.Lock(key.Stock())
	defer unlock()

	m, err := e.Repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	idx := m.EntryIndex(id)
	if idx < 0 {
		return nil, &EntryNotFoundError{Key: key, EntryID: id}
	}

	m.Entries = append(m.Entries[:idx], m.Entries[idx+1:]...)
	r := Replay(m.CarryForward, m.Entries, DeleteReplay)
	m.Entries = r.Entries
	if closing := m.ClosingBalance(); closing.IsNegative() {
		e.Logger.Warn("closing balance negative after delete", "month", key.String(), "closing", closing.String())
	}

	if err := e.save(ctx, m); err != nil {
		return nil, err
	}
	e.Observer.EntryRecorded(OpDelete, key)
	e.push(ctx, key.Stock(), m)
	return m, nil
}

// =============================================================================
// READ PIPELINE
// =============================================================================

// Month returns one month after expiry and carry-forward reconciliation,
// creating it when absent.
func (e *Engine) Month(ctx context.Context, key MonthKey) (*MonthlyLedger, error) {
	if !key.Month.Valid() {
		return nil, ErrInvalidMonth
	}
	unlock := e.locks.Lock(key.Stock())
	defer unlock()

	_, months, err := e.reconcileLocked(ctx, key.Stock(), &key.Month)
	if err != nil {
		return nil, err
	}
	idx := indexOfMonth(months, key.Month)
	if idx < 0 {
		return nil, ErrLedgerNotFound
	}
	return months[idx], nil
}

// Reconcile runs the expiry scan and carry-forward chain for one stock line.
func (e *Engine) Reconcile(ctx context.Context, key StockKey) (ReconcileReport, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	report, _, err := e.reconcileLocked(ctx, key, nil)
	return report, err
}

// History reconciles the stock line, then returns the months in [from, to].
func (e *Engine) History(ctx context.Context, key StockKey, from, to Month) ([]*MonthlyLedger, error) {
	if !from.Valid() || !to.Valid() || to.Before(from) {
		return nil, ErrInvalidMonth
	}
	unlock := e.locks.Lock(key)
	defer unlock()

	if _, _, err := e.reconcileLocked(ctx, key, nil); err != nil {
		return nil, err
	}
	months, err := e.Repo.ListRange(ctx, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("list monthly ledgers %s [%s, %s]: %w", key, from, to, err)
	}
	return months, nil
}

// Sweep reconciles every stock line the repository knows. A failing line
// is logged and skipped; the joined errors are returned at the end.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	start := e.Now()
	keys, err := e.Repo.Keys(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list stock keys: %w", err)
	}

	report := SweepReport{Keys: len(keys)}
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		r, err := e.Reconcile(ctx, key)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("reconcile %s: %w", key, err))
			e.Logger.Error("sweep reconcile failed", "stock", key.String(), "error", err)
			continue
		}
		if r.Changed() {
			report.Changed++
		}
	}
	report.Duration = e.Now().Sub(start)
	return report, errors.Join(errs...)
}

// Reset drops all data once every in-flight operation has finished. No
// operation on any stock line runs while the repository is cleared.
func (e *Engine) Reset(ctx context.Context) error {
	rs, ok := e.Repo.(Resetter)
	if !ok {
		return ErrResetUnsupported
	}
	unlock := e.locks.LockAll()
	defer unlock()

	if err := rs.Reset(ctx); err != nil {
		return fmt.Errorf("reset repository: %w", err)
	}
	e.Logger.Warn("repository reset")
	return nil
}

func (e *Engine) reconcileLocked(ctx context.Context, key StockKey, ensure *Month) (ReconcileReport, []*MonthlyLedger, error) {
	months, err := e.Repo.List(ctx, key)
	if err != nil {
		return ReconcileReport{}, nil, fmt.Errorf("list monthly ledgers %s: %w", key, err)
	}
	sortMonths(months)

	var created []MonthKey
	if ensure != nil && indexOfMonth(months, *ensure) < 0 {
		mk := MonthKey{TheaterID: key.TheaterID, ProductID: key.ProductID, Month: *ensure}
		months = append(months, NewMonthlyLedger(mk, openingFor(months, *ensure)))
		sortMonths(months)
		created = append(created, mk)
	}

	// Phase 1: expiry. Phase 2: carry-forward to a fixed point.
	scan := e.Scanner.Scan(key, months)
	chain := e.Chain.Reconcile(scan.Ledgers)

	report := ReconcileReport{
		Key:                 key,
		Months:              len(chain.Ledgers),
		Created:             mergeKeys(created, scan.Created),
		ExpiryReplayed:      scan.Replayed,
		CarryForwardUpdated: scan.CarryForwardUpdated,
		ChainCorrected:      chain.Changed,
		ChainPasses:         chain.Passes,
		SameMonthExpired:    scan.SameMonthExpired,
		CarryForwardExpired: scan.CarryForwardExpired,
	}

	changed := mergeKeys(report.Created, scan.Changed(), chain.Changed)
	if len(changed) > 0 {
		toSave := make([]*MonthlyLedger, 0, len(changed))
		want := make(map[MonthKey]bool, len(changed))
		for _, k := range changed {
			want[k] = true
		}
		now := e.Now()
		for _, m := range chain.Ledgers {
			if !want[m.Key] {
				continue
			}
			if m.CreatedAt.IsZero() {
				m.CreatedAt = now
			}
			m.UpdatedAt = now
			m.RecomputeTotals()
			toSave = append(toSave, m)
		}
		if err := e.Repo.SaveAll(ctx, toSave); err != nil {
			return ReconcileReport{}, nil, fmt.Errorf("save reconciled ledgers %s: %w", key, err)
		}
	}

	for mk, cs := range scan.Clamps {
		e.clamped(mk, cs)
	}
	for mk, cs := range chain.Clamps {
		e.clamped(mk, cs)
	}
	if scan.Expired() {
		e.Observer.StockExpired(key, scan.SameMonthExpired, scan.CarryForwardExpired)
		e.Logger.Info("stock expired",
			"stock", key.String(),
			"same_month", scan.SameMonthExpired.String(),
			"carry_forward", scan.CarryForwardExpired.String(),
		)
	}
	for _, mk := range chain.Changed {
		e.Observer.CarryForwardCorrected(mk)
	}
	if len(chain.Changed) > 0 {
		e.Logger.Info("carry-forward corrected", "stock", key.String(), "months", len(chain.Changed), "passes", chain.Passes)
	}

	if report.Changed() && len(chain.Ledgers) > 0 {
		e.push(ctx, key, chain.Ledgers[len(chain.Ledgers)-1])
	}
	return report, chain.Ledgers, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (e *Engine) save(ctx context.Context, m *MonthlyLedger) error {
	now := e.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.RecomputeTotals()
	if err := e.Repo.Save(ctx, m); err != nil {
		return fmt.Errorf("save monthly ledger %s: %w", m.Key, err)
	}
	return nil
}

func (e *Engine) push(ctx context.Context, key StockKey, m *MonthlyLedger) {
	update := StockUpdate{CurrentStock: m.ClosingBalance(), Month: m.Key.Month}
	if err := e.Sink.UpdateProductStock(ctx, key.ProductID, key.TheaterID, update); err != nil {
		e.Observer.StockPushFailed(key)
		e.Logger.Warn("product stock push failed",
			"stock", key.String(),
			"current_stock", update.CurrentStock.String(),
			"error", err,
		)
	}
}

func (e *Engine) clamped(key MonthKey, clamps []ClampEvent) {
	for _, c := range clamps {
		e.Observer.BalanceClamped(key, c.Deficit)
		e.Logger.Warn("balance clamped at zero",
			"month", key.String(),
			"entry", string(c.EntryID),
			"deficit", c.Deficit.String(),
		)
	}
}
