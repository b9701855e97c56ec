/*
replay.go - Running balance replay for one month

PURPOSE:
  Recomputes every entry's balance (and derived display fields) from an
  opening balance, walking the entries in stored order. Pure: no I/O, no
  clock, no errors.

RULES (standard path):
  ADDED / RETURNED   running += |q|   StockAdded  = |q|
  SOLD               running -= |q|   UsedStock   = |q|
  EXPIRED            running -= |q|   ExpiredStock = |q|
  DAMAGED            running -= |q|   DamageStock = |q|
  ADJUSTMENT q > 0   as ADDED
  ADJUSTMENT q <= 0  as SOLD with |q|

  After every step running = max(0, running) and the clamped value feeds
  the next step.

  Stock the expiry scanner retired on a non-EXPIRED entry stays on that
  entry across replays and is deducted at that entry.

THREE PATHS, ONE FUNCTION:
  StandardReplay    clamp, keep every entry's used/damage overrides
  EditReplay(id)    clamp, keep overrides only on the edited entry
  DeleteReplay      no clamp, ADJUSTMENT applied with its sign

SEE ALSO:
  - engine.go: Chooses the path per operation
*/
package ledger

import "github.com/shopspring/decimal"

// ReplayOptions selects the replay path.
type ReplayOptions struct {
	// Clamp floors the running balance at zero after each entry.
	Clamp bool

	// Signed applies ADJUSTMENT quantities with their sign and treats every
	// other type by its direction. Used by the delete path.
	Signed bool

	// Preserve reports whether an entry keeps its UsedOverride and
	// DamageOverride. Entries not preserved have them cleared and their
	// display fields derived from type and quantity only.
	Preserve func(Entry) bool
}

func preserveAll(Entry) bool { return true }

var (
	StandardReplay = ReplayOptions{Clamp: true, Preserve: preserveAll}
	DeleteReplay   = ReplayOptions{Signed: true, Preserve: preserveAll}
)

func EditReplay(edited EntryID) ReplayOptions {
	return ReplayOptions{Clamp: true, Preserve: func(e Entry) bool { return e.ID == edited }}
}

// ClampEvent records a step where the balance would have gone negative.
type ClampEvent struct {
	EntryID EntryID
	Index   int
	Deficit decimal.Decimal
}

type ReplayResult struct {
	Entries []Entry
	Closing decimal.Decimal
	Clamps  []ClampEvent
}

// Replay recomputes entries starting at opening. The input slice is not
// modified.
func Replay(opening decimal.Decimal, entries []Entry, opts ReplayOptions) ReplayResult {
	out := make([]Entry, len(entries))
	var clamps []ClampEvent
	running := opening

	for i, src := range entries {
		e := src.Clone()
		if opts.Preserve == nil || !opts.Preserve(e) {
			e.UsedOverride = nil
			e.DamageOverride = nil
		}
		deriveFields(&e)

		var next decimal.Decimal
		if opts.Signed {
			next = running.Add(signedDelta(e))
		} else {
			next = running.Add(standardDelta(e))
		}
		if opts.Clamp && next.IsNegative() {
			clamps = append(clamps, ClampEvent{EntryID: e.ID, Index: i, Deficit: next.Neg()})
			next = decimal.Zero
		}

		e.Balance = next
		running = next
		out[i] = e
	}

	return ReplayResult{Entries: out, Closing: running, Clamps: clamps}
}

// ApplyEntry computes a single new entry on top of opening using the
// standard rule. The returned clamp is nil when no clamp occurred.
func ApplyEntry(opening decimal.Decimal, e Entry) (Entry, *ClampEvent) {
	r := Replay(opening, []Entry{e}, StandardReplay)
	if len(r.Clamps) > 0 {
		return r.Entries[0], &r.Clamps[0]
	}
	return r.Entries[0], nil
}

// =============================================================================
// INTERNALS
// =============================================================================

type direction int

const (
	dirNone direction = iota
	dirIn
	dirOut
)

// effective maps a type (and, for ADJUSTMENT, the quantity sign) onto the
// type whose rule applies.
func effective(e Entry) (EntryType, direction) {
	switch e.Type {
	case EntryAdded, EntryReturned:
		return EntryAdded, dirIn
	case EntrySold, EntryExpired, EntryDamaged:
		return e.Type, dirOut
	case EntryAdjustment:
		if e.Quantity.IsPositive() {
			return EntryAdded, dirIn
		}
		return EntrySold, dirOut
	}
	return "", dirNone
}

func deriveFields(e *Entry) {
	q := e.Quantity.Abs()

	// Scanner-retired stock survives replay; an EXPIRED entry's own
	// quantity is re-derived below.
	retired := decimal.Zero
	if e.Type != EntryExpired {
		retired = e.ExpiredStock
	}

	e.StockAdded = decimal.Zero
	e.UsedStock = decimal.Zero
	e.ExpiredStock = retired
	e.DamageStock = decimal.Zero

	t, _ := effective(*e)
	switch t {
	case EntryAdded:
		e.StockAdded = q
	case EntrySold:
		e.UsedStock = q
	case EntryExpired:
		e.ExpiredStock = q
	case EntryDamaged:
		e.DamageStock = q
	}

	if e.UsedOverride != nil {
		e.UsedStock = *e.UsedOverride
	}
	if e.DamageOverride != nil {
		e.DamageStock = *e.DamageOverride
	}
}

func retiredOf(e Entry) decimal.Decimal {
	if e.Type == EntryExpired {
		return decimal.Zero
	}
	return e.ExpiredStock
}

func standardDelta(e Entry) decimal.Decimal {
	q := e.Quantity.Abs()
	var d decimal.Decimal
	switch _, dir := effective(e); dir {
	case dirIn:
		d = q
	case dirOut:
		d = q.Neg()
	default:
		d = decimal.Zero
	}
	return d.Sub(retiredOf(e))
}

func signedDelta(e Entry) decimal.Decimal {
	q := e.Quantity.Abs()
	var d decimal.Decimal
	switch e.Type {
	case EntryAdded, EntryReturned:
		d = q
	case EntrySold, EntryExpired, EntryDamaged:
		d = q.Neg()
	case EntryAdjustment:
		d = e.Quantity
	default:
		d = decimal.Zero
	}
	return d.Sub(retiredOf(e))
}
