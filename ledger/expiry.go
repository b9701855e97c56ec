/*
expiry.go - Cross-month expiry scanner

PURPOSE:
  Finds stock past its expiry threshold and records it as expired. Runs
  over every month of one (theater, product) at once because a batch
  added in one month can expire in a later one.

ATTRIBUTION:
  The expiry month is the month the expiry takes effect in, i.e. the
  month of the threshold (expiry date + 1 day, 00:01). Stock expiring on
  Jan 31 is lost in February.

  Same month (entry date and expiry month in the same calendar month):
    the remainder is added to the entry's own ExpiredStock and the month
    is replayed, so the balance drops at that entry.

  Different months:
    the remainder is attributed to the EXPIRY month's
    ExpiredCarryForwardStock. The origin entry is left untouched.

IDEMPOTENCE:
  ExpiredCarryForwardStock is rebuilt from the current entries on every
  scan and overwritten, never incremented. Same-month expiry drives the
  entry's remainder to zero, so a second scan finds nothing to do.

SEE ALSO:
  - chain.go: Runs after the scanner to fix opening balances
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ExpiryScanner detects expired stock. The zero value scans against the
// wall clock in UTC.
type ExpiryScanner struct {
	Now      func() time.Time
	Location *time.Location
}

type ScanResult struct {
	// Ledgers is the updated set, sorted by month, including months the
	// scan had to create.
	Ledgers []*MonthlyLedger

	Replayed            []MonthKey // entries changed (same-month expiry)
	CarryForwardUpdated []MonthKey // ExpiredCarryForwardStock changed
	Created             []MonthKey // expiry months that did not exist yet

	SameMonthExpired    decimal.Decimal
	CarryForwardExpired decimal.Decimal

	Clamps map[MonthKey][]ClampEvent
}

// Expired reports whether the scan changed anything.
func (r ScanResult) Expired() bool {
	return len(r.Replayed) > 0 || len(r.CarryForwardUpdated) > 0
}

// Changed returns every month the caller has to persist.
func (r ScanResult) Changed() []MonthKey {
	return mergeKeys(r.Created, r.Replayed, r.CarryForwardUpdated)
}

func (s *ExpiryScanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *ExpiryScanner) loc() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

// Scan inspects all months of one stock line. The input is not modified.
func (s *ExpiryScanner) Scan(key StockKey, ledgers []*MonthlyLedger) ScanResult {
	months := cloneSorted(ledgers)
	now := s.now()
	loc := s.loc()

	result := ScanResult{
		SameMonthExpired:    decimal.Zero,
		CarryForwardExpired: decimal.Zero,
		Clamps:              make(map[MonthKey][]ClampEvent),
	}

	fromCarryForward := make(map[Month]decimal.Decimal)
	dirty := make(map[int]bool)

	// 1-3. Walk every entry of every month.
	for li, m := range months {
		for i := range m.Entries {
			e := &m.Entries[i]
			if e.ExpireDate == nil {
				continue
			}
			threshold := ExpiryThreshold(*e.ExpireDate, loc)
			if now.Before(threshold) {
				continue
			}
			remaining := e.Remaining()
			if !remaining.IsPositive() {
				continue
			}

			origin := MonthOf(e.Date, loc)
			expiry := MonthOf(threshold, loc)
			if origin == expiry {
				e.ExpiredStock = e.ExpiredStock.Add(remaining)
				dirty[li] = true
				result.SameMonthExpired = result.SameMonthExpired.Add(remaining)
				continue
			}

			acc, ok := fromCarryForward[expiry]
			if !ok {
				acc = decimal.Zero
			}
			fromCarryForward[expiry] = acc.Add(remaining)
			result.CarryForwardExpired = result.CarryForwardExpired.Add(remaining)
		}
	}

	// Replay months whose entries changed.
	for li := range months {
		if !dirty[li] {
			continue
		}
		m := months[li]
		r := Replay(m.CarryForward, m.Entries, StandardReplay)
		m.Entries = r.Entries
		if len(r.Clamps) > 0 {
			result.Clamps[m.Key] = r.Clamps
		}
		result.Replayed = append(result.Replayed, m.Key)
	}

	// Expiry months that have no document yet.
	for month := range fromCarryForward {
		if indexOfMonth(months, month) >= 0 {
			continue
		}
		created := NewMonthlyLedger(MonthKey{TheaterID: key.TheaterID, ProductID: key.ProductID, Month: month}, openingFor(months, month))
		months = append(months, created)
		sortMonths(months)
		result.Created = append(result.Created, created.Key)
	}

	// 4. Overwrite ExpiredCarryForwardStock from the fresh accumulation.
	for _, m := range months {
		want, ok := fromCarryForward[m.Key.Month]
		if !ok {
			want = decimal.Zero
		}
		if !m.ExpiredCarryForwardStock.Equal(want) {
			m.ExpiredCarryForwardStock = want
			result.CarryForwardUpdated = append(result.CarryForwardUpdated, m.Key)
		}
	}

	result.Ledgers = months
	return result
}

// =============================================================================
// HELPERS SHARED WITH chain.go AND engine.go
// =============================================================================

func cloneSorted(ledgers []*MonthlyLedger) []*MonthlyLedger {
	out := make([]*MonthlyLedger, len(ledgers))
	for i, m := range ledgers {
		out[i] = m.Clone()
	}
	sortMonths(out)
	return out
}

func sortMonths(ms []*MonthlyLedger) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Key.Month.Before(ms[j].Key.Month) })
}

func indexOfMonth(ms []*MonthlyLedger, month Month) int {
	for i, m := range ms {
		if m.Key.Month == month {
			return i
		}
	}
	return -1
}

// openingFor returns the carry-forward a new month would open with: the
// closing balance of the latest existing month before it, floored at zero.
func openingFor(sorted []*MonthlyLedger, month Month) decimal.Decimal {
	opening := decimal.Zero
	for _, m := range sorted {
		if !m.Key.Month.Before(month) {
			break
		}
		opening = nonNegative(m.ClosingBalance())
	}
	return opening
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func mergeKeys(groups ...[]MonthKey) []MonthKey {
	seen := make(map[MonthKey]bool)
	var out []MonthKey
	for _, g := range groups {
		for _, k := range g {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
