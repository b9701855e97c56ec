/*
chain.go - Carry-forward reconciliation across months

PURPOSE:
  Makes every month open with the previous month's closing balance.
  Correcting one month changes its closing balance, which is the next
  month's expected opening, so the pass repeats until nothing changes.

RULES:
  - Months are ordered by (year, month); gaps are allowed and the
    previous EXISTING month is used.
  - The first month opens at zero.
  - A negative closing balance (possible only through the delete path)
    carries forward as zero: an opening balance is never negative.
*/
package ledger

import "github.com/shopspring/decimal"

type CarryForwardChain struct {
	// MaxPasses bounds the fixed-point loop. Zero means len(months)+1,
	// which always suffices because a forward pass settles every month
	// it reaches.
	MaxPasses int
}

type ChainResult struct {
	Ledgers []*MonthlyLedger
	Changed []MonthKey
	Passes  int
	Clamps  map[MonthKey][]ClampEvent
}

// Reconcile returns the months with corrected carry-forwards. The input is
// not modified.
func (c *CarryForwardChain) Reconcile(ledgers []*MonthlyLedger) ChainResult {
	months := cloneSorted(ledgers)
	result := ChainResult{Clamps: make(map[MonthKey][]ClampEvent)}

	maxPasses := c.MaxPasses
	if maxPasses <= 0 {
		maxPasses = len(months) + 1
	}

	var changed []MonthKey
	for result.Passes < maxPasses {
		result.Passes++
		dirty := false

		var prev *MonthlyLedger
		for _, m := range months {
			expected := decimal.Zero
			if prev != nil {
				expected = nonNegative(prev.ClosingBalance())
			}
			if !m.CarryForward.Equal(expected) {
				m.CarryForward = expected
				r := Replay(expected, m.Entries, StandardReplay)
				m.Entries = r.Entries
				if len(r.Clamps) > 0 {
					result.Clamps[m.Key] = r.Clamps
				}
				changed = append(changed, m.Key)
				dirty = true
			}
			prev = m
		}

		if !dirty {
			break
		}
	}

	result.Ledgers = months
	result.Changed = mergeKeys(changed)
	return result
}
