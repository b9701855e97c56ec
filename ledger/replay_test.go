package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/concession-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func q(n float64) decimal.Decimal { return decimal.NewFromFloat(n) }

func qp(n float64) *decimal.Decimal {
	d := q(n)
	return &d
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func dayp(year int, month time.Month, d int) *time.Time {
	t := day(year, month, d)
	return &t
}

func assertQty(t *testing.T, want float64, got decimal.Decimal, what string) {
	t.Helper()
	assert.Truef(t, q(want).Equal(got), "%s: expected %v, got %s", what, want, got.String())
}

func entry(id string, typ ledger.EntryType, qty float64, date time.Time) ledger.Entry {
	return ledger.Entry{ID: ledger.EntryID(id), Type: typ, Quantity: q(qty), Date: date}
}

func balances(entries []ledger.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Balance.String()
	}
	return out
}

// =============================================================================
// STANDARD RULES
// =============================================================================

func TestReplay_AppliesRulePerType(t *testing.T) {
	// GIVEN: Opening balance 10 and one entry of every type
	jan := func(d int) time.Time { return day(2025, time.January, d) }
	entries := []ledger.Entry{
		entry("a", ledger.EntryAdded, 5, jan(1)),
		entry("b", ledger.EntrySold, 3, jan(2)),
		entry("c", ledger.EntryExpired, 2, jan(3)),
		entry("d", ledger.EntryDamaged, 1, jan(4)),
		entry("e", ledger.EntryAdjustment, 4, jan(5)),
		entry("f", ledger.EntryAdjustment, -6, jan(6)),
		entry("g", ledger.EntryReturned, 2, jan(7)),
	}

	// WHEN: Replaying with the standard rule
	r := ledger.Replay(q(10), entries, ledger.StandardReplay)

	// THEN: Each entry moves the balance by its type
	assert.Equal(t, []string{"15", "12", "10", "9", "13", "7", "9"}, balances(r.Entries))
	assertQty(t, 9, r.Closing, "closing")
	assert.Empty(t, r.Clamps)

	assertQty(t, 5, r.Entries[0].StockAdded, "ADDED stockAdded")
	assertQty(t, 3, r.Entries[1].UsedStock, "SOLD usedStock")
	assertQty(t, 2, r.Entries[2].ExpiredStock, "EXPIRED expiredStock")
	assertQty(t, 1, r.Entries[3].DamageStock, "DAMAGED damageStock")
	assertQty(t, 4, r.Entries[4].StockAdded, "positive ADJUSTMENT acts as ADDED")
	assertQty(t, 6, r.Entries[5].UsedStock, "negative ADJUSTMENT acts as SOLD")
	assertQty(t, 0, r.Entries[5].StockAdded, "negative ADJUSTMENT adds nothing")
	assertQty(t, 2, r.Entries[6].StockAdded, "RETURNED stockAdded")
}

func TestReplay_NegativeQuantityUsesAbsoluteValue(t *testing.T) {
	entries := []ledger.Entry{entry("a", ledger.EntrySold, -4, day(2025, time.March, 1))}

	r := ledger.Replay(q(10), entries, ledger.StandardReplay)

	assertQty(t, 6, r.Closing, "closing")
	assertQty(t, 4, r.Entries[0].UsedStock, "usedStock")
}

func TestReplay_ClampsAtEveryStepNotJustAtTheEnd(t *testing.T) {
	// GIVEN: A sequence that dips below zero half way
	//   0 + 10 = 10, 10 - 30 = -20 -> 0, 0 + 5 = 5
	// End-clamping would give max(0, 10 - 30 + 5) = 0 instead of 5.
	entries := []ledger.Entry{
		entry("in", ledger.EntryAdded, 10, day(2025, time.January, 1)),
		entry("out", ledger.EntrySold, 30, day(2025, time.January, 2)),
		entry("in2", ledger.EntryAdded, 5, day(2025, time.January, 3)),
	}

	// WHEN
	r := ledger.Replay(decimal.Zero, entries, ledger.StandardReplay)

	// THEN
	assert.Equal(t, []string{"10", "0", "5"}, balances(r.Entries))
	assertQty(t, 5, r.Closing, "closing")
	require.Len(t, r.Clamps, 1)
	assert.Equal(t, ledger.EntryID("out"), r.Clamps[0].EntryID)
	assert.Equal(t, 1, r.Clamps[0].Index)
	assertQty(t, 20, r.Clamps[0].Deficit, "deficit")
}

func TestReplay_DoesNotModifyInput(t *testing.T) {
	entries := []ledger.Entry{entry("a", ledger.EntryAdded, 7, day(2025, time.January, 1))}
	entries[0].UsedOverride = qp(2)

	_ = ledger.Replay(q(3), entries, ledger.EditReplay("other"))

	assert.True(t, entries[0].Balance.IsZero(), "input balance untouched")
	require.NotNil(t, entries[0].UsedOverride, "input override untouched")
	assertQty(t, 2, *entries[0].UsedOverride, "override")
}

func TestReplay_KeepsScannerRetiredStock(t *testing.T) {
	// GIVEN: An ADDED batch of which the scanner already retired 40
	e := entry("batch", ledger.EntryAdded, 100, day(2025, time.January, 5))
	e.ExpiredStock = q(40)

	// WHEN
	r := ledger.Replay(decimal.Zero, []ledger.Entry{e}, ledger.StandardReplay)

	// THEN: The retired part stays recorded and is off the balance
	assertQty(t, 40, r.Entries[0].ExpiredStock, "expiredStock")
	assertQty(t, 100, r.Entries[0].StockAdded, "stockAdded")
	assertQty(t, 60, r.Closing, "closing")
}

// =============================================================================
// OVERRIDES
// =============================================================================

func TestReplay_StandardKeepsOverrides(t *testing.T) {
	e := entry("batch", ledger.EntryAdded, 100, day(2025, time.January, 5))
	e.UsedOverride = qp(30)
	e.DamageOverride = qp(5)

	r := ledger.Replay(decimal.Zero, []ledger.Entry{e}, ledger.StandardReplay)

	assertQty(t, 30, r.Entries[0].UsedStock, "usedStock")
	assertQty(t, 5, r.Entries[0].DamageStock, "damageStock")
	assertQty(t, 65, r.Entries[0].Remaining(), "remaining")
	// Overrides annotate the batch; the balance follows type and quantity.
	assertQty(t, 100, r.Closing, "closing")
}

func TestReplay_EditKeepsOverridesOnlyOnEditedEntry(t *testing.T) {
	// GIVEN: Two batches that both carry manual used stock
	a := entry("a", ledger.EntryAdded, 50, day(2025, time.January, 1))
	a.UsedOverride = qp(10)
	b := entry("b", ledger.EntryAdded, 20, day(2025, time.January, 2))
	b.UsedOverride = qp(15)

	// WHEN: Entry "a" is the one being edited
	r := ledger.Replay(decimal.Zero, []ledger.Entry{a, b}, ledger.EditReplay("a"))

	// THEN: "a" keeps its value, "b" is re-derived from its type
	assertQty(t, 10, r.Entries[0].UsedStock, "edited usedStock")
	assertQty(t, 0, r.Entries[1].UsedStock, "other usedStock")
	assert.Nil(t, r.Entries[1].UsedOverride)
	assert.Equal(t, []string{"50", "70"}, balances(r.Entries))
}

// =============================================================================
// DELETE PATH
// =============================================================================

func TestReplay_DeletePathIsSignedAndUnclamped(t *testing.T) {
	entries := []ledger.Entry{
		entry("s", ledger.EntrySold, 5, day(2025, time.January, 1)),
		entry("adj", ledger.EntryAdjustment, -3, day(2025, time.January, 2)),
		entry("a", ledger.EntryAdded, 10, day(2025, time.January, 3)),
	}

	r := ledger.Replay(decimal.Zero, entries, ledger.DeleteReplay)

	assert.Equal(t, []string{"-5", "-8", "2"}, balances(r.Entries))
	assert.Empty(t, r.Clamps)
}

// =============================================================================
// SINGLE ENTRY
// =============================================================================

func TestApplyEntry(t *testing.T) {
	applied, clamp := ledger.ApplyEntry(q(70), entry("s", ledger.EntrySold, 20, day(2025, time.February, 3)))
	assert.Nil(t, clamp)
	assertQty(t, 50, applied.Balance, "balance")
	assertQty(t, 20, applied.UsedStock, "usedStock")

	applied, clamp = ledger.ApplyEntry(q(5), entry("s2", ledger.EntryDamaged, 8, day(2025, time.February, 4)))
	require.NotNil(t, clamp)
	assertQty(t, 3, clamp.Deficit, "deficit")
	assertQty(t, 0, applied.Balance, "balance")
}
