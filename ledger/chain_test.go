package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/concession-ledger/ledger"
)

func assertChained(t *testing.T, months []*ledger.MonthlyLedger) {
	t.Helper()
	require.NotEmpty(t, months)
	assert.True(t, months[0].CarryForward.IsZero(), "first month opens at zero")
	for i := 1; i < len(months); i++ {
		prev, cur := months[i-1], months[i]
		want := prev.ClosingBalance()
		if want.IsNegative() {
			want = q(0)
		}
		assert.Truef(t, cur.CarryForward.Equal(want), "%s opens at %s, %s closed at %s",
			cur.Key.Month, cur.CarryForward, prev.Key.Month, prev.ClosingBalance())
	}
}

func TestChain_ConvergesAcrossMonths(t *testing.T) {
	// GIVEN: February and March were written against a stale January
	jan := month(2025, time.January, 0, entry("a", ledger.EntryAdded, 100, day(2025, time.January, 5)))
	feb := month(2025, time.February, 0, entry("s1", ledger.EntrySold, 20, day(2025, time.February, 3)))
	mar := month(2025, time.March, 0, entry("s2", ledger.EntrySold, 10, day(2025, time.March, 3)))

	// WHEN
	res := (&ledger.CarryForwardChain{}).Reconcile([]*ledger.MonthlyLedger{mar, jan, feb})

	// THEN: Every month opens where the previous one closed
	require.Len(t, res.Ledgers, 3)
	assertChained(t, res.Ledgers)
	assertQty(t, 80, res.Ledgers[1].ClosingBalance(), "feb closing")
	assertQty(t, 70, res.Ledgers[2].ClosingBalance(), "mar closing")
	assert.Equal(t, []ledger.MonthKey{feb.Key, mar.Key}, res.Changed)
	assert.Equal(t, 2, res.Passes, "one correcting pass plus one clean pass")

	// Running again is a no-op
	again := (&ledger.CarryForwardChain{}).Reconcile(res.Ledgers)
	assert.Empty(t, again.Changed)
	assert.Equal(t, 1, again.Passes)
}

func TestChain_FirstMonthOpensAtZero(t *testing.T) {
	jan := month(2025, time.January, 50, entry("a", ledger.EntryAdded, 10, day(2025, time.January, 5)))

	res := (&ledger.CarryForwardChain{}).Reconcile([]*ledger.MonthlyLedger{jan})

	assertQty(t, 0, res.Ledgers[0].CarryForward, "carryForward")
	assertQty(t, 10, res.Ledgers[0].ClosingBalance(), "closing")
}

func TestChain_SkipsGaps(t *testing.T) {
	// GIVEN: Nothing was recorded in February or March
	jan := month(2025, time.January, 0, entry("a", ledger.EntryAdded, 40, day(2025, time.January, 5)))
	apr := month(2025, time.April, 0)

	res := (&ledger.CarryForwardChain{}).Reconcile([]*ledger.MonthlyLedger{jan, apr})

	assertQty(t, 40, res.Ledgers[1].CarryForward, "april opens at january closing")
}

func TestChain_NegativeClosingCarriesZero(t *testing.T) {
	// GIVEN: A January left negative by a delete
	jan := ledger.NewMonthlyLedger(ledger.NewMonthKey(popcorn.TheaterID, popcorn.ProductID, 2025, time.January), q(0))
	jan.Entries = ledger.Replay(q(0), []ledger.Entry{entry("s", ledger.EntrySold, 15, day(2025, time.January, 2))}, ledger.DeleteReplay).Entries
	feb := month(2025, time.February, 9)

	res := (&ledger.CarryForwardChain{}).Reconcile([]*ledger.MonthlyLedger{jan, feb})

	assertQty(t, -15, res.Ledgers[0].ClosingBalance(), "jan closing")
	assertQty(t, 0, res.Ledgers[1].CarryForward, "feb opening")
}

func TestChain_ReplaysCorrectedMonth(t *testing.T) {
	// GIVEN: February sold more than its stale opening allowed
	jan := month(2025, time.January, 0, entry("a", ledger.EntryAdded, 50, day(2025, time.January, 5)))
	feb := month(2025, time.February, 0,
		entry("s", ledger.EntrySold, 30, day(2025, time.February, 3)),
		entry("a2", ledger.EntryAdded, 5, day(2025, time.February, 4)),
	)
	require.Equal(t, []string{"0", "5"}, balances(feb.Entries))

	res := (&ledger.CarryForwardChain{}).Reconcile([]*ledger.MonthlyLedger{jan, feb})

	assert.Equal(t, []string{"20", "25"}, balances(res.Ledgers[1].Entries))
	assert.Empty(t, res.Clamps)
	// Input untouched
	assert.True(t, feb.CarryForward.IsZero())
}
