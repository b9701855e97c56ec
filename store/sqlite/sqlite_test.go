package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/concession-ledger/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func sampleMonth(m time.Month) *ledger.MonthlyLedger {
	ml := ledger.NewMonthlyLedger(ledger.NewMonthKey("t1", "p1", 2025, m), dec(5))
	expires := time.Date(2025, m, 20, 0, 0, 0, 0, time.UTC)
	used := dec(3)
	ml.Entries = ledger.Replay(ml.CarryForward, []ledger.Entry{
		{ID: "a", Type: ledger.EntryAdded, Quantity: dec(10), Date: time.Date(2025, m, 2, 0, 0, 0, 0, time.UTC),
			ExpireDate: &expires, UsedOverride: &used, BatchNumber: "B-7", Notes: "delivery"},
		{ID: "b", Type: ledger.EntrySold, Quantity: dec(4), Date: time.Date(2025, m, 1, 0, 0, 0, 0, time.UTC)},
	}, ledger.StandardReplay).Entries
	ml.ExpiredCarryForwardStock = dec(2)
	return ml
}

func TestStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// GIVEN: A month whose second entry is dated before the first
	ml := sampleMonth(time.January)
	require.NoError(t, s.Save(ctx, ml))

	// WHEN
	got, err := s.Get(ctx, ml.Key)
	require.NoError(t, err)

	// THEN: Stored order, decimals, overrides and totals survive
	require.Len(t, got.Entries, 2)
	assert.Equal(t, ledger.EntryID("a"), got.Entries[0].ID)
	assert.True(t, got.Entries[0].Balance.Equal(dec(15)))
	assert.True(t, got.Entries[1].Balance.Equal(dec(11)))
	require.NotNil(t, got.Entries[0].UsedOverride)
	assert.True(t, got.Entries[0].UsedOverride.Equal(dec(3)))
	assert.Nil(t, got.Entries[1].UsedOverride)
	require.NotNil(t, got.Entries[0].ExpireDate)
	assert.True(t, got.Entries[0].ExpireDate.Equal(*ml.Entries[0].ExpireDate))
	assert.Nil(t, got.Entries[1].ExpireDate)
	assert.Equal(t, "B-7", got.Entries[0].BatchNumber)
	assert.True(t, got.CarryForward.Equal(dec(5)))
	assert.True(t, got.ExpiredCarryForwardStock.Equal(dec(2)))
	assert.True(t, got.Totals.StockAdded.Equal(dec(10)))
	assert.True(t, got.Totals.UsedStock.Equal(dec(7)))
	assert.True(t, got.ClosingBalance().Equal(dec(11)))
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), ledger.NewMonthKey("t1", "p1", 2025, time.May))

	assert.ErrorIs(t, err, ledger.ErrLedgerNotFound)
}

func TestStore_CorruptTimestampsAreReported(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name  string
		query string
	}{
		{"month created_at", `UPDATE monthly_ledgers SET created_at = 'yesterday'`},
		{"entry date", `UPDATE ledger_entries SET entry_date = '2025-13-45' WHERE id = 'a'`},
		{"entry expire_date", `UPDATE ledger_entries SET expire_date = 'soon' WHERE id = 'a'`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			ml := sampleMonth(time.January)
			require.NoError(t, s.Save(ctx, ml))

			_, err := s.db.ExecContext(ctx, tc.query)
			require.NoError(t, err)

			_, err = s.Get(ctx, ml.Key)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "corrupt")
		})
	}
}

func TestStore_CorruptProductStockTimestamp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	feb := ledger.Month{Year: 2025, Month: time.February}
	require.NoError(t, s.UpdateProductStock(ctx, "p1", "t1", ledger.StockUpdate{CurrentStock: dec(7), Month: feb}))

	_, err := s.db.ExecContext(ctx, `UPDATE products SET updated_at = 'never'`)
	require.NoError(t, err)

	_, err = s.GetProductStock(ctx, "t1", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt product stock")
}

func TestStore_SaveRewritesEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ml := sampleMonth(time.January)
	require.NoError(t, s.Save(ctx, ml))

	ml.Entries = ml.Entries[:1]
	require.NoError(t, s.Save(ctx, ml))

	got, err := s.Get(ctx, ml.Key)
	require.NoError(t, err)
	assert.Len(t, got.Entries, 1)
}

func TestStore_ListAndRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveAll(ctx, []*ledger.MonthlyLedger{
		sampleMonth(time.March),
		sampleMonth(time.January),
		sampleMonth(time.February),
	}))
	other := ledger.NewMonthlyLedger(ledger.NewMonthKey("t2", "p1", 2025, time.January), decimal.Zero)
	require.NoError(t, s.Save(ctx, other))

	stock := ledger.StockKey{TheaterID: "t1", ProductID: "p1"}
	all, err := s.List(ctx, stock)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, time.January, all[0].Key.Month.Month)
	assert.Equal(t, time.March, all[2].Key.Month.Month)
	for _, m := range all {
		assert.Len(t, m.Entries, 2, "entries stay with their month")
	}

	rng, err := s.ListRange(ctx, stock, ledger.Month{Year: 2025, Month: time.February}, ledger.Month{Year: 2025, Month: time.March})
	require.NoError(t, err)
	require.Len(t, rng, 2)
	assert.Equal(t, time.February, rng[0].Key.Month.Month)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.StockKey{stock, {TheaterID: "t2", ProductID: "p1"}}, keys)
}

func TestStore_SaveAllIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// GIVEN: The second month repeats an entry id, which the schema rejects
	good := sampleMonth(time.January)
	bad := sampleMonth(time.February)
	bad.Entries[1].ID = bad.Entries[0].ID

	// WHEN
	err := s.SaveAll(ctx, []*ledger.MonthlyLedger{good, bad})

	// THEN: Nothing was written
	require.Error(t, err)
	_, err = s.Get(ctx, good.Key)
	assert.ErrorIs(t, err, ledger.ErrLedgerNotFound)
}

func TestStore_ProductStock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetProductStock(ctx, "t1", "p1")
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
	assert.True(t, ledger.IsNotFound(err))

	feb := ledger.Month{Year: 2025, Month: time.February}
	require.NoError(t, s.UpdateProductStock(ctx, "p1", "t1", ledger.StockUpdate{CurrentStock: dec(70), Month: feb}))
	require.NoError(t, s.UpdateProductStock(ctx, "p1", "t1", ledger.StockUpdate{CurrentStock: dec(50), Month: feb}))

	ps, err := s.GetProductStock(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.True(t, ps.CurrentStock.Equal(dec(50)))
	assert.Equal(t, feb, ps.Month)
}

func TestStore_BacksEngine(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine := ledger.NewEngine(s, s, nil)
	jan := ledger.NewMonthKey("t1", "p1", 2025, time.January)

	_, _, err := engine.Append(ctx, jan, ledger.EntryInput{Date: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC), Type: ledger.EntryAdded, Quantity: dec(100)})
	require.NoError(t, err)
	_, _, err = engine.Append(ctx, jan, ledger.EntryInput{Date: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), Type: ledger.EntrySold, Quantity: dec(30)})
	require.NoError(t, err)

	feb, err := engine.GetOrCreate(ctx, ledger.NewMonthKey("t1", "p1", 2025, time.February))
	require.NoError(t, err)
	assert.True(t, feb.CarryForward.Equal(dec(70)))

	ps, err := s.GetProductStock(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.True(t, ps.CurrentStock.Equal(dec(70)))

	require.NoError(t, s.Reset(ctx))
	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
