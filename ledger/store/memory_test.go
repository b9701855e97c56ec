package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/concession-ledger/ledger"
)

func monthKey(product ledger.ProductID, m time.Month) ledger.MonthKey {
	return ledger.NewMonthKey("t1", product, 2025, m)
}

func TestMemory_GetMissing(t *testing.T) {
	s := NewMemory()
	_, err := s.Get(context.Background(), monthKey("p1", time.January))
	assert.ErrorIs(t, err, ledger.ErrLedgerNotFound)
}

func TestMemory_ListIsOrderedAndCloned(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for _, m := range []time.Month{time.March, time.January, time.February} {
		require.NoError(t, s.Save(ctx, ledger.NewMonthlyLedger(monthKey("p1", m), decimal.Zero)))
	}
	require.NoError(t, s.Save(ctx, ledger.NewMonthlyLedger(monthKey("p2", time.January), decimal.Zero)))

	got, err := s.List(ctx, ledger.StockKey{TheaterID: "t1", ProductID: "p1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, time.January, got[0].Key.Month.Month)
	assert.Equal(t, time.March, got[2].Key.Month.Month)

	got[0].CarryForward = decimal.NewFromInt(99)
	again, err := s.Get(ctx, monthKey("p1", time.January))
	require.NoError(t, err)
	assert.True(t, again.CarryForward.IsZero(), "callers must not share stored state")

	rng, err := s.ListRange(ctx, ledger.StockKey{TheaterID: "t1", ProductID: "p1"},
		ledger.Month{Year: 2025, Month: time.February}, ledger.Month{Year: 2025, Month: time.March})
	require.NoError(t, err)
	assert.Len(t, rng, 2)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestMemory_SaveRecomputesTotals(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	ml := ledger.NewMonthlyLedger(monthKey("p1", time.January), decimal.Zero)
	ml.Entries = []ledger.Entry{{ID: "e1", Type: ledger.EntryAdded, Quantity: decimal.NewFromInt(4), StockAdded: decimal.NewFromInt(4)}}

	require.NoError(t, s.SaveAll(ctx, []*ledger.MonthlyLedger{ml}))

	got, err := s.Get(ctx, ml.Key)
	require.NoError(t, err)
	assert.True(t, got.Totals.StockAdded.Equal(decimal.NewFromInt(4)))

	require.NoError(t, s.Reset(ctx))
	_, err = s.Get(ctx, ml.Key)
	assert.ErrorIs(t, err, ledger.ErrLedgerNotFound)
}
