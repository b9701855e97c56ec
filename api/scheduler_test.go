package api

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/concession-ledger/ledger"
)

func TestSweepScheduler_Disabled(t *testing.T) {
	a := newTestAPI(t)
	s := NewSweepScheduler(a.handler, time.Minute)
	s.Enabled = false

	s.Start()
	s.Stop()

	assert.Nil(t, s.ticker)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.metrics.Sweeps.WithLabelValues("ok")))
}

func TestSweepScheduler_DefaultInterval(t *testing.T) {
	a := newTestAPI(t)
	s := NewSweepScheduler(a.handler, 0)
	assert.Equal(t, time.Hour, s.Interval)
}

func TestSweepScheduler_SweepsOnStart(t *testing.T) {
	a := newTestAPI(t)

	// GIVEN: A January batch expiring January 31 that nobody reads afterwards
	a.post(t, 2025, 1, map[string]any{
		"date": "2025-01-05", "type": "ADDED", "quantity": 100, "expireDate": "2025-01-31",
	})
	a.setNow(time.Date(2025, time.February, 3, 0, 0, 0, 0, time.UTC))

	// WHEN: The scheduler starts and stops
	s := NewSweepScheduler(a.handler, time.Hour)
	s.Start()
	s.Start() // second start is a no-op
	s.Stop()
	s.Stop()

	// THEN: The first run recorded the expiry in February
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.Sweeps.WithLabelValues("ok")))
	feb, err := a.store.Get(context.Background(), ledger.NewMonthKey("t-downtown", "p-popcorn", 2025, time.February))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(feb.ExpiredCarryForwardStock), feb.ExpiredCarryForwardStock.String())
	assert.True(t, decimal.NewFromInt(100).Equal(feb.CarryForward), feb.CarryForward.String())
}

func TestSweepScheduler_RunNow(t *testing.T) {
	a := newTestAPI(t)
	a.post(t, 2025, 1, map[string]any{"date": "2025-01-05", "type": "ADDED", "quantity": 5})

	s := NewSweepScheduler(a.handler, time.Hour)
	s.RunNow()
	s.RunNow()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.metrics.Sweeps.WithLabelValues("ok")))
	assert.True(t, s.NextRunTime().After(time.Now()))
}
