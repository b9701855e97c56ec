/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	ledger data for demos. Each scenario appends entries through the
	engine, so balances, pushes and expiry follow the normal rules.

AVAILABLE SCENARIOS:

	carry-forward:       January deliveries and sales carried into February
	same-month-expiry:   A batch expiring mid-month, partly sold
	end-of-month-expiry: A batch expiring on January 31, retired in February
	downtown-theater:    All of the above at one theater

HOW SCENARIOS WORK:
 1. Reset storage (clear all data)
 2. Append each seed entry through Engine.Append
 3. Reconcile each stock line so expiry months exist

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "carry-forward"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - ledger/engine.go: Append, Reconcile
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/concession-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "carry-forward",
		Name:        "Month-to-Month Carry Forward",
		Description: "Popcorn: 100 added and 30 sold in January, February opens at 70",
	},
	{
		ID:          "same-month-expiry",
		Name:        "Same-Month Expiry",
		Description: "Nachos: batch of 40 expires March 15 after 10 were sold, 30 retired",
	},
	{
		ID:          "end-of-month-expiry",
		Name:        "End-of-Month Expiry",
		Description: "Hot dogs: batch expiring January 31 is retired from February",
	},
	{
		ID:          "downtown-theater",
		Name:        "Downtown Theater",
		Description: "All demo stock lines at one theater",
	},
}

const demoTheater ledger.TheaterID = "t-downtown"

type seedEntry struct {
	product ledger.ProductID
	typ     ledger.EntryType
	qty     int64
	used    int64
	date    time.Time
	expires *time.Time
	batch   string
}

func demoDay(m time.Month, d int) time.Time {
	return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC)
}

func demoDayPtr(m time.Month, d int) *time.Time {
	t := demoDay(m, d)
	return &t
}

var scenarioSeeds = map[string][]seedEntry{
	"carry-forward": {
		{product: "p-popcorn", typ: ledger.EntryAdded, qty: 100, date: demoDay(time.January, 5), batch: "POP-0105"},
		{product: "p-popcorn", typ: ledger.EntrySold, qty: 30, date: demoDay(time.January, 10)},
		{product: "p-popcorn", typ: ledger.EntrySold, qty: 20, date: demoDay(time.February, 3)},
	},
	"same-month-expiry": {
		{product: "p-nachos", typ: ledger.EntryAdded, qty: 40, used: 10, date: demoDay(time.March, 1), expires: demoDayPtr(time.March, 15), batch: "NCH-0301"},
		{product: "p-nachos", typ: ledger.EntrySold, qty: 10, date: demoDay(time.March, 5)},
	},
	"end-of-month-expiry": {
		{product: "p-hotdogs", typ: ledger.EntryAdded, qty: 100, used: 30, date: demoDay(time.January, 5), expires: demoDayPtr(time.January, 31), batch: "HOT-0105"},
		{product: "p-hotdogs", typ: ledger.EntrySold, qty: 30, date: demoDay(time.January, 20)},
	},
}

func init() {
	var all []seedEntry
	for _, id := range []string{"carry-forward", "same-month-expiry", "end-of-month-expiry"} {
		all = append(all, scenarioSeeds[id]...)
	}
	scenarioSeeds["downtown-theater"] = all
}

// =============================================================================
// SCENARIO ENDPOINTS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	seeds, ok := scenarioSeeds[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if _, ok := h.Engine.Repo.(ledger.Resetter); !ok {
		writeError(w, http.StatusNotImplemented, "Storage backend cannot be reset", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// The reset waits out in-flight writes. Writes arriving between the
	// reset and the reseed are kept next to the scenario data.
	ctx := r.Context()
	if err := h.Engine.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset storage", err)
		return
	}
	h.currentScenario = ""

	if err := h.loadSeeds(ctx, seeds); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID, "entries", len(seeds))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) loadSeeds(ctx context.Context, seeds []seedEntry) error {
	var stocks []ledger.StockKey
	seen := make(map[ledger.StockKey]bool)

	for _, s := range seeds {
		key := ledger.NewMonthKey(demoTheater, s.product, s.date.Year(), s.date.Month())
		in := ledger.EntryInput{
			Date:        s.date,
			Type:        s.typ,
			Quantity:    decimal.NewFromInt(s.qty),
			ExpireDate:  s.expires,
			BatchNumber: s.batch,
		}
		if s.used > 0 {
			used := decimal.NewFromInt(s.used)
			in.UsedStock = &used
		}
		if _, _, err := h.Engine.Append(ctx, key, in); err != nil {
			return fmt.Errorf("append %s %s: %w", s.typ, key, err)
		}
		if !seen[key.Stock()] {
			seen[key.Stock()] = true
			stocks = append(stocks, key.Stock())
		}
	}

	for _, stock := range stocks {
		if _, err := h.Engine.Reconcile(ctx, stock); err != nil {
			return fmt.Errorf("reconcile %s: %w", stock, err)
		}
	}
	return nil
}
