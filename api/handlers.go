/*
handlers.go - HTTP API handlers for the concession stock ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Engine.

ENDPOINTS:
  Ledger (prefix /api/theaters/{theaterID}/products/{productID}):
    GET    /ledger/{year}/{month}                    Month view (entries + statistics)
    GET    /ledger/{year}/{month}/statistics         Statistics only
    POST   /ledger/{year}/{month}/entries            Append an entry
    PUT    /ledger/{year}/{month}/entries/{entryID}  Edit an entry
    DELETE /ledger/{year}/{month}/entries/{entryID}  Delete an entry
    GET    /ledger/history?from=YYYY-MM&to=YYYY-MM   Months in range
    POST   /ledger/reconcile                         Expiry scan + carry-forward chain
    GET    /stock                                    Last pushed product stock

  Admin:
    POST   /api/admin/sweep            Reconcile every stock line now

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    GET    /api/scenarios/current      Currently loaded scenario
    POST   /api/scenarios/load         Load a demo scenario

  Ops:
    GET    /api/health                 Storage ping
    GET    /metrics                    Prometheus metrics

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine:   ledger operations (every read runs the reconcile pipeline)
  - Products: optional reader for the product stock cache
  - Metrics:  optional prometheus collectors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid month, malformed body
  - 404: Month, entry or product stock not found
  - 500: Internal errors
  A failed stock push is never an error here; the engine logs it.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/concession-ledger/ledger"
	"github.com/warp/concession-ledger/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ProductStockReader reads the product stock cache the engine pushes to.
type ProductStockReader interface {
	GetProductStock(ctx context.Context, theaterID ledger.TheaterID, productID ledger.ProductID) (*ledger.ProductStock, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *ledger.Engine
	Products ProductStockReader
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Location interprets date-only request fields.
	Location *time.Location

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around an engine. Products and Metrics are
// optional and set by the caller.
func NewHandler(engine *ledger.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if engine.Scanner != nil && engine.Scanner.Location != nil {
		loc = engine.Scanner.Location
	}
	return &Handler{
		Engine:   engine,
		Logger:   logger.With("component", "api"),
		Location: loc,
	}
}

// =============================================================================
// MONTH VIEW
// =============================================================================

// GetMonth returns one month after expiry and carry-forward reconciliation.
// GET /api/theaters/{theaterID}/products/{productID}/ledger/{year}/{month}
func (h *Handler) GetMonth(w http.ResponseWriter, r *http.Request) {
	key, err := monthKeyParam(r)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	m, err := h.Engine.Month(r.Context(), key)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthLedgerDTO(m))
}

// GetStatistics returns only the month's statistics.
// GET /api/theaters/{theaterID}/products/{productID}/ledger/{year}/{month}/statistics
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	key, err := monthKeyParam(r)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	m, err := h.Engine.Month(r.Context(), key)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatisticsDTO(m.Statistics()))
}

// GetHistory returns the months in [from, to].
// GET /api/theaters/{theaterID}/products/{productID}/ledger/history?from=2025-01&to=2025-03
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	key := stockKeyParam(r)

	from, err := ledger.ParseMonth(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid 'from' month (expected YYYY-MM)", err)
		return
	}
	to := from
	if s := r.URL.Query().Get("to"); s != "" {
		if to, err = ledger.ParseMonth(s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'to' month (expected YYYY-MM)", err)
			return
		}
	}

	months, err := h.Engine.History(r.Context(), key, from, to)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	dtos := make([]MonthLedgerDTO, 0, len(months))
	for _, m := range months {
		dtos = append(dtos, toMonthLedgerDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ENTRY ENDPOINTS
// =============================================================================

// CreateEntry appends an entry to a month, creating the month if needed.
// POST /api/theaters/{theaterID}/products/{productID}/ledger/{year}/{month}/entries
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	key, err := monthKeyParam(r)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in, err := req.toInput(h.Location)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	m, entry, err := h.Engine.Append(r.Context(), key, in)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, EntryResponse{Entry: toEntryDTO(entry), Month: toMonthLedgerDTO(m)})
}

// UpdateEntry edits an entry and replays the month.
// PUT /api/theaters/{theaterID}/products/{productID}/ledger/{year}/{month}/entries/{entryID}
func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	key, err := monthKeyParam(r)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	id := ledger.EntryID(chi.URLParam(r, "entryID"))

	var req UpdateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	changes, err := req.toChanges(h.Location)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	m, entry, err := h.Engine.Update(r.Context(), key, id, changes)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EntryResponse{Entry: toEntryDTO(entry), Month: toMonthLedgerDTO(m)})
}

// DeleteEntry removes an entry and recomputes the month's balances.
// DELETE /api/theaters/{theaterID}/products/{productID}/ledger/{year}/{month}/entries/{entryID}
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	key, err := monthKeyParam(r)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	id := ledger.EntryID(chi.URLParam(r, "entryID"))

	m, err := h.Engine.Delete(r.Context(), key, id)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthLedgerDTO(m))
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconcileStock runs the expiry scan and carry-forward chain for one
// stock line and reports what moved.
// POST /api/theaters/{theaterID}/products/{productID}/ledger/reconcile
func (h *Handler) ReconcileStock(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Reconcile(r.Context(), stockKeyParam(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

// TriggerSweep reconciles every stock line now.
// POST /api/admin/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.runSweep(r.Context())
	dto := SweepReportDTO{
		Keys:       report.Keys,
		Changed:    report.Changed,
		Failed:     report.Failed,
		DurationMS: float64(report.Duration) / float64(time.Millisecond),
	}
	if err != nil {
		dto.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, dto)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// runSweep is shared by the admin endpoint and the scheduler.
func (h *Handler) runSweep(ctx context.Context) (ledger.SweepReport, error) {
	report, err := h.Engine.Sweep(ctx)
	if h.Metrics != nil {
		h.Metrics.RecordSweep(report, err)
	}
	if err != nil {
		h.Logger.Error("sweep finished with failures",
			"keys", report.Keys, "changed", report.Changed, "failed", report.Failed, "error", err)
		return report, err
	}
	h.Logger.Info("sweep finished",
		"keys", report.Keys, "changed", report.Changed, "duration", report.Duration)
	return report, nil
}

// =============================================================================
// PRODUCT STOCK
// =============================================================================

// GetProductStock returns the product's cached current stock.
// GET /api/theaters/{theaterID}/products/{productID}/stock
func (h *Handler) GetProductStock(w http.ResponseWriter, r *http.Request) {
	if h.Products == nil {
		writeError(w, http.StatusNotImplemented, "Product stock is not stored by this backend", nil)
		return
	}
	key := stockKeyParam(r)

	ps, err := h.Products.GetProductStock(r.Context(), key.TheaterID, key.ProductID)
	if errors.Is(err, ledger.ErrProductNotFound) {
		writeError(w, http.StatusNotFound, "Product stock not found", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read product stock", err)
		return
	}

	writeJSON(w, http.StatusOK, ProductStockDTO{
		TheaterID:    string(ps.TheaterID),
		ProductID:    string(ps.ProductID),
		CurrentStock: num(ps.CurrentStock),
		Month:        ps.Month.String(),
		UpdatedAt:    ps.UpdatedAt,
	})
}

// =============================================================================
// HEALTH
// =============================================================================

// Health pings the storage backend when it supports it.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	p, ok := h.Engine.Repo.(pinger)
	if !ok {
		writeJSON(w, http.StatusOK, HealthDTO{Status: "ok", Storage: "n/a"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		h.Logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthDTO{Status: "degraded", Storage: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthDTO{Status: "ok", Storage: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func stockKeyParam(r *http.Request) ledger.StockKey {
	return ledger.StockKey{
		TheaterID: ledger.TheaterID(chi.URLParam(r, "theaterID")),
		ProductID: ledger.ProductID(chi.URLParam(r, "productID")),
	}
}

func monthKeyParam(r *http.Request) (ledger.MonthKey, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return ledger.MonthKey{}, ledger.ErrInvalidMonth
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		return ledger.MonthKey{}, ledger.ErrInvalidMonth
	}
	stock := stockKeyParam(r)
	key := ledger.NewMonthKey(stock.TheaterID, stock.ProductID, year, time.Month(month))
	if !key.Month.Valid() {
		return ledger.MonthKey{}, ledger.ErrInvalidMonth
	}
	return key, nil
}

// writeLedgerError maps engine errors to HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		h.Logger.Error("ledger operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
