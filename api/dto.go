/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Ledger:
    MonthLedgerDTO, EntryDTO, StatisticsDTO

  Entries:
    CreateEntryRequest, UpdateEntryRequest

  Reconciliation:
    ReconcileReportDTO, SweepReportDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

QUANTITIES:
  Requests accept quantities as JSON numbers or strings and keep them as
  exact decimals. Responses render them as JSON numbers for display.

DATES:
  Request dates are "2006-01-02" (midnight in the ledger timezone) or
  RFC3339.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain model
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/concession-ledger/ledger"
)

// =============================================================================
// LEDGER RESPONSES
// =============================================================================

type EntryDTO struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Date         time.Time  `json:"date"`
	Quantity     float64    `json:"quantity"`
	StockAdded   float64    `json:"stockAdded"`
	UsedStock    float64    `json:"usedStock"`
	ExpiredStock float64    `json:"expiredStock"`
	DamageStock  float64    `json:"damageStock"`
	Balance      float64    `json:"balance"`
	ExpireDate   *time.Time `json:"expireDate,omitempty"`
	BatchNumber  string     `json:"batchNumber,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type StatisticsDTO struct {
	TotalAdded      float64 `json:"totalAdded"`
	TotalSold       float64 `json:"totalSold"`
	TotalExpired    float64 `json:"totalExpired"`
	ExpiredOldStock float64 `json:"expiredOldStock"`
	TotalDamaged    float64 `json:"totalDamaged"`
	OpeningBalance  float64 `json:"openingBalance"`
	ClosingBalance  float64 `json:"closingBalance"`
}

// MonthLedgerDTO is the month view: header, entries and statistics.
type MonthLedgerDTO struct {
	TheaterID                string        `json:"theaterId"`
	ProductID                string        `json:"productId"`
	Year                     int           `json:"year"`
	Month                    int           `json:"month"`
	CarryForward             float64       `json:"carryForward"`
	ExpiredCarryForwardStock float64       `json:"expiredCarryForwardStock"`
	Entries                  []EntryDTO    `json:"entries"`
	Statistics               StatisticsDTO `json:"statistics"`
	CreatedAt                time.Time     `json:"createdAt"`
	UpdatedAt                time.Time     `json:"updatedAt"`
}

// EntryResponse is returned by create and update: the touched entry plus
// the month it now lives in.
type EntryResponse struct {
	Entry EntryDTO       `json:"entry"`
	Month MonthLedgerDTO `json:"month"`
}

type ProductStockDTO struct {
	TheaterID    string    `json:"theaterId"`
	ProductID    string    `json:"productId"`
	CurrentStock float64   `json:"currentStock"`
	Month        string    `json:"month"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// =============================================================================
// ENTRY REQUESTS
// =============================================================================

// CreateEntryRequest is the body of POST .../entries. Balance is accepted
// for older clients and ignored.
type CreateEntryRequest struct {
	Date        string           `json:"date"`
	Type        string           `json:"type"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UsedStock   *decimal.Decimal `json:"usedStock,omitempty"`
	DamageStock *decimal.Decimal `json:"damageStock,omitempty"`
	Balance     *decimal.Decimal `json:"balance,omitempty"`
	ExpireDate  string           `json:"expireDate,omitempty"`
	BatchNumber string           `json:"batchNumber,omitempty"`
	Notes       string           `json:"notes,omitempty"`
}

// UpdateEntryRequest is the body of PUT .../entries/{entryID}. Absent
// fields stay unchanged; an empty expireDate clears it.
type UpdateEntryRequest struct {
	Date        *string          `json:"date,omitempty"`
	Type        *string          `json:"type,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	UsedStock   *decimal.Decimal `json:"usedStock,omitempty"`
	DamageStock *decimal.Decimal `json:"damageStock,omitempty"`
	ExpireDate  *string          `json:"expireDate,omitempty"`
	BatchNumber *string          `json:"batchNumber,omitempty"`
	Notes       *string          `json:"notes,omitempty"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconcileReportDTO struct {
	TheaterID           string   `json:"theaterId"`
	ProductID           string   `json:"productId"`
	Months              int      `json:"months"`
	Created             []string `json:"created"`
	ExpiryReplayed      []string `json:"expiryReplayed"`
	CarryForwardUpdated []string `json:"carryForwardUpdated"`
	ChainCorrected      []string `json:"chainCorrected"`
	ChainPasses         int      `json:"chainPasses"`
	SameMonthExpired    float64  `json:"sameMonthExpired"`
	CarryForwardExpired float64  `json:"carryForwardExpired"`
	Changed             bool     `json:"changed"`
}

type SweepReportDTO struct {
	Keys       int     `json:"keys"`
	Changed    int     `json:"changed"`
	Failed     int     `json:"failed"`
	DurationMS float64 `json:"durationMs"`
	Error      string  `json:"error,omitempty"`
}

// =============================================================================
// MISC
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type HealthDTO struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func num(d decimal.Decimal) float64 { return d.InexactFloat64() }

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:           string(e.ID),
		Type:         string(e.Type),
		Date:         e.Date,
		Quantity:     num(e.Quantity),
		StockAdded:   num(e.StockAdded),
		UsedStock:    num(e.UsedStock),
		ExpiredStock: num(e.ExpiredStock),
		DamageStock:  num(e.DamageStock),
		Balance:      num(e.Balance),
		ExpireDate:   e.ExpireDate,
		BatchNumber:  e.BatchNumber,
		Notes:        e.Notes,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func toStatisticsDTO(s ledger.Statistics) StatisticsDTO {
	return StatisticsDTO{
		TotalAdded:      num(s.TotalAdded),
		TotalSold:       num(s.TotalSold),
		TotalExpired:    num(s.TotalExpired),
		ExpiredOldStock: num(s.ExpiredOldStock),
		TotalDamaged:    num(s.TotalDamaged),
		OpeningBalance:  num(s.OpeningBalance),
		ClosingBalance:  num(s.ClosingBalance),
	}
}

func toMonthLedgerDTO(m *ledger.MonthlyLedger) MonthLedgerDTO {
	entries := make([]EntryDTO, 0, len(m.Entries))
	for _, e := range m.Entries {
		entries = append(entries, toEntryDTO(e))
	}
	return MonthLedgerDTO{
		TheaterID:                string(m.Key.TheaterID),
		ProductID:                string(m.Key.ProductID),
		Year:                     m.Key.Month.Year,
		Month:                    int(m.Key.Month.Month),
		CarryForward:             num(m.CarryForward),
		ExpiredCarryForwardStock: num(m.ExpiredCarryForwardStock),
		Entries:                  entries,
		Statistics:               toStatisticsDTO(m.Statistics()),
		CreatedAt:                m.CreatedAt,
		UpdatedAt:                m.UpdatedAt,
	}
}

func monthStrings(keys []ledger.MonthKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Month.String())
	}
	return out
}

func toReconcileReportDTO(r ledger.ReconcileReport) ReconcileReportDTO {
	return ReconcileReportDTO{
		TheaterID:           string(r.Key.TheaterID),
		ProductID:           string(r.Key.ProductID),
		Months:              r.Months,
		Created:             monthStrings(r.Created),
		ExpiryReplayed:      monthStrings(r.ExpiryReplayed),
		CarryForwardUpdated: monthStrings(r.CarryForwardUpdated),
		ChainCorrected:      monthStrings(r.ChainCorrected),
		ChainPasses:         r.ChainPasses,
		SameMonthExpired:    num(r.SameMonthExpired),
		CarryForwardExpired: num(r.CarryForwardExpired),
		Changed:             r.Changed(),
	}
}

// toInput converts a create request. Type and date presence are checked
// by ledger.EntryInput.Validate; only malformed dates fail here.
func (req CreateEntryRequest) toInput(loc *time.Location) (ledger.EntryInput, error) {
	in := ledger.EntryInput{
		Type:        ledger.EntryType(req.Type),
		Quantity:    req.Quantity,
		UsedStock:   req.UsedStock,
		DamageStock: req.DamageStock,
		Balance:     req.Balance,
		BatchNumber: req.BatchNumber,
		Notes:       req.Notes,
	}
	if req.Date != "" {
		d, err := parseDate(req.Date, loc)
		if err != nil {
			return in, &ledger.InvalidEntryError{Field: "date", Reason: err.Error()}
		}
		in.Date = d
	}
	if req.ExpireDate != "" {
		d, err := parseDate(req.ExpireDate, loc)
		if err != nil {
			return in, &ledger.InvalidEntryError{Field: "expireDate", Reason: err.Error()}
		}
		in.ExpireDate = &d
	}
	return in, nil
}

func (req UpdateEntryRequest) toChanges(loc *time.Location) (ledger.EntryChanges, error) {
	c := ledger.EntryChanges{
		Quantity:    req.Quantity,
		UsedStock:   req.UsedStock,
		DamageStock: req.DamageStock,
		BatchNumber: req.BatchNumber,
		Notes:       req.Notes,
	}
	if req.Type != nil {
		t := ledger.EntryType(*req.Type)
		c.Type = &t
	}
	if req.Date != nil {
		d, err := parseDate(*req.Date, loc)
		if err != nil {
			return c, &ledger.InvalidEntryError{Field: "date", Reason: err.Error()}
		}
		c.Date = &d
	}
	if req.ExpireDate != nil {
		if *req.ExpireDate == "" {
			c.ClearExpireDate = true
		} else {
			d, err := parseDate(*req.ExpireDate, loc)
			if err != nil {
				return c, &ledger.InvalidEntryError{Field: "expireDate", Reason: err.Error()}
			}
			c.ExpireDate = &d
		}
	}
	return c, nil
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC3339", s)
	}
	return t, nil
}
