package ledger

import "github.com/shopspring/decimal"

// Observer is notified of notable ledger events. The metrics package
// provides the Prometheus implementation.
type Observer interface {
	EntryRecorded(op string, key MonthKey)
	StockExpired(key StockKey, sameMonth, carryForward decimal.Decimal)
	BalanceClamped(key MonthKey, deficit decimal.Decimal)
	CarryForwardCorrected(key MonthKey)
	StockPushFailed(key StockKey)
}

// Operation names passed to Observer.EntryRecorded.
const (
	OpAppend = "append"
	OpUpdate = "update"
	OpDelete = "delete"
)

type nopObserver struct{}

func (nopObserver) EntryRecorded(string, MonthKey)                          {}
func (nopObserver) StockExpired(StockKey, decimal.Decimal, decimal.Decimal) {}
func (nopObserver) BalanceClamped(MonthKey, decimal.Decimal)                {}
func (nopObserver) CarryForwardCorrected(MonthKey)                          {}
func (nopObserver) StockPushFailed(StockKey)                                {}
