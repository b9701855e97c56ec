package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StockUpdate is pushed to the product aggregate after a ledger change.
type StockUpdate struct {
	CurrentStock decimal.Decimal
	Month        Month
}

// ProductStock is the stock figure a sink last recorded for a product.
type ProductStock struct {
	TheaterID    TheaterID
	ProductID    ProductID
	CurrentStock decimal.Decimal
	Month        Month
	UpdatedAt    time.Time
}

// StockSink receives the latest closing balance of a stock line. Pushes
// are best effort: the engine logs a failure and moves on, so the
// product's cached stock can lag the ledger until the next push.
type StockSink interface {
	UpdateProductStock(ctx context.Context, productID ProductID, theaterID TheaterID, update StockUpdate) error
}

// StockSinkFunc adapts a function to StockSink.
type StockSinkFunc func(ctx context.Context, productID ProductID, theaterID TheaterID, update StockUpdate) error

func (f StockSinkFunc) UpdateProductStock(ctx context.Context, productID ProductID, theaterID TheaterID, update StockUpdate) error {
	return f(ctx, productID, theaterID, update)
}

type discardSink struct{}

func (discardSink) UpdateProductStock(context.Context, ProductID, TheaterID, StockUpdate) error {
	return nil
}
