package product

import (
	"context"
	"errors"

	"github.com/warp/concession-ledger/ledger"
)

// Fanout sends each update to every sink. All sinks are tried; their
// errors are joined.
type Fanout []ledger.StockSink

func (f Fanout) UpdateProductStock(ctx context.Context, productID ledger.ProductID, theaterID ledger.TheaterID, update ledger.StockUpdate) error {
	var errs []error
	for _, s := range f {
		if err := s.UpdateProductStock(ctx, productID, theaterID, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
