package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/warp/concession-ledger/ledger"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("product stock circuit breaker is open")

type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive failures that open the circuit
	Timeout          time.Duration // open -> half-open
	MaxRequests      uint32        // calls allowed while half-open
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

// Breaker stops calling a failing sink until Timeout has passed.
type Breaker struct {
	next   ledger.StockSink
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

func NewBreaker(next ledger.StockSink, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings), logger: logger}
}

func (b *Breaker) UpdateProductStock(ctx context.Context, productID ledger.ProductID, theaterID ledger.TheaterID, update ledger.StockUpdate) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.UpdateProductStock(ctx, productID, theaterID, update)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w (%s): %v", ErrCircuitOpen, b.cb.Name(), err)
	}
	return err
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
