/*
scheduler.go - Automated expiry sweep scheduler

PURPOSE:
  Periodically reconciles every stock line so expiries and carry-forward
  corrections are recorded even for months nobody opens.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each run is Engine.Sweep: expiry scan + carry-forward chain per line
  - Failing lines are logged and retried on the next tick

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled:  Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(handler, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - ledger/engine.go: Sweep
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepScheduler runs Engine.Sweep on a ticker.
type SweepScheduler struct {
	Handler  *Handler
	Interval time.Duration
	Enabled  bool

	// RunTimeout bounds a single sweep.
	RunTimeout time.Duration

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(handler *Handler, interval time.Duration) *SweepScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &SweepScheduler{
		Handler:    handler,
		Interval:   interval,
		Enabled:    true,
		RunTimeout: 10 * time.Minute,
		logger:     handler.Logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.logger.Info("started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *SweepScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunNow()

	for {
		select {
		case <-ticker.C:
			s.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow sweeps synchronously.
func (s *SweepScheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), s.RunTimeout)
	defer cancel()

	// runSweep logs the outcome.
	s.Handler.runSweep(ctx)
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *SweepScheduler) NextRunTime() time.Time {
	return time.Now().Add(s.Interval)
}
