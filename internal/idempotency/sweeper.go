package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is the default interval between sweep cycles.
const DefaultSweepInterval = time.Hour

// Sweeper periodically removes expired ledger entries.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper for the given ledger.
func NewSweeper(ledger *Ledger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{ledger: ledger, interval: interval, logger: logger}
}

// Start begins the periodic sweep.
// Returns immediately; the sweep runs in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop signals the sweeper to stop and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	// Run one sweep immediately on start.
	if _, err := s.ledger.Sweep(ctx); err != nil {
		s.logger.Error("initial idempotency sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("idempotency sweeper stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.logger.Info("idempotency sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.ledger.Sweep(ctx); err != nil {
				s.logger.Error("periodic idempotency sweep failed", "error", err)
			}
		}
	}
}
