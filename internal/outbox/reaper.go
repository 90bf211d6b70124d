package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hostwell/relay/internal/clock"
)

// DefaultReapInterval is the default interval between reap cycles.
const DefaultReapInterval = 15 * time.Second

// Reaper periodically returns events with expired leases to PENDING so work
// claimed by crashed workers is picked up again. Attempts are unchanged by a
// reap; only handler outcomes spend the budget.
type Reaper struct {
	store    Store
	clock    clock.Clock
	interval time.Duration
	metrics  *Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a reaper over the given store.
func NewReaper(store Store, clk clock.Clock, interval time.Duration, metrics *Metrics, logger *slog.Logger) *Reaper {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: store, clock: clk, interval: interval, metrics: metrics, logger: logger}
}

// Start begins the periodic reap.
// Returns immediately; the reap runs in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop signals the reaper to stop and waits for it to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox reaper stopping due to context cancellation")
			return
		case <-r.stopCh:
			r.logger.Info("outbox reaper stopping")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	reaped, err := r.store.ReapExpiredLeases(ctx, r.clock.Now())
	if err != nil {
		r.logger.Error("outbox lease reap failed", "error", err)
		return
	}
	if reaped > 0 {
		r.metrics.observeReaped(reaped)
		r.logger.Info("expired outbox leases reclaimed", "count", reaped)
	}
}
