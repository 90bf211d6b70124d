package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hostwell/relay/internal/clock"
	relayerr "github.com/hostwell/relay/internal/errors"
	"github.com/hostwell/relay/internal/killswitch"
	"github.com/hostwell/relay/internal/tracing"
)

const (
	// DefaultWorkerConcurrency bounds concurrent handler invocations.
	DefaultWorkerConcurrency = 8
	// DefaultPerTenantConcurrency keeps one tenant from monopolizing the
	// pool.
	DefaultPerTenantConcurrency = 4
	// DefaultPollInterval is the dispatcher's base sleep between polls.
	DefaultPollInterval = 200 * time.Millisecond
	// DefaultPollJitter is the extra random sleep added to each poll.
	DefaultPollJitter = 300 * time.Millisecond
	// DefaultGracefulDrain is how long Stop waits for in-flight handlers.
	DefaultGracefulDrain = 30 * time.Second
)

// Config tunes one engine instance.
type Config struct {
	// WorkerID identifies this process in leases. Generated when empty.
	WorkerID             string
	BatchSize            int
	WorkerConcurrency    int64
	PerTenantConcurrency int64
	LeaseTTL             time.Duration
	MaxAttempts          int
	PollInterval         time.Duration
	PollJitter           time.Duration
	GracefulDrain        time.Duration
	Backoff              Backoff
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = clock.NewID()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = DefaultWorkerConcurrency
	}
	if c.PerTenantConcurrency <= 0 {
		c.PerTenantConcurrency = DefaultPerTenantConcurrency
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollJitter < 0 {
		c.PollJitter = DefaultPollJitter
	}
	if c.GracefulDrain <= 0 {
		c.GracefulDrain = DefaultGracefulDrain
	}
	c.Backoff = NewBackoff(c.Backoff.Base, c.Backoff.Cap, c.Backoff.Jitter)
	return c
}

// Engine drains the outbox: it claims due events in batches, hands them to
// the registered handlers under bounded concurrency, and applies the
// retry/backoff/DLQ policy to the outcomes.
type Engine struct {
	cfg      Config
	store    Store
	registry *Registry
	switches *killswitch.Registry
	clock    clock.Clock
	jitter   clock.Jitter
	metrics  *Metrics
	logger   *slog.Logger

	pool      *semaphore.Weighted
	tenantsMu sync.Mutex
	tenants   map[string]*semaphore.Weighted

	workers sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Deps collects the engine's collaborators. Switches and Metrics may be nil;
// a nil Clock gets the system clock.
type Deps struct {
	Store    Store
	Registry *Registry
	Switches *killswitch.Registry
	Clock    clock.Clock
	Metrics  *Metrics
	Logger   *slog.Logger
}

// NewEngine constructs an engine. The store and registry are required.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("outbox: store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("outbox: handler registry is required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		registry: deps.Registry,
		switches: deps.Switches,
		clock:    clk,
		jitter:   clock.NewRandJitter(time.Now().UnixNano()),
		metrics:  deps.Metrics,
		logger:   logger.With("component", "outbox_engine", "worker_id", cfg.WorkerID),
		pool:     semaphore.NewWeighted(cfg.WorkerConcurrency),
		tenants:  make(map[string]*semaphore.Weighted),
	}, nil
}

// EnqueueOptions carries the optional enqueue fields.
type EnqueueOptions struct {
	OrderingKey string
	DedupeHash  string
	// MaxAttempts overrides the engine default for this event when positive.
	MaxAttempts int
}

// Enqueue inserts a PENDING event due immediately and returns its ID. When
// the dedupe hash matches an existing non-DEAD event, the prior event's ID is
// returned and nothing is written. Callers that need atomicity with a
// business write use the store's transactional enqueue directly.
func (e *Engine) Enqueue(ctx context.Context, tenantID, topic string, payload []byte, opts EnqueueOptions) (string, error) {
	ctx, endSpan := tracing.StartSpan(ctx, "outbox.enqueue")
	id, err := e.enqueue(ctx, tenantID, topic, payload, opts)
	endSpan(err)
	return id, err
}

func (e *Engine) enqueue(ctx context.Context, tenantID, topic string, payload []byte, opts EnqueueOptions) (string, error) {
	now := e.clock.Now()
	maxAttempts := e.cfg.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}

	event := &Event{
		EventID:     clock.NewID(),
		TenantID:    tenantID,
		Topic:       topic,
		Payload:     payload,
		CreatedAt:   now,
		NotBefore:   now,
		MaxAttempts: maxAttempts,
		Status:      StatusPending,
		DedupeHash:  opts.DedupeHash,
		OrderingKey: opts.OrderingKey,
	}

	id, err := e.store.Enqueue(ctx, event)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox event: %w", err)
	}
	if id == event.EventID {
		e.metrics.observeEnqueue(topic)
	} else {
		e.logger.DebugContext(ctx, "outbox enqueue deduplicated",
			"tenant_id", tenantID, "topic", topic, "event_id", id)
	}
	return id, nil
}

// Start launches the dispatcher loop.
// Returns immediately; delivery runs in background goroutines.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info("outbox engine starting",
		"batch_size", e.cfg.BatchSize,
		"worker_concurrency", e.cfg.WorkerConcurrency,
		"per_tenant_concurrency", e.cfg.PerTenantConcurrency,
		"topics", e.registry.Topics())
	go e.run(ctx)
}

// Stop halts the dispatcher, then waits up to the graceful drain window for
// in-flight handlers. Handlers still running after the window are abandoned;
// their leases expire and the reaper returns the events to PENDING.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	stopCh := e.stopCh
	doneCh := e.doneCh
	e.mu.Unlock()

	close(stopCh)
	<-doneCh

	drained := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		e.logger.Info("outbox engine stopped, all handlers drained")
	case <-time.After(e.cfg.GracefulDrain):
		e.logger.Warn("outbox engine stopped, abandoning handlers still in flight",
			"drain_window", e.cfg.GracefulDrain)
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("outbox dispatcher stopping due to context cancellation")
			return
		case <-e.stopCh:
			e.logger.Info("outbox dispatcher stopping")
			return
		default:
		}

		claimed, err := e.store.ClaimBatch(ctx, e.cfg.WorkerID, e.clock.Now(), e.cfg.BatchSize, e.cfg.LeaseTTL)
		if err != nil {
			e.logger.Error("outbox claim failed", "error", err)
		}
		for _, event := range claimed {
			e.dispatch(ctx, event)
		}

		if len(claimed) == e.cfg.BatchSize {
			// Full batch: more work is likely waiting, poll again at once.
			continue
		}
		sleep := e.cfg.PollInterval + e.jitter.Uniform(e.cfg.PollJitter)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-e.stopCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatch hands a claimed event to a worker goroutine. Concurrency bounds
// are enforced inside the goroutine so a saturated tenant cannot stall the
// dispatcher itself.
func (e *Engine) dispatch(ctx context.Context, event *Event) {
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()

		if err := e.pool.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.pool.Release(1)

		tenantSem := e.tenantSemaphore(event.TenantID)
		if err := tenantSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer tenantSem.Release(1)

		e.process(ctx, event)
	}()
}

func (e *Engine) tenantSemaphore(tenantID string) *semaphore.Weighted {
	e.tenantsMu.Lock()
	defer e.tenantsMu.Unlock()

	sem, ok := e.tenants[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(e.cfg.PerTenantConcurrency)
		e.tenants[tenantID] = sem
	}
	return sem
}

func (e *Engine) process(ctx context.Context, event *Event) {
	handler, timeout, ok := e.registry.Lookup(event.Topic)
	if !ok {
		e.deadLetter(ctx, event, fmt.Sprintf("%s: no handler registered for topic %s",
			relayerr.CodeUnknownTopic, event.Topic))
		return
	}

	if e.switches != nil {
		switchKey := "outbox." + event.Topic
		if !e.switches.IsAllowed(ctx, event.TenantID, switchKey) {
			// Parked, not failed: the lease is released and attempts stay
			// untouched.
			e.metrics.observePark(event.Topic)
			err := e.store.Reschedule(ctx, event.TenantID, event.EventID, e.cfg.WorkerID,
				event.Attempts, e.clock.Now().Add(KillSwitchParkDelay),
				fmt.Sprintf("parked: kill switch %s disabled", switchKey))
			if err != nil {
				e.logger.Warn("outbox park failed",
					"tenant_id", event.TenantID, "event_id", event.EventID, "error", err)
			}
			return
		}
	}

	start := e.clock.Now()
	result := e.invoke(ctx, handler, timeout, Delivery{
		TenantID: event.TenantID,
		EventID:  event.EventID,
		Topic:    event.Topic,
		Payload:  event.Payload,
		Attempts: event.Attempts,
	})
	e.metrics.observeDelivery(event.Topic, result.Outcome, e.clock.Now().Sub(start).Seconds())

	switch result.Outcome {
	case OutcomeOK:
		if err := e.store.MarkDone(ctx, event.TenantID, event.EventID, e.cfg.WorkerID); err != nil {
			e.logger.Warn("outbox complete failed",
				"tenant_id", event.TenantID, "event_id", event.EventID,
				"error", classifyStoreErr(err))
			return
		}
		e.logger.DebugContext(ctx, "outbox event delivered",
			"tenant_id", event.TenantID, "event_id", event.EventID,
			"topic", event.Topic, "attempts", event.Attempts)

	case OutcomeFatal:
		e.deadLetter(ctx, event, fmt.Sprintf("%s: %s", relayerr.CodeHandlerFatal, result.Reason))

	default: // OutcomeRetry and anything unrecognized
		attempts := event.Attempts + 1
		if attempts >= event.MaxAttempts {
			e.deadLetter(ctx, event, fmt.Sprintf("attempts exhausted (%d): %s", attempts, result.Reason))
			return
		}
		notBefore := e.clock.Now().Add(e.cfg.Backoff.Next(attempts))
		err := e.store.Reschedule(ctx, event.TenantID, event.EventID, e.cfg.WorkerID,
			attempts, notBefore, result.Reason)
		if err != nil {
			e.logger.Warn("outbox reschedule failed",
				"tenant_id", event.TenantID, "event_id", event.EventID,
				"error", classifyStoreErr(err))
			return
		}
		e.logger.InfoContext(ctx, "outbox event rescheduled",
			"tenant_id", event.TenantID, "event_id", event.EventID,
			"topic", event.Topic, "attempts", attempts, "not_before", notBefore,
			"reason", result.Reason)
	}
}

// invoke runs the handler under its timeout. Panics and timeouts both come
// back as RETRY so a poisoned payload eventually dead-letters through the
// attempts budget rather than crashing the worker.
func (e *Engine) invoke(ctx context.Context, handler Handler, timeout time.Duration, d Delivery) Result {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("outbox handler panicked",
					"tenant_id", d.TenantID, "event_id", d.EventID, "topic", d.Topic, "panic", r)
				resCh <- Retry(fmt.Sprintf("panic: %v", r))
			}
		}()
		resCh <- handler.Handle(hctx, d)
	}()

	select {
	case res := <-resCh:
		return res
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return Retry("timeout")
		}
		return Retry("canceled")
	}
}

// classifyStoreErr maps store sentinels onto structured codes. A lease reaped
// mid-delivery is transient: the event went back to PENDING and another worker
// will redeliver it.
func classifyStoreErr(err error) error {
	if errors.Is(err, ErrLeaseLost) {
		return relayerr.Wrap(relayerr.KindTransient, relayerr.CodeLeaseLost,
			"outbox lease lost mid-delivery", err)
	}
	return err
}

func (e *Engine) deadLetter(ctx context.Context, event *Event, finalError string) {
	entry, err := e.store.MarkDead(ctx, event.TenantID, event.EventID, e.cfg.WorkerID, finalError, e.clock.Now())
	if err != nil {
		e.logger.Error("outbox dead-letter failed",
			"tenant_id", event.TenantID, "event_id", event.EventID, "error", err)
		return
	}
	e.metrics.observeDeadLetter(event.Topic)
	e.logger.ErrorContext(ctx, "outbox event dead-lettered",
		"tenant_id", event.TenantID, "event_id", event.EventID,
		"topic", event.Topic, "dlq_id", entry.DLQID, "final_error", finalError)
}

// ListDLQ returns the tenant's dead-lettered events, newest first.
func (e *Engine) ListDLQ(ctx context.Context, tenantID string, limit int) ([]*DLQEntry, error) {
	return e.store.ListDLQ(ctx, tenantID, limit)
}

// ReplayDLQ copies a dead-lettered event's payload into a fresh PENDING
// event with a zeroed attempt count and returns the new event's ID. The DLQ
// entry and the DEAD row both remain.
func (e *Engine) ReplayDLQ(ctx context.Context, tenantID, dlqID string) (string, error) {
	entry, err := e.store.GetDLQ(ctx, tenantID, dlqID)
	if err != nil {
		return "", err
	}

	id, err := e.enqueue(ctx, tenantID, entry.Event.Topic, entry.Event.Payload, EnqueueOptions{
		OrderingKey: entry.Event.OrderingKey,
		DedupeHash:  entry.Event.DedupeHash,
		MaxAttempts: entry.Event.MaxAttempts,
	})
	if err != nil {
		return "", err
	}
	e.logger.InfoContext(ctx, "dlq entry replayed",
		"tenant_id", tenantID, "dlq_id", dlqID, "event_id", id, "topic", entry.Event.Topic)
	return id, nil
}
