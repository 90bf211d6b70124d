package outbox

import (
	"context"
	"time"

	relayerr "github.com/hostwell/relay/internal/errors"
)

// Outcome is a handler's verdict on one delivery.
type Outcome string

const (
	// OutcomeOK marks the event DONE.
	OutcomeOK Outcome = "OK"
	// OutcomeRetry reschedules the event with backoff.
	OutcomeRetry Outcome = "RETRY"
	// OutcomeFatal dead-letters the event immediately.
	OutcomeFatal Outcome = "FATAL"
)

// Result carries the outcome and, for RETRY and FATAL, the reason.
type Result struct {
	Outcome Outcome
	Reason  string
}

// OK reports a successful delivery.
func OK() Result { return Result{Outcome: OutcomeOK} }

// Retry requests another attempt after backoff.
func Retry(reason string) Result { return Result{Outcome: OutcomeRetry, Reason: reason} }

// Fatal requests immediate dead-lettering.
func Fatal(reason string) Result { return Result{Outcome: OutcomeFatal, Reason: reason} }

// Delivery is what a handler receives for one claimed event.
type Delivery struct {
	TenantID string
	EventID  string
	Topic    string
	Payload  []byte
	// Attempts counts prior failed deliveries; 0 on the first.
	Attempts int
}

// Handler processes deliveries for one topic. Handlers must be idempotent:
// the engine guarantees at-least-once, not exactly-once.
type Handler interface {
	Handle(ctx context.Context, d Delivery) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Delivery) Result

func (f HandlerFunc) Handle(ctx context.Context, d Delivery) Result { return f(ctx, d) }

const (
	// DefaultHandlerTimeout bounds one handler invocation.
	DefaultHandlerTimeout = 30 * time.Second
	// MaxHandlerTimeout is the hard cap on per-topic timeouts.
	MaxHandlerTimeout = 5 * time.Minute
)

type registration struct {
	handler Handler
	timeout time.Duration
}

// RegisterOption adjusts one topic registration.
type RegisterOption func(*registration)

// WithTimeout sets the per-topic handler timeout, capped at
// MaxHandlerTimeout.
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *registration) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Registry maps topics to handlers. Registration happens at boot, before the
// engine starts; lookups at delivery time take no lock.
type Registry struct {
	handlers       map[string]registration
	defaultTimeout time.Duration
}

// NewRegistry creates a Registry. A non-positive defaultTimeout falls back to
// DefaultHandlerTimeout.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultHandlerTimeout
	}
	if defaultTimeout > MaxHandlerTimeout {
		defaultTimeout = MaxHandlerTimeout
	}
	return &Registry{
		handlers:       make(map[string]registration),
		defaultTimeout: defaultTimeout,
	}
}

// Register binds a handler to a topic. A second registration for the same
// topic is a boot error.
func (r *Registry) Register(topic string, h Handler, opts ...RegisterOption) error {
	if topic == "" || h == nil {
		return relayerr.New(relayerr.KindFatal, relayerr.CodeInvariantBreak,
			"handler registration requires a topic and a handler")
	}
	if _, exists := r.handlers[topic]; exists {
		return relayerr.Newf(relayerr.KindFatal, relayerr.CodeInvariantBreak,
			"handler already registered for topic %s", topic)
	}

	reg := registration{handler: h, timeout: r.defaultTimeout}
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.timeout > MaxHandlerTimeout {
		reg.timeout = MaxHandlerTimeout
	}
	r.handlers[topic] = reg
	return nil
}

// Lookup returns the handler and timeout for a topic.
func (r *Registry) Lookup(topic string) (Handler, time.Duration, bool) {
	reg, ok := r.handlers[topic]
	if !ok {
		return nil, 0, false
	}
	return reg.handler, reg.timeout, true
}

// Topics returns the registered topic names.
func (r *Registry) Topics() []string {
	out := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		out = append(out, topic)
	}
	return out
}
