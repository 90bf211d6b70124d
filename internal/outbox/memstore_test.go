package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hostwell/relay/internal/clock"
)

func newEvent(tenant, topic string, opts EnqueueOptions, now time.Time) *Event {
	return &Event{
		EventID:     clock.NewID(),
		TenantID:    tenant,
		Topic:       topic,
		Payload:     []byte(`{"n":1}`),
		CreatedAt:   now,
		NotBefore:   now,
		MaxAttempts: DefaultMaxAttempts,
		Status:      StatusPending,
		DedupeHash:  opts.DedupeHash,
		OrderingKey: opts.OrderingKey,
	}
}

func TestEnqueueDedupeReturnsPriorID(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	hash := DedupeHash("orders.created", []byte(`{"order":1}`))
	first := newEvent("t1", "orders.created", EnqueueOptions{DedupeHash: hash}, now)
	second := newEvent("t1", "orders.created", EnqueueOptions{DedupeHash: hash}, now)

	id1, err := store.Enqueue(ctx, first)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	id2, err := store.Enqueue(ctx, second)
	if err != nil {
		t.Fatalf("duplicate Enqueue() error = %v", err)
	}
	if id2 != id1 {
		t.Errorf("dedupe returned %s, want prior id %s", id2, id1)
	}

	// Another tenant with the same hash is a separate publication.
	other := newEvent("t2", "orders.created", EnqueueOptions{DedupeHash: hash}, now)
	id3, err := store.Enqueue(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if id3 == id1 {
		t.Error("dedupe must be tenant-scoped")
	}
}

func TestDedupeIgnoresDeadEvents(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	hash := DedupeHash("orders.created", []byte(`{"order":2}`))
	first := newEvent("t1", "orders.created", EnqueueOptions{DedupeHash: hash}, now)
	id1, err := store.Enqueue(ctx, first)
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := store.ClaimBatch(ctx, "w1", now, 10, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch() = %v, %v", claimed, err)
	}
	if _, err := store.MarkDead(ctx, "t1", id1, "w1", "boom", now); err != nil {
		t.Fatalf("MarkDead() error = %v", err)
	}

	// The DEAD row no longer holds the dedupe slot.
	replacement := newEvent("t1", "orders.created", EnqueueOptions{DedupeHash: hash}, now)
	id2, err := store.Enqueue(ctx, replacement)
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id1 {
		t.Error("dead event should not satisfy dedupe")
	}
}

func TestClaimBatchMovesEventsInFlight(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := store.Enqueue(ctx, newEvent("t1", "a", EnqueueOptions{}, now))
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := store.ClaimBatch(ctx, "w1", now, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].EventID != id {
		t.Fatalf("claimed = %+v", claimed)
	}
	if claimed[0].Status != StatusInFlight || claimed[0].Lease == nil {
		t.Errorf("claimed event = %+v, want IN_FLIGHT with lease", claimed[0])
	}
	if claimed[0].Lease.WorkerID != "w1" {
		t.Errorf("lease worker = %s, want w1", claimed[0].Lease.WorkerID)
	}

	// A second claim finds nothing.
	again, err := store.ClaimBatch(ctx, "w2", now, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second claim got %d events, want 0", len(again))
	}
}

func TestClaimBatchSkipsFutureEvents(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev := newEvent("t1", "a", EnqueueOptions{}, now)
	ev.NotBefore = now.Add(time.Minute)
	if _, err := store.Enqueue(ctx, ev); err != nil {
		t.Fatal(err)
	}

	claimed, err := store.ClaimBatch(ctx, "w1", now, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d events before not_before, want 0", len(claimed))
	}

	claimed, err = store.ClaimBatch(ctx, "w1", now.Add(2*time.Minute), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Errorf("claimed %d events after not_before, want 1", len(claimed))
	}
}

func TestClaimBatchHonorsOrderingKeys(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	head := newEvent("t1", "a", EnqueueOptions{OrderingKey: "room-7"}, now)
	tail := newEvent("t1", "a", EnqueueOptions{OrderingKey: "room-7"}, now.Add(time.Millisecond))
	free := newEvent("t1", "a", EnqueueOptions{}, now)
	for _, ev := range []*Event{head, tail, free} {
		if _, err := store.Enqueue(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := store.ClaimBatch(ctx, "w1", now.Add(time.Second), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	// The head of room-7 and the unordered event, never the tail.
	if len(claimed) != 2 {
		t.Fatalf("claimed %d events, want 2", len(claimed))
	}
	ids := map[string]bool{claimed[0].EventID: true, claimed[1].EventID: true}
	if !ids[head.EventID] || !ids[free.EventID] {
		t.Errorf("claimed %v, want head %s and free %s", ids, head.EventID, free.EventID)
	}

	// While the head is IN_FLIGHT, the tail stays blocked.
	blocked, err := store.ClaimBatch(ctx, "w2", now.Add(time.Second), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 0 {
		t.Errorf("claimed %d blocked events, want 0", len(blocked))
	}

	// Once the head is DONE, the tail is claimable.
	if err := store.MarkDone(ctx, "t1", head.EventID, "w1"); err != nil {
		t.Fatal(err)
	}
	next, err := store.ClaimBatch(ctx, "w2", now.Add(time.Second), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 || next[0].EventID != tail.EventID {
		t.Errorf("claimed %+v, want tail %s", next, tail.EventID)
	}
}

func TestOrderingBlockedByRescheduledHead(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	head := newEvent("t1", "a", EnqueueOptions{OrderingKey: "k"}, now)
	tail := newEvent("t1", "a", EnqueueOptions{OrderingKey: "k"}, now.Add(time.Millisecond))
	for _, ev := range []*Event{head, tail} {
		if _, err := store.Enqueue(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := store.ClaimBatch(ctx, "w1", now.Add(time.Second), 10, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch() = %v, %v", claimed, err)
	}

	// Head fails and is rescheduled into the future; the tail must wait even
	// though it is due.
	err = store.Reschedule(ctx, "t1", head.EventID, "w1", 1, now.Add(time.Hour), "transient")
	if err != nil {
		t.Fatal(err)
	}
	blocked, err := store.ClaimBatch(ctx, "w1", now.Add(time.Second), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 0 {
		t.Errorf("claimed %d events behind a backed-off head, want 0", len(blocked))
	}
}

func TestReapExpiredLeases(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := store.Enqueue(ctx, newEvent("t1", "a", EnqueueOptions{}, now))
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := store.ClaimBatch(ctx, "w1", now, 10, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch() = %v, %v", claimed, err)
	}
	// Inside the lease nothing is reaped.
	reaped, err := store.ReapExpiredLeases(ctx, now.Add(30*time.Second))
	if err != nil || reaped != 0 {
		t.Fatalf("ReapExpiredLeases() = %d, %v, want 0", reaped, err)
	}

	// Past the lease the event returns to PENDING, attempts unchanged.
	reaped, err = store.ReapExpiredLeases(ctx, now.Add(2*time.Minute))
	if err != nil || reaped != 1 {
		t.Fatalf("ReapExpiredLeases() = %d, %v, want 1", reaped, err)
	}
	ev, err := store.Get(ctx, "t1", id)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != StatusPending || ev.Lease != nil {
		t.Errorf("reaped event = %+v, want PENDING without lease", ev)
	}
	if ev.Attempts != 0 {
		t.Errorf("attempts = %d, reap must not spend the budget", ev.Attempts)
	}

	// The stale worker's completion now fails.
	if err := store.MarkDone(ctx, "t1", id, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("MarkDone after reap = %v, want ErrLeaseLost", err)
	}
}

func TestMarkDeadCreatesDLQMirror(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := store.Enqueue(ctx, newEvent("t1", "a", EnqueueOptions{}, now))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimBatch(ctx, "w1", now, 10, time.Minute); err != nil {
		t.Fatal(err)
	}

	entry, err := store.MarkDead(ctx, "t1", id, "w1", "HANDLER_FATAL: bad payload", now)
	if err != nil {
		t.Fatalf("MarkDead() error = %v", err)
	}
	if entry.Event.EventID != id || entry.FinalError != "HANDLER_FATAL: bad payload" {
		t.Errorf("dlq entry = %+v", entry)
	}

	// The DEAD row stays in the outbox table next to its mirror.
	ev, err := store.Get(ctx, "t1", id)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != StatusDead {
		t.Errorf("event status = %s, want DEAD", ev.Status)
	}

	entries, err := store.ListDLQ(ctx, "t1", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListDLQ() = %v, %v", entries, err)
	}
	got, err := store.GetDLQ(ctx, "t1", entries[0].DLQID)
	if err != nil || got.Event.EventID != id {
		t.Errorf("GetDLQ() = %+v, %v", got, err)
	}
	if _, err := store.GetDLQ(ctx, "t2", entries[0].DLQID); !errors.Is(err, ErrDLQEntryNotFound) {
		t.Errorf("cross-tenant GetDLQ = %v, want ErrDLQEntryNotFound", err)
	}
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := store.Enqueue(ctx, newEvent("t1", "a", EnqueueOptions{}, now))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimBatch(ctx, "w1", now, 10, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkDone(ctx, "t1", id, "w1"); err != nil {
		t.Fatal(err)
	}

	if err := store.MarkDone(ctx, "t1", id, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("MarkDone on DONE = %v, want ErrLeaseLost", err)
	}
	if _, err := store.MarkDead(ctx, "t1", id, "w1", "x", now); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("MarkDead on DONE = %v, want ErrLeaseLost", err)
	}
	// DONE events are never claimed again.
	claimed, err := store.ClaimBatch(ctx, "w1", now.Add(time.Hour), 10, time.Minute)
	if err != nil || len(claimed) != 0 {
		t.Errorf("ClaimBatch over DONE = %v, %v", claimed, err)
	}
}
