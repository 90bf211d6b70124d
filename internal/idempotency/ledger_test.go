package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hostwell/relay/internal/clock"
	relayerr "github.com/hostwell/relay/internal/errors"
)

func newTestLedger(t *testing.T) (*Ledger, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	return NewLedger(NewInMemoryStore(), fake, DefaultTTL, nil), fake
}

func TestClaimFirstWriterWins(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	fp := Fingerprint([]byte(`{"amount":5}`))

	res, err := ledger.Claim(ctx, "t1", "abc", "actor-1", fp)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if res.Outcome != OutcomeClaimed {
		t.Errorf("Outcome = %v, want CLAIMED", res.Outcome)
	}
}

func TestClaimReplayAfterComplete(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	fp := Fingerprint([]byte(`{"amount":5}`))

	if _, err := ledger.Claim(ctx, "t1", "abc", "actor-1", fp); err != nil {
		t.Fatalf("first Claim() error = %v", err)
	}
	if err := ledger.Complete(ctx, "t1", "abc", []byte(`{"ok":true}`), 201); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	res, err := ledger.Claim(ctx, "t1", "abc", "actor-2", fp)
	if err != nil {
		t.Fatalf("second Claim() error = %v", err)
	}
	if res.Outcome != OutcomeReplay {
		t.Fatalf("Outcome = %v, want REPLAY", res.Outcome)
	}
	if string(res.CachedResponse) != `{"ok":true}` {
		t.Errorf("CachedResponse = %s", res.CachedResponse)
	}
	if res.CachedStatus != 201 {
		t.Errorf("CachedStatus = %d, want 201", res.CachedStatus)
	}
}

func TestClaimInProgressBeforeComplete(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	fp := Fingerprint([]byte(`{"amount":5}`))

	if _, err := ledger.Claim(ctx, "t1", "abc", "actor-1", fp); err != nil {
		t.Fatalf("first Claim() error = %v", err)
	}

	res, err := ledger.Claim(ctx, "t1", "abc", "actor-1", fp)
	if err != nil {
		t.Fatalf("second Claim() error = %v", err)
	}
	if res.Outcome != OutcomeInProgress {
		t.Errorf("Outcome = %v, want IN_PROGRESS", res.Outcome)
	}
}

func TestClaimConflictOnFingerprintMismatch(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, "t1", "abc", "actor-1", Fingerprint([]byte(`{"amount":5}`))); err != nil {
		t.Fatalf("first Claim() error = %v", err)
	}

	_, err := ledger.Claim(ctx, "t1", "abc", "actor-1", Fingerprint([]byte(`{"amount":7}`)))
	if err == nil {
		t.Fatal("Claim with different fingerprint should fail")
	}
	if relayerr.CodeOf(err) != relayerr.CodeIdempotencyMismatch {
		t.Errorf("error code = %q, want IDEMPOTENCY_MISMATCH", relayerr.CodeOf(err))
	}
	if !relayerr.IsClient(err) {
		t.Error("mismatch should be a client error")
	}
}

func TestClaimMissingKey(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, err := ledger.Claim(context.Background(), "t1", "", "actor", "fp")
	if relayerr.CodeOf(err) != relayerr.CodeMissingIdempotencyKey {
		t.Errorf("error code = %q, want MISSING_IDEMPOTENCY_KEY", relayerr.CodeOf(err))
	}
}

func TestClaimKeyTooLong(t *testing.T) {
	ledger, _ := newTestLedger(t)

	long := make([]byte, MaxKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}

	_, err := ledger.Claim(context.Background(), "t1", string(long), "actor", "fp")
	if err == nil {
		t.Fatal("over-long key should be rejected")
	}
	if !errors.Is(err, ErrKeyTooLong) {
		t.Errorf("error = %v, want to wrap ErrKeyTooLong", err)
	}
}

func TestKeysAreTenantScoped(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	fp := Fingerprint([]byte(`{"amount":5}`))

	for _, tenant := range []string{"t1", "t2"} {
		res, err := ledger.Claim(ctx, tenant, "same-key", "actor", fp)
		if err != nil {
			t.Fatalf("Claim(%s) error = %v", tenant, err)
		}
		if res.Outcome != OutcomeClaimed {
			t.Errorf("Claim(%s) = %v, want CLAIMED: keys must not collide across tenants", tenant, res.Outcome)
		}
	}
}

func TestSweepReopensExpiredClaims(t *testing.T) {
	ledger, fake := newTestLedger(t)
	ctx := context.Background()
	fp := Fingerprint([]byte(`{"amount":5}`))

	if _, err := ledger.Claim(ctx, "t1", "abc", "actor", fp); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// Before the TTL, the claim holds.
	fake.Advance(time.Hour)
	if deleted, _ := ledger.Sweep(ctx); deleted != 0 {
		t.Errorf("Sweep before TTL deleted %d entries", deleted)
	}

	// Past the TTL, the claimed-never-completed entry is removed and the key
	// becomes claimable again.
	fake.Advance(DefaultTTL)
	deleted, err := ledger.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("Sweep() deleted = %d, want 1", deleted)
	}

	res, err := ledger.Claim(ctx, "t1", "abc", "actor", fp)
	if err != nil {
		t.Fatalf("Claim after sweep error = %v", err)
	}
	if res.Outcome != OutcomeClaimed {
		t.Errorf("Outcome after sweep = %v, want CLAIMED", res.Outcome)
	}
}

func TestSweeperLifecycle(t *testing.T) {
	ledger, _ := newTestLedger(t)
	sweeper := NewSweeper(ledger, 10*time.Millisecond, nil)

	sweeper.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()

	// Stop must be idempotent.
	sweeper.Stop()
}
