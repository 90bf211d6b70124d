package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hostwell/relay/internal/clock"
	"github.com/hostwell/relay/internal/idempotency"
)

func newTestLedger() *idempotency.Ledger {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return idempotency.NewLedger(idempotency.NewInMemoryStore(), fake, time.Hour, nil)
}

func commandRequest(method, body, key string) *http.Request {
	req := httptest.NewRequest(method, "/commands/charge", strings.NewReader(body))
	req.Header.Set(TenantIDHeader, "t1")
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	return req
}

func idempotentStack(ledger *idempotency.Ledger, handler http.Handler) http.Handler {
	return Tenant(Idempotency(ledger, nil)(handler))
}

func TestIdempotencyRequiresKey(t *testing.T) {
	stack := idempotentStack(newTestLedger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without an idempotency key")
	}))

	rec := httptest.NewRecorder()
	stack.ServeHTTP(rec, commandRequest(http.MethodPost, `{}`, ""))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != "MISSING_IDEMPOTENCY_KEY" {
		t.Errorf("error code = %s", body.Error)
	}
}

func TestIdempotencyPassesThroughReads(t *testing.T) {
	var calls atomic.Int32
	stack := idempotentStack(newTestLedger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	stack.ServeHTTP(rec, commandRequest(http.MethodGet, "", ""))

	if rec.Code != http.StatusOK || calls.Load() != 1 {
		t.Errorf("GET without key: status = %d, calls = %d", rec.Code, calls.Load())
	}
}

func TestIdempotencyReplaysCompletedCommand(t *testing.T) {
	var calls atomic.Int32
	stack := idempotentStack(newTestLedger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"charge_id":"ch_1"}`))
	}))

	first := httptest.NewRecorder()
	stack.ServeHTTP(first, commandRequest(http.MethodPost, `{"amount":100}`, "key-1"))
	if first.Code != http.StatusCreated {
		t.Fatalf("first request status = %d", first.Code)
	}
	if first.Header().Get(ReplayHeader) != "" {
		t.Error("first response must not be marked as a replay")
	}

	second := httptest.NewRecorder()
	stack.ServeHTTP(second, commandRequest(http.MethodPost, `{"amount":100}`, "key-1"))

	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, the duplicate must not re-execute", calls.Load())
	}
	if second.Code != http.StatusCreated {
		t.Errorf("replay status = %d, want the original 201", second.Code)
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Error("replay must carry X-Idempotent-Replay: true")
	}
	if second.Body.String() != `{"charge_id":"ch_1"}` {
		t.Errorf("replay body = %s", second.Body.String())
	}
}

func TestIdempotencyEquivalentBodiesShareAFingerprint(t *testing.T) {
	var calls atomic.Int32
	stack := idempotentStack(newTestLedger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`ok`))
	}))

	// Key order and whitespace differ; the canonical form is identical.
	first := httptest.NewRecorder()
	stack.ServeHTTP(first, commandRequest(http.MethodPost, `{"amount":100,"room":"7"}`, "key-1"))
	second := httptest.NewRecorder()
	stack.ServeHTTP(second, commandRequest(http.MethodPost, `{ "room": "7", "amount": 100 }`, "key-1"))

	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Error("equivalent body must replay")
	}
}

func TestIdempotencyRejectsMismatchedBody(t *testing.T) {
	var calls atomic.Int32
	stack := idempotentStack(newTestLedger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`ok`))
	}))

	first := httptest.NewRecorder()
	stack.ServeHTTP(first, commandRequest(http.MethodPost, `{"amount":100}`, "key-1"))

	second := httptest.NewRecorder()
	stack.ServeHTTP(second, commandRequest(http.MethodPost, `{"amount":999}`, "key-1"))

	if second.Code != http.StatusConflict {
		t.Errorf("mismatched reuse status = %d, want 409", second.Code)
	}
	var body errorBody
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "IDEMPOTENCY_MISMATCH" {
		t.Errorf("error code = %s", body.Error)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

func TestIdempotencyInProgressDuplicate(t *testing.T) {
	ledger := newTestLedger()
	body := `{"amount":100}`

	// Simulate a concurrent identical request that claimed the key and is
	// still executing.
	_, err := ledger.Claim(context.Background(), "t1", "key-1", "actor",
		idempotency.Fingerprint([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}

	stack := idempotentStack(ledger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run while the original claim is executing")
	}))
	rec := httptest.NewRecorder()
	stack.ServeHTTP(rec, commandRequest(http.MethodPost, body, "key-1"))

	if rec.Code != http.StatusConflict {
		t.Errorf("in-progress duplicate status = %d, want 409", rec.Code)
	}
	var eb errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
		t.Fatal(err)
	}
	if eb.Error != "IDEMPOTENCY_IN_PROGRESS" {
		t.Errorf("error code = %s", eb.Error)
	}
}

func TestIdempotencyReleasesClaimOnFailure(t *testing.T) {
	var calls atomic.Int32
	stack := idempotentStack(newTestLedger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`recovered`))
	}))

	first := httptest.NewRecorder()
	stack.ServeHTTP(first, commandRequest(http.MethodPost, `{}`, "key-1"))
	if first.Code != http.StatusBadGateway {
		t.Fatalf("first status = %d", first.Code)
	}

	// The failed command released its claim; the retry executes fresh.
	second := httptest.NewRecorder()
	stack.ServeHTTP(second, commandRequest(http.MethodPost, `{}`, "key-1"))
	if second.Code != http.StatusOK || second.Body.String() != "recovered" {
		t.Errorf("retry = %d %q, want a fresh execution", second.Code, second.Body.String())
	}
	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
}

func TestIdempotencyRequiresTenant(t *testing.T) {
	stack := idempotentStack(newTestLedger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without a tenant")
	}))

	req := httptest.NewRequest(http.MethodPost, "/commands/charge", strings.NewReader(`{}`))
	req.Header.Set(IdempotencyKeyHeader, "key-1")
	rec := httptest.NewRecorder()
	stack.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
