package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hostwell/relay/internal/audit"
	"github.com/hostwell/relay/internal/clock"
	"github.com/hostwell/relay/internal/idempotency"
	"github.com/hostwell/relay/internal/killswitch"
	"github.com/hostwell/relay/internal/middleware"
	"github.com/hostwell/relay/internal/outbox"
)

// testEnv wires the full HTTP surface onto in-memory stores.
type testEnv struct {
	handler  http.Handler
	store    *outbox.InMemoryStore
	engine   *outbox.Engine
	switches *killswitch.Registry
	auditLog *audit.Log
	clk      *clock.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	auditLog := audit.NewLog(audit.NewInMemoryStore(), clk, nil, logger)
	switches := killswitch.NewRegistry(killswitch.NewInMemoryStore(), nil, auditLog, clk, logger)

	registry := outbox.NewRegistry(0)
	store := outbox.NewInMemoryStore()
	engine, err := outbox.NewEngine(outbox.Config{WorkerID: "api-test"}, outbox.Deps{
		Store:    store,
		Registry: registry,
		Switches: switches,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	ledger := idempotency.NewLedger(idempotency.NewInMemoryStore(), clk, time.Hour, logger)

	handler := NewRouter(RouterConfig{
		Logger:   logger,
		Ledger:   ledger,
		Engine:   engine,
		Switches: switches,
		AuditLog: auditLog,
	})
	return &testEnv{
		handler:  handler,
		store:    store,
		engine:   engine,
		switches: switches,
		auditLog: auditLog,
		clk:      clk,
	}
}

func (env *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(middleware.TenantIDHeader, "t1")
	req.Header.Set(middleware.ActorIDHeader, "admin-1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 without tenant header", path, rec.Code)
		}
		var resp HealthResponse
		decodeInto(t, rec, &resp)
		if resp.Status != "healthy" {
			t.Errorf("GET %s status = %s", path, resp.Status)
		}
	}
}

func TestPublishEnqueuesEvent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/events",
		`{"topic":"doors.unlock","payload":{"door":"101"}}`,
		map[string]string{middleware.IdempotencyKeyHeader: "key-1"})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp publishResponse
	decodeInto(t, rec, &resp)
	if resp.EventID == "" {
		t.Fatal("expected an event ID")
	}

	event, err := env.store.Get(context.Background(), "t1", resp.EventID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if event.Topic != "doors.unlock" || event.Status != outbox.StatusPending {
		t.Errorf("event = %s/%s", event.Topic, event.Status)
	}
}

func TestPublishRetryReplaysAcknowledgement(t *testing.T) {
	env := newTestEnv(t)
	body := `{"topic":"doors.unlock","payload":{"door":"101"}}`
	headers := map[string]string{middleware.IdempotencyKeyHeader: "key-1"}

	first := env.do(http.MethodPost, "/events", body, headers)
	second := env.do(http.MethodPost, "/events", body, headers)

	if second.Code != http.StatusAccepted {
		t.Fatalf("replay status = %d", second.Code)
	}
	if second.Header().Get(middleware.ReplayHeader) != "true" {
		t.Error("retried publish must be marked as a replay")
	}
	var a, b publishResponse
	decodeInto(t, first, &a)
	decodeInto(t, second, &b)
	if a.EventID != b.EventID {
		t.Errorf("replay acknowledged %s, original was %s", b.EventID, a.EventID)
	}
}

func TestPublishRequiresIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/events", `{"topic":"x","payload":{}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPublishValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing topic", `{"payload":{"a":1}}`},
		{"missing payload", `{"topic":"doors.unlock"}`},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/events", tt.body,
				map[string]string{middleware.IdempotencyKeyHeader: "key-" + tt.name})
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAdminRequiresTenant(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestKillSwitchAdminFlow(t *testing.T) {
	env := newTestEnv(t)

	// Unset switches read as enabled.
	rec := env.do(http.MethodGet, "/admin/switches/outbox.doors.unlock", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var sw switchResponse
	decodeInto(t, rec, &sw)
	if !sw.Enabled {
		t.Error("unset switch must read as enabled")
	}

	// Disable it.
	rec = env.do(http.MethodPut, "/admin/switches/outbox.doors.unlock",
		`{"enabled":false,"reason":"vendor outage"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &sw)
	if sw.Enabled || sw.Reason != "vendor outage" || sw.UpdatedBy != "admin-1" {
		t.Errorf("switch = %+v", sw)
	}

	if env.switches.IsAllowed(context.Background(), "t1", "outbox.doors.unlock") {
		t.Error("registry must report the switch disabled")
	}

	// It shows up in the listing.
	rec = env.do(http.MethodGet, "/admin/switches", "", nil)
	var list []switchResponse
	decodeInto(t, rec, &list)
	if len(list) != 1 || list[0].Key != "outbox.doors.unlock" {
		t.Errorf("list = %+v", list)
	}

	// The flip landed in the audit log.
	result, err := env.auditLog.Verify(context.Background(), "t1", "", "")
	if err != nil || !result.OK || result.Checked == 0 {
		t.Errorf("audit chain after set: result = %+v, err = %v", result, err)
	}
}

func TestKillSwitchRejectsBadKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPut, "/admin/switches/bad%20key", `{"enabled":false}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func seedDeadLetter(t *testing.T, env *testEnv) *outbox.DLQEntry {
	t.Helper()
	ctx := context.Background()
	eventID, err := env.engine.Enqueue(ctx, "t1", "doors.unlock", []byte(`{"door":"101"}`), outbox.EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := env.store.ClaimBatch(ctx, "seeder", env.clk.Now(), 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	entry, err := env.store.MarkDead(ctx, "t1", eventID, "seeder", "HANDLER_FATAL: boom", env.clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestDLQListAndReplay(t *testing.T) {
	env := newTestEnv(t)
	entry := seedDeadLetter(t, env)

	rec := env.do(http.MethodGet, "/admin/dlq", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []dlqEntryResponse
	decodeInto(t, rec, &list)
	if len(list) != 1 || list[0].DLQID != entry.DLQID || list[0].FinalError != "HANDLER_FATAL: boom" {
		t.Fatalf("list = %+v", list)
	}

	rec = env.do(http.MethodPost, "/admin/dlq/"+entry.DLQID+"/replay", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var replayed replayResponse
	decodeInto(t, rec, &replayed)
	if replayed.EventID == "" || replayed.EventID == entry.Event.EventID {
		t.Errorf("replay must mint a new event ID, got %q", replayed.EventID)
	}

	event, err := env.store.Get(context.Background(), "t1", replayed.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if event.Status != outbox.StatusPending || event.Attempts != 0 {
		t.Errorf("replayed event = %s attempts %d", event.Status, event.Attempts)
	}
}

func TestDLQReplayUnknownEntry(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/admin/dlq/missing/replay", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDLQListRejectsBadLimit(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/admin/dlq?limit=zero", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAuditVerifyAndReanchor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.auditLog.Append(ctx, "t1", audit.Entry{
			ActorID: "admin-1",
			Action:  "guest.checkin",
			Entity:  "reservation",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(http.MethodGet, "/admin/audit/verify", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d", rec.Code)
	}
	var result audit.VerifyResult
	decodeInto(t, rec, &result)
	if !result.OK || result.Checked != 3 {
		t.Errorf("verify = %+v", result)
	}

	rec = env.do(http.MethodPost, "/admin/audit/reanchor", `{"reason":"quarterly key rotation"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reanchor status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var anchor reanchorResponse
	decodeInto(t, rec, &anchor)
	if anchor.RecordID == "" {
		t.Error("expected the anchor record ID")
	}

	// Reanchor without a reason is refused.
	rec = env.do(http.MethodPost, "/admin/audit/reanchor", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty reason status = %d, want 400", rec.Code)
	}
}

func TestAuditVerifyUnknownBound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/admin/audit/verify?from_id=missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestUnknownRouteReturnsStructured404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp ErrorResponse
	decodeInto(t, rec, &resp)
	if resp.Error != ErrCodeNotFound {
		t.Errorf("error code = %s", resp.Error)
	}
}
