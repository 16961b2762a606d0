package offline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/mbellard/ledgersync/internal/api"
	"github.com/mbellard/ledgersync/internal/model"
	"github.com/mbellard/ledgersync/internal/netmon"
	"github.com/mbellard/ledgersync/internal/store"
	syncengine "github.com/mbellard/ledgersync/internal/sync"
)

// testClock is a mutex-guarded fake clock; the monitor's trigger goroutine
// and the test both read it.
type testClock struct {
	mu gosync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type facadeEnv struct {
	facade *Facade
	store  *store.Store
	server *api.MockServer
	probe  *netmon.ManualProbe
	clock  *testClock
}

// newFacadeEnv wires a full façade against a mock server, starting offline.
func newFacadeEnv(t *testing.T) *facadeEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	server := api.NewMockServer()
	t.Cleanup(server.Close)

	probe := netmon.NewManualProbe(false)
	clock := newTestClock()
	f := New(st, api.New(server.URL, ""), probe, Options{
		SyncInterval: time.Hour,
		MaxAttempts:  5,
		Clock:        clock.Now,
	})
	f.Init()
	t.Cleanup(f.Shutdown)

	return &facadeEnv{facade: f, store: st, server: server, probe: probe, clock: clock}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func (env *facadeEnv) waitForQueueSize(t *testing.T, want int) {
	t.Helper()
	ok := waitFor(t, 2*time.Second, func() bool {
		count, err := env.facade.PendingCount()
		return err == nil && count == want
	})
	if !ok {
		count, _ := env.facade.PendingCount()
		t.Fatalf("queue size = %d, want %d", count, want)
	}
}

func TestCreateOfflinePersistsAndQueues(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	rec, err := env.facade.Create(ctx, "transactions", json.RawMessage(`{"amount":"500","description":"rent"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.ID >= 0 {
		t.Errorf("offline create got id %d, want a provisional negative id", rec.ID)
	}
	if !rec.CreatedOffline {
		t.Error("offline create not flagged CreatedOffline")
	}

	count, err := env.facade.PendingCount()
	if err != nil || count != 1 {
		t.Errorf("queue size = %d (err %v), want 1", count, err)
	}

	// The provisional record is visible in the reconciled view right away.
	records, err := env.facade.GetCollection(ctx, "transactions")
	if err != nil {
		t.Fatalf("GetCollection failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != rec.ID {
		t.Errorf("GetCollection = %+v, want the provisional record", records)
	}

	// Nothing reached the server.
	if len(env.server.Requests()) != 0 {
		t.Errorf("offline create issued %d requests", len(env.server.Requests()))
	}
}

func TestOfflineCreateConfirmedAfterReconnect(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	if _, err := env.facade.Create(ctx, "transactions", json.RawMessage(`{"amount":"500","description":"rent"}`)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.probe.SetOnline(true)
	env.waitForQueueSize(t, 0)

	records, err := env.facade.GetCollection(ctx, "transactions")
	if err != nil {
		t.Fatalf("GetCollection failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want exactly 1 after confirmation", len(records))
	}
	if records[0].ID <= 0 {
		t.Errorf("confirmed record id = %d, want positive", records[0].ID)
	}

	var fields map[string]any
	if err := json.Unmarshal(records[0].Payload, &fields); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if fields["description"] != "rent" {
		t.Errorf("payload changed during confirmation: %v", fields)
	}

	if got := env.server.Records("transactions"); len(got) != 1 {
		t.Errorf("server has %d transactions, want 1", len(got))
	}
}

func TestRejectedActionAbandonedAfterRetryBudget(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	env.server.Reject = func(method, collection string, body []byte) bool {
		return strings.Contains(string(body), "poison")
	}

	if _, err := env.facade.Create(ctx, "invoices", json.RawMessage(`{"clientName":"poison"}`)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.facade.Create(ctx, "invoices", json.RawMessage(`{"clientName":"acme"}`)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.facade.Create(ctx, "invoices", json.RawMessage(`{"clientName":"globex"}`)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var mu gosync.Mutex
	var abandoned []syncengine.Event
	env.facade.Subscribe(func(ev syncengine.Event) {
		if ev.Type == syncengine.EventActionAbandoned {
			mu.Lock()
			abandoned = append(abandoned, ev)
			mu.Unlock()
		}
	})

	// Reconnecting drains once; the two good invoices confirm, the poisoned
	// one starts burning attempts.
	env.probe.SetOnline(true)
	env.waitForQueueSize(t, 1)

	// Keep draining, stepping past each backoff window, until the poisoned
	// action exhausts its budget and gets abandoned.
	for pass := 0; pass < 40; pass++ {
		count, err := env.facade.PendingCount()
		if err != nil {
			t.Fatalf("PendingCount failed: %v", err)
		}
		if count == 0 {
			break
		}
		env.clock.Advance(time.Hour)
		if _, err := env.facade.SyncNow(ctx); err != nil && !errors.Is(err, syncengine.ErrSyncInProgress) {
			t.Fatalf("SyncNow pass %d failed: %v", pass, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.waitForQueueSize(t, 0)

	if got := env.server.Records("invoices"); len(got) != 2 {
		t.Errorf("server has %d invoices, want the 2 accepted ones", len(got))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(abandoned) != 1 {
		t.Fatalf("got %d abandoned events, want 1", len(abandoned))
	}
	if abandoned[0].Collection != "invoices" || abandoned[0].Err == nil {
		t.Errorf("abandoned event = %+v, want collection and cause set", abandoned[0])
	}
}

func TestSyncNowRejectedWhileOffline(t *testing.T) {
	env := newFacadeEnv(t)

	_, err := env.facade.SyncNow(context.Background())
	if !errors.Is(err, ErrCannotSyncOffline) {
		t.Errorf("SyncNow offline = %v, want ErrCannotSyncOffline", err)
	}
}

func TestCreateFallsBackWhenServerUnreachable(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	server := api.NewMockServer()
	url := server.URL
	server.Close()

	// The probe says online, but the API is gone: the create must degrade to
	// the offline path instead of losing the input.
	probe := netmon.NewManualProbe(true)
	f := New(st, api.New(url, ""), probe, Options{SyncInterval: time.Hour, MaxAttempts: 5})
	f.Init()
	defer f.Shutdown()

	rec, err := f.Create(context.Background(), "messages", json.RawMessage(`{"body":"hi"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.ID >= 0 || !rec.CreatedOffline {
		t.Errorf("fallback record = %+v, want provisional offline record", rec)
	}

	count, _ := f.PendingCount()
	if count != 1 {
		t.Errorf("queue size = %d, want 1", count)
	}
}

func TestUpdateProvisionalFoldsIntoPendingCreate(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	rec, err := env.facade.Create(ctx, "invoices", json.RawMessage(`{"clientName":"acme","status":"draft"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := env.facade.Update(ctx, "invoices", rec.ID, json.RawMessage(`{"status":"sent"}`))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// The edit folds into the queued create: still one action, patched data.
	count, _ := env.facade.PendingCount()
	if count != 1 {
		t.Errorf("queue size = %d, want 1 after folding", count)
	}

	var fields map[string]any
	json.Unmarshal(updated.Payload, &fields)
	if fields["status"] != "sent" || fields["clientName"] != "acme" {
		t.Errorf("folded payload = %v", fields)
	}

	env.probe.SetOnline(true)
	env.waitForQueueSize(t, 0)

	records := env.server.Records("invoices")
	if len(records) != 1 {
		t.Fatalf("server has %d invoices, want 1", len(records))
	}
	if records[0]["status"] != "sent" {
		t.Errorf("server status = %v, want the folded edit", records[0]["status"])
	}
}

func TestDeleteProvisionalCancelsPendingCreate(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	rec, err := env.facade.Create(ctx, "reports", json.RawMessage(`{"title":"Q3"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := env.facade.Delete(ctx, "reports", rec.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	count, _ := env.facade.PendingCount()
	if count != 0 {
		t.Errorf("queue size = %d, want 0 after cancellation", count)
	}

	records, err := env.facade.GetCollection(ctx, "reports")
	if err != nil {
		t.Fatalf("GetCollection failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("cancelled record still visible: %+v", records)
	}

	// The record never existed remotely, so nothing must reach the server.
	env.probe.SetOnline(true)
	time.Sleep(50 * time.Millisecond)
	for _, r := range env.server.Requests() {
		if r.Method == "POST" {
			t.Errorf("cancelled create was sent: %+v", r)
		}
	}
}

func TestUpdateQueuedWhileOffline(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	// A record confirmed in an earlier session sits in the local cache.
	if err := env.store.Put(store.Record{
		ID:         101,
		Collection: "transactions",
		Payload:    json.RawMessage(`{"amount":"10","description":"coffee"}`),
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	env.server.Seed("transactions", map[string]any{"amount": "10", "description": "coffee"})

	updated, err := env.facade.Update(ctx, "transactions", 101, json.RawMessage(`{"description":"espresso"}`))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	var fields map[string]any
	json.Unmarshal(updated.Payload, &fields)
	if fields["description"] != "espresso" {
		t.Errorf("local record not patched: %v", fields)
	}
	if fields["amount"] != "10" {
		t.Errorf("patch dropped untouched fields: %v", fields)
	}

	count, _ := env.facade.PendingCount()
	if count != 1 {
		t.Errorf("queue size = %d, want 1", count)
	}

	// Reading offline serves the patched local version.
	records, err := env.facade.GetCollection(ctx, "transactions")
	if err != nil {
		t.Fatalf("GetCollection failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	json.Unmarshal(records[0].Payload, &fields)
	if fields["description"] != "espresso" {
		t.Errorf("offline read served stale payload: %v", fields)
	}
}

func TestDeleteQueuedWhileOffline(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	id := env.server.Seed("messages", map[string]any{"body": "old"})
	if err := env.store.Put(store.Record{
		ID:         id,
		Collection: "messages",
		Payload:    json.RawMessage(`{"body":"old"}`),
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := env.facade.Delete(ctx, "messages", id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	records, _ := env.facade.GetCollection(ctx, "messages")
	if len(records) != 0 {
		t.Errorf("deleted record still visible offline: %+v", records)
	}

	env.probe.SetOnline(true)
	env.waitForQueueSize(t, 0)

	if got := env.server.Records("messages"); len(got) != 0 {
		t.Errorf("server still has %d messages after replayed delete", len(got))
	}
}

func TestGetCollectionMergesRemoteAndPending(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	env.server.Seed("invoices", map[string]any{"clientName": "remote"})
	if _, err := env.facade.Create(ctx, "invoices", json.RawMessage(`{"clientName":"local"}`)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.probe.SetOnline(true)
	env.waitForQueueSize(t, 0)

	// The view contains the seeded remote record and the confirmed local
	// one, each exactly once.
	records, err := env.facade.GetCollection(ctx, "invoices")
	if err != nil {
		t.Fatalf("GetCollection failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(records), records)
	}

	seen := make(map[int64]bool)
	for _, r := range records {
		if seen[r.ID] {
			t.Errorf("duplicate id %d in merged view", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestConnectivityEventsEmitted(t *testing.T) {
	env := newFacadeEnv(t)

	var mu gosync.Mutex
	var types []syncengine.EventType
	env.facade.Subscribe(func(ev syncengine.Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	env.probe.SetOnline(true)
	ok := waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, typ := range types {
			if typ == syncengine.EventWentOnline {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Error("online transition never reported")
	}

	env.probe.SetOnline(false)
	ok = waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, typ := range types {
			if typ == syncengine.EventWentOffline {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Error("offline transition never reported")
	}
}

func TestUnknownCollectionRejected(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	if _, err := env.facade.Create(ctx, "widgets", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("Create = %v, want ErrUnknownCollection", err)
	}
	if _, err := env.facade.Update(ctx, "widgets", 1, json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("Update = %v, want ErrUnknownCollection", err)
	}
	if err := env.facade.Delete(ctx, "widgets", 1); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("Delete = %v, want ErrUnknownCollection", err)
	}
	if _, err := env.facade.GetCollection(ctx, "widgets"); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("GetCollection = %v, want ErrUnknownCollection", err)
	}
}

func TestTypedCreateMarshalsPayload(t *testing.T) {
	env := newFacadeEnv(t)

	rec, err := env.facade.CreateMessage(context.Background(), model.Message{Sender: "ana", Body: "hello"})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if rec.Collection != model.Messages {
		t.Errorf("collection = %q, want %q", rec.Collection, model.Messages)
	}

	var m model.Message
	if err := json.Unmarshal(rec.Payload, &m); err != nil {
		t.Fatalf("payload not a message: %v", err)
	}
	if m.Sender != "ana" || m.Body != "hello" {
		t.Errorf("payload = %+v", m)
	}
}
