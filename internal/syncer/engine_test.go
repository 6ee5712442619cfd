package syncer

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/fieldmark/pindrop/internal/pin"
	"github.com/fieldmark/pindrop/internal/remote"
	"github.com/fieldmark/pindrop/internal/store"
)

// fakeAPI is a scriptable remote with per-call failure injection.
type fakeAPI struct {
	mu sync.Mutex

	// failCreate maps pin id to a queue of errors returned before
	// success. Same for failUpdate.
	failCreate map[string][]error
	failUpdate map[string][]error

	createCalls  int
	updateCalls  int
	lastUpdateID string
	nextID       int

	// applied records the disposition of each update that reached the
	// server, in arrival order.
	applied []string

	// byKey collapses duplicate creates on the idempotency key the way
	// the real server does.
	byKey map[string]*pin.Pin
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		failCreate: make(map[string][]error),
		failUpdate: make(map[string][]error),
		byKey:      make(map[string]*pin.Pin),
	}
}

func (f *fakeAPI) Create(ctx context.Context, p *pin.Pin) (*pin.Pin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++

	if errs := f.failCreate[p.ID]; len(errs) > 0 {
		err := errs[0]
		f.failCreate[p.ID] = errs[1:]
		return nil, err
	}

	if existing, ok := f.byKey[p.IdempotencyKey]; ok {
		cp := *existing
		return &cp, nil
	}

	f.nextID++
	rec := *p
	rec.ID = fmt.Sprintf("srv-%d", f.nextID)
	rec.Synced = true
	rec.OfflineCreated = false
	if p.IdempotencyKey != "" {
		f.byKey[p.IdempotencyKey] = &rec
	}
	cp := rec
	return &cp, nil
}

func (f *fakeAPI) Update(ctx context.Context, id string, changes pin.Changes) (*pin.Pin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	f.lastUpdateID = id

	if errs := f.failUpdate[id]; len(errs) > 0 {
		err := errs[0]
		f.failUpdate[id] = errs[1:]
		return nil, err
	}
	if d, ok := changes["disposition"].(string); ok {
		f.applied = append(f.applied, d)
	}
	return &pin.Pin{ID: id, Synced: true}, nil
}

type onlineAlways struct{}

func (onlineAlways) Online() bool { return true }

type offlineAlways struct{}

func (offlineAlways) Online() bool { return false }

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: remote.IsTransient}
}

func newEngine(t *testing.T, st store.Store, api RemoteAPI, mon Connectivity) Syncer {
	t.Helper()
	return NewWithPolicy(st, api, mon, fastPolicy(), log.New(io.Discard, "", 0))
}

// seedOfflineCreate stores an optimistic pin plus its queued create and
// returns the pin.
func seedOfflineCreate(t *testing.T, st store.Store) *pin.Pin {
	t.Helper()
	p := &pin.Pin{
		ID:        pin.NewLocalID(),
		Latitude:  pin.Float64(40.0),
		Longitude: pin.Float64(-74.0),
	}
	p.SetDefaults()
	p.Synced = false
	p.OfflineCreated = true

	op, err := pin.CreateOp(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CreateWithQueue(context.Background(), p, op); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDrainClearsOfflineCreate(t *testing.T) {
	st := store.NewMemory()
	api := newFakeAPI()
	e := newEngine(t, st, api, onlineAlways{})
	ctx := context.Background()

	p := seedOfflineCreate(t, st)

	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Cleared != 1 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	queue, _ := st.GetQueue(ctx)
	if len(queue) != 0 {
		t.Errorf("queue not emptied: %d entries", len(queue))
	}

	// The local id is retired in favor of the server-assigned one.
	if _, err := st.GetPin(ctx, p.ID); err == nil {
		t.Error("local id should be gone after reconcile")
	}
	all, _ := st.GetAllPins(ctx)
	if len(all) != 1 {
		t.Fatalf("expected 1 pin, got %d", len(all))
	}
	if pin.IsLocalID(all[0].ID) {
		t.Errorf("id not reconciled: %s", all[0].ID)
	}
	if !all[0].Synced || all[0].OfflineCreated {
		t.Errorf("flags not updated: %+v", all[0])
	}
	if result.Unsynced != 0 {
		t.Errorf("unsynced should be 0, got %d", result.Unsynced)
	}
}

func TestDrainPreservesOrderForSamePin(t *testing.T) {
	st := store.NewMemory()
	api := newFakeAPI()
	e := newEngine(t, st, api, onlineAlways{})
	ctx := context.Background()

	p := seedOfflineCreate(t, st)
	upd, _ := pin.UpdateOp(p.ID, pin.Changes{"disposition": "signed"})
	if _, err := st.EnqueueOp(ctx, upd); err != nil {
		t.Fatal(err)
	}

	// Create fails every attempt this pass; the update must be held,
	// not submitted against a record the server has never seen.
	api.failCreate[p.ID] = []error{
		&remote.TransientError{Op: "create", Status: 503},
		&remote.TransientError{Op: "create", Status: 503},
		&remote.TransientError{Op: "create", Status: 503},
	}

	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Failed != 1 || result.Held != 1 || result.Cleared != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if api.updateCalls != 0 {
		t.Error("held update must not reach the server")
	}

	queue, _ := st.GetQueue(ctx)
	if len(queue) != 2 {
		t.Errorf("both entries must stay queued, got %d", len(queue))
	}

	// Next pass succeeds and applies both in order.
	result, err = e.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if result.Cleared != 2 {
		t.Fatalf("expected both cleared, got %+v", result)
	}
	queue, _ = st.GetQueue(ctx)
	if len(queue) != 0 {
		t.Error("queue should be empty")
	}

	// The update must go out under the server-assigned id, never the
	// retired local one.
	if pin.IsLocalID(api.lastUpdateID) {
		t.Errorf("update sent with retired id %s", api.lastUpdateID)
	}

	all, _ := st.GetAllPins(ctx)
	if len(all) != 1 || !all[0].Synced {
		t.Errorf("record not converged: %+v", all)
	}
}

func TestDrainHoldsUpdateBehindFailedUpdate(t *testing.T) {
	st := store.NewMemory()
	api := newFakeAPI()
	e := newEngine(t, st, api, onlineAlways{})
	ctx := context.Background()

	p := &pin.Pin{ID: "srv-1"}
	p.SetDefaults()
	p.Synced = false
	if err := st.UpsertPins(ctx, []*pin.Pin{p}); err != nil {
		t.Fatal(err)
	}

	first, _ := pin.UpdateOp(p.ID, pin.Changes{"disposition": "not-home"})
	second, _ := pin.UpdateOp(p.ID, pin.Changes{"disposition": "signed"})
	if _, err := st.EnqueueOp(ctx, first); err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnqueueOp(ctx, second); err != nil {
		t.Fatal(err)
	}

	// The first edit fails the whole pass. Letting the second one
	// through would land the edits out of order and leave the server
	// holding the older disposition after the retry.
	api.failUpdate[p.ID] = []error{
		&remote.TransientError{Op: "update", Status: 503},
		&remote.TransientError{Op: "update", Status: 503},
		&remote.TransientError{Op: "update", Status: 503},
	}

	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Failed != 1 || result.Held != 1 || result.Cleared != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(api.applied) != 0 {
		t.Fatalf("no update should land while an earlier one is failing, got %v", api.applied)
	}

	result, err = e.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if result.Cleared != 2 {
		t.Fatalf("expected both cleared, got %+v", result)
	}

	want := []string{"not-home", "signed"}
	if len(api.applied) != 2 || api.applied[0] != want[0] || api.applied[1] != want[1] {
		t.Errorf("updates applied out of order: got %v, want %v", api.applied, want)
	}

	got, err := st.GetPin(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Synced {
		t.Error("record should be synced once both edits cleared")
	}
}

func TestDrainRetriesTransientThenSucceeds(t *testing.T) {
	st := store.NewMemory()
	api := newFakeAPI()
	e := newEngine(t, st, api, onlineAlways{})
	ctx := context.Background()

	p := seedOfflineCreate(t, st)
	api.failCreate[p.ID] = []error{
		&remote.TransientError{Op: "create", Status: 503},
		&remote.TransientError{Op: "create", Status: 503},
	}

	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Cleared != 1 {
		t.Fatalf("expected cleared after retries, got %+v", result)
	}
	if api.createCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", api.createCalls)
	}
}

func TestDrainRejectionDoesNotRetry(t *testing.T) {
	st := store.NewMemory()
	api := newFakeAPI()
	e := newEngine(t, st, api, onlineAlways{})
	ctx := context.Background()

	p := seedOfflineCreate(t, st)
	api.failCreate[p.ID] = []error{
		&remote.RejectedError{Op: "create", Status: 422, Body: "bad disposition"},
	}

	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Failed != 1 || result.Cleared != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if api.createCalls != 1 {
		t.Errorf("rejections must not retry, got %d calls", api.createCalls)
	}
	if len(result.Errors) != 1 {
		t.Errorf("expected 1 aggregated error, got %d", len(result.Errors))
	}

	// Entry stays queued for operator attention; the record stays
	// visible and unsynced.
	queue, _ := st.GetQueue(ctx)
	if len(queue) != 1 {
		t.Error("rejected entry must stay queued")
	}
	got, err := st.GetPin(ctx, p.ID)
	if err != nil {
		t.Fatalf("record evicted after rejection: %v", err)
	}
	if got.Synced {
		t.Error("rejected record must not read as synced")
	}
}

func TestDrainDuplicateCreateCollapses(t *testing.T) {
	st := store.NewMemory()
	api := newFakeAPI()
	e := newEngine(t, st, api, onlineAlways{})
	ctx := context.Background()

	p := seedOfflineCreate(t, st)

	// First drain succeeds remotely, but simulate a lost ack by
	// re-queueing the same create afterwards.
	if _, err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	op, _ := pin.CreateOp(p)
	if _, err := st.EnqueueOp(ctx, op); err != nil {
		t.Fatal(err)
	}
	// Restore the snapshot under its local id the way a crashed client
	// would see it.
	p.Synced = false
	p.OfflineCreated = true
	if err := st.UpsertPins(ctx, []*pin.Pin{p}); err != nil {
		t.Fatal(err)
	}

	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("re-drain failed: %v", err)
	}
	if result.Cleared != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The server collapsed the duplicate on the idempotency key, so
	// exactly one record exists locally under the server id.
	all, _ := st.GetAllPins(ctx)
	if len(all) != 1 {
		t.Fatalf("duplicate create produced %d records", len(all))
	}
	if pin.IsLocalID(all[0].ID) || !all[0].Synced {
		t.Errorf("record not reconciled: %+v", all[0])
	}
}

func TestDrainUnrelatedPinsNotBlocked(t *testing.T) {
	st := store.NewMemory()
	api := newFakeAPI()
	e := newEngine(t, st, api, onlineAlways{})
	ctx := context.Background()

	failing := seedOfflineCreate(t, st)
	seedOfflineCreate(t, st)

	api.failCreate[failing.ID] = []error{
		&remote.RejectedError{Op: "create", Status: 400},
	}

	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Cleared != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDrainSkipsWhenOffline(t *testing.T) {
	st := store.NewMemory()
	e := newEngine(t, st, newFakeAPI(), offlineAlways{})

	seedOfflineCreate(t, st)

	result, err := e.Drain(context.Background())
	if err != nil || result != nil {
		t.Errorf("offline drain must be a silent no-op, got %+v, %v", result, err)
	}

	queue, _ := st.GetQueue(context.Background())
	if len(queue) != 1 {
		t.Error("queue must be untouched while offline")
	}
}

func TestDrainSkipsWithoutStore(t *testing.T) {
	e := newEngine(t, nil, newFakeAPI(), onlineAlways{})
	result, err := e.Drain(context.Background())
	if err != nil || result != nil {
		t.Errorf("storeless drain must be a no-op, got %+v, %v", result, err)
	}
}

func TestDrainNotifiesObservers(t *testing.T) {
	st := store.NewMemory()
	api := newFakeAPI()
	e := newEngine(t, st, api, onlineAlways{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []DrainResult
	e.AddObserver(func(r DrainResult) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	})

	// Empty drain clears nothing and must not notify.
	if _, err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	seedOfflineCreate(t, st)
	if _, err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(seen))
	}
	if seen[0].Cleared != 1 {
		t.Errorf("wrong result delivered: %+v", seen[0])
	}
}

func TestUnsyncedCountTracksDrains(t *testing.T) {
	st := store.NewMemory()
	api := newFakeAPI()
	e := newEngine(t, st, api, onlineAlways{})
	ctx := context.Background()

	seedOfflineCreate(t, st)
	seedOfflineCreate(t, st)

	if _, err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if n := e.UnsyncedCount(); n != 0 {
		t.Errorf("expected 0 unsynced after full drain, got %d", n)
	}
}
