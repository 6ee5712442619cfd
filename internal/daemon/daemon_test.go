package daemon

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/fieldmark/pindrop/internal/connectivity"
	"github.com/fieldmark/pindrop/internal/syncer"
)

type fakeSyncer struct {
	mu       sync.Mutex
	drains   int
	unsynced int
	result   *syncer.DrainResult
}

func (f *fakeSyncer) Drain(ctx context.Context) (*syncer.DrainResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return f.result, nil
}

func (f *fakeSyncer) SyncToServer(ctx context.Context) (*syncer.DrainResult, error) {
	return f.Drain(ctx)
}

func (f *fakeSyncer) UnsyncedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsynced
}

func (f *fakeSyncer) setUnsynced(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsynced = n
}

func (f *fakeSyncer) AddObserver(fn func(syncer.DrainResult)) {}

func (f *fakeSyncer) drainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestDaemon(t *testing.T) (*Daemon, *fakeSyncer, *connectivity.Monitor) {
	t.Helper()
	s := &fakeSyncer{result: &syncer.DrainResult{}}
	monitor := connectivity.New(nil, time.Hour, quietLogger())
	d, err := New(s, monitor, nil, nil, &Config{
		DrainInterval: 10 * time.Millisecond,
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d, s, monitor
}

func TestNewValidation(t *testing.T) {
	monitor := connectivity.New(nil, time.Hour, quietLogger())

	if _, err := New(nil, monitor, nil, nil, nil); err == nil {
		t.Error("expected error for nil syncer")
	}
	if _, err := New(&fakeSyncer{}, nil, nil, nil, nil); err == nil {
		t.Error("expected error for nil monitor")
	}
	if _, err := New(&fakeSyncer{}, monitor, nil, nil, nil); err != nil {
		t.Errorf("nil config should use defaults, got: %v", err)
	}
}

func TestStartDrainsImmediately(t *testing.T) {
	d, s, _ := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, func() bool { return s.drainCount() >= 1 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestReconnectTriggersDrain(t *testing.T) {
	d, s, monitor := newTestDaemon(t)
	d.config.DrainInterval = time.Hour // isolate the transition path

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, func() bool { return s.drainCount() == 1 })

	monitor.Set(true)
	waitFor(t, func() bool { return s.drainCount() >= 2 })

	cancel()
	<-done
}

func TestIntervalDrain(t *testing.T) {
	d, s, monitor := newTestDaemon(t)
	monitor.Set(true)
	s.setUnsynced(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, func() bool { return s.drainCount() >= 3 })

	cancel()
	<-done
}

func TestIntervalSkipsWhenIdle(t *testing.T) {
	d, s, monitor := newTestDaemon(t)
	monitor.Set(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// Startup drains once; with nothing unsynced the ticker must not
	// drain again even though the remote is reachable.
	waitFor(t, func() bool { return s.drainCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := s.drainCount(); n != 1 {
		t.Errorf("idle client drained %d times, want 1", n)
	}

	cancel()
	<-done
}

func TestIntervalSkipsWhenOffline(t *testing.T) {
	d, s, _ := newTestDaemon(t)
	s.setUnsynced(5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, func() bool { return s.drainCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := s.drainCount(); n != 1 {
		t.Errorf("offline client drained %d times, want 1", n)
	}

	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
