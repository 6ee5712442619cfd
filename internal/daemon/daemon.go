// Package daemon provides the background process that keeps field data
// flowing to the server.
//
// The daemon:
// 1. Probes remote reachability and drains the queue on reconnect
// 2. Drains the pending queue on a fixed interval while reachable
// 3. Imports capture files dropped into the spool directory
// 4. Broadcasts sync progress to dashboard clients
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldmark/pindrop/internal/connectivity"
	"github.com/fieldmark/pindrop/internal/dashboard"
	"github.com/fieldmark/pindrop/internal/pin"
	"github.com/fieldmark/pindrop/internal/spool"
	"github.com/fieldmark/pindrop/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// DrainInterval is how often to attempt a queue drain while the
	// remote API is reachable
	DrainInterval time.Duration

	// SpoolDir enables the capture-file importer when non-empty
	SpoolDir string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: 30 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates connectivity probing, queue draining, and spool
// imports.
type Daemon struct {
	syncer    syncer.Syncer
	monitor   *connectivity.Monitor
	importer  *spool.Importer
	dashboard *dashboard.Server
	config    *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// The syncer and monitor are required; importer and dash may be nil to
// run without spool imports or the dashboard. Use Start() to begin.
func New(s syncer.Syncer, monitor *connectivity.Monitor, importer *spool.Importer, dash *dashboard.Server, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = DefaultConfig().DrainInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:    s,
		monitor:   monitor,
		importer:  importer,
		dashboard: dash,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Start the connectivity monitor and subscribe to transitions
// 2. Attempt an initial drain
// 3. Drain on every reconnect and on a fixed interval
// 4. Import spool captures as they arrive
//
// This blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	transitions := d.monitor.Subscribe()
	d.monitor.Start()

	if d.importer != nil && d.dashboard != nil {
		d.importer.OnImport(func(p *pin.Pin) {
			d.dashboard.BroadcastPinUpdate(dashboard.PinUpdateData{
				PinID:       p.ID,
				Action:      "created",
				Disposition: string(p.Disposition),
				Synced:      p.Synced,
			})
		})
	}

	if d.importer != nil {
		if err := d.importer.Start(d.ctx); err != nil {
			d.monitor.Stop()
			return fmt.Errorf("failed to start spool importer: %w", err)
		}
	}

	if d.dashboard != nil {
		if err := d.dashboard.Start(); err != nil {
			d.config.Logger.Printf("Warning: dashboard failed to start: %v", err)
			d.dashboard = nil
		}
	}

	d.drain("startup")

	d.wg.Add(2)
	go d.watchTransitions(transitions)
	go d.drainLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.importer != nil {
		d.importer.Stop()
	}
	d.monitor.Stop()

	d.wg.Wait()

	if d.dashboard != nil {
		if err := d.dashboard.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping dashboard: %v", err)
		}
	}

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// watchTransitions drains the queue whenever the remote API becomes
// reachable again.
func (d *Daemon) watchTransitions(transitions <-chan bool) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case online, ok := <-transitions:
			if !ok {
				return
			}
			if d.dashboard != nil {
				d.dashboard.BroadcastReachability(online)
			}
			if online {
				d.config.Logger.Println("Remote API reachable again")
				d.drain("reconnect")
			} else {
				d.config.Logger.Println("Remote API unreachable")
			}
		}
	}
}

// drainLoop attempts a drain on a fixed interval, while reachable and
// work is pending. An idle client does not touch the store every tick.
func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.monitor.Online() && d.syncer.UnsyncedCount() > 0 {
				d.drain("interval")
			}
		}
	}
}

// drain runs one queue drain and reports the outcome.
func (d *Daemon) drain(reason string) {
	start := time.Now()
	result, err := d.syncer.Drain(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Drain (%s) failed: %v", reason, err)
		return
	}
	if result == nil {
		// Skipped: unreachable, no store, or a drain already running.
		return
	}

	if result.Cleared > 0 || result.Failed > 0 {
		d.config.Logger.Printf("Drain (%s): cleared=%d failed=%d held=%d remaining=%d",
			reason, result.Cleared, result.Failed, result.Held, result.Remaining)
	}

	if d.dashboard != nil {
		d.dashboard.BroadcastSyncComplete(dashboard.SyncCompleteData{
			Cleared:   result.Cleared,
			Failed:    result.Failed,
			Held:      result.Held,
			Remaining: result.Remaining,
			Duration:  time.Since(start),
		})
		d.dashboard.BroadcastQueueUpdate(dashboard.QueueUpdateData{
			Depth:    result.Remaining,
			Unsynced: result.Unsynced,
		})
	}
}
