// Package connectivity tracks whether the remote pin API can currently
// be reached.
//
// The monitor is the single source of truth for reachability. It is
// necessarily a heuristic: the probe can report a false "online" when
// the path to the server is broken further out, or a false "offline"
// behind a captive portal. Consumers must treat a failed remote call
// while nominally online exactly like a timeout.
package connectivity

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Prober checks reachability of the remote API. A nil error means the
// server answered at the transport level. Satisfied by *remote.Client.
type Prober interface {
	Ping(ctx context.Context) error
}

// DefaultProbeInterval is how often the monitor re-checks reachability.
const DefaultProbeInterval = 15 * time.Second

// probeTimeout bounds a single reachability check.
const probeTimeout = 5 * time.Second

// Monitor observes transitions between reachable and unreachable and
// notifies subscribers when the state flips in either direction.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	online  bool
	running bool
	subs    []chan bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor probing with the given prober. The monitor
// starts in the unreachable state until the first probe or an explicit
// Set. If logger is nil a default stderr logger is used.
func New(prober Prober, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background probe loop. The first probe runs
// immediately rather than waiting a full interval.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running || m.prober == nil {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop()
}

// Stop shuts down the probe loop and closes subscriber channels.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running && m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.mu.Unlock()
}

// Online returns the current reachability state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records an externally observed state (for example an OS network
// change notification, or tests). A change is broadcast to subscribers
// exactly like a probe-detected transition.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if online {
		m.logger.Printf("Connectivity restored")
	} else {
		m.logger.Printf("Connectivity lost")
	}

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			// Slow subscriber; it will observe the state on its
			// next read of Online().
		}
	}
}

// Subscribe returns a channel that emits the new state on every
// transition. The channel is buffered; a subscriber that falls behind
// misses intermediate flips but never blocks the monitor. The channel
// is closed by Stop.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	m.probe()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(m.ctx, probeTimeout)
	defer cancel()

	err := m.prober.Ping(ctx)
	m.Set(err == nil)
}
