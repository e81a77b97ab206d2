// Package netmon tracks remote reachability for the sync engine.
//
// A Monitor probes the remote on an interval and keeps a current
// online/offline verdict. Transitions are edge-triggered: the OnOnline
// and OnOffline callbacks fire exactly once per state change, never per
// probe, so reconnecting once triggers one recovery pass no matter how
// many probes confirm the connection afterwards.
package netmon

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the probe cadence.
const DefaultInterval = 10 * time.Second

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 5 * time.Second

// Config holds the monitor dependencies. Probe is required.
type Config struct {
	// Probe checks reachability, typically remote.Ping. A nil error
	// means online.
	Probe func(ctx context.Context) error

	// OnOnline fires once when the state changes offline→online.
	// Called from the monitor goroutine; keep it quick and do not call
	// back into the Monitor's state setters.
	OnOnline func()

	// OnOffline fires once when the state changes online→offline.
	OnOffline func()

	// Interval is the probe cadence. Zero means DefaultInterval.
	Interval time.Duration

	// ProbeTimeout bounds each probe. Zero means DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// Logger receives transition logs. Nil discards.
	Logger *log.Logger
}

// Monitor polls connectivity and reports the current verdict.
type Monitor struct {
	probe        func(ctx context.Context) error
	onOnline     func()
	onOffline    func()
	interval     time.Duration
	probeTimeout time.Duration
	logger       *log.Logger

	// online is read lock-free by hot paths; transitions are
	// serialized by transitionMu so callbacks fire in order.
	online       atomic.Bool
	transitionMu sync.Mutex

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a monitor from the config. The monitor starts offline;
// the first successful probe flips it online.
func New(cfg Config) (*Monitor, error) {
	if cfg.Probe == nil {
		return nil, fmt.Errorf("netmon config: Probe is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Monitor{
		probe:        cfg.Probe,
		onOnline:     cfg.OnOnline,
		onOffline:    cfg.OnOffline,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}, nil
}

// Start begins probing. The first probe runs immediately so callers
// don't wait a full interval for the initial verdict.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}

	m.running = true
	m.wg.Add(1)
	go m.loop()

	return nil
}

// Stop halts probing. Blocks until the probe goroutine has exited.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	return nil
}

// Online returns the current verdict. False until a probe has
// succeeded.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// IsRunning returns true if the monitor is currently probing.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Check probes once, right now, and returns the fresh verdict. The
// state and callbacks update exactly as for a scheduled probe.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.probe(probeCtx)
	m.setOnline(err == nil, err)
	return err == nil
}

// SetOnline forces the verdict, firing transition callbacks as usual.
// Used by tests and by `tripd sync --offline` style overrides.
func (m *Monitor) SetOnline(online bool) {
	m.setOnline(online, nil)
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	m.probeOnce()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.probeOnce()
		}
	}
}

func (m *Monitor) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()

	err := m.probe(ctx)
	m.setOnline(err == nil, err)
}

// setOnline records the verdict and fires the matching callback when
// the state actually changed. Holding transitionMu across the callback
// keeps transitions strictly ordered.
func (m *Monitor) setOnline(online bool, cause error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	if m.online.Load() == online {
		return
	}
	m.online.Store(online)

	if online {
		m.logger.Printf("connection restored")
		if m.onOnline != nil {
			m.onOnline()
		}
	} else {
		if cause != nil {
			m.logger.Printf("connection lost: %v", cause)
		} else {
			m.logger.Printf("connection lost")
		}
		if m.onOffline != nil {
			m.onOffline()
		}
	}
}
