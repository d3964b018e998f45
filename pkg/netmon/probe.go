package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Prober answers whether the host currently has connectivity.
type Prober func(ctx context.Context) bool

// ProbeConfig configures a ProbeMonitor.
type ProbeConfig struct {
	// Target is the address dialed by the default prober.
	Target string

	// Interval between probes.
	Interval time.Duration

	// Timeout for a single probe.
	Timeout time.Duration

	// Prober overrides the default TCP dial probe.
	Prober Prober
}

// DefaultProbeConfig returns a configuration with sensible defaults.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Target:   "1.1.1.1:443",
		Interval: 10 * time.Second,
		Timeout:  3 * time.Second,
	}
}

// ProbeMonitor detects online/offline transitions by periodically dialing a
// well-known endpoint. It starts optimistic (online) and flips on the first
// probe result that disagrees.
type ProbeMonitor struct {
	cfg    ProbeConfig
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	online    bool
	started   bool
	stopped   bool
	timer     *clock.Timer
	nextID    int
	listeners map[int]func(bool)
}

// NewProbeMonitor creates a probe-based monitor. A nil logger disables
// logging; the clock defaults to the wall clock.
func NewProbeMonitor(cfg ProbeConfig, logger *zap.Logger) *ProbeMonitor {
	if cfg.Target == "" {
		cfg.Target = DefaultProbeConfig().Target
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &ProbeMonitor{
		cfg:       cfg,
		clock:     clock.New(),
		logger:    logger,
		online:    true,
		listeners: make(map[int]func(bool)),
	}
	if m.cfg.Prober == nil {
		m.cfg.Prober = m.dialProbe
	}
	return m
}

// WithClock replaces the wall clock. Must be called before Start.
func (m *ProbeMonitor) WithClock(clk clock.Clock) *ProbeMonitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clk
	return m
}

// Start begins probing. Idempotent.
func (m *ProbeMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	m.timer = m.clock.AfterFunc(m.cfg.Interval, m.probeTick)
}

// Stop halts probing and detaches nothing; listeners stay registered but
// receive no further notifications. Idempotent.
func (m *ProbeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *ProbeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ProbeMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *ProbeMonitor) probeTick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	online := m.cfg.Prober(ctx)
	cancel()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	changed := m.online != online
	m.online = online
	var listeners []func(bool)
	if changed {
		listeners = make([]func(bool), 0, len(m.listeners))
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
	}
	m.timer = m.clock.AfterFunc(m.cfg.Interval, m.probeTick)
	m.mu.Unlock()

	if changed {
		if online {
			m.logger.Info("network connectivity restored", zap.String("target", m.cfg.Target))
		} else {
			m.logger.Warn("network connectivity lost", zap.String("target", m.cfg.Target))
		}
		for _, fn := range listeners {
			fn(online)
		}
	}
}

func (m *ProbeMonitor) dialProbe(ctx context.Context) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.cfg.Target)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
