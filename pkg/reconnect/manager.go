// Package reconnect keeps a long-lived, server-pushed subscription alive
// across transient failures, silently dead connections, and host
// online/offline transitions.
//
// The owning application feeds every provider status event into
// HandleStatusChange. On failure the manager drives a timer-based retry loop
// with exponential backoff, invoking OnReconnect so the application can
// rebuild the subscription; success or failure of that rebuild surfaces only
// through a later status event. A heartbeat monitor detects connections that
// die without a close event, and a network monitor pauses the loop while the
// host is offline.
//
// The manager guarantees connection re-establishment with bounded timing and
// state-change notification. It does not guarantee delivery, ordering, or
// exactly-once semantics for the underlying stream.
package reconnect

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/backtesting-org/realtime-reconnect/pkg/metrics"
)

// Manager owns the reconnection state machine for exactly one subscription.
// Create one per subscription and Dispose it when the subscription is torn
// down. All methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	clock   clock.Clock
	metrics metrics.Metrics
	backoff *ExponentialBackoff

	mu                 sync.Mutex
	state              State
	status             Status
	attemptCount       int
	currentDelay       time.Duration
	reconnecting       bool
	online             bool
	disconnectNotified bool
	lastSuccess        time.Time
	retryTimer         *clock.Timer
	disposed           bool

	heartbeat   *heartbeatMonitor
	unsubscribe func()
}

// NewManager validates the configuration and returns a manager in the
// disconnected state. The returned manager holds a live network-monitor
// subscription when Config.Monitor is set; Dispose detaches it.
func NewManager(cfg Config) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	m := &Manager{
		cfg:          cfg,
		logger:       logger,
		clock:        clk,
		metrics:      cfg.Metrics,
		backoff:      NewExponentialBackoff(cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffMultiplier),
		state:        StateDisconnected,
		status:       StatusUnset,
		currentDelay: cfg.InitialDelay,
		online:       true,
	}
	m.heartbeat = newHeartbeatMonitor(m, cfg.HeartbeatInterval, clk)

	if cfg.Monitor != nil {
		m.online = cfg.Monitor.Online()
		m.unsubscribe = cfg.Monitor.Subscribe(m.handleOnlineChange)
	}

	return m, nil
}

// HandleStatusChange is the sole ingress point for provider status events.
func (m *Manager) HandleStatusChange(status Status) {
	if status == StatusSubscribed {
		m.handleSubscribed()
		return
	}
	if status.IsFailure() {
		m.handleFailure(status)
	}
}

func (m *Manager) handleSubscribed() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.status = StatusSubscribed
	m.state = StateConnected
	m.cancelRetryLocked()
	m.attemptCount = 0
	m.currentDelay = m.backoff.Initial()
	m.reconnecting = false
	m.disconnectNotified = false
	m.lastSuccess = m.clock.Now()
	if !m.cfg.DisableHeartbeat {
		m.heartbeat.start()
	}
	m.mu.Unlock()

	m.logger.Info("channel subscribed")
}

func (m *Manager) handleFailure(status Status) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.status = status
	m.state = StateReconnecting
	m.heartbeat.stop()
	notify := !m.disconnectNotified
	m.disconnectNotified = true
	begin := !m.reconnecting
	if begin {
		m.reconnecting = true
	}
	m.mu.Unlock()

	m.logger.Warn("channel connection lost", zap.String("status", status.String()))

	if notify {
		if m.metrics != nil {
			m.metrics.IncrementDisconnect()
		}
		m.safeInvoke("OnDisconnect", m.cfg.OnDisconnect)
	}
	if begin {
		m.attemptReconnect()
	}
}

// attemptReconnect runs one turn of the retry loop: it invokes the
// application callbacks and schedules the next turn after the current
// backoff delay. The loop ends only on a subscribed status, exhaustion of
// MaxAttempts, or disposal; going offline pauses it without abandoning it.
func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.cancelRetryLocked()

	if m.cfg.MaxAttempts > 0 && m.attemptCount >= m.cfg.MaxAttempts {
		m.reconnecting = false
		attempts := m.attemptCount
		m.mu.Unlock()

		m.logger.Error("max reconnection attempts reached", zap.Int("attempts", attempts))
		if m.metrics != nil {
			m.metrics.IncrementExhausted()
		}
		return
	}

	if !m.online {
		m.mu.Unlock()
		m.logger.Debug("host offline, reconnection paused")
		return
	}

	m.reconnecting = true
	m.state = StateReconnecting
	m.attemptCount++
	attempt := m.attemptCount
	delay := m.currentDelay
	m.currentDelay = m.backoff.Next(m.currentDelay)
	m.retryTimer = m.clock.AfterFunc(delay, m.retryTimerFired)
	m.mu.Unlock()

	m.logger.Info("attempting reconnection",
		zap.Int("attempt", attempt),
		zap.Duration("retry_in", delay))
	if m.metrics != nil {
		m.metrics.IncrementAttempt()
	}

	if m.cfg.OnReconnecting != nil {
		m.safeInvoke("OnReconnecting", func() { m.cfg.OnReconnecting(attempt) })
	}
	m.safeInvoke("OnReconnect", m.cfg.OnReconnect)
}

func (m *Manager) retryTimerFired() {
	m.mu.Lock()
	m.retryTimer = nil
	proceed := m.reconnecting && !m.disposed
	m.mu.Unlock()

	if proceed {
		m.attemptReconnect()
	}
}

func (m *Manager) handleOnlineChange(online bool) {
	if online {
		m.handleOnline()
	} else {
		m.handleOffline()
	}
}

// handleOffline pauses the retry loop: the pending timer is cancelled and no
// attempts are spent while the host has no connectivity.
func (m *Manager) handleOffline() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.online = false
	m.cancelRetryLocked()
	m.heartbeat.stop()
	notify := !m.disconnectNotified
	m.disconnectNotified = true
	m.mu.Unlock()

	m.logger.Warn("host went offline, pausing reconnection")

	if notify {
		if m.metrics != nil {
			m.metrics.IncrementDisconnect()
		}
		m.safeInvoke("OnDisconnect", m.cfg.OnDisconnect)
	}
}

// handleOnline resumes the loop immediately, bypassing any backoff delay
// that was pending when connectivity dropped.
func (m *Manager) handleOnline() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.online = true
	resume := m.state != StateConnected
	m.mu.Unlock()

	m.logger.Info("host back online", zap.Bool("resuming", resume))

	if resume {
		m.attemptReconnect()
	}
}

// ForceReconnect resets the attempt counter and backoff delay, then attempts
// reconnection immediately. Intended for user-initiated "retry now" actions;
// it also revives a loop halted by exhaustion.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.attemptCount = 0
	m.currentDelay = m.backoff.Initial()
	m.mu.Unlock()

	m.logger.Info("manual reconnect requested")
	m.attemptReconnect()
}

// Dispose cancels all timers and detaches the network-monitor listener. It
// is safe to call in any state and more than once; no manager state outlives
// it.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.reconnecting = false
	m.cancelRetryLocked()
	m.heartbeat.stop()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.logger.Debug("reconnection manager disposed")
}

// IsReconnecting reports whether a retry loop is scheduled or executing.
func (m *Manager) IsReconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting
}

// AttemptCount returns the number of attempts in the current episode.
func (m *Manager) AttemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptCount
}

// IsOnline reports the last observed host connectivity state.
func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// State returns the manager's position in the connection lifecycle.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the most recent provider status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Stats returns a snapshot of manager state merged with collected metrics.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	stats := map[string]interface{}{
		"state":                      m.state.String(),
		"status":                     m.status.String(),
		"attempt_count":              m.attemptCount,
		"current_delay_ms":           m.currentDelay.Milliseconds(),
		"is_reconnecting":            m.reconnecting,
		"is_online":                  m.online,
		"last_successful_connection": m.lastSuccess,
	}
	m.mu.Unlock()

	if m.metrics != nil {
		for k, v := range m.metrics.GetStats() {
			stats[k] = v
		}
	}

	return stats
}

func (m *Manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// heartbeatCheck reports whether the heartbeat should keep running and, if
// so, whether the connection has gone stale.
func (m *Manager) heartbeatCheck(threshold time.Duration) (stale, run bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed || m.state != StateConnected {
		return false, false
	}
	return m.clock.Now().Sub(m.lastSuccess) >= threshold, true
}

// safeInvoke shields the control flow from panicking callbacks.
func (m *Manager) safeInvoke(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("callback panicked",
				zap.String("callback", name),
				zap.Any("panic", r))
		}
	}()
	fn()
}
