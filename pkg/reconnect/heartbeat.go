package reconnect

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// heartbeatMonitor detects connections that die without a close event. While
// the manager is connected it checks every interval whether a successful
// connection has been seen within twice the interval; past that it
// synthesizes a timed-out status through the manager's normal ingress path,
// so a silent death is handled exactly like a provider-reported failure.
type heartbeatMonitor struct {
	mgr      *Manager
	interval time.Duration
	clock    clock.Clock

	mu     sync.Mutex
	active bool
	timer  *clock.Timer
}

func newHeartbeatMonitor(mgr *Manager, interval time.Duration, clk clock.Clock) *heartbeatMonitor {
	return &heartbeatMonitor{
		mgr:      mgr,
		interval: interval,
		clock:    clk,
	}
}

// start arms the monitor. Idempotent; an already armed timer is left alone.
func (h *heartbeatMonitor) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = true
	if h.timer == nil {
		h.timer = h.clock.AfterFunc(h.interval, h.tick)
	}
}

// stop disarms the monitor and forbids re-arming until the next start, so a
// tick racing a stop cannot leave a timer behind. Idempotent.
func (h *heartbeatMonitor) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *heartbeatMonitor) tick() {
	h.mu.Lock()
	h.timer = nil
	h.mu.Unlock()

	stale, run := h.mgr.heartbeatCheck(2 * h.interval)
	if !run {
		return
	}

	if stale {
		h.mgr.logger.Warn("heartbeat timeout, connection presumed dead",
			zap.Duration("threshold", 2*h.interval))
		if h.mgr.metrics != nil {
			h.mgr.metrics.IncrementHeartbeatTimeout()
		}
		h.mgr.HandleStatusChange(StatusTimedOut)
		return
	}

	h.mu.Lock()
	if h.active && h.timer == nil {
		h.timer = h.clock.AfterFunc(h.interval, h.tick)
	}
	h.mu.Unlock()
}
