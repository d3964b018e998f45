package metrics

import (
	"sync"
	"time"
)

type inMemoryMetrics struct {
	ReconnectAttempts int64
	Disconnects       int64
	HeartbeatTimeouts int64
	Exhaustions       int64
	LastAttemptTime   time.Time
	mutex             sync.RWMutex
}

// NewMetrics returns an in-memory metrics collector.
func NewMetrics() Metrics {
	return &inMemoryMetrics{}
}

func (m *inMemoryMetrics) IncrementAttempt() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.ReconnectAttempts++
	m.LastAttemptTime = time.Now()
}

func (m *inMemoryMetrics) IncrementDisconnect() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Disconnects++
}

func (m *inMemoryMetrics) IncrementHeartbeatTimeout() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.HeartbeatTimeouts++
}

func (m *inMemoryMetrics) IncrementExhausted() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Exhaustions++
}

func (m *inMemoryMetrics) GetStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return map[string]interface{}{
		"reconnect_attempts": m.ReconnectAttempts,
		"disconnects":        m.Disconnects,
		"heartbeat_timeouts": m.HeartbeatTimeouts,
		"exhaustions":        m.Exhaustions,
		"last_attempt_time":  m.LastAttemptTime,
	}
}
