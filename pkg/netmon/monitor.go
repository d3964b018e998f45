// Package netmon observes host network connectivity so connection managers
// can pause retries while the device is offline instead of burning attempts.
package netmon

import "sync"

// Monitor reports the host's current online state and notifies subscribers
// on transitions. Implementations must be safe for concurrent use.
type Monitor interface {
	// Online returns the last observed connectivity state.
	Online() bool

	// Subscribe registers a listener invoked on every online/offline
	// transition. The returned function detaches the listener; it is safe
	// to call more than once.
	Subscribe(fn func(online bool)) (cancel func())
}

// Manual is a Monitor driven entirely by SetOnline calls. It backs tests and
// hosts where connectivity probing is unavailable or undesirable.
type Manual struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(bool)
}

// NewManual returns a Manual monitor with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{
		online:    online,
		listeners: make(map[int]func(bool)),
	}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manual) Subscribe(fn func(online bool)) func() {
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

// SetOnline updates the state and notifies listeners if it changed.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

// ListenerCount reports the number of attached listeners.
func (m *Manual) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}
