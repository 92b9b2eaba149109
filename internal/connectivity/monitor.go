// Package connectivity tracks whether the remote store is reachable and
// broadcasts settled online/offline transitions.
package connectivity

import (
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/tildaslashalef/venuesync/internal/loggy"
)

// Listener is called with the new online state after a settled transition
type Listener func(online bool)

// Monitor debounces raw network-state signals. Listeners only hear about a
// transition once the signal has been quiet for the debounce window and the
// settled value differs from the last one broadcast.
type Monitor struct {
	mu        sync.Mutex
	raw       bool
	settled   bool
	listeners map[int]Listener
	nextID    int
	debounced func(f func())
	logger    *loggy.Logger
}

// NewMonitor creates a monitor starting in the given state. A zero window
// settles every Set immediately.
func NewMonitor(initial bool, window time.Duration, logger *loggy.Logger) *Monitor {
	m := &Monitor{
		raw:       initial,
		settled:   initial,
		listeners: make(map[int]Listener),
		logger:    logger.Component("connectivity"),
	}
	if window > 0 {
		m.debounced = debounce.New(window)
	} else {
		m.debounced = func(f func()) { f() }
	}
	return m
}

// IsOnline returns the settled state
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settled
}

// OnChange registers a listener and returns its unsubscribe function
func (m *Monitor) OnChange(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Set records a raw network-state signal
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	m.raw = online
	m.mu.Unlock()

	m.debounced(m.settle)
}

func (m *Monitor) settle() {
	m.mu.Lock()
	if m.raw == m.settled {
		m.mu.Unlock()
		return
	}
	m.settled = m.raw
	online := m.settled

	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("Connectivity restored")
	} else {
		m.logger.Warn("Connectivity lost")
	}

	for _, l := range listeners {
		l(online)
	}
}
