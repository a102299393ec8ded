// Package netmon exposes connectivity as an observable boolean.
package netmon

import (
	"log"
	"sync"
)

// Monitor holds the current online state. Platform events call Set; the
// Prober derives them from remote reachability.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]func(online bool)
	nextID int
}

// New creates a monitor with the given initial state.
func New(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// Online reports the current connectivity.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a connectivity event. Subscribers run only on transitions,
// synchronously, in the caller's goroutine.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if online {
		log.Printf("[NETMON] Connectivity restored")
	} else {
		log.Printf("[NETMON] Connectivity lost")
	}
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for transitions and returns a function removing it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
