// Package history records the locations a coordinator pushes and notifies it
// when the location changes from outside, such as back and forward navigation.
package history

import (
	"sync"
)

// Change describes a location change that the coordinator did not cause.
type Change struct {
	Location string
	Previous string
	// Delta is -1 for back, +1 for forward.
	Delta int
}

// History is the browser history seen by the coordinator.
type History interface {
	Push(location string)
	Replace(location string)
	Current() string
	// OnChange registers fn for external changes. Push and Replace never
	// notify. The returned func removes fn.
	OnChange(fn func(Change)) (stop func())
}

// Memory is an in-process History with back and forward navigation. Safe for
// concurrent use; listeners run on the goroutine that called Back or Forward.
type Memory struct {
	mu        sync.Mutex
	entries   []string
	index     int
	listeners map[int]func(Change)
	nextID    int
}

// NewMemory creates a history with one entry.
func NewMemory(initial string) *Memory {
	return &Memory{entries: []string{initial}, listeners: make(map[int]func(Change))}
}

// Push adds location after the current entry and drops forward entries.
func (m *Memory) Push(location string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries[:m.index+1], location)
	m.index++
}

// Replace overwrites the current entry.
func (m *Memory) Replace(location string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.index] = location
}

// Current returns the current entry.
func (m *Memory) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[m.index]
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Entries returns a copy of all entries.
func (m *Memory) Entries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries...)
}

func (m *Memory) OnChange(fn func(Change)) (stop func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Back moves one entry back and notifies listeners. It reports false at the
// first entry.
func (m *Memory) Back() bool { return m.Go(-1) }

// Forward moves one entry forward and notifies listeners.
func (m *Memory) Forward() bool { return m.Go(1) }

// Go moves delta entries and notifies listeners.
func (m *Memory) Go(delta int) bool {
	m.mu.Lock()
	target := m.index + delta
	if delta == 0 || target < 0 || target >= len(m.entries) {
		m.mu.Unlock()
		return false
	}
	change := Change{Location: m.entries[target], Previous: m.entries[m.index], Delta: delta}
	m.index = target
	listeners := make([]func(Change), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
	return true
}
