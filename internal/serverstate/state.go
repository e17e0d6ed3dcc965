// Package serverstate tracks the lifecycle status of a wschan server
// (not_ready, ready, draining) in a pluggable store.
package serverstate

import (
	"sync/atomic"
)

// Status values reported on /healthz.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	// StatusUnknown is reported when the store cannot be read.
	StatusUnknown = "unknown"
)

// State holds the server status and draining flag. All fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store defines how the server state is persisted. Implementations may keep
// it in memory or in an external service such as Redis.
type Store interface {
	Load() State
	Store(State)
}

// memoryStore implements Store using an atomic.Value.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: StatusUnknown}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// Tracker reads and updates the state held in a Store.
type Tracker struct {
	store atomic.Value // holds storeBox
}

type storeBox struct{ s Store }

// NewTracker returns a Tracker over s, or over a memory store when s is nil.
func NewTracker(s Store) *Tracker {
	t := &Tracker{}
	if s == nil {
		s = NewMemoryStore()
	}
	t.store.Store(storeBox{s: s})
	return t
}

// UseStore replaces the backing Store. It is safe for concurrent use.
func (t *Tracker) UseStore(s Store) {
	if s != nil {
		t.store.Store(storeBox{s: s})
	}
}

func (t *Tracker) active() Store { return t.store.Load().(storeBox).s }

// Load returns the current state snapshot.
func (t *Tracker) Load() State { return t.active().Load() }

// SetState updates the status string.
func (t *Tracker) SetState(status string) {
	s := t.active()
	st := s.Load()
	st.Status = status
	s.Store(st)
}

// GetState returns the current status.
func (t *Tracker) GetState() string {
	return t.active().Load().Status
}

// StartDrain marks the server as draining.
func (t *Tracker) StartDrain() {
	s := t.active()
	st := s.Load()
	st.Draining = true
	st.Status = StatusDraining
	s.Store(st)
}

// IsDraining reports whether the server is draining.
func (t *Tracker) IsDraining() bool {
	return t.active().Load().Draining
}
