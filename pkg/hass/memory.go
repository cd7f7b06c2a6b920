package hass

import (
	"context"
	"sort"
	"sync"

	"github.com/raterudder/srpenergy/pkg/metrics"
)

// MemoryStore keeps the latest state of each entity keyed by entity id.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

// WriteState implements StateWriter.
func (m *MemoryStore) WriteState(ctx context.Context, s State) error {
	m.mu.Lock()
	m.states[s.EntityID] = s
	m.mu.Unlock()
	metrics.StateWritesTotal.WithLabelValues("memory", metrics.Result(nil)).Inc()
	return nil
}

// RemoveState implements StateWriter.
func (m *MemoryStore) RemoveState(ctx context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, s.EntityID)
	return nil
}

// Get returns the state for entityID.
func (m *MemoryStore) Get(entityID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[entityID]
	return s, ok
}

// All returns every state sorted by entity id.
func (m *MemoryStore) All() []State {
	m.mu.RLock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].EntityID < out[j].EntityID
	})
	return out
}
