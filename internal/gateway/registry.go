package gateway

import (
	"sync"
	"time"
)

// SensorEntry is one declared sensor: its schema, publication rules, Modbus
// source, and the last-read/last-sent values the poller and evaluator
// operate on.
type SensorEntry struct {
	ID           int
	Schema       Schema
	Config       Config
	Source       ModbusSource
	PollInterval time.Duration

	Current Value
	Sent    Value
}

// Registry is the in-memory catalog of declared sensors. Lookups are O(1)
// expected. Insert with an already-present id replaces the prior entry: the
// config loader is the sole writer and guarantees uniqueness during normal
// operation, but a hot config reload may legitimately re-insert.
type Registry struct {
	mu      sync.RWMutex
	entries map[int]*SensorEntry
}

// NewRegistry creates an empty sensor registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int]*SensorEntry)}
}

// Insert adds or replaces the entry for id. A zero pollInterval leaves the
// poller to apply DefaultPollInterval.
func (r *Registry) Insert(id int, schema Schema, cfg Config, src ModbusSource, pollInterval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &SensorEntry{
		ID:           id,
		Schema:       schema,
		Config:       cfg,
		Source:       src,
		PollInterval: pollInterval,
	}
}

// Lookup returns the entry for id, or nil if absent.
func (r *Registry) Lookup(id int) *SensorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Each iterates the registry in arbitrary order. fn must not insert or
// destroy entries; it may mutate the entry passed to it.
func (r *Registry) Each(fn func(*SensorEntry)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		fn(e)
	}
}

// Len reports the number of declared sensors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Destroy removes all entries.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[int]*SensorEntry)
}
