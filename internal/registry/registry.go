// Package registry holds the per-process instrument table. Each process
// owns exactly one Registry; nothing is shared across process boundaries
// except the InstrumentMapping messages on the wire.
package registry

import (
	"sync"

	"github.com/dawsh2/alphapulse/pkg/protocol"
)

// Registry maps instrument ids to their canonical descriptors.
type Registry struct {
	mu    sync.RWMutex
	byID  map[protocol.InstrumentID]string
	byDsc map[string]protocol.InstrumentID
}

func New() *Registry {
	return &Registry{
		byID:  make(map[protocol.InstrumentID]string),
		byDsc: make(map[string]protocol.InstrumentID),
	}
}

// Register derives the id for a descriptor, stores the association, and
// reports whether it was new to this process.
func (r *Registry) Register(descriptor string) (protocol.InstrumentID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byDsc[descriptor]; ok {
		return id, false
	}
	id := protocol.HashDescriptor(descriptor)
	r.byID[id] = descriptor
	r.byDsc[descriptor] = id
	return id, true
}

// Apply stores a mapping received from the wire.
func (r *Registry) Apply(m protocol.InstrumentMapping) {
	r.mu.Lock()
	r.byID[m.Instrument] = m.Descriptor
	r.byDsc[m.Descriptor] = m.Instrument
	r.mu.Unlock()
}

// Descriptor resolves an id; ok is false until the mapping has been seen.
func (r *Registry) Descriptor(id protocol.InstrumentID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// Lookup resolves a descriptor to its id if known.
func (r *Registry) Lookup(descriptor string) (protocol.InstrumentID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byDsc[descriptor]
	return id, ok
}

// Len reports how many instruments this process has seen.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
