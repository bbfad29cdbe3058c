package erpc

import (
	"sync"

	"github.com/google/uuid"
)

// PinManager tracks locally-held values exposed to a remote peer as opaque
// pin placeholders (§4.2.2). Each pin is ref-counted: Retain bumps the count
// when the same logical resource is handed out again by its existing pin id
// (rather than by re-pinning a fresh Go value — pinned values are not
// assumed to be comparable, since callbacks and structs with slice/map
// fields commonly aren't), and a pin-free message decrements it, releasing
// the value at zero. The serializer never calls Retain: every value it
// encodes is pinned afresh under a new id.
//
// Grounded on internal/content/store.go's ref-counted blob cache (an
// in-memory map guarded by one mutex, entries dropped at refcount 0).
type PinManager struct {
	mu   sync.Mutex
	byID map[string]*pinEntry
}

type pinEntry struct {
	value    any
	refCount int
}

func NewPinManager() *PinManager {
	return &PinManager{byID: make(map[string]*pinEntry)}
}

// Pin registers a brand new value and returns its freshly minted id.
func (p *PinManager) Pin(value any) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := uuid.NewString()
	p.byID[id] = &pinEntry{value: value, refCount: 1}
	return id
}

// Retain bumps the ref count of an already-known pin id, returning false if
// it is not currently live.
func (p *PinManager) Retain(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return false
	}
	e.refCount++
	return true
}

// Resolve returns the value behind a pin id, or false if unknown.
func (p *PinManager) Resolve(id string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Free decrements the ref count for id, releasing it at zero.
func (p *PinManager) Free(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(p.byID, id)
	}
}

// Count reports how many distinct pins are currently live, for diagnostics.
func (p *PinManager) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}
