// Package resource defines the ResourceRegistry collaborator the server
// core dispatches requests into, plus a reference in-memory
// implementation. spec.md §1 places resource storage out of scope as an
// external dependency; MapRegistry exists so the module is buildable and
// testable end-to-end without every caller supplying their own store,
// the way the teacher's internal/serverudp keeps its own
// activeTransfers map rather than delegating storage elsewhere.
package resource

import (
	"sync"

	"coapserver/internal/coap"
)

// Resource is one addressable item a CoAP request can target.
type Resource struct {
	Path          string
	ContentFormat uint64
	Observable    bool
	ETag          []byte
	Payload       []byte

	// seq is the Observe sequence number, bumped on every mutation that
	// should notify subscribers (RFC 7641 §4.2).
	seq uint32
}

// Seq returns the resource's current Observe sequence number.
func (r *Resource) Seq() uint32 { return r.seq }

// Bump increments the Observe sequence number, wrapping at 24 bits per
// RFC 7641 §3.4, and returns the new value.
func (r *Resource) Bump() uint32 {
	r.seq = (r.seq + 1) & 0x00FFFFFF
	return r.seq
}

// Registry is the collaborator the request layer dispatches CRUD
// operations into. An embedder supplies their own implementation to back
// resources with a database, a sensor, or anything else; MapRegistry
// below is the reference implementation used by cmd/coapd and tests.
type Registry interface {
	Get(path string) (*Resource, bool)
	Create(path string, r *Resource) (coap.Code, error)
	Update(path string, payload []byte, contentFormat uint64) (coap.Code, error)
	Delete(path string) (coap.Code, error)
	All() []*Resource
}

// MapRegistry is an RWMutex-guarded map[string]*Resource, the resource
// analogue of the teacher's activeTransfers map in internal/serverudp.
type MapRegistry struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

// NewMapRegistry builds an empty registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{resources: make(map[string]*Resource)}
}

func (m *MapRegistry) Get(path string) (*Resource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[path]
	return r, ok
}

// Create registers r at path, returning 2.01 Created on success or
// 4.03 Forbidden if the path is already taken (mirrors the response
// codes spec.md's RequestLayer table names for POST/PUT).
func (m *MapRegistry) Create(path string, r *Resource) (coap.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.resources[path]; exists {
		return coap.Forbidden, nil
	}
	r.Path = path
	m.resources[path] = r
	return coap.Created, nil
}

// Update overwrites the payload of an existing resource, returning
// 2.04 Changed, or 4.04 Not Found if path is unregistered.
func (m *MapRegistry) Update(path string, payload []byte, contentFormat uint64) (coap.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[path]
	if !ok {
		return coap.NotFound, nil
	}
	r.Payload = payload
	r.ContentFormat = contentFormat
	r.Bump()
	return coap.Changed, nil
}

// Delete removes a resource, returning 2.02 Deleted (idempotent: deleting
// an absent resource still reports success, per RFC 7252 §5.8.4).
func (m *MapRegistry) Delete(path string) (coap.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, path)
	return coap.Deleted, nil
}

// All returns every registered resource, used by the discovery renderer
// to list .well-known/core entries.
func (m *MapRegistry) All() []*Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Resource, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, r)
	}
	return out
}
