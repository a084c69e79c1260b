package gateway

import (
	"sync"
	"sync/atomic"
)

// EndpointPool round-robins across the functionally equivalent endpoints
// configured for each crawler type. The cursor is an atomic counter so
// concurrent scheduler goroutines never contend on a lock for selection.
type EndpointPool struct {
	mu      sync.RWMutex
	rings   map[string]*ring
	relayed map[string]string
}

type ring struct {
	endpoints []string
	cursor    atomic.Uint64
}

// NewEndpointPool builds a pool from the configured endpoint lists and
// optional per-type relay endpoints.
func NewEndpointPool(endpoints map[string][]string, relays map[string]string) *EndpointPool {
	p := &EndpointPool{
		rings:   make(map[string]*ring, len(endpoints)),
		relayed: make(map[string]string, len(relays)),
	}
	for crawlerType, list := range endpoints {
		if len(list) == 0 {
			continue
		}
		cp := make([]string, len(list))
		copy(cp, list)
		p.rings[crawlerType] = &ring{endpoints: cp}
	}
	for crawlerType, relay := range relays {
		if relay != "" {
			p.relayed[crawlerType] = relay
		}
	}
	return p
}

// Next returns the next endpoint for the crawler type, or "" when none is
// configured.
func (p *EndpointPool) Next(crawlerType string) string {
	p.mu.RLock()
	r := p.rings[crawlerType]
	p.mu.RUnlock()
	if r == nil {
		return ""
	}
	idx := r.cursor.Add(1) - 1
	return r.endpoints[idx%uint64(len(r.endpoints))]
}

// Relay returns the fallback relay endpoint for the crawler type, or "".
func (p *EndpointPool) Relay(crawlerType string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.relayed[crawlerType]
}
