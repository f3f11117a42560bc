// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dest

import (
	"sync"
	"sync/atomic"
)

// ServicePool holds the destinations backing one virtual service and picks
// one for a new flow by plain round-robin, skipping anything unavailable
// or already overloaded. Weight is not consulted when picking.
type ServicePool struct {
	mu     sync.RWMutex
	dests  []*Destination
	cursor atomic.Uint64
}

func newServicePool() *ServicePool { return &ServicePool{} }

// Add registers d as a backend for this service.
func (p *ServicePool) Add(d *Destination) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dests = append(p.dests, d)
}

// Remove drops d from the pool; it does not touch any flow already bound to it.
func (p *ServicePool) Remove(d *Destination) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.dests {
		if e == d {
			p.dests = append(p.dests[:i], p.dests[i+1:]...)
			return
		}
	}
}

// Pick returns the next available, non-overloaded destination in
// round-robin order, or nil if every destination is down or at max_conn.
func (p *ServicePool) Pick() *Destination {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.dests)
	if n == 0 {
		return nil
	}
	start := int(p.cursor.Add(1)) % n
	for i := 0; i < n; i++ {
		d := p.dests[(start+i)%n]
		if d.HasFlag(FlagAvailable) && !d.HasFlag(FlagOverload) {
			return d
		}
	}
	return nil
}

// Registry maps a virtual service key (typically "vaddr:vport/proto") to
// its ServicePool. GetOrCreate takes the fast Load-only path on every hit
// so resolving a known service on the connect path never allocates; it
// only allocates a new ServicePool on a genuine first-sight miss.
type Registry struct {
	services sync.Map // string -> *ServicePool
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) GetOrCreate(serviceKey string) *ServicePool {
	if v, ok := r.services.Load(serviceKey); ok {
		return v.(*ServicePool)
	}
	actual, _ := r.services.LoadOrStore(serviceKey, newServicePool())
	return actual.(*ServicePool)
}

func (r *Registry) Get(serviceKey string) (*ServicePool, bool) {
	v, ok := r.services.Load(serviceKey)
	if !ok {
		return nil, false
	}
	return v.(*ServicePool), true
}

func (r *Registry) Delete(serviceKey string) { r.services.Delete(serviceKey) }

func (r *Registry) ForEach(fn func(serviceKey string, p *ServicePool)) {
	r.services.Range(func(k, v any) bool {
		fn(k.(string), v.(*ServicePool))
		return true
	})
}
