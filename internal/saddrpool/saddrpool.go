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

// Package saddrpool tracks which (iface, daddr, saddr) source-NAT bindings
// are currently in use, so a flow's teardown can release its source
// address back for reuse by a later flow to the same real server over the
// same interface.
package saddrpool

import (
	"net/netip"
	"sync"
)

type key struct {
	iface string
	daddr netip.Addr
	saddr netip.Addr
}

// Pool reference-counts source-NAT bindings: more than one flow to the
// same (iface,daddr) can legitimately share a saddr, so Release only frees
// the binding once its count reaches zero.
type Pool struct {
	mu    sync.Mutex
	bound map[key]int
}

func New() *Pool { return &Pool{bound: make(map[key]int)} }

// Acquire records one more flow using this binding.
func (p *Pool) Acquire(iface string, daddr, saddr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound[key{iface, daddr, saddr}]++
}

// Release drops one flow's use of this binding, freeing it once no flow
// references it anymore.
func (p *Pool) Release(iface string, daddr, saddr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key{iface, daddr, saddr}
	if n, ok := p.bound[k]; ok {
		if n <= 1 {
			delete(p.bound, k)
		} else {
			p.bound[k] = n - 1
		}
	}
}

// InUse reports whether any flow currently holds this binding.
func (p *Pool) InUse(iface string, daddr, saddr netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bound[key{iface, daddr, saddr}] > 0
}
