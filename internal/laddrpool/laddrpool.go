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

// Package laddrpool is the local-address pool behind full-NAT binds
// (bind_laddr/unbind_laddr). It picks a
// (laddr, lport) that will NAT-translate cleanly on the destination's
// outbound path.
//
// Selection uses rendezvous (highest random weight) hashing over the
// configured local-address set so the same client tends to rebind to the
// same local address across reconnects, improving conntrack/ephemeral-port
// locality on the NAT hop without any coordination between cores.
package laddrpool

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// ErrExhausted is returned when every ephemeral port on every configured
// local address is currently bound.
var ErrExhausted = errors.New("laddrpool: exhausted")

const (
	portRangeLo = 1024
	portRangeHi = 65535
)

// Binding is a bound (laddr, lport) pair, returned by Bind and required by Unbind.
type Binding struct {
	Addr netip.Addr
	Port uint16
}

// Pool hands out (laddr, lport) pairs for full-NAT outbound rewriting.
type Pool struct {
	mu    sync.Mutex
	addrs []netip.Addr
	rv    *rendezvous.Rendezvous
	inUse map[netip.Addr]map[uint16]struct{}
}

// New builds a pool over the given local addresses. Each address gets the
// full ephemeral port range as its available port space.
func New(addrs []netip.Addr) *Pool {
	labels := make([]string, len(addrs))
	for i, a := range addrs {
		labels[i] = a.String()
	}
	p := &Pool{
		addrs: addrs,
		rv:    rendezvous.New(labels, xxhash.Sum64String),
		inUse: make(map[netip.Addr]map[uint16]struct{}, len(addrs)),
	}
	for _, a := range addrs {
		p.inUse[a] = make(map[uint16]struct{})
	}
	return p
}

// Bind selects a local address for clientKey (typically "caddr:cport") via
// rendezvous hashing, then finds the lowest free ephemeral port on that
// address. Falls back to scanning the remaining addresses if the preferred
// one has no free ports, so a single saturated address cannot starve binds.
func (p *Pool) Bind(clientKey string) (Binding, error) {
	if len(p.addrs) == 0 {
		return Binding{}, ErrExhausted
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	preferred := p.rv.Lookup(clientKey)
	order := make([]netip.Addr, 0, len(p.addrs))
	for _, a := range p.addrs {
		if a.String() == preferred {
			order = append([]netip.Addr{a}, order...)
		} else {
			order = append(order, a)
		}
	}

	for _, a := range order {
		used := p.inUse[a]
		for port := portRangeLo; port <= portRangeHi; port++ {
			if _, taken := used[uint16(port)]; !taken {
				used[uint16(port)] = struct{}{}
				return Binding{Addr: a, Port: uint16(port)}, nil
			}
		}
	}
	return Binding{}, ErrExhausted
}

// Unbind releases a previously bound (laddr, lport) pair.
func (p *Pool) Unbind(b Binding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if used, ok := p.inUse[b.Addr]; ok {
		delete(used, b.Port)
	}
}
