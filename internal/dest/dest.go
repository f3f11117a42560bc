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

// Package dest models a real server bound to by the connection tracker.
// The scheduler that picks a Destination out of a service's pool is an
// external collaborator and is not implemented here — this package only
// gives the tracker something concrete to bind to, unbind from, and test
// against.
package dest

import (
	"net/netip"
	"sync/atomic"
)

// ForwardMode selects how packets for a flow bound to this destination get
// rewritten and transmitted.
type ForwardMode uint8

const (
	// FwdDR is direct routing: inbound rewrite only, server replies directly to the client.
	FwdDR ForwardMode = iota
	// FwdFullNAT rewrites both the client-facing and server-facing 5-tuple endpoints.
	FwdFullNAT
	// FwdSourceNAT rewrites only the server-facing source address/port.
	FwdSourceNAT
)

// Flags carried on the destination and inherited onto every flow bound to it.
type Flags uint32

const (
	FlagInactive Flags = 1 << iota
	FlagSynProxy
	FlagOverload
	FlagAvailable
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// Has reports whether bit is set, for collaborators outside this package
// that need to inspect a raw ConnFlags snapshot (conntrack's bind step).
func (f Flags) Has(bit Flags) bool { return f.has(bit) }

// Destination is a real server entry in a virtual service's pool.
type Destination struct {
	Addr    netip.Addr
	Port    uint16
	FwdMode ForwardMode

	// MaxConn is the admission ceiling; 0 disables the check.
	MaxConn uint32

	// ConnFlags are the bits a newly bound flow inherits (INACTIVE, SYNPROXY).
	ConnFlags atomic.Uint32

	// Weight drives scheduler preference and quiescent-template checks;
	// a destination with weight 0 is considered quiescent.
	Weight atomic.Int32

	flags        atomic.Uint32
	refcnt       atomic.Int32
	actconns     atomic.Int32
	inactconns   atomic.Int32
	persistconns atomic.Int32
}

// New returns a destination with FlagAvailable set and FlagInactive inherited
// by new connections by default, matching IPVS's
// "initial state of a new flow is INACTIVE" convention.
func New(addr netip.Addr, port uint16, mode ForwardMode, weight int32, maxConn uint32) *Destination {
	d := &Destination{Addr: addr, Port: port, FwdMode: mode, MaxConn: maxConn}
	d.ConnFlags.Store(uint32(FlagInactive))
	d.Weight.Store(weight)
	d.flags.Store(uint32(FlagAvailable))
	return d
}

func (d *Destination) HasFlag(f Flags) bool { return Flags(d.flags.Load())&f != 0 }
func (d *Destination) SetFlag(f Flags) {
	for {
		old := d.flags.Load()
		if d.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}
func (d *Destination) ClearFlag(f Flags) {
	for {
		old := d.flags.Load()
		if d.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

func (d *Destination) Refcnt() int32       { return d.refcnt.Load() }
func (d *Destination) ActConns() int32     { return d.actconns.Load() }
func (d *Destination) InactConns() int32   { return d.inactconns.Load() }
func (d *Destination) PersistConns() int32 { return d.persistconns.Load() }

// Admit reports whether one more connection can be admitted given MaxConn,
// and if not, sets FlagOverload. It does not itself mutate any counters —
// callers that proceed to admit must still bump the relevant counter.
func (d *Destination) Admit() bool {
	if d.MaxConn == 0 {
		return true
	}
	if uint32(d.inactconns.Load()+d.actconns.Load()) >= d.MaxConn {
		d.SetFlag(FlagOverload)
		return false
	}
	return true
}

// ReleaseOneRef decrements refcnt, clearing FlagOverload if the destination
// has fallen back under MaxConn.
func (d *Destination) ReleaseOneRef() {
	d.refcnt.Add(-1)
	if d.MaxConn != 0 && uint32(d.inactconns.Load()+d.actconns.Load()) < d.MaxConn {
		d.ClearFlag(FlagOverload)
	}
}

func (d *Destination) AddRef()           { d.refcnt.Add(1) }
func (d *Destination) IncPersist()       { d.persistconns.Add(1) }
func (d *Destination) DecPersist()       { d.persistconns.Add(-1) }
func (d *Destination) IncInactive()      { d.inactconns.Add(1) }
func (d *Destination) DecInactive()      { d.inactconns.Add(-1) }
func (d *Destination) IncActive()        { d.actconns.Add(1) }
func (d *Destination) DecActive()        { d.actconns.Add(-1) }
