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

package conntrack

import (
	"strconv"

	"connlb/internal/dest"
	"connlb/internal/laddrpool"
	"connlb/internal/pktbuf"
)

// inheritDestFlags translates the subset of dest.Flags a new flow inherits
// (INACTIVE, SYNPROXY) into their conntrack.Flags equivalents. The two
// bitsets are laid out independently, so this is a deliberate per-bit
// translation rather than a raw OR.
func inheritDestFlags(f *Flow, connFlags uint32) {
	if dest.Flags(connFlags).Has(dest.FlagInactive) {
		f.SetFlag(FlagInactive)
	}
	if dest.Flags(connFlags).Has(dest.FlagSynProxy) {
		f.SetFlag(FlagSynProxy)
	}
}

// bindDestination attaches f to d, matching dp_vs_bind_dest: admission
// is checked first (max_conn), and only on success does the flow take a
// reference, move its contribution into the right counter, and pick up a
// forwarding-mode dispatch. A NOTSUPP forward mode unwinds the refcount and
// counter bump it already made before returning.
func bindDestination(f *Flow, d *dest.Destination) error {
	inheritDestFlags(f, d.ConnFlags.Load())

	if !d.Admit() {
		return newErr("bind_destination", OVERLOAD)
	}
	d.AddRef()
	if f.HasFlag(FlagTemplate) {
		d.IncPersist()
	} else {
		d.IncInactive()
	}
	f.dst = d

	switch d.FwdMode {
	case dest.FwdDR:
		f.inboundXmit = xmitDirectRoute
		f.outboundXmit = nil
	case dest.FwdFullNAT:
		f.inboundXmit = xmitFullNATIn
		f.outboundXmit = xmitFullNATOut
	case dest.FwdSourceNAT:
		f.inboundXmit = xmitSourceNATIn
		f.outboundXmit = xmitSourceNATOut
	default:
		if f.HasFlag(FlagTemplate) {
			d.DecPersist()
		} else {
			d.DecInactive()
		}
		d.ReleaseOneRef()
		f.dst = nil
		return newErr("bind_destination", NOTSUPP)
	}
	return nil
}

// unbindDestination is conn_unbind_dest's inverse: release the reference,
// move the flow's contribution out of whichever counter it was in, and let
// the destination clear its overload flag if it has room again.
func unbindDestination(f *Flow) {
	d := f.dst
	if d == nil {
		return
	}
	if f.HasFlag(FlagTemplate) {
		d.DecPersist()
	} else if f.HasFlag(FlagInactive) {
		d.DecInactive()
	} else {
		d.DecActive()
	}
	d.ReleaseOneRef()
	f.dst = nil
}

// xmitDirectRoute is the inbound transmitter installed for direct-routing
// flows; direct-routing flows have no outbound transmitter since the real
// server replies to the client without passing back through the tracker.
// It neither rewrites nor sends buf: it returns nil.
func xmitDirectRoute(f *Flow, buf *pktbuf.Buffer) error {
	return nil
}

// xmitFullNATIn is the inbound transmitter installed for full-NAT flows.
// It neither rewrites nor sends buf: it returns nil.
func xmitFullNATIn(f *Flow, buf *pktbuf.Buffer) error {
	return nil
}

// xmitFullNATOut is the outbound (reply-path) transmitter installed for
// full-NAT flows. It neither rewrites nor sends buf: it returns nil.
func xmitFullNATOut(f *Flow, buf *pktbuf.Buffer) error {
	return nil
}

// xmitSourceNATIn is the inbound transmitter installed for source-NAT
// flows. It neither rewrites nor sends buf: it returns nil.
func xmitSourceNATIn(f *Flow, buf *pktbuf.Buffer) error {
	return nil
}

// xmitSourceNATOut is the outbound (reply-path) transmitter installed for
// source-NAT flows. It neither rewrites nor sends buf: it returns nil.
func xmitSourceNATOut(f *Flow, buf *pktbuf.Buffer) error {
	return nil
}

// bindLocalAddress picks a (laddr,lport) for a full-NAT flow and records it
// on f. The rendezvous key is the client's own tuple, so repeat connections
// from the same client tend to land on the same local address.
func bindLocalAddress(f *Flow, lp *laddrpool.Pool, p Params) error {
	if lp == nil {
		return newErr("bind_laddr", NOTSUPP)
	}
	key := p.CAddr.String() + ":" + strconv.Itoa(int(p.CPort))
	b, err := lp.Bind(key)
	if err != nil {
		return newErr("bind_laddr", NOMEM)
	}
	f.laddr, f.lport = b.Addr, b.Port
	f.hasLaddr = true
	return nil
}

// unbindLocalAddress releases a full-NAT flow's (laddr,lport) back to the pool.
func unbindLocalAddress(f *Flow, lp *laddrpool.Pool) {
	if lp == nil || !f.hasLaddr {
		return
	}
	lp.Unbind(laddrpool.Binding{Addr: f.laddr, Port: f.lport})
	f.hasLaddr = false
}
