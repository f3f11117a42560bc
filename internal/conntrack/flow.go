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
	"net/netip"
	"sync/atomic"
	"time"

	"connlb/internal/dest"
	"connlb/internal/pktbuf"
	"connlb/internal/timerwheel"
)

// Flags is the bitset carried on a Flow, combining the tracker's own state
// bits (HASHED, TEMPLATE, INACTIVE) with bits inherited from the bound
// Destination at creation time (SYNPROXY, NOOUTPUT for direct routing).
type Flags uint32

const (
	FlagHashed Flags = 1 << iota
	FlagTemplate
	FlagInactive
	FlagSynProxy
	// FlagNoOutput marks a flow with no outbound transmitter (direct
	// routing: the real server replies to the client directly).
	FlagNoOutput
	// FlagOneShotPersist is a flag bit that nothing in this package sets,
	// and no code path behaves differently when it is set.
	FlagOneShotPersist
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// Params carries the caller-supplied identity of a new flow: the inbound
// 5-tuple plus an optional explicit destination port. When CTDPort is zero
// a template gets port 0, a source-NAT flow reads the port from the packet
// buffer's L4 source port (as ip_vs_conn_fill_param_proto does for SNAT
// flows with no explicit control-channel hint), and any other flow uses the
// destination's own Port.
type Params struct {
	AF    AddressFamily
	Proto uint8

	CAddr netip.Addr
	CPort uint16
	VAddr netip.Addr
	VPort uint16

	// CTDPort, if non-zero, is used verbatim as the real-server port
	// instead of deriving it from buf or the destination.
	CTDPort uint16
}

// Flow is the central connection-tracking record: one allocation covers
// both directions of a single tracked flow (or, for a persistence
// template, one client's sticky binding to a destination).
type Flow struct {
	af    AddressFamily
	proto uint8

	caddr, vaddr, laddr, daddr netip.Addr
	cport, vport, lport, dport uint16

	in, out TupleHash

	flags  atomic.Uint32
	state  atomic.Int32
	refcnt atomic.Int32

	dst      *dest.Destination
	hasLaddr bool

	parent   *Flow
	nControl atomic.Int32

	inboundXmit  func(f *Flow, buf *pktbuf.Buffer) error
	outboundXmit func(f *Flow, buf *pktbuf.Buffer) error

	timer   *timerwheel.Handle
	timeout time.Duration

	syn *synProxyState

	iifHint, oifHint string
}

// State satisfies proto.Flow.
func (f *Flow) State() int { return int(f.state.Load()) }

// SetState updates the protocol state machine's current state.
func (f *Flow) SetState(s int) { f.state.Store(int32(s)) }

// Proto satisfies proto.Flow.
func (f *Flow) Proto() uint8 { return f.proto }

func (f *Flow) AF() AddressFamily { return f.af }

func (f *Flow) HasFlag(bit Flags) bool { return Flags(f.flags.Load()).has(bit) }
func (f *Flow) SetFlag(bit Flags) {
	for {
		old := f.flags.Load()
		if f.flags.CompareAndSwap(old, old|uint32(bit)) {
			return
		}
	}
}
func (f *Flow) ClearFlag(bit Flags) {
	for {
		old := f.flags.Load()
		if f.flags.CompareAndSwap(old, old&^uint32(bit)) {
			return
		}
	}
}

func (f *Flow) Refcnt() int32 { return f.refcnt.Load() }

// Get adds a reference, matching dp_vs_conn_get's refcount bump for a
// caller about to use the flow off the fast path.
func (f *Flow) Get() { f.refcnt.Add(1) }

// Destination returns the bound real server, or nil before bind_destination
// has run (or after it has been released during final teardown).
func (f *Flow) Destination() *dest.Destination { return f.dst }

// Tuple returns the client-facing (caddr,cport,vaddr,vport) identity.
func (f *Flow) Tuple() (caddr, vaddr netip.Addr, cport, vport uint16) {
	return f.caddr, f.vaddr, f.cport, f.vport
}

// RealServerTuple returns the server-facing (laddr,lport,daddr,dport)
// identity. laddr/lport equal caddr/cport unless a full-NAT local-address
// bind has replaced them.
func (f *Flow) RealServerTuple() (laddr, daddr netip.Addr, lport, dport uint16) {
	return f.laddr, f.daddr, f.lport, f.dport
}

func (f *Flow) Parent() *Flow { return f.parent }

// Control marks f as a child of parent (e.g. an ICMP flow controlled by
// the data flow it reports on), bumping the parent's controlled-child
// counter so its own expiration defers until every child has detached.
func (f *Flow) Control(parent *Flow) {
	f.parent = parent
	parent.nControl.Add(1)
}

// reset clears a flow record for reuse by the allocator. It must leave the
// record in the same zero state New() expects to build on top of. Fields
// are cleared individually rather than by whole-struct assignment so the
// atomic fields are never copied.
func (f *Flow) reset() {
	f.af, f.proto = 0, 0
	f.caddr, f.vaddr, f.laddr, f.daddr = netip.Addr{}, netip.Addr{}, netip.Addr{}, netip.Addr{}
	f.cport, f.vport, f.lport, f.dport = 0, 0, 0, 0
	f.in, f.out = TupleHash{}, TupleHash{}
	f.flags.Store(0)
	f.state.Store(0)
	f.refcnt.Store(0)
	f.dst = nil
	f.hasLaddr = false
	f.parent = nil
	f.nControl.Store(0)
	f.inboundXmit, f.outboundXmit = nil, nil
	f.timer = nil
	f.timeout = 0
	f.syn = nil
	f.iifHint, f.oifHint = "", ""
}

// fillIdentity populates the flow's canonical addresses and the inbound
// tuple node from p and the resolved real-server port. The outbound node
// is filled separately by fillOutboundTuple, once bind_laddr (if any) has
// had a chance to run — the outbound key depends on the local address a
// full-NAT destination was just bound to. laddr/lport default to the
// client's own caddr/cport (non-full-NAT modes keep l==c); a
// full-NAT bind overwrites them afterward. pktSrc is the inbound packet's
// IP source address, used in place of d.Addr for a source-NAT flow's
// daddr (DPVS's SNAT special case).
func (f *Flow) fillIdentity(p Params, rport uint16, d *dest.Destination, pktSrc netip.Addr, sourceNAT bool) {
	f.af = p.AF
	f.proto = p.Proto
	f.caddr, f.cport = p.CAddr, p.CPort
	f.vaddr, f.vport = p.VAddr, p.VPort
	f.laddr, f.lport = p.CAddr, p.CPort
	f.dport = rport
	if sourceNAT && pktSrc.IsValid() {
		f.daddr = pktSrc
	} else {
		f.daddr = d.Addr
	}

	f.in = TupleHash{
		owner: f, af: p.AF, proto: p.Proto,
		saddr: p.CAddr, daddr: p.VAddr, sport: p.CPort, dport: p.VPort,
		direction: DirInbound,
	}
}

// fillOutboundTuple builds the tuple a reply packet from the real server
// presents to the tracker: the destination side is (laddr,lport) for a
// full-NAT bind, or the client's own address untouched for direct routing
// and source-NAT. The source side is normally the real server's own
// address, except for source-NAT, which carries the original inbound
// packet's IP source forward instead, matching the per-fwdmode
// outbound-tuple construction in dp_vs_conn_fill_param.
func (f *Flow) fillOutboundTuple(d *dest.Destination, pktSrc netip.Addr, sourceNAT bool) {
	daddr, dport := f.caddr, f.cport
	if f.hasLaddr {
		daddr, dport = f.laddr, f.lport
	}
	saddr := d.Addr
	if sourceNAT && pktSrc.IsValid() {
		saddr = pktSrc
	}
	f.out = TupleHash{
		owner: f, af: f.af, proto: f.proto,
		saddr: saddr, daddr: daddr, sport: f.dport, dport: dport,
		direction: DirOutbound,
	}
}

// deriveRPort resolves the real-server port for a new flow: an explicit
// ct_dport wins outright for templates and whenever
// the caller supplies one; otherwise a source-NAT flow preserves the
// client-chosen port by reading the packet's L4 source-port field, and
// every other forward mode uses the destination's own configured port.
// l4SPortOffset is the byte offset of the L4 source-port field within buf;
// this package leaves header-offset computation to the caller (pktbuf has
// no protocol awareness of its own).
func deriveRPort(p Params, buf *pktbuf.Buffer, d *dest.Destination, isTemplate, sourceNAT bool, l4SPortOffset int) (uint16, error) {
	if isTemplate || p.CTDPort != 0 {
		return p.CTDPort, nil
	}
	if !sourceNAT {
		return d.Port, nil
	}
	if buf == nil {
		return 0, newErr("new", NOTSUPP)
	}
	hp := buf.HeaderPointer(l4SPortOffset, 2)
	if hp == nil {
		return 0, newErr("new", NOTSUPP)
	}
	return uint16(hp[0])<<8 | uint16(hp[1]), nil
}
