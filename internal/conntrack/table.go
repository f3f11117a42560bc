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
	"encoding/binary"
	"net/netip"
	"sync/atomic"
	"time"

	"connlb/internal/conntrack/pool"
	"connlb/internal/dest"
	"connlb/internal/laddrpool"
	"connlb/internal/pktbuf"
	"connlb/internal/proto"
	"connlb/internal/saddrpool"
	"connlb/internal/timerwheel"
)

// Table is a 5-tuple hash table of TupleHash nodes. A per-core Table is
// owned exclusively by one core and takes no lock on the fast path; the
// shared TemplateTable (template.go) wraps one of these with a spinlock
// for cross-core persistence-template lookups.
type Table struct {
	buckets []*TupleHash
	lock    *spinlock // nil on a per-core table unless WithCrossCoreLock set it; always set on the shared template table
	count   int64

	alloc    *pool.Pool[Flow]
	wheel    *timerwheel.Wheel
	laddr    *laddrpool.Pool
	saddr    *saddrpool.Pool
	registry *proto.Registry

	mbuf    *pktbuf.Pool
	ackPool *pktbuf.AckWrapperPool

	onExpired func(*Flow)

	initTimeout   atomic.Int64 // nanoseconds; hot-reloaded by SetInitTimeout
	jitterMax     time.Duration
	l4SPortOffset int
}

// NewTable builds a per-core flow table. Per-core tables take no lock:
// they are owned exclusively by the core that calls Hash/Unhash/Lookup on
// them.
func NewTable(alloc *pool.Pool[Flow], wheel *timerwheel.Wheel, lp *laddrpool.Pool, reg *proto.Registry) *Table {
	return newTable(false, alloc, wheel, lp, nil, reg)
}

// NewTableWithSourceAddrPool is NewTable plus a source-address pool, wired
// in for deployments running destinations in source-NAT mode so teardown
// can release the flow's (iface, daddr, saddr) binding.
func NewTableWithSourceAddrPool(alloc *pool.Pool[Flow], wheel *timerwheel.Wheel, lp *laddrpool.Pool, sp *saddrpool.Pool, reg *proto.Registry) *Table {
	return newTable(false, alloc, wheel, lp, sp, reg)
}

func newTable(locked bool, alloc *pool.Pool[Flow], wheel *timerwheel.Wheel, lp *laddrpool.Pool, sp *saddrpool.Pool, reg *proto.Registry) *Table {
	t := &Table{
		buckets:       make([]*TupleHash, TableSize),
		alloc:         alloc,
		wheel:         wheel,
		laddr:         lp,
		saddr:         sp,
		registry:      reg,
		jitterMax:     time.Millisecond,
		l4SPortOffset: 20, // IPv4 20-byte header, source-port field of TCP/UDP
	}
	t.initTimeout.Store(int64(3 * time.Second))
	if locked {
		t.lock = &spinlock{}
	}
	return t
}

// WithCrossCoreLock arms the optional per-core spinlock for builds where
// other cores must peek at this table (stats scraping, session-sync
// injection). The default single-writer-per-core model never needs it.
// Call once at construction time, before the table handles traffic.
func (t *Table) WithCrossCoreLock() *Table {
	if t.lock == nil {
		t.lock = &spinlock{}
	}
	return t
}

// SetSynProxyPools installs the per-core mbuf pool SYN retransmit clones are
// drawn from and the shared wrapper pool for deferred ACKs. Flows created
// with FlagSynProxy need both.
func (t *Table) SetSynProxyPools(mbuf *pktbuf.Pool, ack *pktbuf.AckWrapperPool) {
	t.mbuf = mbuf
	t.ackPool = ack
}

// SetInitTimeout updates the deadline new flows start with, the
// conn_init_timeout keyword's hot-reload hook. Flows already armed keep
// the deadline they were created with.
func (t *Table) SetInitTimeout(d time.Duration) {
	if d > 0 {
		t.initTimeout.Store(int64(d))
	}
}

// OnFlowExpired installs a hook run during final teardown, after the flow
// has been unhashed and its bindings released but before the record
// returns to the allocator — the point where a lifecycle-event feed can
// still read the flow's identity. Call once at construction time.
func (t *Table) OnFlowExpired(fn func(*Flow)) {
	t.onExpired = fn
}

func (t *Table) link(n *TupleHash) {
	b := n.key()
	n.bucket = b
	n.next = t.buckets[b]
	if n.next != nil {
		n.next.prev = n
	}
	n.prev = nil
	t.buckets[b] = n
	n.linked = true
}

func (t *Table) unlink(n *TupleHash) {
	if !n.linked {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		t.buckets[n.bucket] = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.prev, n.next = nil, nil
	n.linked = false
}

// Hash inserts both of f's tuple nodes and takes the single reference
// that covers the pair of directional listings. Returns EXIST if f is
// already hashed.
func (t *Table) Hash(f *Flow) error {
	if t.lock != nil {
		t.lock.Lock()
		defer t.lock.Unlock()
	}
	if f.HasFlag(FlagHashed) {
		return newErr("hash", EXIST)
	}
	t.link(&f.in)
	t.link(&f.out)
	f.SetFlag(FlagHashed)
	f.refcnt.Add(1)
	t.count++
	return nil
}

// Unhash removes both of f's tuple nodes and releases the hash pair's own
// reference. Returns NOTEXIST if f isn't hashed, or BUSY if some caller
// beyond that pair reference still holds f (refcount above refcountFloor,
// i.e. more than the hash's own contribution plus the allocator's initial
// reference).
func (t *Table) Unhash(f *Flow) error {
	if t.lock != nil {
		t.lock.Lock()
		defer t.lock.Unlock()
	}
	if !f.HasFlag(FlagHashed) {
		return newErr("unhash", NOTEXIST)
	}
	if f.Refcnt() > refcountFloor {
		return newErr("unhash", BUSY)
	}
	t.unlink(&f.in)
	t.unlink(&f.out)
	f.ClearFlag(FlagHashed)
	f.refcnt.Add(-1)
	t.count--
	return nil
}

// Lookup finds the flow owning a tuple node matching the given directional
// key, returning the node's direction within the flow (which side of the
// flow the caller's packet arrived as). reverse swaps the source/dest
// halves of the key before matching, so
// Lookup(af,proto,s,d,sp,dp,true) == Lookup(af,proto,d,s,dp,sp,false).
func (t *Table) Lookup(af AddressFamily, protoNum uint8, saddr, daddr netip.Addr, sport, dport uint16, reverse bool) (*Flow, Direction, bool) {
	if reverse {
		saddr, daddr = daddr, saddr
		sport, dport = dport, sport
	}
	b := hashkey(saddr, daddr, sport, dport)
	if t.lock != nil {
		t.lock.Lock()
		defer t.lock.Unlock()
	}
	for n := t.buckets[b]; n != nil; n = n.next {
		if n.matches(af, protoNum, saddr, daddr, sport, dport) {
			return n.owner, n.direction, true
		}
	}
	return nil, 0, false
}

// Count reports the number of hashed flows (each flow contributes exactly
// one, despite occupying two bucket-list slots).
func (t *Table) Count() int64 { return t.count }

// NewFlow runs the full flow creation sequence: acquire an
// object, derive the real-server port, fill tuples, bind the destination
// (and, for full-NAT, a local address), hash, and arm the expiration timer
// with jitter. Any failure unwinds every step that already succeeded, in
// reverse order, so a half-built flow is never left reachable.
func (t *Table) NewFlow(buf *pktbuf.Buffer, p Params, d *dest.Destination, flags Flags) (*Flow, error) {
	f := t.alloc.Acquire()
	if f == nil {
		return nil, newErr("new", NOMEM)
	}
	f.reset()

	isTemplate := flags.has(FlagTemplate)
	sourceNAT := d.FwdMode == dest.FwdSourceNAT

	var pktSrc netip.Addr
	if sourceNAT && buf != nil {
		pktSrc, _ = buf.IPv4SourceAddr()
	}

	rport, err := deriveRPort(p, buf, d, isTemplate, sourceNAT, t.l4SPortOffset)
	if err != nil {
		t.alloc.Release(f)
		return nil, err
	}

	f.fillIdentity(p, rport, d, pktSrc, sourceNAT)

	f.refcnt.Store(1)
	f.flags.Store(uint32(flags))
	if d.FwdMode == dest.FwdDR {
		f.SetFlag(FlagNoOutput)
	}

	if err := bindDestination(f, d); err != nil {
		t.alloc.Release(f)
		return nil, err
	}

	if t.saddr != nil && sourceNAT && p.Proto != ProtoICMP {
		t.saddr.Acquire(f.oifHint, d.Addr, f.daddr)
	}

	if d.FwdMode == dest.FwdFullNAT {
		if err := bindLocalAddress(f, t.laddr, p); err != nil {
			unbindDestination(f)
			t.alloc.Release(f)
			return nil, err
		}
	}

	f.fillOutboundTuple(d, pktSrc, sourceNAT)

	if err := t.Hash(f); err != nil {
		if d.FwdMode == dest.FwdFullNAT {
			unbindLocalAddress(f, t.laddr)
		}
		if t.saddr != nil && sourceNAT && p.Proto != ProtoICMP {
			t.saddr.Release(f.oifHint, d.Addr, f.daddr)
		}
		unbindDestination(f)
		t.alloc.Release(f)
		return nil, err
	}

	// initial deadline is conn_init_timeout; a SYN-proxied flow instead
	// enters SYN_SENT and takes that state's timeout, since it is created
	// from the client's handshake-completing ACK and must now carry the
	// backend handshake (the ACK is deferred until that completes)
	timeout := time.Duration(t.initTimeout.Load())
	if f.HasFlag(FlagSynProxy) && !isTemplate && buf != nil && t.ackPool != nil {
		if raw := buf.HeaderPointer(t.l4SPortOffset+tcpAckSeqOffset, 4); raw != nil {
			ackSeq := binary.BigEndian.Uint32(raw)
			f.InitSynProxyFromAck(t.ackPool, buf, ackSeq)
			f.SetState(proto.TCPSSynSent)
			if proc := t.registry.Lookup(ProtoTCP); proc != nil {
				if to := proc.Timeout(proto.TCPSSynSent); to > 0 {
					timeout = to
				}
			}
		}
	}
	armTimer(f, t, timeout)

	return f, nil
}

// tcpAckSeqOffset is the ack_seq field's offset within a TCP header.
const tcpAckSeqOffset = 8
