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

// Package conntrack implements the connection-tracking core of a layer-4
// virtual server: per-core flow tables, a shared persistence-template
// table, the flow lifecycle (allocate/bind/hash/expire/release), and the
// SYN-proxy retransmit and template-quiescence state machines.
package conntrack

import (
	"encoding/binary"
	"math/rand"
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// AddressFamily mirrors af_inet/af_inet6 without pulling in syscall constants.
type AddressFamily uint8

const (
	AFInet AddressFamily = iota
	AFInet6
)

// Protocol numbers this package cares about directly (IANA assigned).
const (
	ProtoIP   uint8 = 0 // wildcard, used by template lookups only
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Direction tags a TupleHash node with which side of the flow it indexes.
type Direction uint8

const (
	DirInbound Direction = iota
	DirOutbound
)

func (d Direction) String() string {
	if d == DirInbound {
		return "in"
	}
	return "out"
}

// tableSeed is chosen once per process at init time, matching dp_vs_conn_rnd
// in DPVS (a random seed mixed into every hash so
// the bucket distribution can't be predicted across restarts).
var tableSeed = rand.Uint64()

// TableBits sizes every Table/TemplateTable bucket array at 2^TableBits.
// DPVS fixes this at 20; it is kept parametric here.
const TableBits = 20
const TableSize = 1 << TableBits
const TableMask = TableSize - 1

// hashkey computes the bucket index for a directional (saddr,sport,daddr,dport)
// key. af and proto are intentionally excluded from the mix (they are only
// compared on match) — this matches rte_jhash_3words(saddr, daddr,
// sport<<16|dport, rnd) in DPVS, just backed by xxhash instead of a
// hand-rolled jhash.
func hashkey(saddr, daddr netip.Addr, sport, dport uint16) uint32 {
	var buf [20]byte
	sb := saddr.As16()
	db := daddr.As16()
	copy(buf[0:16], sb[:])
	// fold the two port fields the same way the 3rd jhash word does
	binary.LittleEndian.PutUint32(buf[16:20], uint32(sport)<<16|uint32(dport))
	h := xxhash.New()
	h.Write(buf[:])
	h.Write(db[:])
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], tableSeed)
	h.Write(seed[:])
	return uint32(h.Sum64()) & TableMask
}

// TupleHash is one of the two directional hash-table entries embedded in a
// Flow. The source recovers the owning flow from a tuple node by
// fixed-offset pointer arithmetic (container_of); that has no equivalent in
// Go, so each node instead carries an explicit owner reference back to its
// Flow (the other of the two equivalent strategies named in the design
// notes — "store an explicit owner reference in each node").
//
// Bucket membership is an intrusive doubly-linked list of *TupleHash, so
// linking/unlinking a flow never allocates.
type TupleHash struct {
	owner *Flow

	af        AddressFamily
	proto     uint8
	saddr     netip.Addr
	daddr     netip.Addr
	sport     uint16
	dport     uint16
	direction Direction

	linked     bool
	bucket     uint32
	prev, next *TupleHash
}

// matches compares a node against a directional lookup key. af is skipped
// for proto==ProtoIP (protocol 0): template lookups use this wildcard to
// express protocol-agnostic, family-agnostic persistence.
func (t *TupleHash) matches(af AddressFamily, proto uint8, saddr, daddr netip.Addr, sport, dport uint16) bool {
	if t.sport != sport || t.dport != dport || t.proto != proto || t.saddr != saddr || t.daddr != daddr {
		return false
	}
	if proto == ProtoIP {
		return true
	}
	return t.af == af
}

// key computes this node's own bucket index.
func (t *TupleHash) key() uint32 {
	return hashkey(t.saddr, t.daddr, t.sport, t.dport)
}

// refcountFloor is the minimum refcount a hashed flow must carry: one for
// the pair of tuple-hash listings (a single atomic increment covers
// both), plus one for whatever caller currently holds it.
const refcountFloor = 2

// SentinelPort marks a persistence template whose destination has gone bad:
// CheckTemplate rewrites vport/dport to this value (and lport/cport to 0)
// so the template becomes unfindable by any real lookup and is reaped the
// next time its timer fires.
const SentinelPort uint16 = 0xffff
