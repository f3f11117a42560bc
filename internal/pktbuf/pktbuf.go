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

// Package pktbuf is the packet-buffer surface the connection tracker
// consumes: clone(buf, pool), free(buf), mbuf_header_pointer(buf,
// offset, len). The real runtime backs this with a per-NUMA mbuf arena; here
// it is a byte-slice buffer drawn from a sync.Pool, which is the idiomatic
// Go analogue for a fixed-size recycled-buffer pool.
package pktbuf

import (
	"net/netip"
	"sync"
)

// Buffer is a packet buffer. Data holds the full frame starting at the IP
// header (matching mbuf_header_pointer's offset-from-start convention).
type Buffer struct {
	Data []byte
}

// HeaderPointer returns a length-len slice at offset, or nil if the buffer
// is too short — the Go analogue of mbuf_header_pointer's "can't reach past
// buffer end" failure mode.
func (b *Buffer) HeaderPointer(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > len(b.Data) {
		return nil
	}
	return b.Data[offset : offset+length]
}

// ipv4SrcAddrOffset is the byte offset of the source-address field in a
// 20-byte (no-options) IPv4 header, which every buffer in this package is
// assumed to start at.
const ipv4SrcAddrOffset = 12

// IPv4SourceAddr reads the packet's IP source address, used by source-NAT
// flow construction: the outbound tuple's source side and the flow's
// canonical daddr are both taken from the inbound packet rather than from
// the bound destination. Returns false if the buffer is too short to hold
// the field.
func (b *Buffer) IPv4SourceAddr() (netip.Addr, bool) {
	hp := b.HeaderPointer(ipv4SrcAddrOffset, 4)
	if hp == nil {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{hp[0], hp[1], hp[2], hp[3]}), true
}

// Pool is a per-core (or per-NUMA) recycled buffer pool, used for SYN
// clones on the retransmit path and for general inbound buffer reuse.
type Pool struct {
	pool sync.Pool
}

func NewPool() *Pool {
	return &Pool{pool: sync.Pool{New: func() any { return &Buffer{} }}}
}

// Clone copies src into a buffer drawn from p, matching rte_pktmbuf_clone's
// contract of producing an independent copy the caller may free separately.
func (p *Pool) Clone(src *Buffer) *Buffer {
	if src == nil {
		return nil
	}
	dst := p.pool.Get().(*Buffer)
	if cap(dst.Data) < len(src.Data) {
		dst.Data = make([]byte, len(src.Data))
	} else {
		dst.Data = dst.Data[:len(src.Data)]
	}
	copy(dst.Data, src.Data)
	return dst
}

// Free returns a buffer to the pool.
func (p *Pool) Free(b *Buffer) {
	if b == nil {
		return
	}
	b.Data = b.Data[:0]
	p.pool.Put(b)
}

// AckWrapper is the shared-pool object wrapping a single deferred SYN-proxy
// ACK packet, mirroring struct dp_vs_synproxy_ack_pakcet.
type AckWrapper struct {
	Buf *Buffer
}

// AckWrapperPool is the process-wide shared pool deferred SYN-proxy ACK
// wrappers are drawn from.
type AckWrapperPool struct {
	pool sync.Pool
}

func NewAckWrapperPool() *AckWrapperPool {
	return &AckWrapperPool{pool: sync.Pool{New: func() any { return &AckWrapper{} }}}
}

func (p *AckWrapperPool) Get() *AckWrapper {
	return p.pool.Get().(*AckWrapper)
}

func (p *AckWrapperPool) Put(w *AckWrapper) {
	w.Buf = nil
	p.pool.Put(w)
}
