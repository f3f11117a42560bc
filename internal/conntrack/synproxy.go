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
	"container/list"
	"sync/atomic"

	"connlb/internal/pktbuf"
)

// maxSynRetransmits bounds how many times a saved SYN is retransmitted to
// the real server while waiting for its SYN-ACK, after which the half-open
// flow is abandoned rather than retried forever.
const maxSynRetransmits = 5

// synProxyState holds a flow's saved SYN, the client ACKs queued behind it
// while the three-way handshake to the real server is still in flight, and
// the sequence-number bookkeeping the TCP layer needs to splice the two
// half-connections together afterward.
type synProxyState struct {
	savedSyn    *pktbuf.Buffer
	ackQueue    *list.List // of *pktbuf.AckWrapper
	pool        *pktbuf.AckWrapperPool
	retransmits atomic.Int32
	dupAcks     atomic.Int32

	// isn is the proxy-chosen initial sequence number acknowledged by the
	// client (ack_seq - 1); fdataSeq is where the client's forward data
	// starts (ack_seq). Both are kept in network byte order's value space.
	isn      uint32
	fdataSeq uint32
}

func newSynProxyState(pool *pktbuf.AckWrapperPool, syn *pktbuf.Buffer) *synProxyState {
	return &synProxyState{ackQueue: list.New(), pool: pool, savedSyn: syn}
}

// InitSynProxy marks f as SYN-proxied and stashes the client's original SYN
// for retransmission to the real server.
func (f *Flow) InitSynProxy(pool *pktbuf.AckWrapperPool, syn *pktbuf.Buffer) {
	f.syn = newSynProxyState(pool, syn)
	f.SetFlag(FlagSynProxy)
}

// InitSynProxyFromAck sets up SYN-proxy state for a flow created from the
// client's handshake-completing ACK: the ACK itself becomes the first
// deferred packet, isn is recovered as ack_seq-1, and fdataSeq as ack_seq.
// The proxy-built SYN toward the real server is attached later via SaveSyn.
func (f *Flow) InitSynProxyFromAck(pool *pktbuf.AckWrapperPool, ack *pktbuf.Buffer, ackSeq uint32) {
	f.syn = newSynProxyState(pool, nil)
	f.syn.isn = ackSeq - 1
	f.syn.fdataSeq = ackSeq
	f.SetFlag(FlagSynProxy)
	f.QueueAck(ack)
}

// SaveSyn stashes the SYN to retransmit toward the real server. No-op on a
// flow that was never put into SYN-proxy mode.
func (f *Flow) SaveSyn(syn *pktbuf.Buffer) {
	if f.syn == nil {
		return
	}
	f.syn.savedSyn = syn
}

// ISN returns the proxy-chosen initial sequence number, and FdataSeq the
// first client data sequence, both zero if SYN-proxy is not active.
func (f *Flow) ISN() uint32 {
	if f.syn == nil {
		return 0
	}
	return f.syn.isn
}

func (f *Flow) FdataSeq() uint32 {
	if f.syn == nil {
		return 0
	}
	return f.syn.fdataSeq
}

// RecordDupAck counts a duplicate ACK seen while the backend handshake is
// outstanding; the TCP layer consults the count to pace its own probing.
func (f *Flow) RecordDupAck() {
	if f.syn != nil {
		f.syn.dupAcks.Add(1)
	}
}

func (f *Flow) DupAcks() int32 {
	if f.syn == nil {
		return 0
	}
	return f.syn.dupAcks.Load()
}

// PendingAcks reports how many client packets are deferred behind the
// backend handshake.
func (f *Flow) PendingAcks() int {
	if f.syn == nil {
		return 0
	}
	return f.syn.ackQueue.Len()
}

// QueueAck defers a client ACK until the real-server handshake completes.
// Returns false if f was never put into SYN-proxy mode.
func (f *Flow) QueueAck(buf *pktbuf.Buffer) bool {
	if f.syn == nil {
		return false
	}
	w := f.syn.pool.Get()
	w.Buf = buf
	f.syn.ackQueue.PushBack(w)
	return true
}

// RetransmitSyn resends the saved SYN via send, up to maxSynRetransmits
// times; beyond that it returns a BUSY error so the caller gives up on the
// handshake instead of retrying indefinitely.
func (f *Flow) RetransmitSyn(send func(*pktbuf.Buffer) error) error {
	if f.syn == nil || f.syn.savedSyn == nil {
		return newErr("synproxy_retransmit", NOTSUPP)
	}
	if f.syn.retransmits.Load() >= maxSynRetransmits {
		return newErr("synproxy_retransmit", BUSY)
	}
	f.syn.retransmits.Add(1)
	return send(f.syn.savedSyn)
}

// drainSynProxy returns every queued ACK wrapper to its pool and clears the
// flow's SYN-proxy state. Called unconditionally during final teardown;
// a flow that was never SYN-proxied has a nil syn and this is a no-op.
func drainSynProxy(f *Flow) {
	if f.syn == nil {
		return
	}
	for e := f.syn.ackQueue.Front(); e != nil; {
		next := e.Next()
		f.syn.pool.Put(e.Value.(*pktbuf.AckWrapper))
		f.syn.ackQueue.Remove(e)
		e = next
	}
	f.syn.savedSyn = nil
	f.syn = nil
	f.ClearFlag(FlagSynProxy)
}
