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
	"math/rand"
	"time"

	"connlb/internal/dest"
	"connlb/internal/pktbuf"
)

// expireRetryInterval is how soon a BUSY unhash (some caller still holds
// the flow past the hash table's own reference pair) gets retried, rather
// than extending the flow's actual protocol timeout.
const expireRetryInterval = 50 * time.Millisecond

// synRetryInterval paces successive SYN-proxy retransmits while the
// real-server handshake is still outstanding.
const synRetryInterval = time.Second

// controllerRetryInterval paces the controller-phase recheck on a flow that
// still has children depending on it (n_control > 0).
const controllerRetryInterval = 100 * time.Millisecond

// defaultExpireTimeout is used when neither the protocol's override nor its
// per-state table offers one.
const defaultExpireTimeout = 60 * time.Second

// recomputeTimeout re-derives a flow's timeout from its protocol's current
// state, preferring a live get_conn_timeout override over the protocol's
// static per-state table, and falling back to a 60s default.
func recomputeTimeout(f *Flow, t *Table) time.Duration {
	proc := t.registry.Lookup(f.Proto())
	if proc == nil {
		return defaultExpireTimeout
	}
	if d := proc.GetConnTimeout(f); d > 0 {
		return d
	}
	if d := proc.Timeout(f.State()); d > 0 {
		return d
	}
	return defaultExpireTimeout
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// armTimer schedules f's next expiration check after timeout, with up to
// Table.jitterMax of jitter so large numbers of flows created together
// don't all expire on the same tick — the same role jiffies +
// prandom_u32_max plays in dp_vs_conn_new.
func armTimer(f *Flow, t *Table, timeout time.Duration) {
	f.timeout = timeout
	d := timeout + jitter(t.jitterMax)
	f.timer = t.wheel.Schedule(d, func() { onExpire(f, t) })
}

// onExpire is the timer callback and the multi-pass teardown state machine.
// Each firing either makes progress toward freeing the flow or reschedules
// a later retry; it never blocks and never frees a flow still in use.
//
// dp_vs_conn_expire takes a transient self-reference before
// this runs so the rest of the function is safe against concurrent
// releases, then checks for exactly that extra reference at the unhash
// step. This package's Unhash already distinguishes "no external holder"
// from "something else still has it" by comparing against refcountFloor
// without needing a transient self-ref — adding one here would only make
// every firing observe BUSY, even with no real holder. The self-reference
// and its paired reprieve-phase rehash are therefore omitted as a
// deliberate, documented deviation; Unhash succeeding is always terminal.
func onExpire(f *Flow, t *Table) {
	f.timeout = recomputeTimeout(f, t)

	if f.syn != nil && f.syn.savedSyn != nil {
		if err := f.RetransmitSyn(func(buf *pktbuf.Buffer) error {
			if t.mbuf != nil {
				buf = t.mbuf.Clone(buf)
			}
			if f.inboundXmit == nil {
				return nil
			}
			return f.inboundXmit(f, buf)
		}); err == nil {
			f.timer = t.wheel.Schedule(synRetryInterval+jitter(t.jitterMax), func() { onExpire(f, t) })
			return
		}
		// budget exhausted (BUSY) or never SYN-proxied (NOTSUPP): fall
		// through to the controller/unhash phases below.
	}

	if f.nControl.Load() > 0 {
		f.timer = t.wheel.Schedule(controllerRetryInterval+jitter(t.jitterMax), func() { onExpire(f, t) })
		return
	}

	if err := t.Unhash(f); err != nil {
		d := expireRetryInterval + jitter(t.jitterMax)
		f.timer = t.wheel.Schedule(d, func() { onExpire(f, t) })
		return
	}
	finalizeExpire(f, t)
}

// finalizeExpire runs the teardown steps that only make sense once a flow
// is unhashed and unreachable by new lookups: detach from a
// parent if controlled, run the protocol's conn_expire hook, release a
// source-NAT address binding, release the destination and local-address
// bindings, drain any pending SYN-proxy buffers, notify the expiration
// hook, and return the record to the allocator.
func finalizeExpire(f *Flow, t *Table) {
	if f.parent != nil {
		f.parent.nControl.Add(-1)
		f.parent = nil
	}
	if proc := t.registry.Lookup(f.Proto()); proc != nil && proc.HasConnExpire() {
		proc.ConnExpire(f)
	}
	if t.saddr != nil && f.dst != nil && f.dst.FwdMode == dest.FwdSourceNAT && f.Proto() != ProtoICMP {
		t.saddr.Release(f.oifHint, f.dst.Addr, f.daddr)
	}
	if f.hasLaddr {
		unbindLocalAddress(f, t.laddr)
	}
	unbindDestination(f)
	if f.syn != nil && f.syn.savedSyn != nil && t.mbuf != nil {
		t.mbuf.Free(f.syn.savedSyn)
	}
	drainSynProxy(f)
	if t.onExpired != nil {
		t.onExpired(f)
	}
	t.alloc.Release(f)
}

// ForceExpire tears a flow down immediately regardless of its timer state,
// used by Flush. It cancels the pending timer first so the scheduled
// onExpire callback (if it fires concurrently with a racing Release) never
// double-finalizes the same flow.
func (t *Table) ForceExpire(f *Flow) bool {
	if f.timer != nil {
		f.timer.Cancel()
	}
	if err := t.Unhash(f); err != nil {
		return false
	}
	finalizeExpire(f, t)
	return true
}
