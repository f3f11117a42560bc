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
	"sync/atomic"
	"time"

	"connlb/internal/conntrack/pool"
	"connlb/internal/dest"
	"connlb/internal/laddrpool"
	"connlb/internal/proto"
	"connlb/internal/timerwheel"
)

// TemplateTable is the process-wide persistence-template table: one flow
// per sticky client, shared across cores and guarded by a spinlock rather
// than the lock-free discipline a per-core Table gets away with.
type TemplateTable struct {
	*Table
	expireQuiescent atomic.Bool
}

func NewTemplateTable(alloc *pool.Pool[Flow], wheel *timerwheel.Wheel, lp *laddrpool.Pool, reg *proto.Registry) *TemplateTable {
	return &TemplateTable{Table: newTable(true, alloc, wheel, lp, nil, reg)}
}

// SetExpireQuiescent is the expire_quiescent_template keyword: when true, a
// template whose destination has dropped to weight 0 expires on schedule
// like any other template instead of being kept alive indefinitely.
func (tt *TemplateTable) SetExpireQuiescent(b bool) { tt.expireQuiescent.Store(b) }

// NewTemplate creates and hashes a persistence template flow, marking it
// with FlagTemplate so the expiration path and metrics can tell it apart
// from a regular data flow.
func (tt *TemplateTable) NewTemplate(p Params, d *dest.Destination, timeout time.Duration) (*Flow, error) {
	f, err := tt.NewFlow(nil, p, d, FlagTemplate)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		f.timer.Update(timeout)
	}
	return f, nil
}

// CheckTemplate reports whether ct's destination is still usable: bound,
// AVAILABLE, and — when expire_quiescent_template is configured — carrying
// non-zero weight. Otherwise it invalidates the template in place rather
// than returning it to service: unless it is already a sentinel, it swaps
// vport/dport to 0xffff and lport/cport to 0 inside an unhash-rewrite-hash
// sequence guarded by the unhash's own BUSY check (a concurrently-held
// template is left exactly as it was, never hashed a second time on top of
// a node that never left the bucket list — the inconsistency the literal
// unhash-then-unconditional-hash sequence in dp_vs_check_template
// risks), then releases the caller's reference. Sentinel ports make the
// template unfindable by any real lookup; it is reaped the next time its
// timer fires.
func (tt *TemplateTable) CheckTemplate(f *Flow) bool {
	d := f.Destination()
	if d == nil {
		return false
	}
	available := d.HasFlag(dest.FlagAvailable)
	quiescentOK := !tt.expireQuiescent.Load() || d.Weight.Load() != 0
	if available && quiescentOK {
		return true
	}

	if f.vport != SentinelPort {
		if err := tt.Unhash(f); err != nil {
			return false
		}
		invalidateToSentinel(f)
		if err := tt.Hash(f); err != nil {
			return false
		}
	}
	tt.PutNoReset(f)
	return false
}

// invalidateToSentinel rewrites a template's canonical ports and both tuple
// nodes to the sentinel pattern, leaving it hashed but unreachable by
// any lookup carrying a real port.
func invalidateToSentinel(f *Flow) {
	f.cport = 0
	f.lport = 0
	f.vport = SentinelPort
	f.dport = SentinelPort

	f.in.sport = f.cport
	f.in.dport = f.vport
	f.out.sport = f.dport
	f.out.dport = f.lport
}
