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

import "net/netip"

// Get looks a flow up by its directional 5-tuple and, on a hit, takes a
// reference before returning it — matching dp_vs_conn_get's contract that
// a caller holding the returned *Flow owns a reference it must Put. reverse
// swaps the source/dest halves of the key first, letting a caller look up
// either the inbound or the outbound side of a flow with the same 5-tuple
// reader it used to parse the packet.
func Get(t *Table, af AddressFamily, protoNum uint8, saddr, daddr netip.Addr, sport, dport uint16, reverse bool) (*Flow, Direction, bool) {
	f, dir, ok := t.Lookup(af, protoNum, saddr, daddr, sport, dport, reverse)
	if ok {
		f.Get()
	}
	return f, dir, ok
}

// TemplateGet is Get against the shared persistence-template table.
func TemplateGet(tt *TemplateTable, af AddressFamily, protoNum uint8, saddr, daddr netip.Addr, sport, dport uint16, reverse bool) (*Flow, bool) {
	f, _, ok := Get(tt.Table, af, protoNum, saddr, daddr, sport, dport, reverse)
	return f, ok
}

// Put releases a reference taken by Get and, if the protocol layer wants a
// timeout override for the flow's current state (dp_vs_ct_in_get's
// get_conn_timeout hook), re-arms the timer with it. This is the path a
// packet handler uses after finishing with a flow it intends to keep
// tracking.
func (t *Table) Put(f *Flow) {
	if proc := t.registry.Lookup(f.Proto()); proc != nil {
		if d := proc.GetConnTimeout(f); d > 0 && f.timer != nil {
			f.timer.Update(d)
		}
	}
	f.refcnt.Add(-1)
}

// PutNoReset releases a reference without touching the timer, for callers
// that looked a flow up only to inspect it (stats scraping, admission
// checks) and never intended to extend its lifetime.
func (t *Table) PutNoReset(f *Flow) {
	f.refcnt.Add(-1)
}
