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

// Package timerwheel is the timer service behind flow expiration:
// schedule/update/cancel, with the template wheel kept distinct from the
// per-core wheel. The Go runtime's own timer heap
// already gives O(log n) schedule/cancel, so each Wheel is a thin,
// instrumented wrapper around time.AfterFunc rather than a reimplementation
// of a jiffies-style wheel; what DPVS calls
// "the template wheel" vs. "the per-core wheel" is modeled here as two
// distinct Wheel instances so call sites still pick one explicitly.
package timerwheel

import (
	"sync/atomic"
	"time"
)

// Handle is an armed timer. Callers hold exactly one Handle per flow.
type Handle struct {
	t      *time.Timer
	wheel  *Wheel
	active atomic.Bool
}

// Wheel counts live timers and dispatches callbacks on its own goroutines
// (inherited from time.AfterFunc); it holds no lock of its own because
// Schedule/Update/Cancel for a given flow are only ever called from the
// flow's owning core.
type Wheel struct {
	name    string
	armed   atomic.Int64
	fired   atomic.Int64
	cancels atomic.Int64
}

func New(name string) *Wheel { return &Wheel{name: name} }

func (w *Wheel) Name() string    { return w.name }
func (w *Wheel) Armed() int64    { return w.armed.Load() }
func (w *Wheel) Fired() int64    { return w.fired.Load() }
func (w *Wheel) Cancels() int64  { return w.cancels.Load() }

// Schedule arms a new timer that invokes fn after d.
func (w *Wheel) Schedule(d time.Duration, fn func()) *Handle {
	h := &Handle{wheel: w}
	h.active.Store(true)
	w.armed.Add(1)
	h.t = time.AfterFunc(d, func() {
		if h.active.CompareAndSwap(true, false) {
			w.armed.Add(-1)
			w.fired.Add(1)
			fn()
		}
	})
	return h
}

// Update re-arms an existing handle with a fresh deadline, matching
// dpvs_timer_update's reset-in-place semantics.
func (h *Handle) Update(d time.Duration) {
	h.t.Reset(d)
}

// Cancel stops the timer. Safe to call even if the timer already fired.
func (h *Handle) Cancel() {
	if h.active.CompareAndSwap(true, false) {
		h.wheel.armed.Add(-1)
		h.wheel.cancels.Add(1)
	}
	h.t.Stop()
}
