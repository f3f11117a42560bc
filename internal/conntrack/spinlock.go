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
	"runtime"
	"sync/atomic"
)

// spinlock is a spin-CAS guard, used for the shared template table where
// DPVS takes a real spinlock rather than a
// blocking mutex: contention there is brief (a handful of atomic field
// updates) and cross-core, so spinning avoids the scheduler round-trip a
// sync.Mutex would cost for what is normally an uncontended lock.
type spinlock struct {
	held atomic.Bool
}

func (s *spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() {
	s.held.Store(false)
}
