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

package proto

import (
	"sync/atomic"
	"time"
)

// TCP connection states. Numbering follows DPVS's
// DPVS_TCP_S_* ordering closely enough that TimeoutTable indices line up
// with the states SYN-proxy and the expiration engine reference by name.
const (
	TCPSClosed int = iota
	TCPSListen
	TCPSSynSent
	TCPSSynRecv
	TCPSEstablished
	TCPSFinWait
	TCPSTimeWait
	TCPSClose
	TCPSCloseWait
	TCPSLastAck
	TCPSStateCount
)

// DefaultTCPTimeouts mirrors typical IPVS/DPVS defaults (seconds).
var DefaultTCPTimeouts = [TCPSStateCount]time.Duration{
	TCPSClosed:      10 * time.Second,
	TCPSListen:      120 * time.Second,
	TCPSSynSent:     3 * time.Second,
	TCPSSynRecv:     60 * time.Second,
	TCPSEstablished: 15 * time.Minute,
	TCPSFinWait:     2 * time.Minute,
	TCPSTimeWait:    2 * time.Minute,
	TCPSClose:       10 * time.Second,
	TCPSCloseWait:   60 * time.Second,
	TCPSLastAck:     30 * time.Second,
}

// TCP is the reference Protocol implementation for TCP flows. It keeps a
// mutable timeout table (conn_init_timeout-style hot reload) and an optional
// idle-scaling override used only for the ESTABLISHED state.
type TCP struct {
	timeouts            [TCPSStateCount]time.Duration
	establishedOverride atomic.Int64 // nanoseconds; 0 means "no override"
	expireHook          func(Flow)
}

func NewTCP() *TCP {
	t := &TCP{timeouts: DefaultTCPTimeouts}
	return t
}

func (t *TCP) Number() uint8 { return 6 }

func (t *TCP) Timeout(state int) time.Duration {
	if state < 0 || state >= TCPSStateCount {
		return 60 * time.Second
	}
	return t.timeouts[state]
}

// SetTimeout allows hot-reloadable adjustment of a single state's timeout,
// matching the config layer's ability to tune conn_init_timeout at runtime.
func (t *TCP) SetTimeout(state int, d time.Duration) {
	if state < 0 || state >= TCPSStateCount || d <= 0 {
		return
	}
	t.timeouts[state] = d
}

// SetEstablishedOverride configures GetConnTimeout's idle-scaling return
// value for ESTABLISHED flows; 0 disables the override.
func (t *TCP) SetEstablishedOverride(d time.Duration) {
	t.establishedOverride.Store(int64(d))
}

func (t *TCP) GetConnTimeout(f Flow) time.Duration {
	if f.State() != TCPSEstablished {
		return 0
	}
	return time.Duration(t.establishedOverride.Load())
}

// OnExpire installs the optional conn_expire teardown hook.
func (t *TCP) OnExpire(fn func(Flow)) { t.expireHook = fn }

func (t *TCP) HasConnExpire() bool { return t.expireHook != nil }

func (t *TCP) ConnExpire(f Flow) {
	if t.expireHook != nil {
		t.expireHook(f)
	}
}
