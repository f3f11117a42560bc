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

import "time"

// ICMP has a single short-lived state and no conn_expire hook; the
// expiration engine also skips source-address release for ICMP flows on
// source-NAT destinations.
type ICMP struct {
	timeout time.Duration
}

func NewICMP() *ICMP { return &ICMP{timeout: 30 * time.Second} }

func (i *ICMP) Number() uint8                     { return 1 }
func (i *ICMP) Timeout(int) time.Duration         { return i.timeout }
func (i *ICMP) SetTimeout(d time.Duration)        { i.timeout = d }
func (i *ICMP) GetConnTimeout(Flow) time.Duration { return 0 }
func (i *ICMP) HasConnExpire() bool               { return false }
func (i *ICMP) ConnExpire(Flow)                   {}
