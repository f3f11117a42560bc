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

// Package config holds the connection tracker's tunable keywords:
// conn_pool_size, conn_pool_cache, conn_init_timeout,
// expire_quiescent_template. It is a small knob registry that wires
// parsed values straight into a running core through registered
// callbacks rather than requiring a process restart to pick up a new
// value.
package config

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Keyword defaults and bounds. conn_pool_size and conn_pool_cache round up
// to a power of two; conn_pool_size additionally carries a 65536 floor.
// conn_init_timeout must land strictly inside (timeoutMin, timeoutMax).
const (
	DefaultConnPoolSize  = 1 << 21 // 2097152
	MinConnPoolSize      = 1 << 16 // 65536
	DefaultConnPoolCache = 256

	timeoutMin = time.Duration(0)
	timeoutMax = 365 * 24 * time.Hour
)

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// NormalizeConnPoolSize applies the conn_pool_size constraints: a 65536
// floor, rounded up to a power of two.
func NormalizeConnPoolSize(n int) int {
	if n < MinConnPoolSize {
		n = MinConnPoolSize
	}
	return nextPow2(n)
}

// NormalizeConnPoolCache applies the conn_pool_cache constraints: strictly
// positive, rounded up to a power of two.
func NormalizeConnPoolCache(n int) int {
	if n < 1 {
		n = 1
	}
	return nextPow2(n)
}

// Config holds the four hot-reloadable keywords and the callbacks wired to
// each by whatever component cares about changes (Table, TemplateTable).
type Config struct {
	ConnPoolSize            atomic.Int64
	ConnPoolCache           atomic.Int64
	ConnInitTimeout         atomic.Int64 // nanoseconds
	ExpireQuiescentTemplate atomic.Bool

	mu                sync.RWMutex
	onPoolSize        func(int)
	onPoolCache       func(int)
	onInitTimeout     func(time.Duration)
	onExpireQuiescent func(bool)
}

// New returns a Config with the DPVS-compatible defaults.
func New() *Config {
	c := &Config{}
	c.ConnPoolSize.Store(int64(DefaultConnPoolSize))
	c.ConnPoolCache.Store(int64(DefaultConnPoolCache))
	c.ConnInitTimeout.Store(int64(3 * time.Second))
	return c
}

func (c *Config) OnConnPoolSize(fn func(int))                { c.mu.Lock(); c.onPoolSize = fn; c.mu.Unlock() }
func (c *Config) OnConnPoolCache(fn func(int))               { c.mu.Lock(); c.onPoolCache = fn; c.mu.Unlock() }
func (c *Config) OnConnInitTimeout(fn func(time.Duration))   { c.mu.Lock(); c.onInitTimeout = fn; c.mu.Unlock() }
func (c *Config) OnExpireQuiescentTemplate(fn func(bool))    { c.mu.Lock(); c.onExpireQuiescent = fn; c.mu.Unlock() }

// Apply sets keyword to value and fires its registered callback, matching
// DPVS's per-keyword *_handler functions
// (conn_pool_size_handler and friends).
func (c *Config) Apply(keyword, value string) error {
	switch keyword {
	case "conn_pool_size":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: conn_pool_size: invalid value %q", value)
		}
		n = NormalizeConnPoolSize(n)
		c.ConnPoolSize.Store(int64(n))
		c.mu.RLock()
		fn := c.onPoolSize
		c.mu.RUnlock()
		if fn != nil {
			fn(n)
		}
	case "conn_pool_cache":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: conn_pool_cache: invalid value %q", value)
		}
		n = NormalizeConnPoolCache(n)
		c.ConnPoolCache.Store(int64(n))
		c.mu.RLock()
		fn := c.onPoolCache
		c.mu.RUnlock()
		if fn != nil {
			fn(n)
		}
	case "conn_init_timeout":
		// the keyword is an integer second count in the config file; a Go
		// duration string is also accepted for convenience
		var d time.Duration
		if n, err := strconv.Atoi(value); err == nil {
			d = time.Duration(n) * time.Second
		} else if parsed, err := time.ParseDuration(value); err == nil {
			d = parsed
		}
		if d <= timeoutMin || d >= timeoutMax {
			return fmt.Errorf("config: conn_init_timeout: invalid value %q", value)
		}
		c.ConnInitTimeout.Store(int64(d))
		c.mu.RLock()
		fn := c.onInitTimeout
		c.mu.RUnlock()
		if fn != nil {
			fn(d)
		}
	case "expire_quiescent_template":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: expire_quiescent_template: invalid value %q", value)
		}
		c.ExpireQuiescentTemplate.Store(b)
		c.mu.RLock()
		fn := c.onExpireQuiescent
		c.mu.RUnlock()
		if fn != nil {
			fn(b)
		}
	default:
		return fmt.Errorf("config: unknown keyword %q", keyword)
	}
	return nil
}
