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

package eventbus

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options configures the adapters Build can select between.
type Options struct {
	RedisAddr    string
	RedisChannel string
}

// Build constructs a Publisher for the demo daemon based on a string
// selector. Supported adapters:
//   - "log" (default): writes events to the process log, no external dep
//   - "redis": publishes on a redis pub/sub channel for an external
//     session-sync consumer; falls back to "log" if no address is given
//
// There is no "postgres" adapter: flow lifecycle events are an
// at-most-once, best-effort feed for an external consumer, not a record
// this process must durably keep (no persistence of flow state across
// process restarts is a stated non-goal).
func Build(adapter string, opts Options) (Publisher, error) {
	switch adapter {
	case "", "log":
		return LoggingPublisher{}, nil
	case "redis":
		if opts.RedisAddr == "" {
			return LoggingPublisher{}, nil
		}
		channel := opts.RedisChannel
		if channel == "" {
			channel = "connlb.flow.events"
		}
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		return NewRedisPublisher(client, channel), nil
	case "postgres":
		return nil, errors.New("postgres adapter is not offered: flow lifecycle events are not durably persisted by this process")
	default:
		return nil, fmt.Errorf("eventbus: unknown adapter %q", adapter)
	}
}
