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
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// LoggingPublisher writes events to the process log instead of a real
// backend — the eventbus analogue of the persistence layer's
// LoggingRedisEvaler, used in demos and tests where no redis instance is
// available.
type LoggingPublisher struct{}

func (LoggingPublisher) Publish(_ context.Context, e Event) error {
	log.Printf("eventbus: %s tuple=%s core=%s", e.Kind, e.Tuple, e.Core)
	return nil
}

// RedisPublisher publishes events on a redis pub/sub channel for an
// external session-sync consumer to read.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (r *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload := fmt.Sprintf("%s|%s|%s", e.Kind, e.Tuple, e.Core)
	return r.client.Publish(ctx, r.channel, payload).Err()
}
