// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

package events

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"driftwatch"
)

// StreamAdder abstracts the minimal surface we need from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent.
type StreamAdder interface {
	XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	Close() error
}

// RedisSink appends each drift event to a Redis stream as a single entry.
// Consumers read the stream with XREAD/XREADGROUP at their own pace.
type RedisSink struct {
	client StreamAdder
	stream string
}

// NewRedisSink returns a sink that appends to the given stream.
func NewRedisSink(client StreamAdder, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

// Publish appends one stream entry. Trigger samples and the reason are
// carried as JSON blobs; z-scores are clamped before marshaling.
func (r *RedisSink) Publish(ctx context.Context, ev driftwatch.DriftEvent) error {
	reason, err := json.Marshal(ev.Reason)
	if err != nil {
		return fmt.Errorf("marshal reason: %w", err)
	}
	values := map[string]interface{}{
		"service_id":     ev.ServiceID,
		"detected_at":    ev.DetectedAt.UnixMilli(),
		"previous_state": string(ev.PreviousState),
		"new_state":      string(ev.NewState),
		"reason":         string(reason),
	}
	if len(ev.TriggerSamples) > 0 {
		clamped := make([]driftwatch.ZScore, len(ev.TriggerSamples))
		for i, z := range ev.TriggerSamples {
			clamped[i] = z.Clamp()
		}
		triggers, err := json.Marshal(clamped)
		if err != nil {
			return fmt.Errorf("marshal trigger samples: %w", err)
		}
		values["trigger_samples"] = string(triggers)
	}
	if _, err := r.client.XAdd(ctx, r.stream, values); err != nil {
		return fmt.Errorf("xadd %s (%s): %w", r.stream, ev.ServiceID, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisSink) Close() error { return r.client.Close() }

// GoRedisStreamAdder implements StreamAdder on a real Redis connection
// using github.com/redis/go-redis/v9.
type GoRedisStreamAdder struct{ c *redis.Client }

// NewGoRedisStreamAdder connects to an address like "127.0.0.1:6379".
func NewGoRedisStreamAdder(addr string) *GoRedisStreamAdder {
	return &GoRedisStreamAdder{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisStreamAdder) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	return g.c.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

func (g *GoRedisStreamAdder) Close() error { return g.c.Close() }
