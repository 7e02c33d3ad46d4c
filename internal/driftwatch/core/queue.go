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

// Package core runs the ingest pipeline: the bounded sample queue, the
// worker pool that drives detection, the in-memory service contexts,
// and the retention sweeper.
package core

import (
	"hash/fnv"

	"driftwatch"
)

// Queue is the bounded ingest buffer between the HTTP edge and the
// workers. It is sharded by service: every sample of a given service
// lands on the same shard, and each worker drains exactly one shard, so
// per-service processing order matches arrival order without locks.
type Queue struct {
	shards []chan driftwatch.Sample
}

// NewQueue splits capacity evenly across shards (one shard per worker).
func NewQueue(capacity, shards int) *Queue {
	if shards < 1 {
		shards = 1
	}
	per := capacity / shards
	if per < 1 {
		per = 1
	}
	q := &Queue{shards: make([]chan driftwatch.Sample, shards)}
	for i := range q.shards {
		q.shards[i] = make(chan driftwatch.Sample, per)
	}
	return q
}

// shardFor maps a service to its owning shard with a 64-bit FNV-1a hash.
func (q *Queue) shardFor(serviceID string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(serviceID))
	return int(h.Sum64() % uint64(len(q.shards)))
}

// TryEnqueue offers a sample without blocking. It returns false when
// the owning shard is full; the caller sheds the sample (backpressure).
func (q *Queue) TryEnqueue(s driftwatch.Sample) bool {
	select {
	case q.shards[q.shardFor(s.ServiceID)] <- s:
		return true
	default:
		return false
	}
}

// Shard returns the receive side of one shard for its owning worker.
func (q *Queue) Shard(i int) <-chan driftwatch.Sample { return q.shards[i] }

// Shards returns the shard count.
func (q *Queue) Shards() int { return len(q.shards) }

// Depth returns the buffered sample count across all shards.
func (q *Queue) Depth() int {
	n := 0
	for _, ch := range q.shards {
		n += len(ch)
	}
	return n
}

// Capacity returns the total buffer capacity across all shards.
func (q *Queue) Capacity() int {
	n := 0
	for _, ch := range q.shards {
		n += cap(ch)
	}
	return n
}

// Close closes every shard so draining workers terminate. TryEnqueue
// must not be called after Close.
func (q *Queue) Close() {
	for _, ch := range q.shards {
		close(ch)
	}
}
