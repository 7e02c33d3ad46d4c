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

package core

import (
	"sync"
	"sync/atomic"
	"time"

	"driftwatch"
)

// ServiceContext is the in-memory detection state for one service: its
// state machine, cached baseline, and recalculation bookkeeping.
//
// A context is only ever mutated by the single worker that owns the
// service's shard, so the fields need no locking. lastAccessed is the
// one exception: the sweeper reads it concurrently for eviction, so it
// is accessed atomically.
type ServiceContext struct {
	serviceID   string
	machine     *driftwatch.Machine
	baseline    driftwatch.Baseline
	hasBaseline bool

	// sampleCount mirrors the stored sample count; sinceRecalc counts
	// appends since the last baseline recomputation.
	sampleCount int
	sinceRecalc int

	hydrated     bool
	lastAccessed int64
}

func (c *ServiceContext) touch() {
	atomic.StoreInt64(&c.lastAccessed, time.Now().UnixNano())
}

// Contexts manages the resident set of service contexts.
type Contexts struct {
	m sync.Map
}

// NewContexts returns an empty context set.
func NewContexts() *Contexts { return &Contexts{} }

// GetOrCreate returns the context for a service, creating an
// unhydrated one on first sight.
//
// Fast path first: a plain Load allocates nothing when the service is
// already resident. Only on a miss do we allocate and LoadOrStore.
func (c *Contexts) GetOrCreate(serviceID string, cfg driftwatch.MachineConfig) *ServiceContext {
	if actual, ok := c.m.Load(serviceID); ok {
		sc := actual.(*ServiceContext)
		sc.touch()
		return sc
	}

	sc := &ServiceContext{
		serviceID:    serviceID,
		machine:      driftwatch.NewMachine(cfg, driftwatch.StateInsufficientData),
		lastAccessed: time.Now().UnixNano(),
	}
	if actual, loaded := c.m.LoadOrStore(serviceID, sc); loaded {
		existing := actual.(*ServiceContext)
		existing.touch()
		return existing
	}
	return sc
}

// ForEach iterates over all resident contexts.
func (c *Contexts) ForEach(f func(serviceID string, sc *ServiceContext)) {
	c.m.Range(func(key, value interface{}) bool {
		f(key.(string), value.(*ServiceContext))
		return true
	})
}

// Delete drops a context from memory. The next sample for the service
// rehydrates it from the store.
func (c *Contexts) Delete(serviceID string) {
	c.m.Delete(serviceID)
}

// Len returns the resident context count.
func (c *Contexts) Len() int {
	n := 0
	c.m.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
