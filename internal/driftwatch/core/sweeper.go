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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"driftwatch/internal/driftwatch/config"
	"driftwatch/internal/driftwatch/store"
	"driftwatch/internal/driftwatch/telemetry"
)

// Sweeper is the background loop that enforces the retention policy and
// evicts idle service contexts from memory. Baselines and health states
// are never swept; only raw telemetry, z-score history, and expired
// drift events age out.
type Sweeper struct {
	cfg      config.Config
	store    *store.Store
	pipeline *Pipeline
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewSweeper creates a sweeper; call Start to launch the loop.
func NewSweeper(cfg config.Config, st *store.Store, p *Pipeline) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		store:    st,
		pipeline: p,
		stopChan: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	fmt.Println("Starting retention sweeper...")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runSweep()
		case <-s.stopChan:
			return
		}
	}
}

// runSweep purges expired rows and evicts idle contexts. A purge can
// touch many rows, so it gets a generous timeout independent of the
// per-sample store budget.
func (s *Sweeper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	now := time.Now()
	removed, err := s.store.Purge(ctx,
		now.Add(-s.cfg.TelemetryRetention),
		now.Add(-s.cfg.DriftEventsRetention))
	if err != nil {
		fmt.Printf("ERROR: retention purge failed: %v\n", err)
		telemetry.ObserveStoreError()
	} else if removed > 0 {
		fmt.Printf("Sweeper removed %d expired rows\n", removed)
	}

	if evicted := s.pipeline.EvictIdle(s.cfg.ContextEvictionAge); evicted > 0 {
		fmt.Printf("Evicting %d idle service contexts...\n", evicted)
	}
	telemetry.SetServicesTracked(s.pipeline.ResidentServices())
}
