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

	"driftwatch"
	"driftwatch/internal/driftwatch/config"
	"driftwatch/internal/driftwatch/events"
	"driftwatch/internal/driftwatch/store"
	"driftwatch/internal/driftwatch/telemetry"
)

// Pipeline owns the ingest queue, the worker pool, and the per-service
// detection contexts. The HTTP edge submits validated samples; each
// worker drains one queue shard and drives the full per-sample step:
// durable append, baseline maintenance, scoring, and state transitions.
type Pipeline struct {
	cfg      config.Config
	store    *store.Store
	sink     events.Sink
	queue    *Queue
	contexts *Contexts

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPipeline wires a pipeline. Start must be called before Submit.
func NewPipeline(cfg config.Config, st *store.Store, sink events.Sink) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		sink:     sink,
		queue:    NewQueue(cfg.QueueCapacity, cfg.Workers),
		contexts: NewContexts(),
	}
}

// Submit offers one validated sample to the queue. It never blocks:
// false means the owning shard is full and the caller must shed load.
func (p *Pipeline) Submit(s driftwatch.Sample) bool {
	if !p.queue.TryEnqueue(s) {
		telemetry.ObserveRejected(telemetry.RejectQueueFull)
		return false
	}
	telemetry.ObserveAccepted()
	telemetry.SetQueueDepth(p.queue.Depth())
	return true
}

// QueueDepth returns the buffered sample count.
func (p *Pipeline) QueueDepth() int { return p.queue.Depth() }

// QueueCapacity returns the total queue capacity.
func (p *Pipeline) QueueCapacity() int { return p.queue.Capacity() }

// Start launches one worker per queue shard.
func (p *Pipeline) Start() {
	fmt.Printf("Starting %d pipeline workers...\n", p.queue.Shards())
	for i := 0; i < p.queue.Shards(); i++ {
		p.wg.Add(1)
		go func(shard int) {
			defer p.wg.Done()
			p.runWorker(shard)
		}(i)
	}
}

// Stop closes the queue and waits for the workers to drain the buffered
// samples, up to the configured drain timeout. Accepted samples are
// processed, not discarded.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		fmt.Println("Stopping pipeline, draining queue...")
		p.queue.Close()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.cfg.DrainTimeout):
			fmt.Printf("WARNING: drain timeout after %s with %d samples still queued\n",
				p.cfg.DrainTimeout, p.queue.Depth())
		}
	})
}

// EvictIdle drops contexts that have not been touched for at least age.
// Durable state is untouched; the next sample rehydrates the context.
func (p *Pipeline) EvictIdle(age time.Duration) int {
	var evicted int
	cutoff := time.Now().Add(-age).UnixNano()
	p.contexts.ForEach(func(serviceID string, sc *ServiceContext) {
		if atomic.LoadInt64(&sc.lastAccessed) < cutoff {
			p.contexts.Delete(serviceID)
			evicted++
		}
	})
	return evicted
}

// ResidentServices returns the in-memory context count.
func (p *Pipeline) ResidentServices() int { return p.contexts.Len() }

func (p *Pipeline) runWorker(shard int) {
	for sample := range p.queue.Shard(shard) {
		p.process(sample)
		telemetry.SetQueueDepth(p.queue.Depth())
	}
}

// process runs the full per-sample step. Every durable write goes
// through the retry helper; a sample whose append cannot be persisted
// is dropped and counted, never silently lost inside the pipeline.
func (p *Pipeline) process(sample driftwatch.Sample) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StoreOpTimeout)
	defer cancel()

	if err := p.withRetry(func() error { return p.store.AppendSample(ctx, sample) }); err != nil {
		fmt.Printf("ERROR: dropping sample for %s: %v\n", sample.ServiceID, err)
		telemetry.ObserveStoreError()
		telemetry.ObserveDropped()
		return
	}

	sc, fresh, err := p.contextFor(ctx, sample.ServiceID)
	if err != nil {
		fmt.Printf("ERROR: cannot hydrate context for %s: %v\n", sample.ServiceID, err)
		telemetry.ObserveStoreError()
		telemetry.ObserveDropped()
		return
	}
	sc.touch()
	if !fresh {
		// A fresh hydration already counted this sample via the store.
		sc.sampleCount++
	}
	sc.sinceRecalc++

	if p.baselineDue(sc) {
		p.recalcBaseline(ctx, sc)
	}

	if sc.hasBaseline {
		z := driftwatch.Score(sample, sc.baseline)
		if err := p.store.AppendZScore(ctx, sample.ServiceID, sample.Timestamp, z); err != nil {
			// History is best-effort; detection proceeds.
			fmt.Printf("WARNING: zscore history append failed for %s: %v\n", sample.ServiceID, err)
		}

		snap := sc.machine.Snapshot()
		if tr, ok := sc.machine.Observe(z); ok {
			if err := p.commitTransition(ctx, sc, tr, sample.Timestamp); err != nil {
				// The durable state did not change, so the in-memory
				// machine must not either. The sample will count again
				// when its successor replays the rule.
				sc.machine.Restore(snap)
				telemetry.ObserveStoreError()
				fmt.Printf("ERROR: transition for %s not persisted, rolled back: %v\n", sample.ServiceID, err)
			}
		}
	}

	telemetry.ObserveProcessed(time.Since(start))
}

// contextFor returns the hydrated context for a service. fresh reports
// that hydration happened on this call: the store-derived sample count
// already includes the sample being processed.
func (p *Pipeline) contextFor(ctx context.Context, serviceID string) (*ServiceContext, bool, error) {
	sc := p.contexts.GetOrCreate(serviceID, p.cfg.Machine)
	if sc.hydrated {
		return sc, false, nil
	}

	// Only the owning worker reaches this path, so plain writes are safe.
	h, ok, err := p.store.GetHealth(ctx, serviceID)
	if err != nil {
		return nil, false, err
	}
	if ok {
		sc.machine = driftwatch.NewMachine(p.cfg.Machine, h.State)
	} else {
		h = driftwatch.HealthState{
			ServiceID:           serviceID,
			State:               driftwatch.StateInsufficientData,
			TransitionTimestamp: time.Now().UTC(),
		}
		if err := p.withRetry(func() error { return p.store.UpsertHealth(ctx, h) }); err != nil {
			return nil, false, err
		}
	}

	b, hasBaseline, err := p.store.GetBaseline(ctx, serviceID)
	if err != nil {
		return nil, false, err
	}
	sc.baseline, sc.hasBaseline = b, hasBaseline

	n, err := p.store.SampleCount(ctx, serviceID)
	if err != nil {
		return nil, false, err
	}
	sc.sampleCount = n
	sc.sinceRecalc = 0
	sc.hydrated = true
	return sc, true, nil
}

// baselineDue reports whether the baseline must be (re)computed: the
// first time once the minimum sample count is reached, then every
// BaselineRecalcInterval samples.
func (p *Pipeline) baselineDue(sc *ServiceContext) bool {
	if !sc.hasBaseline {
		return sc.sampleCount >= p.cfg.MinSamplesForBaseline
	}
	return sc.sinceRecalc >= p.cfg.BaselineRecalcInterval
}

// recalcBaseline recomputes the baseline over the rolling window and
// persists it. On any failure the previous baseline stays in effect;
// detection continues against slightly stale statistics.
func (p *Pipeline) recalcBaseline(ctx context.Context, sc *ServiceContext) {
	samples, err := p.store.RecentSamples(ctx, sc.serviceID, p.cfg.BaselineWindowSize)
	if err != nil {
		fmt.Printf("ERROR: baseline window read failed for %s: %v\n", sc.serviceID, err)
		telemetry.ObserveStoreError()
		return
	}
	if len(samples) < p.cfg.MinSamplesForBaseline {
		return
	}

	latencies := make([]float64, len(samples))
	payloads := make([]float64, len(samples))
	for i, s := range samples {
		latencies[i] = s.LatencyMS
		payloads[i] = s.PayloadKB
	}

	now := time.Now().UTC()
	b, err := driftwatch.ComputeBaseline(sc.serviceID, latencies, payloads, now)
	if err != nil {
		fmt.Printf("ERROR: baseline computation failed for %s: %v\n", sc.serviceID, err)
		return
	}
	if sc.hasBaseline {
		b.CreatedAt = sc.baseline.CreatedAt
	}

	if err := p.withRetry(func() error { return p.store.UpsertBaseline(ctx, b) }); err != nil {
		fmt.Printf("ERROR: baseline upsert failed for %s: %v\n", sc.serviceID, err)
		telemetry.ObserveStoreError()
		return
	}
	sc.baseline = b
	sc.hasBaseline = true
	sc.sinceRecalc = 0
	telemetry.ObserveBaselineRecompute()

	snap := sc.machine.Snapshot()
	if tr, ok := sc.machine.MarkBaselineReady(b.SampleCount); ok {
		if err := p.commitTransition(ctx, sc, tr, now); err != nil {
			sc.machine.Restore(snap)
			telemetry.ObserveStoreError()
			fmt.Printf("ERROR: baseline-ready transition for %s not persisted, rolled back: %v\n", sc.serviceID, err)
		}
	}
}

// commitTransition persists a transition and its audit event as one
// unit, then exports the event. Export failures never fail the commit.
func (p *Pipeline) commitTransition(ctx context.Context, sc *ServiceContext, tr driftwatch.Transition, at time.Time) error {
	h := driftwatch.HealthState{
		ServiceID:           sc.serviceID,
		State:               tr.To,
		TransitionTimestamp: at,
		Reason:              tr.Reason,
	}
	ev := driftwatch.DriftEvent{
		ServiceID:      sc.serviceID,
		DetectedAt:     at,
		PreviousState:  tr.From,
		NewState:       tr.To,
		TriggerSamples: tr.TriggerSamples,
		Reason:         tr.Reason,
	}
	if err := p.withRetry(func() error { return p.store.RecordTransition(ctx, h, ev) }); err != nil {
		return err
	}
	telemetry.ObserveTransition(tr.To)
	fmt.Printf("Service %s: %s -> %s (%s)\n", sc.serviceID, tr.From, tr.To, tr.Reason.Kind)

	if err := p.sink.Publish(ctx, ev); err != nil {
		telemetry.ObserveSinkError()
		fmt.Printf("WARNING: event export failed for %s: %v\n", sc.serviceID, err)
	}
	return nil
}

// withRetry runs op up to 1+StoreRetries times with doubling backoff.
func (p *Pipeline) withRetry(op func() error) error {
	backoff := p.cfg.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= p.cfg.StoreRetries {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}
