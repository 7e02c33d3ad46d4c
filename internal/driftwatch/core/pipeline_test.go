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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"driftwatch"
	"driftwatch/internal/driftwatch/config"
	"driftwatch/internal/driftwatch/events"
	"driftwatch/internal/driftwatch/store"
)

// countingSink records exported events in memory.
type countingSink struct {
	mu     sync.Mutex
	events []driftwatch.DriftEvent
}

func (c *countingSink) Publish(_ context.Context, ev driftwatch.DriftEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *countingSink) Close() error { return nil }

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "driftwatch.db")
	cfg.MinSamplesForBaseline = 10
	cfg.BaselineWindowSize = 100
	// Keep the baseline frozen once established so the drift injected
	// below cannot be absorbed into the statistics mid-test.
	cfg.BaselineRecalcInterval = 100000
	cfg.Workers = 1
	cfg.QueueCapacity = 1000
	return cfg
}

func openPipeline(t *testing.T, cfg config.Config, sink events.Sink) (*store.Store, *Pipeline) {
	t.Helper()
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if sink == nil {
		sink = events.NopSink{}
	}
	return st, NewPipeline(cfg, st, sink)
}

// submitWave pushes n samples alternating latency base-10 / base+10 so
// the series has a stable nonzero stddev.
func submitWave(t *testing.T, p *Pipeline, service string, n int, base float64, start time.Time) time.Time {
	t.Helper()
	ts := start
	for i := 0; i < n; i++ {
		lat := base - 10
		if i%2 == 1 {
			lat = base + 10
		}
		ok := p.Submit(driftwatch.Sample{
			ServiceID:  service,
			Timestamp:  ts,
			LatencyMS:  lat,
			PayloadKB:  2.5,
			IngestedAt: ts,
		})
		if !ok {
			t.Fatalf("submit %d rejected", i)
		}
		ts = ts.Add(time.Second)
	}
	return ts
}

func TestPipelineBackpressureRejectsWhenFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueCapacity = 10
	_, p := openPipeline(t, cfg, nil)
	// Workers are intentionally not started: the queue stays full.

	for i := 0; i < 10; i++ {
		if !p.Submit(driftwatch.Sample{ServiceID: "svc-a"}) {
			t.Fatalf("submit %d rejected below capacity", i)
		}
	}
	if p.Submit(driftwatch.Sample{ServiceID: "svc-a"}) {
		t.Fatalf("submit at capacity must be rejected")
	}
	if p.QueueDepth() != 10 {
		t.Fatalf("queue depth = %d, want 10", p.QueueDepth())
	}
}

func TestPipelineDetectsDriftAndRecovers(t *testing.T) {
	cfg := testConfig(t)
	sink := &countingSink{}
	st, p := openPipeline(t, cfg, sink)
	p.Start()

	start := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	// 10 stable samples establish the baseline (mean 150, stddev ~10.5)
	// and fire the baseline-ready transition.
	ts := submitWave(t, p, "svc-a", 10, 150, start)

	// 5 consecutive samples at 400ms are ~24 sigma out: severe run.
	for i := 0; i < 5; i++ {
		if !p.Submit(driftwatch.Sample{ServiceID: "svc-a", Timestamp: ts, LatencyMS: 400, PayloadKB: 2.5, IngestedAt: ts}) {
			t.Fatalf("drift submit %d rejected", i)
		}
		ts = ts.Add(time.Second)
	}

	// 50 consecutive stable samples recover the service.
	submitWave(t, p, "svc-a", 50, 150, ts)

	p.Stop()

	ctx := context.Background()
	h, ok, err := st.GetHealth(ctx, "svc-a")
	if err != nil || !ok {
		t.Fatalf("health: ok=%v err=%v", ok, err)
	}
	if h.State != driftwatch.StateStable {
		t.Fatalf("final state = %s, want STABLE after recovery", h.State)
	}
	if h.Reason.Kind != driftwatch.ReasonRecovery {
		t.Fatalf("final reason = %s, want recovery", h.Reason.Kind)
	}

	evs, err := st.RecentDriftEvents(ctx, "svc-a", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %d, want baseline-ready, drift, recovery", len(evs))
	}
	// Newest-first.
	if evs[0].Reason.Kind != driftwatch.ReasonRecovery ||
		evs[1].Reason.Kind != driftwatch.ReasonSevereRun ||
		evs[2].Reason.Kind != driftwatch.ReasonBaselineReady {
		t.Fatalf("event order: %s, %s, %s", evs[0].Reason.Kind, evs[1].Reason.Kind, evs[2].Reason.Kind)
	}
	if evs[1].PreviousState != driftwatch.StateStable || evs[1].NewState != driftwatch.StateDriftDetected {
		t.Fatalf("drift event edge: %s -> %s", evs[1].PreviousState, evs[1].NewState)
	}
	if len(evs[1].TriggerSamples) != 5 {
		t.Fatalf("drift trigger samples = %d, want 5", len(evs[1].TriggerSamples))
	}

	b, ok, err := st.GetBaseline(ctx, "svc-a")
	if err != nil || !ok {
		t.Fatalf("baseline: ok=%v err=%v", ok, err)
	}
	if b.MeanLatency < 140 || b.MeanLatency > 160 {
		t.Fatalf("baseline mean = %v, want near 150", b.MeanLatency)
	}
	if b.StddevLatency <= 0 {
		t.Fatalf("baseline stddev = %v, want > 0", b.StddevLatency)
	}

	// Every durable event was also exported.
	if sink.count() != 3 {
		t.Fatalf("exported events = %d, want 3", sink.count())
	}
}

func TestPipelineBelowMinimumStaysInsufficient(t *testing.T) {
	cfg := testConfig(t)
	st, p := openPipeline(t, cfg, nil)
	p.Start()

	start := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	submitWave(t, p, "svc-a", 9, 150, start)
	p.Stop()

	ctx := context.Background()
	h, ok, err := st.GetHealth(ctx, "svc-a")
	if err != nil || !ok {
		t.Fatalf("health: ok=%v err=%v", ok, err)
	}
	if h.State != driftwatch.StateInsufficientData {
		t.Fatalf("state = %s, want INSUFFICIENT_DATA below the minimum", h.State)
	}
	if _, ok, _ := st.GetBaseline(ctx, "svc-a"); ok {
		t.Fatalf("no baseline may exist below the minimum sample count")
	}
	evs, _ := st.RecentDriftEvents(ctx, "svc-a", 10)
	if len(evs) != 0 {
		t.Fatalf("events = %d, want none", len(evs))
	}
}

func TestPipelinePerServiceOrderIsArrivalOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 4
	st, p := openPipeline(t, cfg, nil)
	p.Start()

	// Identical timestamps force RecentSamples to fall back to insert
	// order, which therefore must match submission order per service.
	ts := time.Now().Truncate(time.Millisecond)
	services := []string{"svc-a", "svc-b", "svc-c"}
	const perService = 20
	for i := 0; i < perService; i++ {
		for _, svc := range services {
			if !p.Submit(driftwatch.Sample{ServiceID: svc, Timestamp: ts, LatencyMS: float64(i), PayloadKB: 1, IngestedAt: ts}) {
				t.Fatalf("submit %s/%d rejected", svc, i)
			}
		}
	}
	p.Stop()

	ctx := context.Background()
	for _, svc := range services {
		got, err := st.RecentSamples(ctx, svc, perService)
		if err != nil {
			t.Fatalf("recent %s: %v", svc, err)
		}
		if len(got) != perService {
			t.Fatalf("%s stored %d samples, want %d", svc, len(got), perService)
		}
		for i, s := range got {
			want := float64(perService - 1 - i)
			if s.LatencyMS != want {
				t.Fatalf("%s position %d = %v, want %v (arrival order violated)", svc, i, s.LatencyMS, want)
			}
		}
	}
}

func TestPipelineRehydratesAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	st, p := openPipeline(t, cfg, nil)
	p.Start()

	start := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	ts := submitWave(t, p, "svc-a", 10, 150, start)
	p.Stop()

	h, ok, err := st.GetHealth(context.Background(), "svc-a")
	if err != nil || !ok || h.State != driftwatch.StateStable {
		t.Fatalf("setup: health = %+v ok=%v err=%v", h, ok, err)
	}

	// A fresh pipeline over the same database must pick up the durable
	// state: the machine resumes in STABLE and a severe run still trips.
	p2 := NewPipeline(cfg, st, events.NopSink{})
	p2.Start()
	for i := 0; i < 5; i++ {
		if !p2.Submit(driftwatch.Sample{ServiceID: "svc-a", Timestamp: ts, LatencyMS: 400, PayloadKB: 2.5, IngestedAt: ts}) {
			t.Fatalf("submit %d rejected", i)
		}
		ts = ts.Add(time.Second)
	}
	p2.Stop()

	h, ok, err = st.GetHealth(context.Background(), "svc-a")
	if err != nil || !ok {
		t.Fatalf("health after restart: ok=%v err=%v", ok, err)
	}
	if h.State != driftwatch.StateDriftDetected {
		t.Fatalf("state = %s, want DRIFT_DETECTED after rehydrated severe run", h.State)
	}
}

func TestPipelineEvictIdleKeepsDurableState(t *testing.T) {
	cfg := testConfig(t)
	st, p := openPipeline(t, cfg, nil)
	p.Start()

	start := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	submitWave(t, p, "svc-a", 10, 150, start)
	p.Stop()

	if p.ResidentServices() != 1 {
		t.Fatalf("resident = %d, want 1", p.ResidentServices())
	}
	if n := p.EvictIdle(0); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if p.ResidentServices() != 0 {
		t.Fatalf("resident after eviction = %d, want 0", p.ResidentServices())
	}

	h, ok, err := st.GetHealth(context.Background(), "svc-a")
	if err != nil || !ok || h.State != driftwatch.StateStable {
		t.Fatalf("durable health must survive eviction: %+v ok=%v err=%v", h, ok, err)
	}
}

func TestPipelineManyServicesIndependentState(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 4
	sink := &countingSink{}
	st, p := openPipeline(t, cfg, sink)
	p.Start()

	start := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	// svc-0 drifts; the others stay stable on the same traffic shape.
	for s := 0; s < 4; s++ {
		svc := fmt.Sprintf("svc-%d", s)
		ts := submitWave(t, p, svc, 10, 150, start)
		if s == 0 {
			for i := 0; i < 5; i++ {
				p.Submit(driftwatch.Sample{ServiceID: svc, Timestamp: ts, LatencyMS: 400, PayloadKB: 2.5, IngestedAt: ts})
				ts = ts.Add(time.Second)
			}
		}
	}
	p.Stop()

	ctx := context.Background()
	for s := 0; s < 4; s++ {
		svc := fmt.Sprintf("svc-%d", s)
		h, ok, err := st.GetHealth(ctx, svc)
		if err != nil || !ok {
			t.Fatalf("health %s: ok=%v err=%v", svc, ok, err)
		}
		want := driftwatch.StateStable
		if s == 0 {
			want = driftwatch.StateDriftDetected
		}
		if h.State != want {
			t.Fatalf("%s state = %s, want %s", svc, h.State, want)
		}
	}
}
