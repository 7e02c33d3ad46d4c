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

package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"driftwatch"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "driftwatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAt(service string, ts time.Time, latency float64) driftwatch.Sample {
	return driftwatch.Sample{
		ServiceID:  service,
		Timestamp:  ts,
		LatencyMS:  latency,
		PayloadKB:  2.5,
		IngestedAt: ts,
	}
}

func TestAppendSampleThenImmediateRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	if err := s.AppendSample(ctx, sampleAt("svc-a", now, 150)); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := s.RecentSamples(ctx, "svc-a", 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].LatencyMS != 150 {
		t.Fatalf("recent(1) = %+v, want the appended sample", got)
	}
	if !got[0].Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v, want %v", got[0].Timestamp, now)
	}
}

func TestRecentSamplesNewestFirstAndLimited(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	for i := 0; i < 10; i++ {
		if err := s.AppendSample(ctx, sampleAt("svc-a", base.Add(time.Duration(i)*time.Second), float64(100+i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// Another service must not leak into the window.
	if err := s.AppendSample(ctx, sampleAt("svc-b", base, 999)); err != nil {
		t.Fatalf("append other: %v", err)
	}

	got, err := s.RecentSamples(ctx, "svc-a", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []float64{109, 108, 107} {
		if got[i].LatencyMS != want {
			t.Fatalf("recent[%d] = %v, want %v", i, got[i].LatencyMS, want)
		}
	}

	n, err := s.SampleCount(ctx, "svc-a")
	if err != nil || n != 10 {
		t.Fatalf("sample count = %d, %v; want 10", n, err)
	}
}

func TestBaselineUpsertReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Now().Truncate(time.Millisecond)

	b := driftwatch.Baseline{
		ServiceID: "svc-a", SampleCount: 100,
		MeanLatency: 150, StddevLatency: 25,
		MeanPayload: 2.5, StddevPayload: 0.75,
		P50Latency: 149, P95Latency: 192, P99Latency: 210,
		LastUpdated: created, CreatedAt: created,
	}
	if err := s.UpsertBaseline(ctx, b); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	b.SampleCount = 150
	b.MeanLatency = 152
	b.LastUpdated = created.Add(time.Minute)
	if err := s.UpsertBaseline(ctx, b); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	got, ok, err := s.GetBaseline(ctx, "svc-a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.SampleCount != 150 || got.MeanLatency != 152 {
		t.Fatalf("replace not applied: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at changed on replace: %v != %v", got.CreatedAt, created)
	}

	if _, ok, err := s.GetBaseline(ctx, "unknown"); err != nil || ok {
		t.Fatalf("unknown baseline: ok=%v err=%v, want absent", ok, err)
	}
}

func TestHealthRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	h := driftwatch.HealthState{
		ServiceID:           "svc-a",
		State:               driftwatch.StateStable,
		TransitionTimestamp: now,
		Reason:              driftwatch.Reason{Kind: driftwatch.ReasonBaselineReady, SampleCount: 100},
	}
	if err := s.UpsertHealth(ctx, h); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, ok, err := s.GetHealth(ctx, "svc-a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.State != driftwatch.StateStable || got.Reason.Kind != driftwatch.ReasonBaselineReady {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, ok, err := s.GetHealth(ctx, "unknown"); err != nil || ok {
		t.Fatalf("unknown health: ok=%v err=%v, want absent", ok, err)
	}
}

func TestRecordTransitionAppendsEventOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	h := driftwatch.HealthState{
		ServiceID:           "svc-a",
		State:               driftwatch.StateDriftDetected,
		TransitionTimestamp: now,
		Reason:              driftwatch.Reason{Kind: driftwatch.ReasonSevereRun, ConsecutiveCount: 5, MaxZScore: 16},
	}
	ev := driftwatch.DriftEvent{
		ServiceID:      "svc-a",
		DetectedAt:     now,
		PreviousState:  driftwatch.StateStable,
		NewState:       driftwatch.StateDriftDetected,
		TriggerSamples: []driftwatch.ZScore{{Latency: 16}, {Latency: 16.2}},
		Reason:         h.Reason,
	}
	if err := s.RecordTransition(ctx, h, ev); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Replaying the same transition (e.g., after a crash) must be a
	// no-op: no second audit event.
	if err := s.RecordTransition(ctx, h, ev); err != nil {
		t.Fatalf("replay: %v", err)
	}

	events, err := s.RecentDriftEvents(ctx, "svc-a", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want exactly 1 after replay", len(events))
	}
	got := events[0]
	if got.PreviousState != driftwatch.StateStable || got.NewState != driftwatch.StateDriftDetected {
		t.Fatalf("event edge mismatch: %+v", got)
	}
	if len(got.TriggerSamples) != 2 || got.TriggerSamples[1].Latency != 16.2 {
		t.Fatalf("trigger samples mismatch: %+v", got.TriggerSamples)
	}
	if got.Reason.Kind != driftwatch.ReasonSevereRun || got.Reason.ConsecutiveCount != 5 {
		t.Fatalf("reason mismatch: %+v", got.Reason)
	}
}

func TestZScoreHistoryClampsInfinity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.AppendZScore(ctx, "svc-a", time.Now(), driftwatch.ZScore{Latency: math.Inf(1)})
	if err != nil {
		t.Fatalf("append zscore with +Inf: %v", err)
	}
}

func TestPurgeRespectsRetentionBoundaries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	old := now.Add(-10 * 24 * time.Hour)

	if err := s.AppendSample(ctx, sampleAt("svc-a", old, 100)); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := s.AppendSample(ctx, sampleAt("svc-a", now, 150)); err != nil {
		t.Fatalf("append new: %v", err)
	}
	b := driftwatch.Baseline{ServiceID: "svc-a", SampleCount: 100, MeanLatency: 150,
		StddevLatency: 25, MeanPayload: 2.5, StddevPayload: 0.75,
		LastUpdated: old, CreatedAt: old}
	if err := s.UpsertBaseline(ctx, b); err != nil {
		t.Fatalf("upsert baseline: %v", err)
	}
	ev := driftwatch.DriftEvent{ServiceID: "svc-a", DetectedAt: now,
		PreviousState: driftwatch.StateStable, NewState: driftwatch.StateDriftDetected,
		Reason: driftwatch.Reason{Kind: driftwatch.ReasonSevereRun}}
	if err := s.AppendDriftEvent(ctx, ev); err != nil {
		t.Fatalf("append event: %v", err)
	}

	removed, err := s.Purge(ctx, now.Add(-7*24*time.Hour), now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1 (the old sample)", removed)
	}

	n, err := s.SampleCount(ctx, "svc-a")
	if err != nil || n != 1 {
		t.Fatalf("samples after purge = %d, %v; want 1", n, err)
	}
	if _, ok, _ := s.GetBaseline(ctx, "svc-a"); !ok {
		t.Fatalf("baseline must survive purge")
	}
	events, _ := s.RecentDriftEvents(ctx, "svc-a", 10)
	if len(events) != 1 {
		t.Fatalf("recent events must survive the telemetry purge")
	}
}

func TestSystemStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		if err := s.AppendSample(ctx, sampleAt("svc-a", now, 100)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	h := driftwatch.HealthState{ServiceID: "svc-a", State: driftwatch.StateInsufficientData, TransitionTimestamp: now}
	if err := s.UpsertHealth(ctx, h); err != nil {
		t.Fatalf("upsert health: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ServiceCount != 1 || st.TotalSamples != 5 {
		t.Fatalf("stats = %+v, want 1 service / 5 samples", st)
	}
	if st.BytesOnDisk <= 0 {
		t.Fatalf("bytes on disk = %d, want > 0", st.BytesOnDisk)
	}
}
