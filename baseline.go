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

// This file implements the baseline statistics and the z-score detector.
// All computation is 64-bit floating point; inputs are assumed
// non-negative (the edge rejects negative metrics before enqueue).
package driftwatch

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// ComputeBaseline derives the baseline statistics for one service from
// its recent sample window. latencies and payloads are parallel slices,
// newest-first or oldest-first — order does not matter for any of the
// statistics. The caller enforces the minimum-samples threshold; this
// function only requires enough points for a sample standard deviation.
func ComputeBaseline(serviceID string, latencies, payloads []float64, now time.Time) (Baseline, error) {
	n := len(latencies)
	if n != len(payloads) {
		return Baseline{}, fmt.Errorf("mismatched sample slices: %d latencies vs %d payloads", n, len(payloads))
	}
	if n < 2 {
		return Baseline{}, fmt.Errorf("need at least 2 samples to compute a baseline, have %d", n)
	}

	b := Baseline{
		ServiceID:   serviceID,
		SampleCount: n,
		MeanLatency: mean(latencies),
		MeanPayload: mean(payloads),
		LastUpdated: now,
		CreatedAt:   now,
	}
	b.StddevLatency = sampleStddev(latencies, b.MeanLatency)
	b.StddevPayload = sampleStddev(payloads, b.MeanPayload)

	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	b.P50Latency = percentile(sorted, 50)
	b.P95Latency = percentile(sorted, 95)
	b.P99Latency = percentile(sorted, 99)
	return b, nil
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleStddev is the N-1 (Bessel-corrected) standard deviation.
func sampleStddev(xs []float64, mu float64) float64 {
	var ss float64
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// percentile computes the p-th percentile of an ascending-sorted slice
// using linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// zScore applies the degenerate-σ policy: with zero variance the score
// is 0 at the mean and +Inf anywhere else (a severe anomaly).
func zScore(x, mu, sigma float64) float64 {
	if sigma == 0 {
		if x == mu {
			return 0
		}
		return math.Inf(1)
	}
	return (x - mu) / sigma
}

// Score is the detector: a pure function from one sample and the
// current baseline to a z-score pair. It never fails.
func Score(s Sample, b Baseline) ZScore {
	return ZScore{
		Latency: zScore(s.LatencyMS, b.MeanLatency, b.StddevLatency),
		Payload: zScore(s.PayloadKB, b.MeanPayload, b.StddevPayload),
	}
}
