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

// Package driftwatch contains the pure drift-detection core: the domain
// types shared by every layer, the rolling-baseline statistics, the
// z-score detector, and the per-service health state machine.
//
// Nothing in this package performs I/O or blocks. Persistence, queuing,
// and HTTP live under internal/driftwatch.
package driftwatch

import (
	"math"
	"time"
)

// State is the health state of a monitored service.
type State string

const (
	StateInsufficientData State = "INSUFFICIENT_DATA"
	StateStable           State = "STABLE"
	StateDriftDetected    State = "DRIFT_DETECTED"
)

// Valid reports whether s is one of the three known states.
func (s State) Valid() bool {
	switch s {
	case StateInsufficientData, StateStable, StateDriftDetected:
		return true
	}
	return false
}

// Sample is a single telemetry observation for one service.
// Samples are immutable once appended to the store.
type Sample struct {
	ServiceID  string
	Timestamp  time.Time
	LatencyMS  float64
	PayloadKB  float64
	IngestedAt time.Time
}

// Baseline holds the cached statistics computed over a service's most
// recent sample window. A baseline exists only once the service has
// produced at least the configured minimum number of samples.
type Baseline struct {
	ServiceID     string
	SampleCount   int
	MeanLatency   float64
	StddevLatency float64
	MeanPayload   float64
	StddevPayload float64
	P50Latency    float64
	P95Latency    float64
	P99Latency    float64
	LastUpdated   time.Time
	CreatedAt     time.Time
}

// ZScore is the detector output for one sample: how many standard
// deviations each metric sits from its baseline mean.
type ZScore struct {
	Latency float64 `json:"latency_z"`
	Payload float64 `json:"payload_z"`
}

// Max returns max(|latency_z|, |payload_z|), the value every state
// machine rule is evaluated against.
func (z ZScore) Max() float64 {
	l, p := math.Abs(z.Latency), math.Abs(z.Payload)
	if l > p {
		return l
	}
	return p
}

// HealthState is the durable per-service health row. State transitions
// are its only mutations.
type HealthState struct {
	ServiceID           string
	State               State
	TransitionTimestamp time.Time
	Reason              Reason
}

// DriftEvent is the append-only audit record emitted on every state
// transition.
type DriftEvent struct {
	ID             int64
	ServiceID      string
	DetectedAt     time.Time
	PreviousState  State
	NewState       State
	TriggerSamples []ZScore
	Reason         Reason
}

// ReasonKind names the rule that caused a transition.
type ReasonKind string

const (
	ReasonBaselineReady   ReasonKind = "baseline_ready"
	ReasonSevereRun       ReasonKind = "consecutive_severe_anomalies"
	ReasonModerateDensity ReasonKind = "moderate_anomaly_density"
	ReasonRecovery        ReasonKind = "recovery"
)

// Reason is the typed form of a transition's metadata. The serialized
// JSON view (field tags below) is the wire and storage contract; only
// the fields relevant to the kind are populated.
type Reason struct {
	Kind             ReasonKind `json:"reason"`
	SampleCount      int        `json:"sample_count,omitempty"`
	ConsecutiveCount int        `json:"consecutive_count,omitempty"`
	MaxZScore        float64    `json:"max_zscore,omitempty"`
	WindowCount      int        `json:"window_count,omitempty"`
	WindowSize       int        `json:"window_size,omitempty"`
	RecoverySamples  int        `json:"recovery_samples,omitempty"`
}

// zClampLimit bounds z-scores when they are serialized. JSON has no
// representation for ±Inf, which the degenerate-σ rule produces.
const zClampLimit = 1e9

// ClampZ returns z bounded to ±zClampLimit for serialization. In-memory
// comparisons always use the unclamped value.
func ClampZ(z float64) float64 {
	if math.IsInf(z, 1) || z > zClampLimit {
		return zClampLimit
	}
	if math.IsInf(z, -1) || z < -zClampLimit {
		return -zClampLimit
	}
	return z
}

// Clamp returns a copy of z with both components bounded for serialization.
func (z ZScore) Clamp() ZScore {
	return ZScore{Latency: ClampZ(z.Latency), Payload: ClampZ(z.Payload)}
}
