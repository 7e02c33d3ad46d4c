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

// This file implements the per-service health state machine. It consumes
// z-score pairs sequentially in sample order and decides transitions
// between INSUFFICIENT_DATA, STABLE, and DRIFT_DETECTED.
package driftwatch

// MachineConfig holds the detection thresholds. The zero value is not
// usable; start from DefaultMachineConfig.
type MachineConfig struct {
	// SevereZ is the severe anomaly threshold on max(|z_lat|, |z_pay|).
	SevereZ float64
	// SevereRun is the consecutive severe anomaly count that trips drift.
	SevereRun int
	// ModerateZ is the moderate anomaly threshold.
	ModerateZ float64
	// ModerateWindow is the trailing window size in samples.
	ModerateWindow int
	// ModerateCount is the anomaly count within ModerateWindow that trips drift.
	ModerateCount int
	// NormalZ is the ceiling below which a sample counts toward recovery.
	NormalZ float64
	// RecoveryRun is the consecutive normal count that recovers from drift.
	RecoveryRun int
}

// DefaultMachineConfig returns the contractual defaults.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		SevereZ:        3.0,
		SevereRun:      5,
		ModerateZ:      2.5,
		ModerateWindow: 20,
		ModerateCount:  10,
		NormalZ:        2.0,
		RecoveryRun:    50,
	}
}

// Transition describes a single state change together with the audit
// payload for its DriftEvent.
type Transition struct {
	From           State
	To             State
	Reason         Reason
	TriggerSamples []ZScore
}

// Machine is the per-service state machine. It is not safe for
// concurrent use; callers serialize access per service (the worker pool
// shards by service, so one goroutine owns each machine at a time).
type Machine struct {
	cfg   MachineConfig
	state State

	consecutiveSevere int
	consecutiveNormal int
	// maxSevereZ is the largest max-z seen within the current severe run.
	maxSevereZ float64

	// ring holds the last ModerateWindow anomaly flags (max-z > ModerateZ).
	ring          []bool
	ringHead      int
	ringLen       int
	ringAnomalies int

	// trail keeps the last ModerateWindow z-score pairs for audit.
	trail []ZScore
}

// NewMachine builds a machine in the given initial state, which is the
// stored state on rehydration or INSUFFICIENT_DATA for a new service.
func NewMachine(cfg MachineConfig, initial State) *Machine {
	return &Machine{
		cfg:   cfg,
		state: initial,
		ring:  make([]bool, cfg.ModerateWindow),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// MarkBaselineReady fires the INSUFFICIENT_DATA → STABLE transition the
// first time a baseline becomes available. No counters are consulted.
// In any other state it is a no-op.
func (m *Machine) MarkBaselineReady(sampleCount int) (Transition, bool) {
	if m.state != StateInsufficientData {
		return Transition{}, false
	}
	t := Transition{
		From:   m.state,
		To:     StateStable,
		Reason: Reason{Kind: ReasonBaselineReady, SampleCount: sampleCount},
	}
	m.state = StateStable
	m.resetCounters()
	return t, true
}

// Observe consumes one z-score pair and reports whether it caused a
// transition. Counters update in every state; transitions fire only on
// the edges defined for the current state, with the severe rule checked
// before the moderate rule.
func (m *Machine) Observe(z ZScore) (Transition, bool) {
	mz := z.Max()

	if mz > m.cfg.SevereZ {
		m.consecutiveSevere++
		if mz > m.maxSevereZ {
			m.maxSevereZ = mz
		}
	} else {
		m.consecutiveSevere = 0
		m.maxSevereZ = 0
	}

	m.pushRing(mz > m.cfg.ModerateZ)

	if mz <= m.cfg.NormalZ {
		m.consecutiveNormal++
	} else {
		m.consecutiveNormal = 0
	}

	m.trail = append(m.trail, z.Clamp())
	if len(m.trail) > m.cfg.ModerateWindow {
		m.trail = m.trail[1:]
	}

	switch m.state {
	case StateStable:
		if m.consecutiveSevere >= m.cfg.SevereRun {
			return m.transition(StateDriftDetected, Reason{
				Kind:             ReasonSevereRun,
				ConsecutiveCount: m.consecutiveSevere,
				MaxZScore:        ClampZ(m.maxSevereZ),
			}, m.consecutiveSevere), true
		}
		if m.ringAnomalies >= m.cfg.ModerateCount {
			return m.transition(StateDriftDetected, Reason{
				Kind:        ReasonModerateDensity,
				WindowCount: m.ringAnomalies,
				WindowSize:  m.cfg.ModerateWindow,
			}, 0), true
		}
	case StateDriftDetected:
		if m.consecutiveNormal >= m.cfg.RecoveryRun {
			return m.transition(StateStable, Reason{
				Kind:            ReasonRecovery,
				RecoverySamples: m.consecutiveNormal,
			}, 0), true
		}
	}
	return Transition{}, false
}

// transition fires an edge. tail limits the audit payload to the last
// tail trail entries (the samples the tripped rule actually counted);
// zero takes the whole trail.
func (m *Machine) transition(to State, reason Reason, tail int) Transition {
	if tail <= 0 || tail > len(m.trail) {
		tail = len(m.trail)
	}
	t := Transition{
		From:           m.state,
		To:             to,
		Reason:         reason,
		TriggerSamples: append([]ZScore(nil), m.trail[len(m.trail)-tail:]...),
	}
	m.state = to
	m.resetCounters()
	return t
}

func (m *Machine) pushRing(anomaly bool) {
	if m.ringLen == len(m.ring) {
		// Full: the slot at head is the eldest, discard it.
		if m.ring[m.ringHead] {
			m.ringAnomalies--
		}
	} else {
		m.ringLen++
	}
	m.ring[m.ringHead] = anomaly
	if anomaly {
		m.ringAnomalies++
	}
	m.ringHead = (m.ringHead + 1) % len(m.ring)
}

func (m *Machine) resetCounters() {
	m.consecutiveSevere = 0
	m.consecutiveNormal = 0
	m.maxSevereZ = 0
	for i := range m.ring {
		m.ring[i] = false
	}
	m.ringHead = 0
	m.ringLen = 0
	m.ringAnomalies = 0
	m.trail = m.trail[:0]
}

// MachineSnapshot captures the machine's full mutable state so a worker
// can roll back when the durable side of a sample fails. Restoring a
// snapshot guarantees the in-memory state never runs ahead of the store.
type MachineSnapshot struct {
	state             State
	consecutiveSevere int
	consecutiveNormal int
	maxSevereZ        float64
	ring              []bool
	ringHead          int
	ringLen           int
	ringAnomalies     int
	trail             []ZScore
}

// Snapshot returns a deep copy of the mutable state.
func (m *Machine) Snapshot() MachineSnapshot {
	return MachineSnapshot{
		state:             m.state,
		consecutiveSevere: m.consecutiveSevere,
		consecutiveNormal: m.consecutiveNormal,
		maxSevereZ:        m.maxSevereZ,
		ring:              append([]bool(nil), m.ring...),
		ringHead:          m.ringHead,
		ringLen:           m.ringLen,
		ringAnomalies:     m.ringAnomalies,
		trail:             append([]ZScore(nil), m.trail...),
	}
}

// Restore rewinds the machine to a previously captured snapshot.
func (m *Machine) Restore(s MachineSnapshot) {
	m.state = s.state
	m.consecutiveSevere = s.consecutiveSevere
	m.consecutiveNormal = s.consecutiveNormal
	m.maxSevereZ = s.maxSevereZ
	copy(m.ring, s.ring)
	m.ringHead = s.ringHead
	m.ringLen = s.ringLen
	m.ringAnomalies = s.ringAnomalies
	m.trail = append(m.trail[:0], s.trail...)
}
