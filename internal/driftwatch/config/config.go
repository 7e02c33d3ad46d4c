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

// Package config holds every operational knob of the DriftWatch service
// together with its contractual default. All values are bound to flags
// in cmd/driftwatch; none is required for operation.
package config

import (
	"fmt"
	"time"

	"driftwatch"
)

// Config is the full runtime configuration.
type Config struct {
	// DatabasePath is the embedded SQLite database file.
	DatabasePath string

	// Baseline engine.
	MinSamplesForBaseline  int
	BaselineWindowSize     int
	BaselineRecalcInterval int

	// State machine thresholds.
	Machine driftwatch.MachineConfig

	// Ingest queue and worker pool.
	QueueCapacity int
	Workers       int
	DrainTimeout  time.Duration

	// Store resilience.
	StoreOpTimeout time.Duration
	StoreRetries   int
	RetryBackoff   time.Duration

	// Retention sweeper.
	TelemetryRetention   time.Duration
	DriftEventsRetention time.Duration
	SweepInterval        time.Duration
	ContextEvictionAge   time.Duration

	// Ingest validation.
	MaxServiceIDLength int
	TimestampTolerance time.Duration
	MaxLatencyMS       float64
	MaxPayloadKB       float64

	// HTTP.
	HTTPAddr    string
	MetricsAddr string

	// Drift-event export sink: "none", "log", or "redis".
	EventSink   string
	RedisAddr   string
	RedisStream string
}

// Default returns the contractual defaults.
func Default() Config {
	return Config{
		DatabasePath: "driftwatch.db",

		MinSamplesForBaseline:  100,
		BaselineWindowSize:     1000,
		BaselineRecalcInterval: 50,

		Machine: driftwatch.DefaultMachineConfig(),

		QueueCapacity: 10000,
		Workers:       4,
		DrainTimeout:  10 * time.Second,

		StoreOpTimeout: 5 * time.Second,
		StoreRetries:   3,
		RetryBackoff:   50 * time.Millisecond,

		TelemetryRetention:   7 * 24 * time.Hour,
		DriftEventsRetention: 30 * 24 * time.Hour,
		SweepInterval:        10 * time.Minute,
		ContextEvictionAge:   time.Hour,

		MaxServiceIDLength: 128,
		TimestampTolerance: time.Hour,
		MaxLatencyMS:       300000,  // 5 minutes; anything above is a client bug
		MaxPayloadKB:       1048576, // 1 GiB

		HTTPAddr:    ":8000",
		MetricsAddr: "",

		EventSink:   "none",
		RedisAddr:   "",
		RedisStream: "driftwatch-events",
	}
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.MinSamplesForBaseline < 2 {
		return fmt.Errorf("min_samples must be >= 2, got %d", c.MinSamplesForBaseline)
	}
	if c.BaselineWindowSize < c.MinSamplesForBaseline {
		return fmt.Errorf("baseline_window (%d) must be >= min_samples (%d)", c.BaselineWindowSize, c.MinSamplesForBaseline)
	}
	if c.BaselineRecalcInterval < 1 {
		return fmt.Errorf("baseline_recalc_interval must be >= 1, got %d", c.BaselineRecalcInterval)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be >= 1, got %d", c.QueueCapacity)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	m := c.Machine
	if m.SevereRun < 1 || m.ModerateCount < 1 || m.RecoveryRun < 1 || m.ModerateWindow < 1 {
		return fmt.Errorf("state machine run lengths must be >= 1")
	}
	if m.ModerateCount > m.ModerateWindow {
		return fmt.Errorf("moderate_count (%d) must be <= moderate_window (%d)", m.ModerateCount, m.ModerateWindow)
	}
	if m.SevereZ <= 0 || m.ModerateZ <= 0 || m.NormalZ <= 0 {
		return fmt.Errorf("z thresholds must be positive")
	}
	if c.MaxServiceIDLength < 1 {
		return fmt.Errorf("max_service_id_length must be >= 1")
	}
	switch c.EventSink {
	case "none", "log", "redis":
	default:
		return fmt.Errorf("unknown event sink %q (want none, log, or redis)", c.EventSink)
	}
	if c.EventSink == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("event sink redis requires a redis address")
	}
	return nil
}
