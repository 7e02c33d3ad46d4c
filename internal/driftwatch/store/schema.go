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

// schema is applied on every open; all statements are idempotent.
// Timestamps are Unix milliseconds. The two composite indices back the
// hot lookups: recent samples per service and recent events per service.
const schema = `
CREATE TABLE IF NOT EXISTS telemetry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	latency_ms REAL NOT NULL CHECK (latency_ms >= 0),
	payload_kb REAL NOT NULL CHECK (payload_kb >= 0),
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_service_ts
	ON telemetry(service_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS baselines (
	service_id TEXT PRIMARY KEY,
	sample_count INTEGER NOT NULL CHECK (sample_count > 0),
	mean_latency REAL NOT NULL,
	stddev_latency REAL NOT NULL CHECK (stddev_latency >= 0),
	mean_payload REAL NOT NULL,
	stddev_payload REAL NOT NULL CHECK (stddev_payload >= 0),
	p50_latency REAL,
	p95_latency REAL,
	p99_latency REAL,
	last_updated INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS health_states (
	service_id TEXT PRIMARY KEY,
	state TEXT NOT NULL CHECK (state IN ('INSUFFICIENT_DATA','STABLE','DRIFT_DETECTED')),
	transition_timestamp INTEGER NOT NULL,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS drift_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_id TEXT NOT NULL,
	detected_at INTEGER NOT NULL,
	previous_state TEXT NOT NULL,
	new_state TEXT NOT NULL,
	trigger_samples TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_drift_events_service_detected
	ON drift_events(service_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS zscore_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	latency_zscore REAL NOT NULL,
	payload_zscore REAL NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_zscore_service_created
	ON zscore_history(service_id, created_at DESC);
`
