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

// Package store persists telemetry samples, baselines, health states,
// drift events, and the z-score history in a single embedded SQLite
// database file. Writes are serialized through one mutex (single-writer
// model); every statement is parameterized.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"driftwatch"

	_ "modernc.org/sqlite"
)

// Store is the durable persistence layer. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// SystemStats is the aggregate view served by /v1/system/status.
type SystemStats struct {
	ServiceCount int
	TotalSamples int
	BytesOnDisk  int64
}

// Open opens (creating if needed) the database file, applies WAL and
// durability pragmas, and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: WAL still allows readers, and the single-writer
	// model keeps per-sample units trivially observable.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Ping verifies the database responds. Used by the liveness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// AppendSample durably appends one telemetry sample. Identical
// (service_id, timestamp) tuples are accepted; there is no dedup.
func (s *Store) AppendSample(ctx context.Context, sample driftwatch.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry (service_id, timestamp, latency_ms, payload_kb, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sample.ServiceID, ms(sample.Timestamp), sample.LatencyMS, sample.PayloadKB, ms(sample.IngestedAt))
	if err != nil {
		return fmt.Errorf("append sample (%s): %w", sample.ServiceID, err)
	}
	return nil
}

// RecentSamples returns up to limit samples for one service,
// newest-first. The baseline engine calls this with the window size.
func (s *Store) RecentSamples(ctx context.Context, serviceID string, limit int) ([]driftwatch.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, latency_ms, payload_kb, created_at
		   FROM telemetry
		  WHERE service_id = ?
		  ORDER BY timestamp DESC, id DESC
		  LIMIT ?`,
		serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent samples (%s): %w", serviceID, err)
	}
	defer rows.Close()

	var out []driftwatch.Sample
	for rows.Next() {
		var ts, created int64
		sm := driftwatch.Sample{ServiceID: serviceID}
		if err := rows.Scan(&ts, &sm.LatencyMS, &sm.PayloadKB, &created); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		sm.Timestamp = fromMS(ts)
		sm.IngestedAt = fromMS(created)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// SampleCount counts the stored samples for one service.
func (s *Store) SampleCount(ctx context.Context, serviceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM telemetry WHERE service_id = ?`, serviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sample count (%s): %w", serviceID, err)
	}
	return n, nil
}

// UpsertBaseline atomically replaces the baseline row for a service.
// created_at is preserved across replacements.
func (s *Store) UpsertBaseline(ctx context.Context, b driftwatch.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO baselines
		   (service_id, sample_count, mean_latency, stddev_latency,
		    mean_payload, stddev_payload, p50_latency, p95_latency, p99_latency,
		    last_updated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(service_id) DO UPDATE SET
		   sample_count = excluded.sample_count,
		   mean_latency = excluded.mean_latency,
		   stddev_latency = excluded.stddev_latency,
		   mean_payload = excluded.mean_payload,
		   stddev_payload = excluded.stddev_payload,
		   p50_latency = excluded.p50_latency,
		   p95_latency = excluded.p95_latency,
		   p99_latency = excluded.p99_latency,
		   last_updated = excluded.last_updated`,
		b.ServiceID, b.SampleCount, b.MeanLatency, b.StddevLatency,
		b.MeanPayload, b.StddevPayload, b.P50Latency, b.P95Latency, b.P99Latency,
		ms(b.LastUpdated), ms(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert baseline (%s): %w", b.ServiceID, err)
	}
	return nil
}

// GetBaseline returns the baseline for a service, if one exists.
func (s *Store) GetBaseline(ctx context.Context, serviceID string) (driftwatch.Baseline, bool, error) {
	var b driftwatch.Baseline
	var updated, created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT service_id, sample_count, mean_latency, stddev_latency,
		        mean_payload, stddev_payload, p50_latency, p95_latency, p99_latency,
		        last_updated, created_at
		   FROM baselines WHERE service_id = ?`, serviceID).
		Scan(&b.ServiceID, &b.SampleCount, &b.MeanLatency, &b.StddevLatency,
			&b.MeanPayload, &b.StddevPayload, &b.P50Latency, &b.P95Latency, &b.P99Latency,
			&updated, &created)
	if err == sql.ErrNoRows {
		return driftwatch.Baseline{}, false, nil
	}
	if err != nil {
		return driftwatch.Baseline{}, false, fmt.Errorf("get baseline (%s): %w", serviceID, err)
	}
	b.LastUpdated = fromMS(updated)
	b.CreatedAt = fromMS(created)
	return b, true, nil
}

// UpsertHealth atomically replaces the health row for a service.
func (s *Store) UpsertHealth(ctx context.Context, h driftwatch.HealthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertHealthLocked(ctx, s.db, h)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertHealthLocked(ctx context.Context, ex execer, h driftwatch.HealthState) error {
	meta, err := json.Marshal(h.Reason)
	if err != nil {
		return fmt.Errorf("marshal health metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO health_states (service_id, state, transition_timestamp, metadata)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(service_id) DO UPDATE SET
		   state = excluded.state,
		   transition_timestamp = excluded.transition_timestamp,
		   metadata = excluded.metadata`,
		h.ServiceID, string(h.State), ms(h.TransitionTimestamp), string(meta))
	if err != nil {
		return fmt.Errorf("upsert health (%s): %w", h.ServiceID, err)
	}
	return nil
}

// GetHealth returns the health row for a service, if one exists.
func (s *Store) GetHealth(ctx context.Context, serviceID string) (driftwatch.HealthState, bool, error) {
	var h driftwatch.HealthState
	var state string
	var ts int64
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT service_id, state, transition_timestamp, metadata
		   FROM health_states WHERE service_id = ?`, serviceID).
		Scan(&h.ServiceID, &state, &ts, &meta)
	if err == sql.ErrNoRows {
		return driftwatch.HealthState{}, false, nil
	}
	if err != nil {
		return driftwatch.HealthState{}, false, fmt.Errorf("get health (%s): %w", serviceID, err)
	}
	h.State = driftwatch.State(state)
	h.TransitionTimestamp = fromMS(ts)
	if meta.Valid && meta.String != "" {
		// Metadata is best-effort on read; a malformed blob must not
		// make the service unreadable.
		_ = json.Unmarshal([]byte(meta.String), &h.Reason)
	}
	return h, true, nil
}

// RecordTransition applies a state transition and its audit event as a
// single unit. Replays are idempotent: if the stored state already
// equals the target state no event is appended and the stored row is
// left untouched.
func (s *Store) RecordTransition(ctx context.Context, h driftwatch.HealthState, ev driftwatch.DriftEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM health_states WHERE service_id = ?`, h.ServiceID).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read current state (%s): %w", h.ServiceID, err)
	}
	if current.Valid && current.String == string(h.State) {
		// Replayed transition; the durable state already reflects it.
		return tx.Commit()
	}

	if err := s.upsertHealthLocked(ctx, tx, h); err != nil {
		return err
	}
	if err := appendDriftEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendDriftEvent appends one audit record outside a transition unit.
func (s *Store) AppendDriftEvent(ctx context.Context, ev driftwatch.DriftEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendDriftEvent(ctx, s.db, ev)
}

func appendDriftEvent(ctx context.Context, ex execer, ev driftwatch.DriftEvent) error {
	var triggers []byte
	if len(ev.TriggerSamples) > 0 {
		b, err := json.Marshal(ev.TriggerSamples)
		if err != nil {
			return fmt.Errorf("marshal trigger samples: %w", err)
		}
		triggers = b
	}
	meta, err := json.Marshal(ev.Reason)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO drift_events
		   (service_id, detected_at, previous_state, new_state, trigger_samples, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ServiceID, ms(ev.DetectedAt), string(ev.PreviousState), string(ev.NewState),
		nullableString(triggers), string(meta))
	if err != nil {
		return fmt.Errorf("append drift event (%s): %w", ev.ServiceID, err)
	}
	return nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// RecentDriftEvents returns up to limit events for one service,
// newest-first.
func (s *Store) RecentDriftEvents(ctx context.Context, serviceID string, limit int) ([]driftwatch.DriftEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service_id, detected_at, previous_state, new_state, trigger_samples, metadata
		   FROM drift_events
		  WHERE service_id = ?
		  ORDER BY detected_at DESC, id DESC
		  LIMIT ?`,
		serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent drift events (%s): %w", serviceID, err)
	}
	defer rows.Close()

	var out []driftwatch.DriftEvent
	for rows.Next() {
		var ev driftwatch.DriftEvent
		var detected int64
		var prev, next string
		var triggers, meta sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ServiceID, &detected, &prev, &next, &triggers, &meta); err != nil {
			return nil, fmt.Errorf("scan drift event: %w", err)
		}
		ev.DetectedAt = fromMS(detected)
		ev.PreviousState = driftwatch.State(prev)
		ev.NewState = driftwatch.State(next)
		if triggers.Valid && triggers.String != "" {
			_ = json.Unmarshal([]byte(triggers.String), &ev.TriggerSamples)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &ev.Reason)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendZScore records one z-score pair in the history ring. Values are
// clamped: the degenerate-σ policy can produce infinities that neither
// JSON nor a REAL column should carry.
func (s *Store) AppendZScore(ctx context.Context, serviceID string, ts time.Time, z driftwatch.ZScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z = z.Clamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zscore_history (service_id, timestamp, latency_zscore, payload_zscore, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		serviceID, ms(ts), z.Latency, z.Payload, ms(time.Now()))
	if err != nil {
		return fmt.Errorf("append zscore (%s): %w", serviceID, err)
	}
	return nil
}

// Purge removes samples and z-score records created before samplesBefore
// and drift events detected before eventsBefore. Baselines and health
// states are never purged.
func (s *Store) Purge(ctx context.Context, samplesBefore, eventsBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry WHERE created_at < ?`, ms(samplesBefore))
	if err != nil {
		return removed, fmt.Errorf("purge telemetry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM zscore_history WHERE created_at < ?`, ms(samplesBefore))
	if err != nil {
		return removed, fmt.Errorf("purge zscore history: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM drift_events WHERE detected_at < ?`, ms(eventsBefore))
	if err != nil {
		return removed, fmt.Errorf("purge drift events: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}
	return removed, nil
}

// Stats returns the aggregate system view.
func (s *Store) Stats(ctx context.Context) (SystemStats, error) {
	var st SystemStats
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM health_states`).Scan(&st.ServiceCount); err != nil {
		return st, fmt.Errorf("count services: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM telemetry`).Scan(&st.TotalSamples); err != nil {
		return st, fmt.Errorf("count samples: %w", err)
	}
	if fi, err := os.Stat(s.path); err == nil {
		st.BytesOnDisk = fi.Size()
	}
	return st, nil
}
