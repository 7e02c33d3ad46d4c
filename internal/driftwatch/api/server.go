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

// Package api implements the public-facing HTTP server. It validates
// incoming telemetry, hands accepted samples to the pipeline, and
// serves the read-side endpoints straight from the store.
package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"driftwatch"
	"driftwatch/internal/driftwatch/config"
	"driftwatch/internal/driftwatch/core"
	"driftwatch/internal/driftwatch/store"
	"driftwatch/internal/driftwatch/telemetry"
)

// Server handles the HTTP surface of the service.
type Server struct {
	cfg      config.Config
	store    *store.Store
	pipeline *core.Pipeline
	started  time.Time
}

// NewServer creates a server over an opened store and started pipeline.
func NewServer(cfg config.Config, st *store.Store, p *core.Pipeline) *Server {
	return &Server{cfg: cfg, store: st, pipeline: p, started: time.Now()}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/telemetry", s.handleIngest)
	mux.HandleFunc("GET /v1/health/{service_id}", s.handleHealth)
	mux.HandleFunc("GET /v1/baseline/{service_id}", s.handleBaseline)
	mux.HandleFunc("GET /v1/events/{service_id}", s.handleEvents)
	mux.HandleFunc("GET /v1/system/status", s.handleSystemStatus)
	mux.HandleFunc("GET /health", s.handleLiveness)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	httpServer := &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	fmt.Printf("DriftWatch API server listening on %s\n", s.cfg.HTTPAddr)
	return httpServer.ListenAndServe()
}

type ingestRequest struct {
	ServiceID string   `json:"service_id"`
	Timestamp string   `json:"timestamp,omitempty"`
	LatencyMS *float64 `json:"latency_ms"`
	PayloadKB *float64 `json:"payload_kb"`
}

// handleIngest is the hot path: validate, stamp, and enqueue. The
// response is 202 on enqueue, 400 on malformed input, and 503 when the
// queue sheds load.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		telemetry.ObserveRejected(telemetry.RejectValidation)
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	now := time.Now().UTC()
	if !validServiceID(req.ServiceID, s.cfg.MaxServiceIDLength) {
		telemetry.ObserveRejected(telemetry.RejectValidation)
		writeError(w, http.StatusBadRequest, "invalid_service_id",
			fmt.Sprintf("service_id must be 1..%d characters of [a-zA-Z0-9._-]", s.cfg.MaxServiceIDLength))
		return
	}
	if req.LatencyMS == nil || !validMetric(*req.LatencyMS, s.cfg.MaxLatencyMS) {
		telemetry.ObserveRejected(telemetry.RejectValidation)
		writeError(w, http.StatusBadRequest, "invalid_latency_ms",
			fmt.Sprintf("latency_ms must be a finite number in [0, %v]", s.cfg.MaxLatencyMS))
		return
	}
	if req.PayloadKB == nil || !validMetric(*req.PayloadKB, s.cfg.MaxPayloadKB) {
		telemetry.ObserveRejected(telemetry.RejectValidation)
		writeError(w, http.StatusBadRequest, "invalid_payload_kb",
			fmt.Sprintf("payload_kb must be a finite number in [0, %v]", s.cfg.MaxPayloadKB))
		return
	}

	ts := now
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			telemetry.ObserveRejected(telemetry.RejectValidation)
			writeError(w, http.StatusBadRequest, "invalid_timestamp", "timestamp must be RFC 3339")
			return
		}
		if d := now.Sub(parsed); d > s.cfg.TimestampTolerance || d < -s.cfg.TimestampTolerance {
			telemetry.ObserveRejected(telemetry.RejectValidation)
			writeError(w, http.StatusBadRequest, "timestamp_out_of_range",
				fmt.Sprintf("timestamp must be within %s of server time", s.cfg.TimestampTolerance))
			return
		}
		ts = parsed.UTC()
	}

	sample := driftwatch.Sample{
		ServiceID:  req.ServiceID,
		Timestamp:  ts,
		LatencyMS:  *req.LatencyMS,
		PayloadKB:  *req.PayloadKB,
		IngestedAt: now,
	}
	if !s.pipeline.Submit(sample) {
		writeError(w, http.StatusServiceUnavailable, "queue_full", "")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"service_id": sample.ServiceID,
		"timestamp":  sample.Timestamp.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	serviceID := r.PathValue("service_id")
	h, ok, err := s.store.GetHealth(r.Context(), serviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "service_not_found", "")
		return
	}
	count, err := s.store.SampleCount(r.Context(), serviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	body := map[string]any{
		"service_id":           h.ServiceID,
		"state":                h.State,
		"transition_timestamp": h.TransitionTimestamp.Format(time.RFC3339Nano),
		"sample_count":         count,
		"metadata":             h.Reason,
	}
	if b, ok, err := s.store.GetBaseline(r.Context(), serviceID); err == nil && ok {
		body["baseline"] = baselineBody(b)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	serviceID := r.PathValue("service_id")
	b, ok, err := s.store.GetBaseline(r.Context(), serviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "baseline_not_found", "")
		return
	}
	writeJSON(w, http.StatusOK, baselineBody(b))
}

func baselineBody(b driftwatch.Baseline) map[string]any {
	return map[string]any{
		"service_id":        b.ServiceID,
		"sample_count":      b.SampleCount,
		"mean_latency_ms":   b.MeanLatency,
		"stddev_latency_ms": b.StddevLatency,
		"mean_payload_kb":   b.MeanPayload,
		"stddev_payload_kb": b.StddevPayload,
		"p50_latency_ms":    b.P50Latency,
		"p95_latency_ms":    b.P95Latency,
		"p99_latency_ms":    b.P99Latency,
		"last_updated":      b.LastUpdated.Format(time.RFC3339Nano),
		"created_at":        b.CreatedAt.Format(time.RFC3339Nano),
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	serviceID := r.PathValue("service_id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be in [1, 500]")
			return
		}
		limit = n
	}

	events, err := s.store.RecentDriftEvents(r.Context(), serviceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"id":              ev.ID,
			"detected_at":     ev.DetectedAt.Format(time.RFC3339Nano),
			"previous_state":  ev.PreviousState,
			"new_state":       ev.NewState,
			"trigger_samples": ev.TriggerSamples,
			"reason":          ev.Reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service_id": serviceID,
		"events":     out,
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                  "running",
		"uptime_seconds":          int64(time.Since(s.started).Seconds()),
		"services_monitored":      st.ServiceCount,
		"total_telemetry_records": st.TotalSamples,
		"database_size_mb":        float64(st.BytesOnDisk) / (1 << 20),
		"queue_depth":             s.pipeline.QueueDepth(),
		"queue_capacity":          s.pipeline.QueueCapacity(),
		"resident_contexts":       s.pipeline.ResidentServices(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	if s.pipeline.QueueDepth() >= s.pipeline.QueueCapacity() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "saturated"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "driftwatch",
		"endpoints": []string{
			"POST /v1/telemetry",
			"GET /v1/health/{service_id}",
			"GET /v1/baseline/{service_id}",
			"GET /v1/events/{service_id}",
			"GET /v1/system/status",
			"GET /health",
		},
	})
}

// validServiceID enforces the identifier contract: 1..max characters
// drawn from [a-zA-Z0-9._-].
func validServiceID(id string, max int) bool {
	if len(id) < 1 || len(id) > max {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

func validMetric(v, max float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= max
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, errName, detail string) {
	body := map[string]string{"error": errName}
	if detail != "" {
		body["detail"] = detail
	}
	writeJSON(w, code, body)
}
