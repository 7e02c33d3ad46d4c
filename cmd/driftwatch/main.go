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

// Package main is the DriftWatch server: a drift-detection service for
// service telemetry. It ingests latency/payload samples over HTTP,
// maintains rolling statistical baselines per service, scores every
// sample as a z-score pair, and drives a three-state health machine
// (INSUFFICIENT_DATA, STABLE, DRIFT_DETECTED) whose transitions are
// durably recorded in an embedded SQLite database.
//
// This file orchestrates the service lifecycle:
//  1. Parse configuration flags and validate them.
//  2. Open the store, build the event sink, start the worker pipeline
//     and the retention sweeper.
//  3. Serve the HTTP API (and optionally Prometheus /metrics).
//  4. On shutdown: close the front door first, drain the queue, then
//     stop the background loops and close the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driftwatch/internal/driftwatch/api"
	"driftwatch/internal/driftwatch/config"
	"driftwatch/internal/driftwatch/core"
	"driftwatch/internal/driftwatch/events"
	"driftwatch/internal/driftwatch/store"
	"driftwatch/internal/driftwatch/telemetry"
)

func main() {
	cfg := config.Default()

	dbPath := flag.String("db_path", cfg.DatabasePath, "Path of the embedded SQLite database file")
	minSamples := flag.Int("min_samples", cfg.MinSamplesForBaseline, "Samples required before a service's first baseline is computed")
	baselineWindow := flag.Int("baseline_window", cfg.BaselineWindowSize, "Rolling window size (most recent samples) for baseline statistics")
	baselineRecalc := flag.Int("baseline_recalc_interval", cfg.BaselineRecalcInterval, "Recompute the baseline every N samples once established")
	severeZ := flag.Float64("severe_z", cfg.Machine.SevereZ, "Severe anomaly threshold on max(|z_latency|, |z_payload|)")
	severeRun := flag.Int("severe_run", cfg.Machine.SevereRun, "Consecutive severe anomalies that trip DRIFT_DETECTED")
	moderateZ := flag.Float64("moderate_z", cfg.Machine.ModerateZ, "Moderate anomaly threshold")
	moderateWindow := flag.Int("moderate_window", cfg.Machine.ModerateWindow, "Trailing window (samples) for the moderate density rule")
	moderateCount := flag.Int("moderate_count", cfg.Machine.ModerateCount, "Moderate anomalies within the window that trip DRIFT_DETECTED")
	normalZ := flag.Float64("normal_z", cfg.Machine.NormalZ, "Ceiling below which a sample counts toward recovery")
	recoveryRun := flag.Int("recovery_run", cfg.Machine.RecoveryRun, "Consecutive normal samples that recover a drifted service")
	queueCapacity := flag.Int("queue_capacity", cfg.QueueCapacity, "Total ingest queue capacity; full shards answer 503")
	workers := flag.Int("workers", cfg.Workers, "Worker count (one queue shard per worker)")
	drainTimeout := flag.Duration("drain_timeout", cfg.DrainTimeout, "How long shutdown waits for the queue to drain")
	storeOpTimeout := flag.Duration("store_op_timeout", cfg.StoreOpTimeout, "Per-sample persistence budget")
	storeRetries := flag.Int("store_retries", cfg.StoreRetries, "Retries per failed store operation")
	retryBackoff := flag.Duration("retry_backoff", cfg.RetryBackoff, "Initial backoff between store retries (doubles each attempt)")
	telemetryRetention := flag.Duration("telemetry_retention", cfg.TelemetryRetention, "How long raw samples and z-score history are kept")
	eventsRetention := flag.Duration("events_retention", cfg.DriftEventsRetention, "How long drift events are kept")
	sweepInterval := flag.Duration("sweep_interval", cfg.SweepInterval, "How often the retention sweeper runs")
	evictionAge := flag.Duration("context_eviction_age", cfg.ContextEvictionAge, "Evict service contexts idle for this long (durable state is kept)")
	httpAddr := flag.String("http_addr", cfg.HTTPAddr, "HTTP listen address (e.g., :8000)")
	metricsAddr := flag.String("metrics_addr", cfg.MetricsAddr, "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	eventSink := flag.String("event_sink", cfg.EventSink, "Drift-event export sink: none, log, or redis")
	redisAddr := flag.String("redis_addr", cfg.RedisAddr, "Redis address for the redis event sink (e.g., 127.0.0.1:6379)")
	redisStream := flag.String("redis_stream", cfg.RedisStream, "Redis stream name for exported drift events")
	flag.Parse()

	cfg.DatabasePath = *dbPath
	cfg.MinSamplesForBaseline = *minSamples
	cfg.BaselineWindowSize = *baselineWindow
	cfg.BaselineRecalcInterval = *baselineRecalc
	cfg.Machine.SevereZ = *severeZ
	cfg.Machine.SevereRun = *severeRun
	cfg.Machine.ModerateZ = *moderateZ
	cfg.Machine.ModerateWindow = *moderateWindow
	cfg.Machine.ModerateCount = *moderateCount
	cfg.Machine.NormalZ = *normalZ
	cfg.Machine.RecoveryRun = *recoveryRun
	cfg.QueueCapacity = *queueCapacity
	cfg.Workers = *workers
	cfg.DrainTimeout = *drainTimeout
	cfg.StoreOpTimeout = *storeOpTimeout
	cfg.StoreRetries = *storeRetries
	cfg.RetryBackoff = *retryBackoff
	cfg.TelemetryRetention = *telemetryRetention
	cfg.DriftEventsRetention = *eventsRetention
	cfg.SweepInterval = *sweepInterval
	cfg.ContextEvictionAge = *evictionAge
	cfg.HTTPAddr = *httpAddr
	cfg.MetricsAddr = *metricsAddr
	cfg.EventSink = *eventSink
	cfg.RedisAddr = *redisAddr
	cfg.RedisStream = *redisStream

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Could not open store at %s: %v", cfg.DatabasePath, err)
	}

	sink, err := events.Build(cfg.EventSink, cfg.RedisAddr, cfg.RedisStream)
	if err != nil {
		log.Fatalf("Could not build event sink: %v", err)
	}

	pipeline := core.NewPipeline(cfg, st, sink)
	pipeline.Start()

	sweeper := core.NewSweeper(cfg, st, pipeline)
	sweeper.Start()

	telemetry.Serve(cfg.MetricsAddr)

	apiServer := api.NewServer(cfg, st, pipeline)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		fmt.Printf("DriftWatch API server listening on %s\n", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", cfg.HTTPAddr, err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nShutting down server...")

	// Close the front door first so the drain below is finite.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		fmt.Printf("WARNING: HTTP shutdown: %v\n", err)
	}

	pipeline.Stop()
	sweeper.Stop()
	if err := sink.Close(); err != nil {
		fmt.Printf("WARNING: sink close: %v\n", err)
	}
	if err := st.Close(); err != nil {
		fmt.Printf("WARNING: store close: %v\n", err)
	}

	fmt.Println("Server gracefully stopped.")
}
