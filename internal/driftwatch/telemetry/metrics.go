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

// Package telemetry exposes the Prometheus instrumentation for the
// ingest pipeline. All label sets are bounded; nothing here carries
// per-service cardinality.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"driftwatch"
)

// Rejection reasons used as the label of samplesRejectedTotal.
const (
	RejectValidation = "validation"
	RejectQueueFull  = "queue_full"
)

var (
	samplesAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftwatch_samples_accepted_total",
		Help: "Samples accepted at the edge and enqueued for processing",
	})
	samplesRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwatch_samples_rejected_total",
		Help: "Samples rejected at the edge, by reason",
	}, []string{"reason"})
	samplesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftwatch_samples_dropped_total",
		Help: "Accepted samples dropped in the pipeline after exhausting store retries",
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftwatch_queue_depth",
		Help: "Samples currently buffered in the ingest queue",
	})
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwatch_transitions_total",
		Help: "Health state transitions recorded, by target state",
	}, []string{"to"})
	baselineRecomputesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftwatch_baseline_recomputes_total",
		Help: "Baseline window recomputations",
	})
	storeErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftwatch_store_errors_total",
		Help: "Persistence operations that failed after all retries",
	})
	sinkErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftwatch_sink_errors_total",
		Help: "Drift-event export attempts that failed (best-effort path)",
	})
	servicesTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftwatch_services_tracked",
		Help: "Service contexts currently resident in memory",
	})
	processDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "driftwatch_sample_process_seconds",
		Help:    "Per-sample processing time in the worker, including persistence",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
)

func init() {
	// Register eagerly. If no endpoint is exposed the registration is harmless.
	prometheus.MustRegister(samplesAcceptedTotal, samplesRejectedTotal,
		samplesDroppedTotal, queueDepth, transitionsTotal,
		baselineRecomputesTotal, storeErrorsTotal, sinkErrorsTotal,
		servicesTracked, processDuration)
}

func ObserveAccepted()              { samplesAcceptedTotal.Inc() }
func ObserveRejected(reason string) { samplesRejectedTotal.WithLabelValues(reason).Inc() }
func ObserveDropped()               { samplesDroppedTotal.Inc() }
func SetQueueDepth(n int)           { queueDepth.Set(float64(n)) }
func ObserveBaselineRecompute()     { baselineRecomputesTotal.Inc() }
func ObserveStoreError()            { storeErrorsTotal.Inc() }
func ObserveSinkError()             { sinkErrorsTotal.Inc() }
func SetServicesTracked(n int)      { servicesTracked.Set(float64(n)) }

func ObserveTransition(to driftwatch.State) {
	transitionsTotal.WithLabelValues(string(to)).Inc()
}

func ObserveProcessed(d time.Duration) {
	processDuration.Observe(d.Seconds())
}

// Serve exposes /metrics on the given addr in a background goroutine.
// Leave addr empty to disable the standalone endpoint.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
