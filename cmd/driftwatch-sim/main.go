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

// driftwatch-sim is a synthetic traffic generator for exercising the
// DriftWatch drift detector end to end.
//
// Modes:
//   - normal: Gaussian latency around a healthy mean for the whole run
//   - spike:  40% normal, 30% spiked latency (3.3x), 30% recovery
//   - creep:  latency mean climbs linearly from start to end
//
// Usage examples:
//
//	driftwatch-sim -base=http://127.0.0.1:8000 -mode=normal -duration=60s
//	driftwatch-sim -base=http://127.0.0.1:8000 -mode=spike -duration=90s -rate=10
//	driftwatch-sim -base=http://127.0.0.1:8000 -mode=creep -duration=120s
//
// The generator paces samples at the requested rate, posts them to
// /v1/telemetry, and periodically reports the service's health state.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"
)

type modeType string

const (
	modeNormal modeType = "normal"
	modeSpike  modeType = "spike"
	modeCreep  modeType = "creep"
)

type sample struct {
	latencyMS float64
	payloadKB float64
}

func main() {
	var (
		base      = flag.String("base", "http://127.0.0.1:8000", "Base URL of the DriftWatch API")
		serviceID = flag.String("service_id", "test-payment-service", "Service identifier to simulate")
		modeS     = flag.String("mode", string(modeNormal), "Traffic pattern: normal|spike|creep")
		duration  = flag.Duration("duration", 60*time.Second, "Simulation duration")
		rate      = flag.Int("rate", 10, "Samples per second")
		seed      = flag.Int64("seed", 0, "RNG seed; 0 uses the current time")

		normalLatency = flag.Float64("normal_latency", 150, "Healthy mean latency in ms")
		latencyStddev = flag.Float64("latency_stddev", 25, "Latency standard deviation in ms")
		spikeLatency  = flag.Float64("spike_latency", 500, "Spiked mean latency in ms (spike mode)")
		creepTarget   = flag.Float64("creep_target", 300, "Final mean latency in ms (creep mode)")
		payloadMean   = flag.Float64("payload_mean", 2.5, "Mean payload size in KB (log-normal)")
		payloadStddev = flag.Float64("payload_stddev", 0.8, "Payload standard deviation in KB")
	)
	flag.Parse()

	mode := modeType(strings.ToLower(*modeS))
	switch mode {
	case modeNormal, modeSpike, modeCreep:
	default:
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want normal|spike|creep)\n", *modeS)
		os.Exit(2)
	}
	if *rate < 1 || *duration <= 0 {
		fmt.Fprintln(os.Stderr, "-rate and -duration must be positive")
		os.Exit(2)
	}

	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(s))

	total := int(duration.Seconds()) * *rate
	samples := generate(rng, mode, total, genParams{
		normalLatency: *normalLatency,
		latencyStddev: *latencyStddev,
		spikeLatency:  *spikeLatency,
		creepTarget:   *creepTarget,
		payloadMean:   *payloadMean,
		payloadStddev: *payloadStddev,
	})

	baseURL := strings.TrimRight(*base, "/")
	client := &http.Client{Timeout: 5 * time.Second}

	fmt.Printf("DriftWatch traffic simulator: service=%s mode=%s duration=%s rate=%d/s samples=%d seed=%d\n",
		*serviceID, mode, *duration, *rate, total, s)

	if !apiHealthy(client, baseURL) {
		fmt.Fprintf(os.Stderr, "DriftWatch API not responding at %s\n", baseURL)
		os.Exit(1)
	}

	interval := time.Second / time.Duration(*rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthEvery := total / 10
	if healthEvery < 1 {
		healthEvery = 1
	}

	start := time.Now()
	var sent, rejected, failed int
	for i, sm := range samples {
		<-ticker.C
		switch post(client, baseURL, *serviceID, sm) {
		case http.StatusAccepted:
			sent++
		case http.StatusServiceUnavailable:
			rejected++
		default:
			failed++
		}
		if (i+1)%healthEvery == 0 {
			if state := healthState(client, baseURL, *serviceID); state != "" {
				fmt.Printf("  [%6.1fs] sent=%d rejected=%d failed=%d state=%s latest=%.1fms\n",
					time.Since(start).Seconds(), sent, rejected, failed, state, sm.latencyMS)
			}
		}
	}

	fmt.Printf("Simulation complete: %s elapsed, sent=%d rejected=%d failed=%d\n",
		time.Since(start).Truncate(time.Millisecond), sent, rejected, failed)
	if state := healthState(client, baseURL, *serviceID); state != "" {
		fmt.Printf("Final health state: %s\n", state)
	}
}

type genParams struct {
	normalLatency float64
	latencyStddev float64
	spikeLatency  float64
	creepTarget   float64
	payloadMean   float64
	payloadStddev float64
}

// generate precomputes the whole run so pacing is the only work on the
// send path.
func generate(rng *rand.Rand, mode modeType, total int, p genParams) []sample {
	out := make([]sample, 0, total)
	switch mode {
	case modeNormal:
		for i := 0; i < total; i++ {
			out = append(out, normalSample(rng, p.normalLatency, p.latencyStddev, p))
		}
	case modeSpike:
		// 40% normal, 30% spike, 30% recovery.
		phase1 := int(float64(total) * 0.4)
		phase2 := int(float64(total) * 0.7)
		for i := 0; i < total; i++ {
			mean, std := p.normalLatency, p.latencyStddev
			if i >= phase1 && i < phase2 {
				mean, std = p.spikeLatency, p.spikeLatency*0.15
			}
			out = append(out, normalSample(rng, mean, std, p))
		}
	case modeCreep:
		for i := 0; i < total; i++ {
			progress := float64(i) / float64(total)
			mean := p.normalLatency + (p.creepTarget-p.normalLatency)*progress
			out = append(out, normalSample(rng, mean, mean*0.15, p))
		}
	}
	return out
}

func normalSample(rng *rand.Rand, latMean, latStd float64, p genParams) sample {
	lat := rng.NormFloat64()*latStd + latMean
	if lat < 1 {
		lat = 1
	}
	// Log-normal payload, clipped at 0.1 KB.
	pay := math.Exp(rng.NormFloat64()*(p.payloadStddev/p.payloadMean) + math.Log(p.payloadMean))
	if pay < 0.1 {
		pay = 0.1
	}
	return sample{latencyMS: lat, payloadKB: pay}
}

func post(client *http.Client, base, serviceID string, sm sample) int {
	body, _ := json.Marshal(map[string]any{
		"service_id": serviceID,
		"latency_ms": sm.latencyMS,
		"payload_kb": sm.payloadKB,
	})
	resp, err := client.Post(base+"/v1/telemetry", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func apiHealthy(client *http.Client, base string) bool {
	resp, err := client.Get(base + "/health")
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func healthState(client *http.Client, base, serviceID string) string {
	resp, err := client.Get(base + "/v1/health/" + serviceID)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.State
}
