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

// Package events exports drift events to external consumers. The sink is
// strictly best-effort: the durable audit log in the store is the source
// of truth, and a failing sink must never block or fail the pipeline.
package events

import (
	"context"
	"fmt"

	"driftwatch"
)

// Sink receives every drift event after it has been durably recorded.
type Sink interface {
	Publish(ctx context.Context, ev driftwatch.DriftEvent) error
	Close() error
}

// NopSink discards every event. Used when no export is configured.
type NopSink struct{}

func (NopSink) Publish(context.Context, driftwatch.DriftEvent) error { return nil }
func (NopSink) Close() error                                         { return nil }

// LogSink prints every event to stdout. Useful for demos and debugging.
type LogSink struct{}

func (LogSink) Publish(ctx context.Context, ev driftwatch.DriftEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	fmt.Printf("[drift-event] service=%s %s -> %s reason=%s at=%s\n",
		ev.ServiceID, ev.PreviousState, ev.NewState, ev.Reason.Kind,
		ev.DetectedAt.Format("2006-01-02T15:04:05.000Z07:00"))
	return nil
}

func (LogSink) Close() error { return nil }
