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

package events

import (
	"errors"
	"fmt"
)

// Build constructs a Sink from a string selector:
//   - "none": discard events (default)
//   - "log": print events to stdout
//   - "redis": append events to a Redis stream at addr
func Build(selector, addr, stream string) (Sink, error) {
	switch selector {
	case "", "none":
		return NopSink{}, nil
	case "log":
		return LogSink{}, nil
	case "redis":
		if addr == "" {
			return nil, errors.New("redis sink requires an address")
		}
		if stream == "" {
			stream = "driftwatch-events"
		}
		return NewRedisSink(NewGoRedisStreamAdder(addr), stream), nil
	default:
		return nil, fmt.Errorf("unknown event sink: %s", selector)
	}
}
