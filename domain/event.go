//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import "time"

// EventSeverity orders events by importance. Warn and above are never
// dropped by adaptive sampling.
type EventSeverity uint8

const (
	SeverityDebug EventSeverity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityCritical
)

func (s EventSeverity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// EventCategory tags the emitting subsystem.
type EventCategory uint8

const (
	CategoryProcess EventCategory = iota
	CategoryMemory
	CategoryIpc
	CategoryScheduler
	CategorySyscall
	CategoryNetwork
	CategorySecurity
	CategoryVfs
)

func (c EventCategory) String() string {
	switch c {
	case CategoryProcess:
		return "process"
	case CategoryMemory:
		return "memory"
	case CategoryIpc:
		return "ipc"
	case CategoryScheduler:
		return "scheduler"
	case CategorySyscall:
		return "syscall"
	case CategoryNetwork:
		return "network"
	case CategorySecurity:
		return "security"
	case CategoryVfs:
		return "vfs"
	}
	return "unknown"
}

// Event is one observability record. Metric/Value feed the anomaly detector
// for numeric measurements (syscall latency, memory pressure, IPC wait).
type Event struct {
	Timestamp   int64         `json:"ts_ns"`
	Severity    EventSeverity `json:"severity"`
	Category    EventCategory `json:"category"`
	Message     string        `json:"message"`
	Pid         Pid           `json:"pid,omitempty"`
	CausalityID string        `json:"causality_id,omitempty"`
	Metric      string        `json:"metric,omitempty"`
	Value       float64       `json:"value,omitempty"`
}

// StreamStats carries the ring counters. Consumed and Dropped are summed over
// all subscriptions and Buffered is the number of events the ring holds, so
// produced == consumed + dropped + buffered only holds for a single
// subscriber; per subscription, consumed + dropped + lag equals produced.
type StreamStats struct {
	Produced  uint64 `json:"produced"`
	Consumed  uint64 `json:"consumed"`
	Dropped   uint64 `json:"dropped"`
	Buffered  uint64 `json:"buffered"`
	Sampled   uint64 `json:"sampled_out"`
	Anomalies uint64 `json:"anomalies"`
}

// EventFilter selects events for queries and subscriptions. Zero fields
// match everything.
type EventFilter struct {
	Category    *EventCategory
	MinSeverity EventSeverity
	Pid         *Pid
	Since       time.Time
	Until       time.Time
	CausalityID string
}

// Matches reports whether ev passes the filter.
func (f *EventFilter) Matches(ev *Event) bool {
	if f.Category != nil && ev.Category != *f.Category {
		return false
	}
	if ev.Severity < f.MinSeverity {
		return false
	}
	if f.Pid != nil && ev.Pid != *f.Pid {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp < f.Since.UnixNano() {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp > f.Until.UnixNano() {
		return false
	}
	if f.CausalityID != "" && ev.CausalityID != f.CausalityID {
		return false
	}
	return true
}

// AggregateResult summarizes the Value field of the selected events.
type AggregateResult struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// SubscriptionIface is a consumer cursor over the event ring.
type SubscriptionIface interface {
	Name() string

	// Next returns buffered events past the cursor, up to max. Never blocks.
	Next(max int) []Event

	// Lag reports how many events sit between the cursor and the ring head.
	Lag() uint64

	Close()
}

// ObservabilityIface is the event plane: lock-free ring, adaptive sampler,
// anomaly detection, causality linking and the query engine.
type ObservabilityIface interface {
	// Emit records an event; may be sampled out below Warn severity. Cost is
	// bounded and the call never blocks.
	Emit(ev Event)

	// EmitSyscall is the dispatch-path helper: records kind, latency and
	// outcome and feeds the latency anomaly detector.
	EmitSyscall(pid Pid, kind SyscallKind, latency time.Duration, status ResultStatus, causality string)

	Subscribe(name string) SubscriptionIface

	Query(filter EventFilter) []Event
	Aggregate(filter EventFilter) AggregateResult
	GroupByCategory(filter EventFilter) map[string]uint64

	// Trace returns the causality chain for id in emission order; Timeline
	// returns it ordered by timestamp.
	Trace(id string) []Event
	Timeline(id string) []Event

	// NewCausality allocates a fresh causality id.
	NewCausality() string

	Stats() StreamStats

	Shutdown()
}
