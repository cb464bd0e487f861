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

// SchedulerPolicy selects the scheduling discipline. Policies are
// hot-swappable; a swap drains the ready set and re-enqueues it under the new
// policy while preserving accounting.
type SchedulerPolicy uint8

const (
	PolicyRoundRobin SchedulerPolicy = iota
	PolicyPriority
	PolicyFair
)

func (p SchedulerPolicy) String() string {
	switch p {
	case PolicyRoundRobin:
		return "RoundRobin"
	case PolicyPriority:
		return "Priority"
	case PolicyFair:
		return "Fair"
	}
	return "Unknown"
}

// ParseSchedulerPolicy maps config-file policy names onto the enum.
func ParseSchedulerPolicy(s string) (SchedulerPolicy, bool) {
	switch s {
	case "RoundRobin", "round_robin", "rr":
		return PolicyRoundRobin, true
	case "Priority", "priority":
		return PolicyPriority, true
	case "Fair", "fair":
		return PolicyFair, true
	}
	return PolicyRoundRobin, false
}

// SchedulerStats is the counter snapshot returned by get_scheduler_stats.
// Counters are monotonic within a run.
type SchedulerStats struct {
	TotalScheduled  uint64 `json:"total_scheduled"`
	ContextSwitches uint64 `json:"context_switches"`
	Preemptions     uint64 `json:"preemptions"`
	ActiveCount     int    `json:"active_count"`
	Policy          string `json:"policy"`
	QuantumMs       uint64 `json:"quantum_ms"`
}

// SchedulerIface drives the ready queue and the background preemption loop.
type SchedulerIface interface {
	Setup(prs ProcessServiceIface, evs ObservabilityIface)

	// Start launches the preemption loop goroutine.
	Start()

	// Shutdown stops the preemption loop and waits for it to drain. It is
	// the only stop path: a service dropped without Shutdown is not aborted
	// automatically and its loop keeps running.
	Shutdown()

	Enqueue(pid Pid)
	Remove(pid Pid)
	Block(pid Pid)
	Unblock(pid Pid)

	// ScheduleNext picks the next process to run, marking the previous one
	// Ready. Returns false when the ready set is empty.
	ScheduleNext() (Pid, bool)

	// Yield puts the current process back on the ready queue.
	Yield()

	// Current returns the currently running process, if any.
	Current() (Pid, bool)

	SetPolicy(p SchedulerPolicy)
	Policy() SchedulerPolicy

	SetPriority(pid Pid, prio uint8)

	// ReportRun credits elapsed runtime to pid's cpu time and the fair
	// policy's vruntime. Quantum expiry is measured separately from when
	// the process was seated.
	ReportRun(pid Pid, elapsed time.Duration)

	Stats() SchedulerStats
}
