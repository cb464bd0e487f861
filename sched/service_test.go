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

package sched

import (
	"io/ioutil"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

func newTestSched(policy domain.SchedulerPolicy) *schedService {
	return NewSchedulerService(
		policy,
		10*time.Millisecond,
		100*time.Microsecond,
		100,
	).(*schedService)
}

func TestRoundRobinFairness(t *testing.T) {
	ss := newTestSched(domain.PolicyRoundRobin)

	ss.Enqueue(1)
	ss.Enqueue(2)
	ss.Enqueue(3)

	counts := make(map[domain.Pid]int)
	for i := 0; i < 300; i++ {
		pid, ok := ss.ScheduleNext()
		if !ok {
			t.Fatalf("ScheduleNext() ran dry at iteration %d", i)
		}
		counts[pid]++
	}

	for pid := domain.Pid(1); pid <= 3; pid++ {
		if counts[pid] < 99 || counts[pid] > 101 {
			t.Errorf("pid %d scheduled %d times, want 100 +/- 1", pid, counts[pid])
		}
	}
}

func TestPolicySwitchPreservesReadySet(t *testing.T) {
	ss := newTestSched(domain.PolicyRoundRobin)

	ss.Enqueue(1)
	ss.Enqueue(2)
	ss.Enqueue(3)

	ss.SetPolicy(domain.PolicyFair)

	if got := ss.Stats().ActiveCount; got != 3 {
		t.Errorf("active after policy switch = %d, want 3", got)
	}
	if ss.Policy() != domain.PolicyFair {
		t.Errorf("policy = %v, want Fair", ss.Policy())
	}

	// Everything still schedules under the new discipline.
	seen := make(map[domain.Pid]bool)
	for i := 0; i < 3; i++ {
		pid, ok := ss.ScheduleNext()
		if !ok {
			t.Fatalf("ScheduleNext() ran dry")
		}
		seen[pid] = true
	}
	if len(seen) != 3 {
		t.Errorf("scheduled %d distinct pids, want 3", len(seen))
	}
}

func TestFairPicksSmallestVruntime(t *testing.T) {
	ss := newTestSched(domain.PolicyFair)

	ss.Enqueue(1)
	ss.Enqueue(2)

	// Charge pid 1 heavily; pid 2 must win the next pick.
	ss.ReportRun(1, 50*time.Millisecond)

	pid, ok := ss.ScheduleNext()
	if !ok || pid != 2 {
		t.Errorf("ScheduleNext() = %d/%v, want pid 2", pid, ok)
	}
}

func TestFairVruntimeWeighting(t *testing.T) {
	ss := newTestSched(domain.PolicyFair)

	ss.Enqueue(1)
	ss.Enqueue(2)

	ss.info[1].prio = 0
	ss.info[2].prio = 10

	ss.ReportRun(1, 10*time.Millisecond)
	ss.ReportRun(2, 10*time.Millisecond)

	// vruntime = elapsed * (1 + prio/10): the low-urgency process accrues
	// twice as fast.
	v1 := ss.info[1].vruntime
	v2 := ss.info[2].vruntime
	if v2 != 2*v1 {
		t.Errorf("vruntime weighting: v1 = %v, v2 = %v, want v2 == 2*v1", v1, v2)
	}
}

func TestPriorityBandsAndAging(t *testing.T) {
	ss := NewSchedulerService(
		domain.PolicyPriority,
		10*time.Millisecond,
		100*time.Microsecond,
		3, // age fast so the test can observe a boost
	).(*schedService)

	ss.Enqueue(1)
	ss.Enqueue(2)
	ss.info[1].effective = 0
	ss.info[2].effective = 9

	// Rebuild the queue so the tweaked bands take effect.
	ss.SetPolicy(domain.PolicyRoundRobin)
	ss.SetPolicy(domain.PolicyPriority)

	// The urgent process wins every pick while both wait; each pick charges
	// the loser a missed quantum.
	for i := 0; i < 3; i++ {
		pid, _ := ss.ScheduleNext()
		if pid != 1 {
			t.Fatalf("pick %d went to pid %d, want the priority-0 process", i, pid)
		}
	}

	// Three missed quanta crossed the aging threshold: pid 2's effective
	// priority must have improved.
	if got := ss.info[2].effective; got >= 9 {
		t.Errorf("effective priority after aging = %d, want < 9", got)
	}
}

func TestCountersMonotonic(t *testing.T) {
	ss := newTestSched(domain.PolicyRoundRobin)

	ss.Enqueue(1)
	ss.Enqueue(2)

	var last domain.SchedulerStats
	for i := 0; i < 50; i++ {
		ss.ScheduleNext()
		got := ss.Stats()
		if got.TotalScheduled < last.TotalScheduled ||
			got.ContextSwitches < last.ContextSwitches ||
			got.Preemptions < last.Preemptions {
			t.Fatalf("counters regressed: %+v -> %+v", last, got)
		}
		last = got
	}

	if last.TotalScheduled != 50 {
		t.Errorf("total scheduled = %d, want 50", last.TotalScheduled)
	}
}

func TestBlockUnblock(t *testing.T) {
	ss := newTestSched(domain.PolicyRoundRobin)

	ss.Enqueue(1)
	ss.Enqueue(2)

	ss.Block(1)

	for i := 0; i < 5; i++ {
		if pid, ok := ss.ScheduleNext(); !ok || pid != 2 {
			t.Fatalf("blocked pid scheduled: got %d/%v", pid, ok)
		}
	}

	ss.Unblock(1)
	seen := make(map[domain.Pid]bool)
	for i := 0; i < 2; i++ {
		pid, _ := ss.ScheduleNext()
		seen[pid] = true
	}
	if !seen[1] {
		t.Errorf("unblocked pid never rescheduled")
	}
}

func TestPreemptionLoopShutdown(t *testing.T) {
	ss := newTestSched(domain.PolicyRoundRobin)

	ss.Enqueue(1)
	ss.Start()

	// The loop must seat the lone ready process on its own.
	deadline := time.After(time.Second)
	for {
		if pid, ok := ss.Current(); ok && pid == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("preemption loop never scheduled the ready process")
		case <-time.After(time.Millisecond):
		}
	}

	// Explicit shutdown drains cleanly and is idempotent.
	ss.Shutdown()
	ss.Shutdown()
}

func TestPreemptionAfterQuantum(t *testing.T) {
	ss := NewSchedulerService(
		domain.PolicyRoundRobin,
		time.Millisecond, // tiny quantum
		100*time.Microsecond,
		100,
	).(*schedService)

	ss.Enqueue(1)
	ss.Enqueue(2)
	ss.Start()
	defer ss.Shutdown()

	deadline := time.After(time.Second)
	for ss.Stats().Preemptions == 0 {
		select {
		case <-deadline:
			t.Fatalf("no preemption observed past the quantum")
		case <-time.After(time.Millisecond):
		}
	}
}
