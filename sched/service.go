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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

var _ domain.SchedulerIface = (*schedService)(nil)

type schedService struct {
	mu sync.Mutex

	policy         domain.SchedulerPolicy
	quantum        time.Duration
	tick           time.Duration
	agingThreshold uint64

	info    map[domain.Pid]*entry
	ready   readyQueue
	current *entry

	runningSince time.Time

	stats seqStats

	prs domain.ProcessServiceIface
	evs domain.ObservabilityIface

	loop *preemptionLoop
}

// NewSchedulerService builds the scheduler with the given policy, quantum
// and preemption tick.
func NewSchedulerService(
	policy domain.SchedulerPolicy,
	quantum, tick time.Duration,
	agingThreshold uint64) domain.SchedulerIface {

	ss := &schedService{
		policy:         policy,
		quantum:        quantum,
		tick:           tick,
		agingThreshold: agingThreshold,
		info:           make(map[domain.Pid]*entry),
		ready:          newReadyQueue(policy, agingThreshold),
	}
	ss.loop = newPreemptionLoop(ss)
	return ss
}

func (ss *schedService) Setup(prs domain.ProcessServiceIface, evs domain.ObservabilityIface) {
	ss.prs = prs
	ss.evs = evs
}

func (ss *schedService) Start() {
	ss.loop.start()
}

func (ss *schedService) Shutdown() {
	ss.loop.shutdown()
}

func (ss *schedService) Enqueue(pid domain.Pid) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if _, ok := ss.info[pid]; ok {
		return
	}

	prio := domain.DefaultPriority
	if ss.prs != nil {
		if proc := ss.prs.Get(pid); proc != nil {
			prio = proc.Priority()
		}
	}

	e := &entry{
		pid:        pid,
		prio:       prio,
		effective:  prio,
		vruntime:   ss.minVruntimeLocked(),
		enqueuedAt: time.Now(),
	}
	ss.info[pid] = e
	ss.ready.push(e)
	ss.setStateLocked(pid, domain.ProcessReady)
}

func (ss *schedService) Remove(pid domain.Pid) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.current != nil && ss.current.pid == pid {
		ss.creditCurrentLocked()
		ss.current = nil
	} else {
		ss.ready.remove(pid)
	}
	delete(ss.info, pid)
}

func (ss *schedService) Block(pid domain.Pid) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.current != nil && ss.current.pid == pid {
		ss.creditCurrentLocked()
		ss.current = nil
	} else if !ss.ready.remove(pid) {
		return
	}
	ss.setStateLocked(pid, domain.ProcessBlocked)
}

func (ss *schedService) Unblock(pid domain.Pid) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	e, ok := ss.info[pid]
	if !ok {
		return
	}
	e.enqueuedAt = time.Now()
	ss.ready.push(e)
	ss.setStateLocked(pid, domain.ProcessReady)
}

func (ss *schedService) ScheduleNext() (domain.Pid, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.scheduleNextLocked(false)
}

// scheduleNextLocked rotates the running process out and the best ready
// candidate in. preempted distinguishes a preemption from a voluntary
// switch for the stats counters.
func (ss *schedService) scheduleNextLocked(preempted bool) (domain.Pid, bool) {
	prev := ss.current
	if prev != nil {
		ss.creditCurrentLocked()
		ss.current = nil
		prev.enqueuedAt = time.Now()
		ss.ready.push(prev)
		ss.setStateLocked(prev.pid, domain.ProcessReady)
	}

	next := ss.ready.pop()
	if next == nil {
		return 0, false
	}

	ss.current = next
	ss.runningSince = time.Now()
	ss.setStateLocked(next.pid, domain.ProcessRunning)

	ss.stats.write(func(c *statCounters) {
		c.totalScheduled++
		if prev != nil && prev.pid != next.pid {
			c.contextSwitches++
		}
		if preempted {
			c.preemptions++
		}
	})

	return next.pid, true
}

func (ss *schedService) Yield() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.scheduleNextLocked(false)
}

func (ss *schedService) Current() (domain.Pid, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.current == nil {
		return 0, false
	}
	return ss.current.pid, true
}

// SetPolicy hot-swaps the discipline: the ready set drains and re-enqueues
// under the new queue while every entry keeps its accounting.
func (ss *schedService) SetPolicy(p domain.SchedulerPolicy) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if p == ss.policy {
		return
	}

	old := ss.policy
	drained := ss.ready.drain()
	ss.ready = newReadyQueue(p, ss.agingThreshold)
	for _, e := range drained {
		ss.ready.push(e)
	}
	ss.policy = p

	logrus.Infof("Scheduler policy switched %s -> %s (%d ready re-enqueued)",
		old, p, len(drained))

	if ss.evs != nil {
		ss.evs.Emit(domain.Event{
			Timestamp: time.Now().UnixNano(),
			Severity:  domain.SeverityInfo,
			Category:  domain.CategoryScheduler,
			Message:   "scheduler policy switched to " + p.String(),
		})
	}
}

func (ss *schedService) Policy() domain.SchedulerPolicy {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.policy
}

func (ss *schedService) SetPriority(pid domain.Pid, prio uint8) {
	if prio > domain.MaxPriority {
		prio = domain.MaxPriority
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	e, ok := ss.info[pid]
	if !ok {
		return
	}
	e.prio = prio
	e.effective = prio
	e.missed = 0

	// Reposition a queued entry so the new priority takes effect now rather
	// than on the next requeue.
	if ss.current == nil || ss.current.pid != pid {
		if ss.ready.remove(pid) {
			ss.ready.push(e)
		}
	}
}

func (ss *schedService) ReportRun(pid domain.Pid, elapsed time.Duration) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	e, ok := ss.info[pid]
	if !ok {
		return
	}
	e.vruntime += time.Duration(float64(elapsed) * e.weight())

	// Re-site a queued fair entry so the heap reflects its new vruntime.
	if ss.policy == domain.PolicyFair && (ss.current == nil || ss.current.pid != pid) {
		if ss.ready.remove(pid) {
			ss.ready.push(e)
		}
	}

	if ss.prs != nil {
		if proc := ss.prs.Get(pid); proc != nil {
			proc.AddCPUTime(elapsed)
		}
	}
}

func (ss *schedService) Stats() domain.SchedulerStats {
	counters := ss.stats.read()

	ss.mu.Lock()
	active := ss.ready.size()
	if ss.current != nil {
		active++
	}
	policy := ss.policy
	quantum := ss.quantum
	ss.mu.Unlock()

	return counters.toStats(active, policy, uint64(quantum.Milliseconds()))
}

// creditCurrentLocked folds the running stretch into the current entry's
// vruntime and the process's cpu time.
func (ss *schedService) creditCurrentLocked() {
	e := ss.current
	if e == nil {
		return
	}
	elapsed := time.Since(ss.runningSince)
	e.vruntime += time.Duration(float64(elapsed) * e.weight())

	if ss.prs != nil {
		if proc := ss.prs.Get(e.pid); proc != nil {
			proc.AddCPUTime(elapsed)
		}
	}
}

// minVruntimeLocked anchors a fresh entry at the head of the fair ordering
// without letting it lap the field.
func (ss *schedService) minVruntimeLocked() time.Duration {
	var min time.Duration
	first := true

	consider := func(e *entry) {
		if first || e.vruntime < min {
			min = e.vruntime
			first = false
		}
	}

	if ss.current != nil {
		consider(ss.current)
	}
	if best := ss.ready.peekBest(); best != nil {
		consider(best)
	}
	if first {
		return 0
	}
	return min
}

func (ss *schedService) setStateLocked(pid domain.Pid, state domain.ProcessState) {
	if ss.prs == nil {
		return
	}
	if proc := ss.prs.Get(pid); proc != nil {
		proc.SetState(state)
	}
}
