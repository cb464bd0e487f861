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
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

// preemptionLoop is the background ticker that enforces quanta. The explicit
// shutdown path signals the stop channel and waits for the drain. abort is a
// warning-logging stop for a loop still running without shutdown, but
// nothing calls it: a service dropped without Shutdown leaves the loop
// running.
type preemptionLoop struct {
	ss *schedService

	stopCh  chan struct{}
	doneCh  chan struct{}
	started int32
	stopped int32

	once sync.Once
}

func newPreemptionLoop(ss *schedService) *preemptionLoop {
	return &preemptionLoop{
		ss:     ss,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (pl *preemptionLoop) start() {
	if !atomic.CompareAndSwapInt32(&pl.started, 0, 1) {
		return
	}

	logrus.Infof("Preemption loop started: tick = %v, quantum = %v",
		pl.ss.tick, pl.ss.quantum)

	go pl.run()
}

func (pl *preemptionLoop) run() {
	defer close(pl.doneCh)

	ticker := time.NewTicker(pl.ss.tick)
	defer ticker.Stop()

	for {
		select {
		case <-pl.stopCh:
			logrus.Info("Preemption loop drained cleanly")
			return
		case <-ticker.C:
			pl.ss.preemptTick()
		}
	}
}

// shutdown stops the loop and awaits its drain. Safe to call more than once
// and before start.
func (pl *preemptionLoop) shutdown() {
	if atomic.LoadInt32(&pl.started) == 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&pl.stopped, 0, 1) {
		return
	}

	pl.once.Do(func() { close(pl.stopCh) })
	<-pl.doneCh
}

// abort stops a loop that is still running without an explicit shutdown and
// logs a warning. No code path in the runtime invokes it.
func (pl *preemptionLoop) abort() {
	if atomic.LoadInt32(&pl.started) == 1 && atomic.LoadInt32(&pl.stopped) == 0 {
		logrus.Warn("Preemption loop aborted without explicit shutdown")
		pl.shutdown()
	}
}

// preemptTick runs once per preemption tick: it seats a process if the cpu
// is idle, enforces the quantum, and under the Fair policy preempts early
// (past the minimum granularity) when a smaller-vruntime candidate waits.
func (ss *schedService) preemptTick() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.current == nil {
		if ss.ready.size() > 0 {
			ss.scheduleNextLocked(false)
		}
		return
	}

	elapsed := time.Since(ss.runningSince)

	preempt := elapsed >= ss.quantum

	if !preempt && ss.policy == domain.PolicyFair && elapsed >= ss.quantum/4 {
		if best := ss.ready.peekBest(); best != nil {
			projected := ss.current.vruntime +
				time.Duration(float64(elapsed)*ss.current.weight())
			if best.vruntime < projected {
				preempt = true
			}
		}
	}

	if preempt {
		ss.scheduleNextLocked(true)
	}
}
