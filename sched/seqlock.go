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
	"sync/atomic"

	"github.com/nestybox/microvisor/domain"
)

// statCounters are the monotonic scheduler counters.
type statCounters struct {
	totalScheduled  uint64
	contextSwitches uint64
	preemptions     uint64
}

// seqStats publishes the counters through a sequence lock: the single writer
// bumps the sequence to odd, mutates, bumps back to even; readers spin until
// they observe a stable even sequence. Readers never block the scheduler.
type seqStats struct {
	seq      uint64
	counters statCounters
}

// write runs fn inside a write-side critical section. Callers already
// serialize writers via the scheduler mutex.
func (s *seqStats) write(fn func(c *statCounters)) {
	atomic.AddUint64(&s.seq, 1) // odd: write in progress
	fn(&s.counters)
	atomic.AddUint64(&s.seq, 1) // even: stable
}

// read returns a consistent snapshot of the counters, wait-free for the
// writer.
func (s *seqStats) read() statCounters {
	for {
		start := atomic.LoadUint64(&s.seq)
		if start&1 != 0 {
			continue
		}
		snapshot := s.counters
		if atomic.LoadUint64(&s.seq) == start {
			return snapshot
		}
	}
}

func (c statCounters) toStats(active int, policy domain.SchedulerPolicy, quantumMs uint64) domain.SchedulerStats {
	return domain.SchedulerStats{
		TotalScheduled:  c.totalScheduled,
		ContextSwitches: c.contextSwitches,
		Preemptions:     c.preemptions,
		ActiveCount:     active,
		Policy:          policy.String(),
		QuantumMs:       quantumMs,
	}
}
