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

package memory

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

// TriggerGC sweeps blocks that have been cold for longer than the configured
// window. Shared blocks are skipped (a sweep must not pull bytes out from
// under a fork peer), and live addresses are never relocated. Returns the
// number of bytes freed.
func (ms *memoryService) TriggerGC(pid domain.Pid, all bool) uint64 {
	start := time.Now()
	cutoff := start.Add(-ms.coldWindow).UnixNano()

	var freed uint64
	if all {
		for _, shard := range ms.shards {
			shard.RLock()
			pids := make([]domain.Pid, 0, len(shard.accounts))
			for p := range shard.accounts {
				pids = append(pids, p)
			}
			shard.RUnlock()

			for _, p := range pids {
				freed += ms.sweepPid(p, cutoff)
			}
		}
	} else {
		freed = ms.sweepPid(pid, cutoff)
	}

	atomic.AddUint64(&ms.gcSweeps, 1)
	atomic.AddUint64(&ms.gcFreed, freed)

	logrus.Debugf("GC sweep done: freed %d bytes in %v", freed, time.Since(start))

	if ms.evs != nil && freed > 0 {
		ms.evs.Emit(domain.Event{
			Timestamp: time.Now().UnixNano(),
			Severity:  domain.SeverityInfo,
			Category:  domain.CategoryMemory,
			Message:   "gc sweep reclaimed cold blocks",
			Pid:       pid,
			Metric:    "gc_freed_bytes",
			Value:     float64(freed),
		})
	}

	// A sweep may drop usage back under the pressure thresholds.
	ms.checkPressure(pid)

	return freed
}

func (ms *memoryService) sweepPid(pid domain.Pid, cutoff int64) uint64 {
	acct, ok := ms.lookupAccount(pid)
	if !ok {
		return 0
	}

	acct.mu.Lock()
	victims := make([]*block, 0)
	for addr, blk := range acct.owned {
		if atomic.LoadInt64(&blk.lastAccess) >= cutoff {
			continue
		}
		blk.mu.Lock()
		sharedOut := blk.refs > 1
		blk.mu.Unlock()
		if sharedOut {
			continue
		}
		delete(acct.owned, addr)
		acct.used -= blk.size
		victims = append(victims, blk)
	}
	acct.mu.Unlock()

	var freed uint64
	for _, blk := range victims {
		freed += blk.size
		ms.used.Add(-int64(blk.size))
		atomic.AddInt64(&ms.blockCount, -1)
		ms.alloc.give(blk.size, blk.addr)
	}

	return freed
}
