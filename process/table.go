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

package process

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nestybox/microvisor/domain"
)

// table is the RCU-style process table. Lookups and listings read an
// immutable snapshot through an atomic pointer and are wait-free; the rare
// writers (spawn, terminate) clone the map and swap the pointer under a
// writer lock. The read:write ratio of the dispatch path makes this the
// right trade.
type table struct {
	writeMu  sync.Mutex
	snapshot atomic.Pointer[map[domain.Pid]*process]
}

func newTable() *table {
	t := &table{}
	empty := make(map[domain.Pid]*process)
	t.snapshot.Store(&empty)
	return t
}

// get is wait-free.
func (t *table) get(pid domain.Pid) (*process, bool) {
	m := *t.snapshot.Load()
	p, ok := m[pid]
	return p, ok
}

// list returns the live pids in ascending order; wait-free.
func (t *table) list() []domain.Pid {
	m := *t.snapshot.Load()
	pids := make([]domain.Pid, 0, len(m))
	for pid := range m {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (t *table) size() int {
	return len(*t.snapshot.Load())
}

// insert clones-and-swaps.
func (t *table) insert(p *process) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	old := *t.snapshot.Load()
	next := make(map[domain.Pid]*process, len(old)+1)
	for pid, proc := range old {
		next[pid] = proc
	}
	next[p.pid] = p
	t.snapshot.Store(&next)
}

// remove clones-and-swaps.
func (t *table) remove(pid domain.Pid) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	old := *t.snapshot.Load()
	if _, ok := old[pid]; !ok {
		return
	}
	next := make(map[domain.Pid]*process, len(old)-1)
	for p, proc := range old {
		if p != pid {
			next[p] = proc
		}
	}
	t.snapshot.Store(&next)
}
