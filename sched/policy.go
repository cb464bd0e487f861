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
	"container/heap"
	"time"

	"github.com/nestybox/microvisor/domain"
)

// entry is the scheduler's bookkeeping for one process. Entries persist
// across ready/running transitions so vruntime and aging survive requeues
// and policy swaps.
type entry struct {
	pid        domain.Pid
	prio       uint8 // nominal priority (0 most urgent)
	effective  uint8 // aged priority under the Priority policy
	vruntime   time.Duration
	missed     uint64
	enqueuedAt time.Time
}

// weight converts a priority into the vruntime accrual factor of the Fair
// policy: vruntime advances by elapsed * (1 + prio/10), so lower priorities
// accumulate faster and run less.
func (e *entry) weight() float64 {
	return 1 + float64(e.prio)/10
}

// readyQueue is one scheduling discipline over the ready set.
type readyQueue interface {
	push(e *entry)
	pop() *entry
	peekBest() *entry
	remove(pid domain.Pid) bool
	drain() []*entry
	size() int
}

func newReadyQueue(p domain.SchedulerPolicy, agingThreshold uint64) readyQueue {
	switch p {
	case domain.PolicyPriority:
		return newPrioQueue(agingThreshold)
	case domain.PolicyFair:
		return &fairQueue{}
	default:
		return &rrQueue{}
	}
}

//
// Round-robin: plain FIFO.
//

type rrQueue struct {
	fifo []*entry
}

func (q *rrQueue) push(e *entry) {
	q.fifo = append(q.fifo, e)
}

func (q *rrQueue) pop() *entry {
	if len(q.fifo) == 0 {
		return nil
	}
	e := q.fifo[0]
	q.fifo = q.fifo[1:]
	return e
}

func (q *rrQueue) peekBest() *entry {
	if len(q.fifo) == 0 {
		return nil
	}
	return q.fifo[0]
}

func (q *rrQueue) remove(pid domain.Pid) bool {
	for i, e := range q.fifo {
		if e.pid == pid {
			q.fifo = append(q.fifo[:i], q.fifo[i+1:]...)
			return true
		}
	}
	return false
}

func (q *rrQueue) drain() []*entry {
	out := q.fifo
	q.fifo = nil
	return out
}

func (q *rrQueue) size() int { return len(q.fifo) }

//
// Strict priority with aging: one FIFO band per effective priority. Waiters
// passed over accumulate missed quanta; crossing the aging threshold boosts
// their effective priority one band so nothing starves forever.
//

type prioQueue struct {
	bands          [domain.MaxPriority + 1][]*entry
	agingThreshold uint64
	count          int
}

func newPrioQueue(agingThreshold uint64) *prioQueue {
	return &prioQueue{agingThreshold: agingThreshold}
}

func (q *prioQueue) push(e *entry) {
	band := e.effective
	if band > domain.MaxPriority {
		band = domain.MaxPriority
	}
	q.bands[band] = append(q.bands[band], e)
	q.count++
}

func (q *prioQueue) pop() *entry {
	var chosen *entry
	for band := range q.bands {
		if len(q.bands[band]) > 0 {
			chosen = q.bands[band][0]
			q.bands[band] = q.bands[band][1:]
			q.count--
			break
		}
	}
	if chosen == nil {
		return nil
	}

	q.age()

	return chosen
}

// age charges a missed quantum to every waiter and promotes the ones that
// crossed the threshold one band up. Promotion only ever moves entries to an
// already-visited band, so the ascending walk sees each waiter once.
func (q *prioQueue) age() {
	for band := 1; band <= int(domain.MaxPriority); band++ {
		waiters := q.bands[band]
		kept := waiters[:0]
		for _, e := range waiters {
			e.missed++
			if e.missed >= q.agingThreshold && e.effective > 0 {
				e.effective--
				e.missed = 0
				q.bands[e.effective] = append(q.bands[e.effective], e)
				continue
			}
			kept = append(kept, e)
		}
		q.bands[band] = kept
	}
}

func (q *prioQueue) peekBest() *entry {
	for band := range q.bands {
		if len(q.bands[band]) > 0 {
			return q.bands[band][0]
		}
	}
	return nil
}

func (q *prioQueue) remove(pid domain.Pid) bool {
	for band := range q.bands {
		for i, e := range q.bands[band] {
			if e.pid == pid {
				q.bands[band] = append(q.bands[band][:i], q.bands[band][i+1:]...)
				q.count--
				return true
			}
		}
	}
	return false
}

func (q *prioQueue) drain() []*entry {
	var out []*entry
	for band := range q.bands {
		out = append(out, q.bands[band]...)
		q.bands[band] = nil
	}
	q.count = 0
	return out
}

func (q *prioQueue) size() int { return q.count }

//
// Fair: CFS-inspired min-heap on vruntime.
//

type fairQueue struct {
	h vruntimeHeap
}

func (q *fairQueue) push(e *entry) {
	heap.Push(&q.h, e)
}

func (q *fairQueue) pop() *entry {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*entry)
}

func (q *fairQueue) peekBest() *entry {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

func (q *fairQueue) remove(pid domain.Pid) bool {
	for i, e := range q.h {
		if e.pid == pid {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}

func (q *fairQueue) drain() []*entry {
	out := []*entry(q.h)
	q.h = nil
	return out
}

func (q *fairQueue) size() int { return q.h.Len() }

type vruntimeHeap []*entry

func (h vruntimeHeap) Len() int { return len(h) }
func (h vruntimeHeap) Less(i, j int) bool { return h[i].vruntime < h[j].vruntime }
func (h vruntimeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *vruntimeHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *vruntimeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
