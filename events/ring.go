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

package events

import (
	"sync/atomic"

	"github.com/nestybox/microvisor/domain"
)

// slot is one cell of the ring. seq is the publication marker: a slot
// holding the event with sequence number s stores s+1 once the write is
// complete, so readers can detect both unpublished and overwritten cells.
type slot struct {
	seq uint64
	ev  domain.Event
}

// ring is a bounded lock-free multi-producer event buffer. Producers claim a
// sequence number by CAS and publish into the slot it masks to; when the
// ring is full the oldest events are silently overwritten and consumers
// account them as drops. Consumers never block producers.
type ring struct {
	mask  uint64
	head  uint64 // next sequence to claim
	slots []slot
}

func newRing(capacity int) *ring {
	capacity = domain.NextPowerOfTwo(capacity)
	return &ring{
		mask:  uint64(capacity - 1),
		slots: make([]slot, capacity),
	}
}

func (r *ring) capacity() uint64 {
	return r.mask + 1
}

// push claims the next sequence and publishes ev. Returns the sequence
// claimed.
func (r *ring) push(ev domain.Event) uint64 {
	var seq uint64
	for {
		seq = atomic.LoadUint64(&r.head)
		if atomic.CompareAndSwapUint64(&r.head, seq, seq+1) {
			break
		}
	}

	s := &r.slots[seq&r.mask]
	s.ev = ev
	atomic.StoreUint64(&s.seq, seq+1)
	return seq
}

// produced returns the count of events pushed so far.
func (r *ring) produced() uint64 {
	return atomic.LoadUint64(&r.head)
}

// read copies out the event at sequence seq. A false return means the slot
// was either not yet published or already overwritten by a later producer.
func (r *ring) read(seq uint64) (domain.Event, bool) {
	s := &r.slots[seq&r.mask]

	if atomic.LoadUint64(&s.seq) != seq+1 {
		return domain.Event{}, false
	}
	ev := s.ev
	// Re-check after the copy: a producer lapping the ring during the copy
	// invalidates it.
	if atomic.LoadUint64(&s.seq) != seq+1 {
		return domain.Event{}, false
	}
	return ev, true
}

// snapshot collects every event currently buffered, oldest first. Slots
// being overwritten mid-copy are skipped.
func (r *ring) snapshot() []domain.Event {
	head := atomic.LoadUint64(&r.head)
	capacity := r.capacity()

	var start uint64
	if head > capacity {
		start = head - capacity
	}

	out := make([]domain.Event, 0, head-start)
	for seq := start; seq < head; seq++ {
		if ev, ok := r.read(seq); ok {
			out = append(out, ev)
		}
	}
	return out
}
