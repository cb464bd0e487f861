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

package ipc

import (
	"fmt"
	"sync"

	"github.com/nestybox/microvisor/domain"
)

// transferRing is an io_uring-style submission/completion queue pair backed
// by a shared-memory segment. Submission entries address payloads by segment
// offset, so the data itself never crosses the ring; only the fixed-size
// entry does. Entry counts are rounded to a power of two and indices wrap
// through a mask, matching the conventional layout.
type transferRing struct {
	mu sync.Mutex

	id    uint64
	owner domain.Pid
	seg   *segment

	mask    uint32
	sq      []domain.RingEntry
	sqHead  uint32
	sqTail  uint32
	cq      []domain.RingEntry
	cqHead  uint32
	cqTail  uint32
	dropped uint64

	destroyed bool
}

func newTransferRing(id uint64, owner domain.Pid, seg *segment, entries uint32) *transferRing {
	n := uint32(domain.NextPowerOfTwo(int(entries)))
	return &transferRing{
		id:    id,
		owner: owner,
		seg:   seg,
		mask:  n - 1,
		sq:    make([]domain.RingEntry, n),
		cq:    make([]domain.RingEntry, n),
	}
}

// submit enqueues an entry and drains the submission queue. Completions land
// on the completion queue with Result holding the transferred length or a
// negated errno-style code.
func (r *transferRing) submit(pid domain.Pid, e domain.RingEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return fmt.Errorf("ring %d destroyed: %w", r.id, domain.ErrBroken)
	}
	if r.sqTail-r.sqHead > r.mask {
		return fmt.Errorf("ring %d submission queue full: %w", r.id, domain.ErrWouldBlock)
	}

	r.sq[r.sqTail&r.mask] = e
	r.sqTail++

	r.drainLocked(pid)
	return nil
}

// drainLocked consumes every pending submission, validating the referenced
// segment window and completing in place.
func (r *transferRing) drainLocked(pid domain.Pid) {
	for r.sqHead != r.sqTail {
		e := r.sq[r.sqHead&r.mask]
		r.sqHead++

		e.Result = r.completeLocked(pid, e)

		if r.cqTail-r.cqHead > r.mask {
			// Completion queue overrun drops the oldest completion.
			r.cqHead++
			r.dropped++
		}
		r.cq[r.cqTail&r.mask] = e
		r.cqTail++
	}
}

func (r *transferRing) completeLocked(pid domain.Pid, e domain.RingEntry) int32 {
	switch e.Opcode {
	case domain.RingOpNop:
		return 0
	case domain.RingOpRead:
		if !r.seg.canRead(pid) {
			return -1
		}
	case domain.RingOpWrite:
		if !r.seg.canWrite(pid) {
			return -1
		}
	default:
		return -2
	}

	if e.Offset+uint64(e.Length) > r.seg.size {
		return -3
	}

	// The payload already lives in the segment; a transfer completes by
	// acknowledging the window.
	return int32(e.Length)
}

// reap pops up to max completions.
func (r *transferRing) reap(max int) []domain.RingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.RingEntry, 0, max)
	for len(out) < max && r.cqHead != r.cqTail {
		out = append(out, r.cq[r.cqHead&r.mask])
		r.cqHead++
	}
	return out
}

func (r *transferRing) destroy() {
	r.mu.Lock()
	r.destroyed = true
	r.mu.Unlock()
}
