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
	"sync"
	"sync/atomic"
)

// fcCounter is a flat-combining counter for the used-bytes hotspot. Writers
// enqueue their delta and, if the combiner role is free, grab it and fold
// every pending delta into the value with a single owner; otherwise they
// return immediately and let the current combiner pick their delta up. This
// trades a small publication buffer for the cache-line ping-pong a plain
// atomic add exhibits under high allocation rates.
type fcCounter struct {
	mu      sync.Mutex
	pending chan int64
	value   int64
}

func newFcCounter() *fcCounter {
	return &fcCounter{
		pending: make(chan int64, 1024),
	}
}

// Add publishes a delta. The slow path (publication buffer full) applies the
// delta directly; correctness never depends on the fast path.
func (c *fcCounter) Add(delta int64) {
	select {
	case c.pending <- delta:
	default:
		atomic.AddInt64(&c.value, delta)
	}

	if c.mu.TryLock() {
		c.combine()
		c.mu.Unlock()
	}
}

// Load folds any pending deltas and returns the counter value. Readers take
// the combiner lock so the answer reflects every published delta.
func (c *fcCounter) Load() int64 {
	c.mu.Lock()
	c.combine()
	v := atomic.LoadInt64(&c.value)
	c.mu.Unlock()
	return v
}

func (c *fcCounter) combine() {
	for {
		select {
		case d := <-c.pending:
			atomic.AddInt64(&c.value, d)
		default:
			return
		}
	}
}
