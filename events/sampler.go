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
	"time"

	"golang.org/x/time/rate"

	"github.com/nestybox/microvisor/domain"
)

// Sampler tuning. The floor keeps a trickle of low-severity events flowing
// even under sustained overload so the stream never goes completely dark.
const (
	samplerFloorPct    = 1
	samplerBudgetPerS  = 200000 // low-severity events per second before downsampling
	samplerAdjustEvery = 4096
)

// sampler decides which events enter the ring. Warn and above always pass.
// Below that, a percentage gate (the configured sampling rate) combines with
// a token-bucket budget; when the budget is exhausted the effective rate
// decays, and it recovers toward the configured rate while load stays low.
type sampler struct {
	configuredPct int32
	effectivePct  int32
	counter       uint64
	limiter       *rate.Limiter
	lastAdjust    int64 // unix ns, atomic
}

func newSampler(initialPct int) *sampler {
	return &sampler{
		configuredPct: int32(initialPct),
		effectivePct:  int32(initialPct),
		limiter:       rate.NewLimiter(rate.Limit(samplerBudgetPerS), samplerBudgetPerS/10),
		lastAdjust:    time.Now().UnixNano(),
	}
}

// allow reports whether an event of the given severity should be recorded.
func (s *sampler) allow(sev domain.EventSeverity) bool {
	if sev >= domain.SeverityWarn {
		return true
	}

	pct := atomic.LoadInt32(&s.effectivePct)
	if pct <= 0 {
		return false
	}

	n := atomic.AddUint64(&s.counter, 1)
	if pct < 100 && n%100 >= uint64(pct) {
		return false
	}

	if !s.limiter.Allow() {
		s.decay()
		return false
	}

	if n%samplerAdjustEvery == 0 {
		s.recover()
	}

	return true
}

// decay halves the effective rate, bottoming out at the floor.
func (s *sampler) decay() {
	for {
		cur := atomic.LoadInt32(&s.effectivePct)
		next := cur / 2
		if next < samplerFloorPct {
			next = samplerFloorPct
		}
		if cur == next || atomic.CompareAndSwapInt32(&s.effectivePct, cur, next) {
			return
		}
	}
}

// recover nudges the effective rate back toward the configured one, at most
// once per second.
func (s *sampler) recover() {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&s.lastAdjust)
	if now-last < int64(time.Second) {
		return
	}
	if !atomic.CompareAndSwapInt64(&s.lastAdjust, last, now) {
		return
	}

	for {
		cur := atomic.LoadInt32(&s.effectivePct)
		cfg := atomic.LoadInt32(&s.configuredPct)
		if cur >= cfg {
			return
		}
		next := cur * 2
		if next > cfg {
			next = cfg
		}
		if atomic.CompareAndSwapInt32(&s.effectivePct, cur, next) {
			return
		}
	}
}
