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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

var _ domain.ObservabilityIface = (*observabilityService)(nil)

// causalityChainCap bounds how many events one causality chain retains.
const causalityChainCap = 1024

type observabilityService struct {
	ring     *ring
	sampler  *sampler
	detector *anomalyDetector

	sampled   uint64
	anomalies uint64

	subsMu sync.Mutex
	subs   []*subscription

	chainMu sync.RWMutex
	chains  map[string][]domain.Event
}

// NewObservabilityService builds the event plane. capacity is rounded up to
// a power of two; samplingPct is the initial sampling rate for low-severity
// events; threshold is the anomaly z-score.
func NewObservabilityService(
	capacity int,
	samplingPct int,
	threshold float64) domain.ObservabilityIface {

	return &observabilityService{
		ring:     newRing(capacity),
		sampler:  newSampler(samplingPct),
		detector: newAnomalyDetector(threshold),
		chains:   make(map[string][]domain.Event),
	}
}

func (obs *observabilityService) Emit(ev domain.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}

	if !obs.sampler.allow(ev.Severity) {
		atomic.AddUint64(&obs.sampled, 1)
		return
	}

	obs.ring.push(ev)

	if ev.CausalityID != "" {
		obs.recordChain(ev)
	}

	if ev.Metric != "" {
		obs.checkAnomaly(ev)
	}
}

func (obs *observabilityService) EmitSyscall(
	pid domain.Pid,
	kind domain.SyscallKind,
	latency time.Duration,
	status domain.ResultStatus,
	causality string) {

	sev := domain.SeverityDebug
	switch status {
	case domain.StatusSuccess:
		// stays debug
	case domain.StatusInternal, domain.StatusOutOfMemory:
		sev = domain.SeverityError
	default:
		sev = domain.SeverityWarn
	}

	obs.Emit(domain.Event{
		Timestamp:   time.Now().UnixNano(),
		Severity:    sev,
		Category:    domain.CategorySyscall,
		Message:     fmt.Sprintf("%s -> %s", kind, status),
		Pid:         pid,
		CausalityID: causality,
		Metric:      "syscall_duration_ns",
		Value:       float64(latency.Nanoseconds()),
	})
}

// checkAnomaly feeds the metric sample to the detector and re-emits
// anomalies as events. Anomaly events carry no metric so they can't recurse.
func (obs *observabilityService) checkAnomaly(ev domain.Event) {
	anomalous, z := obs.detector.observe(ev.Metric, ev.Value)
	if !anomalous {
		return
	}

	atomic.AddUint64(&obs.anomalies, 1)

	obs.ring.push(domain.Event{
		Timestamp:   time.Now().UnixNano(),
		Severity:    domain.SeverityWarn,
		Category:    ev.Category,
		Message:     fmt.Sprintf("anomaly on %s: value %.2f is %.1f sigma from mean", ev.Metric, ev.Value, z),
		Pid:         ev.Pid,
		CausalityID: ev.CausalityID,
	})
}

func (obs *observabilityService) recordChain(ev domain.Event) {
	obs.chainMu.Lock()
	defer obs.chainMu.Unlock()

	chain := obs.chains[ev.CausalityID]
	if len(chain) >= causalityChainCap {
		return
	}
	obs.chains[ev.CausalityID] = append(chain, ev)
}

func (obs *observabilityService) NewCausality() string {
	return uuid.NewString()
}

// Trace returns the causality chain in emission order.
func (obs *observabilityService) Trace(id string) []domain.Event {
	obs.chainMu.RLock()
	defer obs.chainMu.RUnlock()

	chain := obs.chains[id]
	out := make([]domain.Event, len(chain))
	copy(out, chain)
	return out
}

// Timeline returns the causality chain ordered by timestamp.
func (obs *observabilityService) Timeline(id string) []domain.Event {
	out := obs.Trace(id)
	sortEventsByTime(out)
	return out
}

func (obs *observabilityService) Subscribe(name string) domain.SubscriptionIface {
	sub := &subscription{
		name:   name,
		svc:    obs,
		cursor: obs.ring.produced(),
	}

	obs.subsMu.Lock()
	obs.subs = append(obs.subs, sub)
	obs.subsMu.Unlock()

	logrus.Debugf("Event subscriber registered: %s", name)

	return sub
}

func (obs *observabilityService) Stats() domain.StreamStats {
	produced := obs.ring.produced()

	buffered := produced
	if cap := obs.ring.capacity(); buffered > cap {
		buffered = cap
	}

	var consumed, dropped uint64
	obs.subsMu.Lock()
	for _, sub := range obs.subs {
		consumed += atomic.LoadUint64(&sub.consumed)
		dropped += atomic.LoadUint64(&sub.dropped)
	}
	obs.subsMu.Unlock()

	return domain.StreamStats{
		Produced:  produced,
		Consumed:  consumed,
		Dropped:   dropped,
		Buffered:  buffered,
		Sampled:   atomic.LoadUint64(&obs.sampled),
		Anomalies: atomic.LoadUint64(&obs.anomalies),
	}
}

func (obs *observabilityService) Shutdown() {
	obs.subsMu.Lock()
	subs := obs.subs
	obs.subs = nil
	obs.subsMu.Unlock()

	for _, sub := range subs {
		sub.markClosed()
	}
}

func (obs *observabilityService) removeSub(target *subscription) {
	obs.subsMu.Lock()
	defer obs.subsMu.Unlock()

	for i, sub := range obs.subs {
		if sub == target {
			obs.subs = append(obs.subs[:i], obs.subs[i+1:]...)
			return
		}
	}
}

// subscription is a consumer cursor over the ring. Each subscriber advances
// independently; falling more than a ring-capacity behind surfaces as drops.
type subscription struct {
	name     string
	svc      *observabilityService
	cursor   uint64
	consumed uint64
	dropped  uint64
	closed   int32
}

func (s *subscription) Name() string { return s.name }

func (s *subscription) Next(max int) []domain.Event {
	if atomic.LoadInt32(&s.closed) != 0 {
		return nil
	}

	s.skipOverwritten()

	out := make([]domain.Event, 0, max)
	for len(out) < max {
		ev, ok := s.svc.ring.read(s.cursor)
		if !ok {
			produced := s.svc.ring.produced()
			if s.cursor >= produced {
				break // caught up
			}
			// Slot overwritten while we were reading; account and resync.
			s.skipOverwritten()
			if s.cursor >= produced {
				break
			}
			continue
		}
		out = append(out, ev)
		s.cursor++
		atomic.AddUint64(&s.consumed, 1)
	}
	return out
}

// skipOverwritten advances the cursor past events lost to ring overwrite,
// counting them as drops.
func (s *subscription) skipOverwritten() {
	produced := s.svc.ring.produced()
	capacity := s.svc.ring.capacity()

	if produced > capacity && s.cursor < produced-capacity {
		lost := (produced - capacity) - s.cursor
		atomic.AddUint64(&s.dropped, lost)
		s.cursor = produced - capacity
	}
}

func (s *subscription) Lag() uint64 {
	produced := s.svc.ring.produced()
	if produced <= s.cursor {
		return 0
	}
	return produced - s.cursor
}

func (s *subscription) Close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.svc.removeSub(s)
	}
}

func (s *subscription) markClosed() {
	atomic.StoreInt32(&s.closed, 1)
}
