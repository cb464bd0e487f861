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
	"io/ioutil"
	"math/rand"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

// newTestService keeps sampling wide open so low-severity events always
// land.
func newTestService(capacity int) *observabilityService {
	return NewObservabilityService(capacity, 100, 3.0).(*observabilityService)
}

func ev(msg string) domain.Event {
	return domain.Event{
		Severity: domain.SeverityInfo,
		Category: domain.CategoryProcess,
		Message:  msg,
	}
}

func TestRingRoundTrip(t *testing.T) {
	r := newRing(8)

	for i := 0; i < 5; i++ {
		r.push(ev(fmt.Sprintf("e%d", i)))
	}

	for i := uint64(0); i < 5; i++ {
		got, ok := r.read(i)
		if !ok {
			t.Fatalf("read(%d) failed", i)
		}
		if got.Message != fmt.Sprintf("e%d", i) {
			t.Errorf("read(%d) = %q", i, got.Message)
		}
	}
}

func TestRingOverwriteDropsOldest(t *testing.T) {
	r := newRing(4)

	for i := 0; i < 10; i++ {
		r.push(ev(fmt.Sprintf("e%d", i)))
	}

	// The first six slots are lapped.
	if _, ok := r.read(0); ok {
		t.Errorf("overwritten slot 0 must not read back")
	}
	if got, ok := r.read(9); !ok || got.Message != "e9" {
		t.Errorf("latest slot unreadable: ok=%v got=%v", ok, got.Message)
	}
}

func TestSubscriptionAccountingIdentity(t *testing.T) {
	svc := newTestService(16)
	sub := svc.Subscribe("t")

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 500; round++ {
		if rng.Intn(2) == 0 {
			svc.Emit(ev("x"))
		} else {
			sub.Next(rng.Intn(4) + 1)
		}

		s := sub.(*subscription)
		produced := svc.ring.produced()
		total := s.consumed + s.dropped + sub.Lag()
		if total != produced {
			t.Fatalf("round %d: produced %d != consumed %d + dropped %d + lag %d",
				round, produced, s.consumed, s.dropped, sub.Lag())
		}
	}
}

func TestSubscriberLagAndDrops(t *testing.T) {
	svc := newTestService(8)
	sub := svc.Subscribe("slow")

	for i := 0; i < 20; i++ {
		svc.Emit(ev(fmt.Sprintf("e%d", i)))
	}

	got := sub.Next(100)
	if len(got) != 8 {
		t.Errorf("slow subscriber read %d events, want the 8 still buffered", len(got))
	}

	s := sub.(*subscription)
	if s.dropped != 12 {
		t.Errorf("dropped = %d, want 12", s.dropped)
	}
	if sub.Lag() != 0 {
		t.Errorf("lag = %d after drain, want 0", sub.Lag())
	}
}

func TestWarnSeverityNeverSampled(t *testing.T) {
	// Zero sampling rate: only Warn and above may land.
	svc := NewObservabilityService(64, 0, 3.0).(*observabilityService)

	svc.Emit(domain.Event{Severity: domain.SeverityDebug, Message: "drop me"})
	svc.Emit(domain.Event{Severity: domain.SeverityWarn, Message: "keep me"})
	svc.Emit(domain.Event{Severity: domain.SeverityCritical, Message: "keep me too"})

	if got := svc.ring.produced(); got != 2 {
		t.Errorf("produced = %d, want 2 (warn+ only)", got)
	}
	if svc.Stats().Sampled != 1 {
		t.Errorf("sampled = %d, want 1", svc.Stats().Sampled)
	}
}

func TestConcurrentProducers(t *testing.T) {
	svc := newTestService(1 << 12)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				svc.Emit(ev(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	if got := svc.ring.produced(); got != 4000 {
		t.Errorf("produced = %d, want 4000", got)
	}
}

func TestCausalityTraceAndTimeline(t *testing.T) {
	svc := newTestService(64)

	id := svc.NewCausality()
	svc.Emit(domain.Event{
		Timestamp: 300, Severity: domain.SeverityInfo,
		Category: domain.CategoryProcess, Message: "third", CausalityID: id,
	})
	svc.Emit(domain.Event{
		Timestamp: 100, Severity: domain.SeverityInfo,
		Category: domain.CategoryMemory, Message: "first", CausalityID: id,
	})
	svc.Emit(domain.Event{
		Timestamp: 200, Severity: domain.SeverityInfo,
		Category: domain.CategoryIpc, Message: "second", CausalityID: "other",
	})

	chain := svc.Trace(id)
	if len(chain) != 2 {
		t.Fatalf("trace length = %d, want 2", len(chain))
	}
	if chain[0].Message != "third" {
		t.Errorf("trace must preserve emission order, got %q first", chain[0].Message)
	}

	timeline := svc.Timeline(id)
	if timeline[0].Message != "first" || timeline[1].Message != "third" {
		t.Errorf("timeline must order by timestamp: %q, %q",
			timeline[0].Message, timeline[1].Message)
	}
}
