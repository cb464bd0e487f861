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
	"math"
	"testing"

	"github.com/nestybox/microvisor/domain"
)

func metricEvent(cat domain.EventCategory, pid domain.Pid, v float64) domain.Event {
	return domain.Event{
		Severity: domain.SeverityInfo,
		Category: cat,
		Message:  "m",
		Pid:      pid,
		Metric:   "latency",
		Value:    v,
	}
}

func TestQueryFilters(t *testing.T) {
	svc := newTestService(64)

	svc.Emit(metricEvent(domain.CategorySyscall, 1, 10))
	svc.Emit(metricEvent(domain.CategorySyscall, 2, 20))
	svc.Emit(metricEvent(domain.CategoryMemory, 1, 30))
	svc.Emit(domain.Event{Severity: domain.SeverityError,
		Category: domain.CategorySyscall, Message: "boom", Pid: 1})

	cat := domain.CategorySyscall
	if got := svc.Query(domain.EventFilter{Category: &cat}); len(got) != 3 {
		t.Errorf("category filter matched %d, want 3", len(got))
	}

	pid := domain.Pid(1)
	if got := svc.Query(domain.EventFilter{Pid: &pid}); len(got) != 3 {
		t.Errorf("pid filter matched %d, want 3", len(got))
	}

	if got := svc.Query(domain.EventFilter{MinSeverity: domain.SeverityError}); len(got) != 1 {
		t.Errorf("severity filter matched %d, want 1", len(got))
	}
}

func TestAggregatePercentiles(t *testing.T) {
	svc := newTestService(256)

	for i := 1; i <= 100; i++ {
		svc.Emit(metricEvent(domain.CategorySyscall, 1, float64(i)))
	}

	agg := svc.Aggregate(domain.EventFilter{})
	if agg.Count != 100 {
		t.Fatalf("count = %d, want 100", agg.Count)
	}
	if agg.Min != 1 || agg.Max != 100 {
		t.Errorf("min/max = %v/%v, want 1/100", agg.Min, agg.Max)
	}
	if agg.P50 != 50 {
		t.Errorf("p50 = %v, want 50", agg.P50)
	}
	if agg.P95 != 95 {
		t.Errorf("p95 = %v, want 95", agg.P95)
	}
	if agg.P99 != 99 {
		t.Errorf("p99 = %v, want 99", agg.P99)
	}
	if agg.Sum != 5050 {
		t.Errorf("sum = %v, want 5050", agg.Sum)
	}
}

// A NaN sample must neither panic the sort nor poison the aggregates.
func TestAggregateNaNSafe(t *testing.T) {
	svc := newTestService(64)

	svc.Emit(metricEvent(domain.CategorySyscall, 1, 1))
	svc.Emit(metricEvent(domain.CategorySyscall, 1, math.NaN()))
	svc.Emit(metricEvent(domain.CategorySyscall, 1, 3))

	agg := svc.Aggregate(domain.EventFilter{})
	if agg.Count != 3 {
		t.Errorf("count = %d, want 3", agg.Count)
	}
	if math.IsNaN(agg.Sum) {
		t.Errorf("sum must exclude NaN samples")
	}
}

func TestGroupByCategory(t *testing.T) {
	svc := newTestService(64)

	svc.Emit(metricEvent(domain.CategorySyscall, 1, 1))
	svc.Emit(metricEvent(domain.CategorySyscall, 1, 2))
	svc.Emit(metricEvent(domain.CategoryMemory, 1, 3))

	groups := svc.GroupByCategory(domain.EventFilter{})
	if groups["syscall"] != 2 || groups["memory"] != 1 {
		t.Errorf("groups = %v, want syscall:2 memory:1", groups)
	}
}

func TestAnomalyDetection(t *testing.T) {
	d := newAnomalyDetector(3.0)

	// A stable baseline with slight jitter, then a wild outlier.
	for i := 0; i < 100; i++ {
		v := 100.0
		if i%2 == 0 {
			v = 102.0
		}
		if flagged, _ := d.observe("m", v); flagged {
			t.Fatalf("baseline sample %d flagged as anomalous", i)
		}
	}

	flagged, z := d.observe("m", 500)
	if !flagged {
		t.Fatalf("outlier not flagged")
	}
	if z <= 3.0 {
		t.Errorf("z-score = %v, want > 3", z)
	}
}

func TestAnomalyEventReEmitted(t *testing.T) {
	svc := newTestService(1 << 10)

	for i := 0; i < 100; i++ {
		v := 10.0
		if i%2 == 0 {
			v = 11.0
		}
		svc.Emit(metricEvent(domain.CategorySyscall, 1, v))
	}
	svc.Emit(metricEvent(domain.CategorySyscall, 1, 10000))

	if svc.Stats().Anomalies != 1 {
		t.Errorf("anomalies = %d, want 1", svc.Stats().Anomalies)
	}
}
