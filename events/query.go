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
	"sort"

	"github.com/samber/lo"

	"github.com/nestybox/microvisor/domain"
)

// Query returns the buffered events matching the filter, oldest first.
func (obs *observabilityService) Query(filter domain.EventFilter) []domain.Event {
	snapshot := obs.ring.snapshot()

	out := lo.Filter(snapshot, func(ev domain.Event, _ int) bool {
		return filter.Matches(&ev)
	})
	sortEventsByTime(out)
	return out
}

// Aggregate summarizes the Value field of the matching events: count, sum,
// mean, min/max and the p50/p95/p99 percentiles.
func (obs *observabilityService) Aggregate(filter domain.EventFilter) domain.AggregateResult {
	matched := obs.Query(filter)

	values := make([]float64, 0, len(matched))
	for _, ev := range matched {
		if ev.Metric != "" {
			values = append(values, ev.Value)
		}
	}

	res := domain.AggregateResult{Count: uint64(len(values))}
	if len(values) == 0 {
		return res
	}

	// NaN compares equal to everything here so a poisoned sample can never
	// panic the sort or wedge an otherwise healthy aggregation.
	sort.Slice(values, func(i, j int) bool {
		a, b := values[i], values[j]
		if math.IsNaN(a) || math.IsNaN(b) {
			return false
		}
		return a < b
	})

	res.Min = values[0]
	res.Max = values[len(values)-1]
	for _, v := range values {
		if !math.IsNaN(v) {
			res.Sum += v
		}
	}
	res.Mean = res.Sum / float64(len(values))
	res.P50 = percentile(values, 50)
	res.P95 = percentile(values, 95)
	res.P99 = percentile(values, 99)

	return res
}

// GroupByCategory counts matching events per category name.
func (obs *observabilityService) GroupByCategory(filter domain.EventFilter) map[string]uint64 {
	matched := obs.Query(filter)

	grouped := lo.GroupBy(matched, func(ev domain.Event) string {
		return ev.Category.String()
	})

	out := make(map[string]uint64, len(grouped))
	for cat, evs := range grouped {
		out[cat] = uint64(len(evs))
	}
	return out
}

// percentile reads the nearest-rank percentile from a sorted sample.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func sortEventsByTime(evs []domain.Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].Timestamp < evs[j].Timestamp
	})
}
