//
// Copyright 2020 Nestybox, Inc.
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

package domain

import "runtime"

// ContentionProfile picks how aggressively a concurrent map is sharded.
type ContentionProfile uint8

const (
	ContentionLow ContentionProfile = iota
	ContentionMedium
	ContentionHigh
)

const (
	minShards = 8
	maxShards = 512
)

// ShardCount derives a CPU-topology-aware shard count for a concurrent map:
// high contention gets 4x the core count, medium 2x, low 1x, clamped to
// [8, 512] and rounded up to a power of two.
func ShardCount(profile ContentionProfile) int {
	cpus := runtime.NumCPU()

	var n int
	switch profile {
	case ContentionHigh:
		n = cpus * 4
	case ContentionMedium:
		n = cpus * 2
	default:
		n = cpus
	}

	if n < minShards {
		n = minShards
	}
	if n > maxShards {
		n = maxShards
	}

	return NextPowerOfTwo(n)
}

// NextPowerOfTwo rounds n up to the nearest power of two.
func NextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
