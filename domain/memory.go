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

package domain

// MemoryStats is the global allocator snapshot returned by get_memory_stats.
type MemoryStats struct {
	TotalBytes      uint64  `json:"total_bytes"`
	UsedBytes       uint64  `json:"used_bytes"`
	AvailableBytes  uint64  `json:"available_bytes"`
	AllocatedBlocks uint64  `json:"allocated_blocks"`
	PressurePct     float64 `json:"pressure_pct"`
	GcSweeps        uint64  `json:"gc_sweeps"`
	GcFreedBytes    uint64  `json:"gc_freed_bytes"`
}

// ProcessMemoryStats is the per-process accounting snapshot.
type ProcessMemoryStats struct {
	Pid          Pid    `json:"pid"`
	UsedBytes    uint64 `json:"used_bytes"`
	BlockCount   uint64 `json:"block_count"`
	SharedBlocks uint64 `json:"shared_blocks"`
	LimitBytes   uint64 `json:"limit_bytes,omitempty"`
}

// MemoryServiceIface is the memory manager: a segregated free-list allocator
// over a logical address space with per-process accounting, pressure
// detection, copy-on-write forking and on-demand GC.
type MemoryServiceIface interface {
	Setup(evs ObservabilityIface)

	// Alloc reserves size bytes for pid and returns the block address.
	// Returns *OOMError when capacity or the process limit is exceeded.
	Alloc(pid Pid, size uint64) (uint64, error)

	// Free releases the block at addr. The block must belong to pid.
	Free(pid Pid, addr uint64) error

	// ReadBlock copies size bytes starting at offset out of the block.
	ReadBlock(pid Pid, addr uint64, offset, size uint64) ([]byte, error)

	// WriteBlock copies data into the block at offset. Writing a block
	// shared through a fork triggers the copy-on-write split first.
	WriteBlock(pid Pid, addr uint64, offset uint64, data []byte) error

	// Fork makes child share every block of parent via copy-on-write
	// references.
	Fork(parent, child Pid) error

	// ReleaseProcess frees all blocks accounted to pid and drops its
	// accounting entry. Returns the number of bytes released.
	ReleaseProcess(pid Pid) uint64

	// TriggerGC sweeps blocks cold for longer than the configured window.
	// Live block addresses are never relocated. Returns bytes freed.
	TriggerGC(pid Pid, all bool) uint64

	// SetProcessLimit caps pid's total allocation. Zero removes the cap.
	SetProcessLimit(pid Pid, maxBytes uint64)

	Stats() MemoryStats
	ProcessStats(pid Pid) (ProcessMemoryStats, error)

	Shutdown()
}
