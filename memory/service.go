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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

// Ensure the service implements its domain interface.
var _ domain.MemoryServiceIface = (*memoryService)(nil)

// block is one allocation record. Backing data is materialized lazily on the
// first write so large logical allocations don't commit host memory. refs > 1
// means the block is shared through a copy-on-write fork and must not be
// mutated in place.
type block struct {
	mu          sync.Mutex
	addr        uint64
	size        uint64 // bucket-rounded accounting size
	owner       domain.Pid
	data        []byte
	allocatedAt time.Time
	lastAccess  int64 // unix ns, atomic
	refs        int32
	sharers     []domain.Pid
}

func (b *block) touch() {
	atomic.StoreInt64(&b.lastAccess, time.Now().UnixNano())
}

// pidAccount is the per-process accounting record. A process exclusively
// owns its account; shared entries are weak references to blocks owned by a
// peer.
type pidAccount struct {
	mu     sync.Mutex
	used   uint64
	limit  uint64
	owned  map[uint64]*block
	shared map[uint64]*block
}

func newPidAccount() *pidAccount {
	return &pidAccount{
		owned:  make(map[uint64]*block),
		shared: make(map[uint64]*block),
	}
}

// accountShard is one bucket of the sharded pid->account map.
type accountShard struct {
	sync.RWMutex
	accounts map[domain.Pid]*pidAccount
}

// Pressure states tracked for threshold-crossing events.
const (
	pressureNormal int32 = iota
	pressureWarn
	pressureCritical
)

type memoryService struct {
	total         uint64
	warnBytes     uint64
	criticalBytes uint64
	coldWindow    time.Duration

	alloc  *allocator
	used   *fcCounter
	shards []*accountShard
	mask   uint32

	blockCount int64
	gcSweeps   uint64
	gcFreed    uint64
	pressure   int32

	evs domain.ObservabilityIface
}

// NewMemoryService builds the memory manager. Capacity is the logical byte
// budget; warnPct/criticalPct are the pressure thresholds.
func NewMemoryService(
	capacity uint64,
	warnPct, criticalPct int,
	coldWindow time.Duration) domain.MemoryServiceIface {

	nshards := domain.ShardCount(domain.ContentionHigh)
	shards := make([]*accountShard, nshards)
	for i := range shards {
		shards[i] = &accountShard{accounts: make(map[domain.Pid]*pidAccount)}
	}

	return &memoryService{
		total:         capacity,
		warnBytes:     capacity / 100 * uint64(warnPct),
		criticalBytes: capacity / 100 * uint64(criticalPct),
		coldWindow:    coldWindow,
		alloc:         newAllocator(),
		used:          newFcCounter(),
		shards:        shards,
		mask:          uint32(nshards - 1),
	}
}

func (ms *memoryService) Setup(evs domain.ObservabilityIface) {
	ms.evs = evs
}

func (ms *memoryService) shardFor(pid domain.Pid) *accountShard {
	return ms.shards[uint32(pid)&ms.mask]
}

// account returns pid's accounting record, creating it on first use.
func (ms *memoryService) account(pid domain.Pid) *pidAccount {
	shard := ms.shardFor(pid)

	shard.RLock()
	acct, ok := shard.accounts[pid]
	shard.RUnlock()
	if ok {
		return acct
	}

	shard.Lock()
	defer shard.Unlock()
	if acct, ok = shard.accounts[pid]; ok {
		return acct
	}
	acct = newPidAccount()
	shard.accounts[pid] = acct
	return acct
}

func (ms *memoryService) lookupAccount(pid domain.Pid) (*pidAccount, bool) {
	shard := ms.shardFor(pid)
	shard.RLock()
	acct, ok := shard.accounts[pid]
	shard.RUnlock()
	return acct, ok
}

func (ms *memoryService) Alloc(pid domain.Pid, size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-size allocation: %w", domain.ErrInvalid)
	}

	bucket := roundSize(size)
	used := uint64(ms.used.Load())

	// Critical pressure rejects any new allocation; below it, only requests
	// that don't fit the remaining capacity fail.
	if used >= ms.criticalBytes || used+bucket > ms.total {
		oom := &domain.OOMError{Info: domain.OOMInfo{
			Requested: size,
			Available: ms.total - used,
			Used:      used,
			Total:     ms.total,
		}}
		ms.emitOOM(pid, oom)
		return 0, oom
	}

	acct := ms.account(pid)

	acct.mu.Lock()
	if acct.limit != 0 && acct.used+bucket > acct.limit {
		info := domain.OOMInfo{
			Requested: size,
			Available: acct.limit - acct.used,
			Used:      acct.used,
			Total:     acct.limit,
		}
		acct.mu.Unlock()
		oom := &domain.OOMError{Info: info}
		ms.emitOOM(pid, oom)
		return 0, oom
	}

	addr := ms.alloc.take(bucket)
	blk := &block{
		addr:        addr,
		size:        bucket,
		owner:       pid,
		allocatedAt: time.Now(),
		refs:        1,
	}
	blk.touch()

	acct.owned[addr] = blk
	acct.used += bucket
	acct.mu.Unlock()

	ms.used.Add(int64(bucket))
	atomic.AddInt64(&ms.blockCount, 1)

	ms.checkPressure(pid)

	return addr, nil
}

func (ms *memoryService) Free(pid domain.Pid, addr uint64) error {
	acct, ok := ms.lookupAccount(pid)
	if !ok {
		return fmt.Errorf("pid %d has no allocations: %w", pid, domain.ErrNotFound)
	}

	acct.mu.Lock()

	if blk, ok := acct.shared[addr]; ok {
		// Dropping a weak reference releases nothing; the owner still
		// accounts for the block.
		delete(acct.shared, addr)
		acct.mu.Unlock()
		ms.dropSharer(blk, pid)
		return nil
	}

	blk, ok := acct.owned[addr]
	if !ok {
		acct.mu.Unlock()
		return fmt.Errorf("block %#x not owned by pid %d: %w",
			addr, pid, domain.ErrNotFound)
	}

	delete(acct.owned, addr)
	acct.used -= blk.size
	acct.mu.Unlock()

	ms.releaseOwnedBlock(pid, blk)
	return nil
}

// releaseOwnedBlock retires a block its owner no longer holds. A block still
// shared through a fork is handed to one of its sharers instead of being
// freed, so the survivors keep their view.
func (ms *memoryService) releaseOwnedBlock(prev domain.Pid, blk *block) {
	blk.mu.Lock()
	if blk.refs > 1 {
		heir := blk.sharers[0]
		blk.sharers = blk.sharers[1:]
		blk.refs--
		blk.owner = heir
		blk.mu.Unlock()

		heirAcct := ms.account(heir)
		heirAcct.mu.Lock()
		delete(heirAcct.shared, blk.addr)
		heirAcct.owned[blk.addr] = blk
		heirAcct.used += blk.size
		heirAcct.mu.Unlock()

		// Accounting moved from prev to heir; the global counter and block
		// count are unchanged.
		return
	}
	blk.mu.Unlock()

	ms.used.Add(-int64(blk.size))
	atomic.AddInt64(&ms.blockCount, -1)
	ms.alloc.give(blk.size, blk.addr)
}

func (ms *memoryService) dropSharer(blk *block, pid domain.Pid) {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	blk.refs--
	for i, p := range blk.sharers {
		if p == pid {
			blk.sharers = append(blk.sharers[:i], blk.sharers[i+1:]...)
			break
		}
	}
}

// lookupBlock resolves addr in pid's view. The second return distinguishes a
// shared (weak) reference from an owned block.
func (ms *memoryService) lookupBlock(pid domain.Pid, addr uint64) (*block, bool, error) {
	acct, ok := ms.lookupAccount(pid)
	if !ok {
		return nil, false, fmt.Errorf("pid %d has no allocations: %w",
			pid, domain.ErrNotFound)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if blk, ok := acct.owned[addr]; ok {
		return blk, false, nil
	}
	if blk, ok := acct.shared[addr]; ok {
		return blk, true, nil
	}
	return nil, false, fmt.Errorf("block %#x not mapped for pid %d: %w",
		addr, pid, domain.ErrNotFound)
}

func (ms *memoryService) ReadBlock(
	pid domain.Pid, addr uint64, offset, size uint64) ([]byte, error) {

	blk, _, err := ms.lookupBlock(pid, addr)
	if err != nil {
		return nil, err
	}

	if offset+size > blk.size {
		return nil, fmt.Errorf("read of %d bytes at offset %d exceeds block size %d: %w",
			size, offset, blk.size, domain.ErrInvalid)
	}

	blk.touch()

	blk.mu.Lock()
	defer blk.mu.Unlock()

	out := make([]byte, size)
	if blk.data != nil {
		copy(out, blk.data[offset:])
	}
	return out, nil
}

func (ms *memoryService) WriteBlock(
	pid domain.Pid, addr uint64, offset uint64, data []byte) error {

	blk, sharedRef, err := ms.lookupBlock(pid, addr)
	if err != nil {
		return err
	}

	if offset+uint64(len(data)) > blk.size {
		return fmt.Errorf("write of %d bytes at offset %d exceeds block size %d: %w",
			len(data), offset, blk.size, domain.ErrInvalid)
	}

	// Shared blocks are immutable until copied; route through the CoW split.
	blk, err = ms.ensureWritable(pid, blk, sharedRef)
	if err != nil {
		return err
	}

	blk.touch()

	blk.mu.Lock()
	if blk.data == nil {
		blk.data = make([]byte, blk.size)
	}
	copy(blk.data[offset:], data)
	blk.mu.Unlock()

	return nil
}

func (ms *memoryService) ReleaseProcess(pid domain.Pid) uint64 {
	shard := ms.shardFor(pid)

	shard.Lock()
	acct, ok := shard.accounts[pid]
	if !ok {
		shard.Unlock()
		return 0
	}
	delete(shard.accounts, pid)
	shard.Unlock()

	acct.mu.Lock()
	owned := make([]*block, 0, len(acct.owned))
	for _, blk := range acct.owned {
		owned = append(owned, blk)
	}
	shared := make([]*block, 0, len(acct.shared))
	for _, blk := range acct.shared {
		shared = append(shared, blk)
	}
	released := acct.used
	acct.owned = make(map[uint64]*block)
	acct.shared = make(map[uint64]*block)
	acct.used = 0
	acct.mu.Unlock()

	for _, blk := range owned {
		ms.releaseOwnedBlock(pid, blk)
	}
	for _, blk := range shared {
		ms.dropSharer(blk, pid)
	}

	logrus.Debugf("Released %d bytes held by pid %d", released, pid)

	return released
}

func (ms *memoryService) SetProcessLimit(pid domain.Pid, maxBytes uint64) {
	acct := ms.account(pid)
	acct.mu.Lock()
	acct.limit = maxBytes
	acct.mu.Unlock()
}

func (ms *memoryService) Stats() domain.MemoryStats {
	used := uint64(ms.used.Load())
	return domain.MemoryStats{
		TotalBytes:      ms.total,
		UsedBytes:       used,
		AvailableBytes:  ms.total - used,
		AllocatedBlocks: uint64(atomic.LoadInt64(&ms.blockCount)),
		PressurePct:     float64(used) / float64(ms.total) * 100,
		GcSweeps:        atomic.LoadUint64(&ms.gcSweeps),
		GcFreedBytes:    atomic.LoadUint64(&ms.gcFreed),
	}
}

func (ms *memoryService) ProcessStats(pid domain.Pid) (domain.ProcessMemoryStats, error) {
	acct, ok := ms.lookupAccount(pid)
	if !ok {
		return domain.ProcessMemoryStats{Pid: pid}, nil
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	return domain.ProcessMemoryStats{
		Pid:          pid,
		UsedBytes:    acct.used,
		BlockCount:   uint64(len(acct.owned)),
		SharedBlocks: uint64(len(acct.shared)),
		LimitBytes:   acct.limit,
	}, nil
}

func (ms *memoryService) Shutdown() {}

// checkPressure emits threshold-crossing events. Warn and above never pass
// through sampling, so crossings are always visible.
func (ms *memoryService) checkPressure(pid domain.Pid) {
	used := uint64(ms.used.Load())

	state := pressureNormal
	if used >= ms.criticalBytes {
		state = pressureCritical
	} else if used >= ms.warnBytes {
		state = pressureWarn
	}

	prev := atomic.SwapInt32(&ms.pressure, state)
	if prev == state || ms.evs == nil {
		return
	}

	pct := float64(used) / float64(ms.total) * 100

	switch state {
	case pressureCritical:
		ms.evs.Emit(domain.Event{
			Timestamp: time.Now().UnixNano(),
			Severity:  domain.SeverityError,
			Category:  domain.CategoryMemory,
			Message:   fmt.Sprintf("memory pressure critical: %.1f%% of capacity in use", pct),
			Pid:       pid,
			Metric:    "memory_pressure",
			Value:     pct,
		})
	case pressureWarn:
		ms.evs.Emit(domain.Event{
			Timestamp: time.Now().UnixNano(),
			Severity:  domain.SeverityWarn,
			Category:  domain.CategoryMemory,
			Message:   fmt.Sprintf("memory pressure high: %.1f%% of capacity in use", pct),
			Pid:       pid,
			Metric:    "memory_pressure",
			Value:     pct,
		})
	default:
		ms.evs.Emit(domain.Event{
			Timestamp: time.Now().UnixNano(),
			Severity:  domain.SeverityInfo,
			Category:  domain.CategoryMemory,
			Message:   fmt.Sprintf("memory pressure back to normal: %.1f%%", pct),
			Pid:       pid,
			Metric:    "memory_pressure",
			Value:     pct,
		})
	}
}

func (ms *memoryService) emitOOM(pid domain.Pid, oom *domain.OOMError) {
	logrus.Warnf("Allocation failure for pid %d: %v", pid, oom)

	if ms.evs == nil {
		return
	}
	ms.evs.Emit(domain.Event{
		Timestamp: time.Now().UnixNano(),
		Severity:  domain.SeverityError,
		Category:  domain.CategoryMemory,
		Message:   oom.Error(),
		Pid:       pid,
	})
}
