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
	"io/ioutil"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

func newTestMemory(capacity uint64) *memoryService {
	return NewMemoryService(capacity, 80, 95, time.Minute).(*memoryService)
}

// sumAccounts walks every shard adding up the per-pid usage.
func sumAccounts(ms *memoryService) uint64 {
	var sum uint64
	for _, shard := range ms.shards {
		shard.RLock()
		for _, acct := range shard.accounts {
			acct.mu.Lock()
			sum += acct.used
			acct.mu.Unlock()
		}
		shard.RUnlock()
	}
	return sum
}

func TestAllocFreeAccounting(t *testing.T) {
	ms := newTestMemory(1 << 20)

	addr, err := ms.Alloc(1, 100)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}

	stats := ms.Stats()
	if stats.UsedBytes != 128 { // 100 rounds to the 128-byte bucket
		t.Errorf("used = %d, want 128", stats.UsedBytes)
	}
	if stats.AllocatedBlocks != 1 {
		t.Errorf("blocks = %d, want 1", stats.AllocatedBlocks)
	}

	if err := ms.Free(1, addr); err != nil {
		t.Fatalf("Free() failed: %v", err)
	}

	stats = ms.Stats()
	if stats.UsedBytes != 0 || stats.AllocatedBlocks != 0 {
		t.Errorf("after free: used = %d, blocks = %d, want 0/0",
			stats.UsedBytes, stats.AllocatedBlocks)
	}
}

func TestFreeForeignBlock(t *testing.T) {
	ms := newTestMemory(1 << 20)

	addr, _ := ms.Alloc(1, 64)
	if err := ms.Free(2, addr); err == nil {
		t.Errorf("freeing another pid's block must fail")
	}
}

func TestOOMQuartet(t *testing.T) {
	ms := newTestMemory(1000 << 20)

	// 900 MiB succeeds.
	if _, err := ms.Alloc(1, 900<<20); err != nil {
		t.Fatalf("900 MiB allocation failed: %v", err)
	}

	// Another 200 MiB trips the capacity check with the diagnostic quartet.
	_, err := ms.Alloc(1, 200<<20)
	oom, ok := domain.AsOOM(err)
	if !ok {
		t.Fatalf("expected OOM error, got %v", err)
	}
	if oom.Info.Requested != 200<<20 {
		t.Errorf("requested = %d, want %d", oom.Info.Requested, 200<<20)
	}
	if oom.Info.Available != 100<<20 {
		t.Errorf("available = %d, want %d", oom.Info.Available, 100<<20)
	}
	if oom.Info.Used != 900<<20 {
		t.Errorf("used = %d, want %d", oom.Info.Used, 900<<20)
	}
	if oom.Info.Total != 1000<<20 {
		t.Errorf("total = %d, want %d", oom.Info.Total, 1000<<20)
	}

	// Releasing pid 1 makes room for pid 2.
	ms.ReleaseProcess(1)
	if _, err := ms.Alloc(2, 200<<20); err != nil {
		t.Fatalf("post-release allocation failed: %v", err)
	}

	stats := ms.Stats()
	if stats.UsedBytes < 200<<20 || stats.UsedBytes > 210<<20 {
		t.Errorf("used = %d, want within [200 MiB, 210 MiB]", stats.UsedBytes)
	}
}

func TestCriticalPressureRejects(t *testing.T) {
	ms := newTestMemory(4096)

	// Fill to 3840 of 4096 bytes, past the 95% critical threshold (3800):
	// the next allocation must fail even though raw capacity remains.
	for _, size := range []uint64{2048, 1024, 512, 256} {
		if _, err := ms.Alloc(1, size); err != nil {
			t.Fatalf("allocation of %d failed: %v", size, err)
		}
	}
	if _, err := ms.Alloc(1, 64); err == nil {
		t.Errorf("allocation above the critical threshold must fail")
	}
}

func TestProcessLimit(t *testing.T) {
	ms := newTestMemory(1 << 20)
	ms.SetProcessLimit(7, 256)

	if _, err := ms.Alloc(7, 128); err != nil {
		t.Fatalf("within-limit allocation failed: %v", err)
	}
	if _, err := ms.Alloc(7, 256); err == nil {
		t.Errorf("allocation exceeding the process limit must fail")
	}
}

func TestReadWriteBlock(t *testing.T) {
	ms := newTestMemory(1 << 20)

	addr, _ := ms.Alloc(1, 64)

	// Fresh blocks read as zeroes without materializing.
	out, err := ms.ReadBlock(1, addr, 0, 8)
	if err != nil {
		t.Fatalf("ReadBlock() failed: %v", err)
	}
	for _, b := range out {
		if b != 0 {
			t.Fatalf("fresh block must read zeroed, got %v", out)
		}
	}

	if err := ms.WriteBlock(1, addr, 3, []byte{0xAB}); err != nil {
		t.Fatalf("WriteBlock() failed: %v", err)
	}
	out, _ = ms.ReadBlock(1, addr, 3, 1)
	if out[0] != 0xAB {
		t.Errorf("read-back = %#x, want 0xAB", out[0])
	}

	// Bounds are enforced.
	if err := ms.WriteBlock(1, addr, 60, make([]byte, 8)); err == nil {
		t.Errorf("out-of-bounds write must fail")
	}
	if _, err := ms.ReadBlock(1, addr, 64, 1); err == nil {
		t.Errorf("out-of-bounds read must fail")
	}
}

func TestGCSweepsColdBlocks(t *testing.T) {
	ms := NewMemoryService(1<<20, 80, 95, time.Millisecond).(*memoryService)

	if _, err := ms.Alloc(1, 4096); err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}

	before := ms.Stats().UsedBytes

	time.Sleep(5 * time.Millisecond)
	freed := ms.TriggerGC(1, false)
	if freed != 4096 {
		t.Errorf("gc freed = %d, want 4096", freed)
	}

	after := ms.Stats()
	if after.UsedBytes > before {
		t.Errorf("gc must never grow usage: before %d, after %d",
			before, after.UsedBytes)
	}
	if after.GcSweeps == 0 {
		t.Errorf("gc sweep counter not incremented")
	}
}

// Randomized alloc/free/terminate sequences must preserve the accounting
// identity between the per-pid sums and the global counter.
func TestAccountingIdentityRandomized(t *testing.T) {
	ms := newTestMemory(64 << 20)
	rng := rand.New(rand.NewSource(42))

	type owned struct {
		pid  domain.Pid
		addr uint64
	}
	var live []owned

	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			pid := domain.Pid(rng.Intn(8) + 1)
			if addr, err := ms.Alloc(pid, uint64(rng.Intn(8192)+1)); err == nil {
				live = append(live, owned{pid, addr})
			}
		case 1:
			if len(live) > 0 {
				i := rng.Intn(len(live))
				_ = ms.Free(live[i].pid, live[i].addr)
				live = append(live[:i], live[i+1:]...)
			}
		case 2:
			pid := domain.Pid(rng.Intn(8) + 1)
			ms.ReleaseProcess(pid)
			kept := live[:0]
			for _, o := range live {
				if o.pid != pid {
					kept = append(kept, o)
				}
			}
			live = kept
		}

		if got, want := uint64(ms.used.Load()), sumAccounts(ms); got != want {
			t.Fatalf("iteration %d: global used %d != per-pid sum %d", i, got, want)
		}
	}
}
