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
	"testing"
)

func TestForkSharesBlocks(t *testing.T) {
	ms := newTestMemory(1 << 20)

	addr, _ := ms.Alloc(1, 64)
	if err := ms.WriteBlock(1, addr, 0, []byte{0x11}); err != nil {
		t.Fatalf("WriteBlock() failed: %v", err)
	}

	if err := ms.Fork(1, 2); err != nil {
		t.Fatalf("Fork() failed: %v", err)
	}

	// The child reads the parent's bytes through the shared reference; no
	// extra memory is committed by the fork itself.
	out, err := ms.ReadBlock(2, addr, 0, 1)
	if err != nil {
		t.Fatalf("child ReadBlock() failed: %v", err)
	}
	if out[0] != 0x11 {
		t.Errorf("child read = %#x, want 0x11", out[0])
	}

	childStats, _ := ms.ProcessStats(2)
	if childStats.SharedBlocks != 1 || childStats.UsedBytes != 0 {
		t.Errorf("child stats = %+v, want 1 shared block and 0 used bytes", childStats)
	}
}

// Scenario: child writes a shared block; the parent keeps its view and
// exactly one block's worth of memory is added.
func TestCowDivergenceOnChildWrite(t *testing.T) {
	ms := newTestMemory(1 << 20)

	addr, _ := ms.Alloc(1, 64)
	if err := ms.WriteBlock(1, addr, 0, []byte{0x11}); err != nil {
		t.Fatalf("WriteBlock() failed: %v", err)
	}
	if err := ms.Fork(1, 2); err != nil {
		t.Fatalf("Fork() failed: %v", err)
	}

	usedBefore := ms.Stats().UsedBytes

	if err := ms.WriteBlock(2, addr, 0, []byte{0x22}); err != nil {
		t.Fatalf("child WriteBlock() failed: %v", err)
	}

	parentView, _ := ms.ReadBlock(1, addr, 0, 1)
	if parentView[0] != 0x11 {
		t.Errorf("parent view changed by child write: %#x", parentView[0])
	}

	childView, _ := ms.ReadBlock(2, addr, 0, 1)
	if childView[0] != 0x22 {
		t.Errorf("child view = %#x, want 0x22", childView[0])
	}

	if got := ms.Stats().UsedBytes - usedBefore; got != 64 {
		t.Errorf("cow split grew usage by %d, want exactly one 64-byte block", got)
	}
}

func TestCowDivergenceOnParentWrite(t *testing.T) {
	ms := newTestMemory(1 << 20)

	addr, _ := ms.Alloc(1, 64)
	if err := ms.WriteBlock(1, addr, 0, []byte{0x11}); err != nil {
		t.Fatalf("WriteBlock() failed: %v", err)
	}
	if err := ms.Fork(1, 2); err != nil {
		t.Fatalf("Fork() failed: %v", err)
	}

	// The owner writing a shared-out block must not leak into the child.
	if err := ms.WriteBlock(1, addr, 0, []byte{0x33}); err != nil {
		t.Fatalf("parent WriteBlock() failed: %v", err)
	}

	childView, _ := ms.ReadBlock(2, addr, 0, 1)
	if childView[0] != 0x11 {
		t.Errorf("child view = %#x, want the pre-write 0x11", childView[0])
	}

	parentView, _ := ms.ReadBlock(1, addr, 0, 1)
	if parentView[0] != 0x33 {
		t.Errorf("parent view = %#x, want 0x33", parentView[0])
	}
}

func TestReleaseTransfersSharedBlock(t *testing.T) {
	ms := newTestMemory(1 << 20)

	addr, _ := ms.Alloc(1, 64)
	if err := ms.WriteBlock(1, addr, 0, []byte{0x44}); err != nil {
		t.Fatalf("WriteBlock() failed: %v", err)
	}
	if err := ms.Fork(1, 2); err != nil {
		t.Fatalf("Fork() failed: %v", err)
	}

	// Terminating the owner hands the block to the surviving sharer.
	ms.ReleaseProcess(1)

	out, err := ms.ReadBlock(2, addr, 0, 1)
	if err != nil {
		t.Fatalf("heir ReadBlock() failed: %v", err)
	}
	if out[0] != 0x44 {
		t.Errorf("heir read = %#x, want 0x44", out[0])
	}

	heirStats, _ := ms.ProcessStats(2)
	if heirStats.BlockCount != 1 || heirStats.UsedBytes != 64 {
		t.Errorf("heir stats = %+v, want 1 owned block of 64 bytes", heirStats)
	}

	if got, want := uint64(ms.used.Load()), sumAccounts(ms); got != want {
		t.Errorf("global used %d != per-pid sum %d after transfer", got, want)
	}
}
