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
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

// Fork makes child share every block currently owned by parent. Shared
// blocks carry a reference count >= 2 and stay immutable until the first
// write from either side splits them.
func (ms *memoryService) Fork(parent, child domain.Pid) error {
	parentAcct, ok := ms.lookupAccount(parent)
	if !ok {
		// A parent without allocations forks into an empty child.
		return nil
	}
	childAcct := ms.account(child)

	parentAcct.mu.Lock()
	blocks := make([]*block, 0, len(parentAcct.owned))
	for _, blk := range parentAcct.owned {
		blocks = append(blocks, blk)
	}
	parentAcct.mu.Unlock()

	childAcct.mu.Lock()
	defer childAcct.mu.Unlock()

	for _, blk := range blocks {
		blk.mu.Lock()
		blk.refs++
		blk.sharers = append(blk.sharers, child)
		blk.mu.Unlock()

		childAcct.shared[blk.addr] = blk
	}

	logrus.Debugf("Forked %d blocks from pid %d into pid %d (copy-on-write)",
		len(blocks), parent, child)

	return nil
}

// ensureWritable returns a block pid may mutate in place, splitting a shared
// block first. The writer always ends up with the private copy at the same
// logical address; the other referents keep the original bytes.
func (ms *memoryService) ensureWritable(
	pid domain.Pid, blk *block, sharedRef bool) (*block, error) {

	if sharedRef {
		return ms.copyForSharer(pid, blk)
	}

	blk.mu.Lock()
	if blk.refs == 1 {
		blk.mu.Unlock()
		return blk, nil
	}

	// The owner is writing a shared-out block: every sharer gets a private
	// copy of the current bytes, then the owner mutates the original.
	sharers := blk.sharers
	blk.sharers = nil
	blk.refs = 1
	snapshot := cloneData(blk)
	blk.mu.Unlock()

	for _, sharer := range sharers {
		ms.installCopy(sharer, blk, snapshot)
	}

	return blk, nil
}

// copyForSharer splits off a private copy for a process holding a weak
// reference.
func (ms *memoryService) copyForSharer(pid domain.Pid, blk *block) (*block, error) {
	blk.mu.Lock()
	snapshot := cloneData(blk)
	blk.refs--
	for i, p := range blk.sharers {
		if p == pid {
			blk.sharers = append(blk.sharers[:i], blk.sharers[i+1:]...)
			break
		}
	}
	blk.mu.Unlock()

	acct, ok := ms.lookupAccount(pid)
	if !ok {
		return nil, fmt.Errorf("pid %d has no accounting record: %w",
			pid, domain.ErrNotFound)
	}

	private := &block{
		addr:        blk.addr,
		size:        blk.size,
		owner:       pid,
		data:        snapshot,
		allocatedAt: time.Now(),
		refs:        1,
	}
	private.touch()

	acct.mu.Lock()
	delete(acct.shared, blk.addr)
	acct.owned[blk.addr] = private
	acct.used += blk.size
	acct.mu.Unlock()

	ms.used.Add(int64(blk.size))
	atomic.AddInt64(&ms.blockCount, 1)

	return private, nil
}

// installCopy hands a sharer a private copy of a block the owner is about to
// mutate.
func (ms *memoryService) installCopy(pid domain.Pid, blk *block, snapshot []byte) {
	acct, ok := ms.lookupAccount(pid)
	if !ok {
		return
	}

	var data []byte
	if snapshot != nil {
		data = make([]byte, len(snapshot))
		copy(data, snapshot)
	}

	private := &block{
		addr:        blk.addr,
		size:        blk.size,
		owner:       pid,
		data:        data,
		allocatedAt: time.Now(),
		refs:        1,
	}
	private.touch()

	acct.mu.Lock()
	delete(acct.shared, blk.addr)
	acct.owned[blk.addr] = private
	acct.used += blk.size
	acct.mu.Unlock()

	ms.used.Add(int64(blk.size))
	atomic.AddInt64(&ms.blockCount, 1)
}

// cloneData snapshots a block's bytes under its lock. Unmaterialized blocks
// stay nil; the copy materializes only when written.
func cloneData(blk *block) []byte {
	if blk.data == nil {
		return nil
	}
	out := make([]byte, len(blk.data))
	copy(out, blk.data)
	return out
}
