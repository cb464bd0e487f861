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

package sysio

import (
	"fmt"
	"sync"

	"github.com/nestybox/microvisor/domain"
)

var _ domain.FdTableIface = (*fdTable)(nil)

// fdTable is a per-process descriptor table. Open always takes the minimum
// unused slot, POSIX-style.
type fdTable struct {
	mu    sync.Mutex
	limit int
	slots map[domain.Fd]domain.IOnodeIface
}

// NewFdTable is reached through the io service so process spawning doesn't
// depend on this package directly.
func (svc *ioService) NewFdTable(max int) domain.FdTableIface {
	return &fdTable{
		limit: max,
		slots: make(map[domain.Fd]domain.IOnodeIface),
	}
}

func (t *fdTable) Open(node domain.IOnodeIface) (domain.Fd, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit > 0 && len(t.slots) >= t.limit {
		return -1, fmt.Errorf("descriptor limit %d reached: %w",
			t.limit, domain.ErrExhausted)
	}

	var fd domain.Fd
	for {
		if _, used := t.slots[fd]; !used {
			break
		}
		fd++
	}

	t.slots[fd] = node
	return fd, nil
}

func (t *fdTable) Get(fd domain.Fd) (domain.IOnodeIface, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.slots[fd]
	return node, ok
}

func (t *fdTable) Close(fd domain.Fd) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.slots[fd]
	if !ok {
		return fmt.Errorf("descriptor %d: %w", fd, domain.ErrNotFound)
	}
	delete(t.slots, fd)

	// Closing an un-opened node is harmless; ignore its complaint.
	_ = node.Close()
	return nil
}

func (t *fdTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for fd, node := range t.slots {
		_ = node.Close()
		delete(t.slots, fd)
	}
}

func (t *fdTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

func (t *fdTable) SetLimit(max int) {
	t.mu.Lock()
	t.limit = max
	t.mu.Unlock()
}
