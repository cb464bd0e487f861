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

package ipc

import (
	"fmt"
	"sync"

	"github.com/nestybox/microvisor/domain"
)

// maxShmSegmentSize caps a single segment.
const maxShmSegmentSize = 256 << 20

// segment is one shared-memory region. The owner implicitly holds
// read-write access; peers record their permission at attach time.
type segment struct {
	mu sync.RWMutex

	id    uint64
	size  uint64
	owner domain.Pid
	data  []byte

	attached  map[domain.Pid]domain.ShmPermission
	destroyed bool
}

func newSegment(id uint64, owner domain.Pid, size uint64) *segment {
	return &segment{
		id:       id,
		size:     size,
		owner:    owner,
		data:     make([]byte, size),
		attached: make(map[domain.Pid]domain.ShmPermission),
	}
}

func (s *segment) attach(pid domain.Pid, readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return fmt.Errorf("segment %d destroyed: %w", s.id, domain.ErrBroken)
	}
	if pid == s.owner {
		return fmt.Errorf("pid %d already owns segment %d: %w",
			pid, s.id, domain.ErrInvalid)
	}

	perm := domain.ShmReadWrite
	if readOnly {
		perm = domain.ShmReadOnly
	}
	s.attached[pid] = perm
	return nil
}

func (s *segment) detach(pid domain.Pid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attached[pid]; !ok {
		return fmt.Errorf("pid %d not attached to segment %d: %w",
			pid, s.id, domain.ErrNotFound)
	}
	delete(s.attached, pid)
	return nil
}

// canRead reports whether pid may read the segment.
func (s *segment) canRead(pid domain.Pid) bool {
	if pid == s.owner {
		return true
	}
	_, ok := s.attached[pid]
	return ok
}

// canWrite reports whether pid may mutate the segment.
func (s *segment) canWrite(pid domain.Pid) bool {
	if pid == s.owner {
		return true
	}
	perm, ok := s.attached[pid]
	return ok && perm == domain.ShmReadWrite
}

func (s *segment) write(pid domain.Pid, offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return fmt.Errorf("segment %d destroyed: %w", s.id, domain.ErrBroken)
	}
	if !s.canWrite(pid) {
		return fmt.Errorf("pid %d has no write access to segment %d: %w",
			pid, s.id, domain.ErrInvalid)
	}
	if offset+uint64(len(data)) > s.size {
		return fmt.Errorf("write of %d bytes at offset %d exceeds segment size %d: %w",
			len(data), offset, s.size, domain.ErrInvalid)
	}

	copy(s.data[offset:], data)
	return nil
}

func (s *segment) read(pid domain.Pid, offset, size uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return nil, fmt.Errorf("segment %d destroyed: %w", s.id, domain.ErrBroken)
	}
	if !s.canRead(pid) {
		return nil, fmt.Errorf("pid %d has no read access to segment %d: %w",
			pid, s.id, domain.ErrInvalid)
	}
	if offset+size > s.size {
		return nil, fmt.Errorf("read of %d bytes at offset %d exceeds segment size %d: %w",
			size, offset, s.size, domain.ErrInvalid)
	}

	out := make([]byte, size)
	copy(out, s.data[offset:offset+size])
	return out, nil
}

func (s *segment) destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.attached = make(map[domain.Pid]domain.ShmPermission)
	s.data = nil
	s.mu.Unlock()
}

func (s *segment) stats() domain.ShmInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return domain.ShmInfo{
		ID:          s.id,
		Size:        s.size,
		OwnerPid:    s.owner,
		AttachCount: len(s.attached),
	}
}
