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
	"context"
	"fmt"
	"sync"

	"github.com/nestybox/microvisor/domain"
)

// pipe is a unidirectional bounded byte channel between a writer process and
// a reader process. Blocking operations wait on notification channels so a
// context cancellation (scheduler suspension point) always interrupts them.
type pipe struct {
	mu sync.Mutex

	id       uint64
	creator  domain.Pid
	reader   domain.Pid
	writer   domain.Pid
	capacity int

	buf []byte

	readerClosed bool
	writerClosed bool
	destroyed    bool

	bytesWritten uint64
	bytesRead    uint64

	dataCh  chan struct{} // pulses when bytes arrive
	spaceCh chan struct{} // pulses when space frees up
	closeCh chan struct{} // closed when either end closes
}

func newPipe(id uint64, creator, reader, writer domain.Pid, capacity uint32) *pipe {
	if capacity == 0 {
		capacity = domain.DefaultPipeCapacity
	}
	return &pipe{
		id:       id,
		creator:  creator,
		reader:   reader,
		writer:   writer,
		capacity: int(capacity),
		dataCh:   make(chan struct{}, 1),
		spaceCh:  make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

func pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// write appends data, blocking while the buffer is full. Non-blocking mode
// writes what fits and reports WouldBlock when nothing does. Returns the
// number of bytes accepted.
func (p *pipe) write(ctx context.Context, pid domain.Pid, data []byte, blocking bool) (int, error) {
	if pid != p.writer {
		return 0, fmt.Errorf("pid %d does not hold the write end of pipe %d: %w",
			pid, p.id, domain.ErrInvalid)
	}

	written := 0
	for written < len(data) {
		p.mu.Lock()
		if p.destroyed || p.readerClosed {
			p.mu.Unlock()
			return written, fmt.Errorf("pipe %d read end closed: %w",
				p.id, domain.ErrBroken)
		}
		if p.writerClosed {
			p.mu.Unlock()
			return written, fmt.Errorf("pipe %d write end closed: %w",
				p.id, domain.ErrBroken)
		}

		space := p.capacity - len(p.buf)
		if space > 0 {
			n := len(data) - written
			if n > space {
				n = space
			}
			p.buf = append(p.buf, data[written:written+n]...)
			p.bytesWritten += uint64(n)
			written += n
			p.mu.Unlock()
			pulse(p.dataCh)
			continue
		}
		p.mu.Unlock()

		if !blocking {
			if written == 0 {
				return 0, fmt.Errorf("pipe %d full: %w", p.id, domain.ErrWouldBlock)
			}
			return written, nil
		}

		select {
		case <-ctx.Done():
			return written, fmt.Errorf("pipe %d write: %w", p.id, domain.ErrCancelled)
		case <-p.closeCh:
			// Re-check under the lock; the closed end decides the error.
		case <-p.spaceCh:
		}
	}

	return written, nil
}

// read takes up to size bytes, blocking while the pipe is empty. Reading an
// empty pipe whose write end closed reports the peer as gone.
func (p *pipe) read(ctx context.Context, pid domain.Pid, size uint32, blocking bool) ([]byte, error) {
	if pid != p.reader {
		return nil, fmt.Errorf("pid %d does not hold the read end of pipe %d: %w",
			pid, p.id, domain.ErrInvalid)
	}

	for {
		p.mu.Lock()
		if p.destroyed || p.readerClosed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pipe %d read end closed: %w",
				p.id, domain.ErrBroken)
		}

		if len(p.buf) > 0 {
			n := int(size)
			if n > len(p.buf) {
				n = len(p.buf)
			}
			out := make([]byte, n)
			copy(out, p.buf[:n])
			p.buf = p.buf[n:]
			p.bytesRead += uint64(n)
			p.mu.Unlock()
			pulse(p.spaceCh)
			return out, nil
		}

		if p.writerClosed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pipe %d write end closed: %w",
				p.id, domain.ErrBroken)
		}
		p.mu.Unlock()

		if !blocking {
			return nil, fmt.Errorf("pipe %d empty: %w", p.id, domain.ErrWouldBlock)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pipe %d read: %w", p.id, domain.ErrCancelled)
		case <-p.closeCh:
		case <-p.dataCh:
		}
	}
}

// closeEnd closes whichever ends pid holds. Both ends closed retires the
// pipe entirely.
func (p *pipe) closeEnd(pid domain.Pid) (bothClosed bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return false, fmt.Errorf("pipe %d already destroyed: %w",
			p.id, domain.ErrBroken)
	}

	matched := false
	if pid == p.reader && !p.readerClosed {
		p.readerClosed = true
		matched = true
	}
	if pid == p.writer && !p.writerClosed {
		p.writerClosed = true
		matched = true
	}
	if !matched {
		return false, fmt.Errorf("pid %d holds no open end of pipe %d: %w",
			pid, p.id, domain.ErrInvalid)
	}

	select {
	case <-p.closeCh:
	default:
		close(p.closeCh)
	}

	return p.readerClosed && p.writerClosed, nil
}

func (p *pipe) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.destroyed = true
	select {
	case <-p.closeCh:
	default:
		close(p.closeCh)
	}
}

func (p *pipe) stats() domain.PipeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	return domain.PipeInfo{
		ID:           p.id,
		ReaderPid:    p.reader,
		WriterPid:    p.writer,
		Capacity:     uint32(p.capacity),
		Buffered:     uint32(len(p.buf)),
		ReaderClosed: p.readerClosed,
		WriterClosed: p.writerClosed,
		BytesWritten: p.bytesWritten,
		BytesRead:    p.bytesRead,
	}
}
