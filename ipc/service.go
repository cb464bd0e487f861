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
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

var _ domain.IpcServiceIface = (*ipcService)(nil)

// ipcService owns every IPC resource table. Resource ids come from one
// shared 64-bit counter, so an id never names two live resources of
// different types.
type ipcService struct {
	nextID uint64 // atomic

	pipeMu sync.RWMutex
	pipes  map[uint64]*pipe

	shmMu sync.RWMutex
	shms  map[uint64]*segment

	ringMu sync.RWMutex
	rings  map[uint64]*transferRing

	queueMu sync.RWMutex
	queues  map[uint64]*msgQueue

	sigMu   sync.Mutex
	signals map[domain.Pid]*signalTable

	prs domain.ProcessServiceIface
	evs domain.ObservabilityIface
}

// NewIpcService builds the IPC subsystem.
func NewIpcService() domain.IpcServiceIface {
	return &ipcService{
		pipes:   make(map[uint64]*pipe),
		shms:    make(map[uint64]*segment),
		rings:   make(map[uint64]*transferRing),
		queues:  make(map[uint64]*msgQueue),
		signals: make(map[domain.Pid]*signalTable),
	}
}

func (ips *ipcService) Setup(prs domain.ProcessServiceIface, evs domain.ObservabilityIface) {
	ips.prs = prs
	ips.evs = evs
}

func (ips *ipcService) allocID() uint64 {
	return atomic.AddUint64(&ips.nextID, 1)
}

//
// Pipes.
//

func (ips *ipcService) CreatePipe(
	creator, readerPid, writerPid domain.Pid, capacity uint32) (uint64, error) {

	if ips.prs.Get(readerPid) == nil {
		return 0, fmt.Errorf("pipe reader %d: %w", readerPid, domain.ErrNotFound)
	}
	if ips.prs.Get(writerPid) == nil {
		return 0, fmt.Errorf("pipe writer %d: %w", writerPid, domain.ErrNotFound)
	}

	id := ips.allocID()
	p := newPipe(id, creator, readerPid, writerPid, capacity)

	ips.pipeMu.Lock()
	ips.pipes[id] = p
	ips.pipeMu.Unlock()

	logrus.Debugf("Pipe %d created: reader %d, writer %d, capacity %d",
		id, readerPid, writerPid, p.capacity)

	return id, nil
}

func (ips *ipcService) getPipe(id uint64) (*pipe, error) {
	ips.pipeMu.RLock()
	p, ok := ips.pipes[id]
	ips.pipeMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipe %d: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (ips *ipcService) WritePipe(
	ctx context.Context, pid domain.Pid, id uint64, data []byte, blocking bool) (int, error) {

	p, err := ips.getPipe(id)
	if err != nil {
		return 0, err
	}
	return p.write(ctx, pid, data, blocking)
}

func (ips *ipcService) ReadPipe(
	ctx context.Context, pid domain.Pid, id uint64, size uint32, blocking bool) ([]byte, error) {

	p, err := ips.getPipe(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := p.read(ctx, pid, size, blocking)

	if ips.evs != nil && blocking {
		if wait := time.Since(start); wait > time.Millisecond {
			ips.evs.Emit(domain.Event{
				Timestamp: time.Now().UnixNano(),
				Severity:  domain.SeverityDebug,
				Category:  domain.CategoryIpc,
				Message:   fmt.Sprintf("pipe %d read waited %v", id, wait),
				Pid:       pid,
				Metric:    "ipc_wait_ns",
				Value:     float64(wait.Nanoseconds()),
			})
		}
	}

	return out, err
}

func (ips *ipcService) ClosePipe(pid domain.Pid, id uint64) error {
	p, err := ips.getPipe(id)
	if err != nil {
		return err
	}

	both, err := p.closeEnd(pid)
	if err != nil {
		return err
	}
	if both {
		ips.removePipe(id)
	}
	return nil
}

func (ips *ipcService) DestroyPipe(pid domain.Pid, id uint64) error {
	p, err := ips.getPipe(id)
	if err != nil {
		return err
	}

	if pid != p.creator && pid != p.reader && pid != p.writer {
		return fmt.Errorf("pid %d holds no end of pipe %d: %w",
			pid, id, domain.ErrInvalid)
	}

	p.destroy()
	ips.removePipe(id)

	logrus.Debugf("Pipe %d destroyed by pid %d", id, pid)
	return nil
}

func (ips *ipcService) removePipe(id uint64) {
	ips.pipeMu.Lock()
	delete(ips.pipes, id)
	ips.pipeMu.Unlock()
}

func (ips *ipcService) PipeStats(id uint64) (domain.PipeInfo, error) {
	p, err := ips.getPipe(id)
	if err != nil {
		return domain.PipeInfo{}, err
	}
	return p.stats(), nil
}

//
// Shared memory.
//

func (ips *ipcService) CreateShm(owner domain.Pid, size uint64) (uint64, error) {
	if size == 0 || size > maxShmSegmentSize {
		return 0, fmt.Errorf("segment size %d out of range (1..%d): %w",
			size, maxShmSegmentSize, domain.ErrInvalid)
	}

	id := ips.allocID()
	seg := newSegment(id, owner, size)

	ips.shmMu.Lock()
	ips.shms[id] = seg
	ips.shmMu.Unlock()

	logrus.Debugf("Shm segment %d created: owner %d, size %d", id, owner, size)

	return id, nil
}

func (ips *ipcService) getShm(id uint64) (*segment, error) {
	ips.shmMu.RLock()
	seg, ok := ips.shms[id]
	ips.shmMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("shm segment %d: %w", id, domain.ErrNotFound)
	}
	return seg, nil
}

func (ips *ipcService) AttachShm(pid domain.Pid, id uint64, readOnly bool) error {
	seg, err := ips.getShm(id)
	if err != nil {
		return err
	}
	return seg.attach(pid, readOnly)
}

func (ips *ipcService) DetachShm(pid domain.Pid, id uint64) error {
	seg, err := ips.getShm(id)
	if err != nil {
		return err
	}
	return seg.detach(pid)
}

func (ips *ipcService) WriteShm(pid domain.Pid, id uint64, offset uint64, data []byte) error {
	seg, err := ips.getShm(id)
	if err != nil {
		return err
	}
	return seg.write(pid, offset, data)
}

func (ips *ipcService) ReadShm(pid domain.Pid, id uint64, offset, size uint64) ([]byte, error) {
	seg, err := ips.getShm(id)
	if err != nil {
		return nil, err
	}
	return seg.read(pid, offset, size)
}

func (ips *ipcService) DestroyShm(pid domain.Pid, id uint64) error {
	seg, err := ips.getShm(id)
	if err != nil {
		return err
	}
	if pid != seg.owner {
		return fmt.Errorf("pid %d does not own segment %d: %w",
			pid, id, domain.ErrInvalid)
	}

	ips.destroyRingsOfSegment(id)

	seg.destroy()

	ips.shmMu.Lock()
	delete(ips.shms, id)
	ips.shmMu.Unlock()

	logrus.Debugf("Shm segment %d destroyed by pid %d", id, pid)
	return nil
}

func (ips *ipcService) ShmStats(id uint64) (domain.ShmInfo, error) {
	seg, err := ips.getShm(id)
	if err != nil {
		return domain.ShmInfo{}, err
	}
	return seg.stats(), nil
}

//
// Zero-copy rings.
//

func (ips *ipcService) SetupRing(pid domain.Pid, segID uint64, entries uint32) (uint64, error) {
	seg, err := ips.getShm(segID)
	if err != nil {
		return 0, err
	}
	if !seg.canRead(pid) {
		return 0, fmt.Errorf("pid %d has no access to segment %d: %w",
			pid, segID, domain.ErrInvalid)
	}
	if entries == 0 || entries > 4096 {
		return 0, fmt.Errorf("ring entry count %d out of range (1..4096): %w",
			entries, domain.ErrInvalid)
	}

	id := ips.allocID()
	r := newTransferRing(id, pid, seg, entries)

	ips.ringMu.Lock()
	ips.rings[id] = r
	ips.ringMu.Unlock()

	return id, nil
}

func (ips *ipcService) getRing(id uint64) (*transferRing, error) {
	ips.ringMu.RLock()
	r, ok := ips.rings[id]
	ips.ringMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ring %d: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

func (ips *ipcService) RingSubmit(pid domain.Pid, ringID uint64, entry domain.RingEntry) error {
	r, err := ips.getRing(ringID)
	if err != nil {
		return err
	}
	return r.submit(pid, entry)
}

func (ips *ipcService) RingReap(pid domain.Pid, ringID uint64, max int) ([]domain.RingEntry, error) {
	r, err := ips.getRing(ringID)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = int(r.mask) + 1
	}
	return r.reap(max), nil
}

func (ips *ipcService) DestroyRing(pid domain.Pid, ringID uint64) error {
	r, err := ips.getRing(ringID)
	if err != nil {
		return err
	}
	if pid != r.owner {
		return fmt.Errorf("pid %d does not own ring %d: %w",
			pid, ringID, domain.ErrInvalid)
	}

	r.destroy()

	ips.ringMu.Lock()
	delete(ips.rings, ringID)
	ips.ringMu.Unlock()
	return nil
}

func (ips *ipcService) destroyRingsOfSegment(segID uint64) {
	ips.ringMu.Lock()
	defer ips.ringMu.Unlock()

	for id, r := range ips.rings {
		if r.seg.id == segID {
			r.destroy()
			delete(ips.rings, id)
		}
	}
}

//
// Message queues.
//

func (ips *ipcService) CreateQueue(owner domain.Pid, capacity int) (uint64, error) {
	id := ips.allocID()
	q := newMsgQueue(id, owner, capacity)

	ips.queueMu.Lock()
	ips.queues[id] = q
	ips.queueMu.Unlock()

	return id, nil
}

func (ips *ipcService) getQueue(id uint64) (*msgQueue, error) {
	ips.queueMu.RLock()
	q, ok := ips.queues[id]
	ips.queueMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("queue %d: %w", id, domain.ErrNotFound)
	}
	return q, nil
}

func (ips *ipcService) QueueSend(
	ctx context.Context, pid domain.Pid, id uint64,
	msg domain.QueueMessage, blocking bool) error {

	q, err := ips.getQueue(id)
	if err != nil {
		return err
	}
	msg.Sender = pid
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	return q.send(ctx, msg, blocking)
}

func (ips *ipcService) QueueRecv(
	ctx context.Context, pid domain.Pid, id uint64, blocking bool) (domain.QueueMessage, error) {

	q, err := ips.getQueue(id)
	if err != nil {
		return domain.QueueMessage{}, err
	}
	return q.recv(ctx, pid, blocking)
}

func (ips *ipcService) QueueSubscribe(pid domain.Pid, id uint64) error {
	q, err := ips.getQueue(id)
	if err != nil {
		return err
	}
	q.subscribe(pid)
	return nil
}

func (ips *ipcService) QueueUnsubscribe(pid domain.Pid, id uint64) error {
	q, err := ips.getQueue(id)
	if err != nil {
		return err
	}
	q.unsubscribe(pid)
	return nil
}

func (ips *ipcService) QueuePublish(pid domain.Pid, id uint64, msg domain.QueueMessage) (int, error) {
	q, err := ips.getQueue(id)
	if err != nil {
		return 0, err
	}
	msg.Sender = pid
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	return q.publish(msg)
}

func (ips *ipcService) DestroyQueue(pid domain.Pid, id uint64) error {
	q, err := ips.getQueue(id)
	if err != nil {
		return err
	}
	if pid != q.owner {
		return fmt.Errorf("pid %d does not own queue %d: %w",
			pid, id, domain.ErrInvalid)
	}

	q.destroy()

	ips.queueMu.Lock()
	delete(ips.queues, id)
	ips.queueMu.Unlock()
	return nil
}

func (ips *ipcService) QueueStats(id uint64) (domain.QueueInfo, error) {
	q, err := ips.getQueue(id)
	if err != nil {
		return domain.QueueInfo{}, err
	}
	return q.stats(), nil
}

//
// Process cleanup.
//

// ReleaseProcess destroys everything pid owns and detaches it everywhere
// else. Peers observe the corresponding ends as closed; this is the IPC leg
// of the termination sequence.
func (ips *ipcService) ReleaseProcess(pid domain.Pid) {
	// Pipes: close the ends pid holds; destroy the ones it created.
	ips.pipeMu.Lock()
	pipes := make([]*pipe, 0, len(ips.pipes))
	for _, p := range ips.pipes {
		pipes = append(pipes, p)
	}
	ips.pipeMu.Unlock()

	for _, p := range pipes {
		if p.creator == pid {
			p.destroy()
			ips.removePipe(p.id)
			continue
		}
		if p.reader == pid || p.writer == pid {
			if both, err := p.closeEnd(pid); err == nil && both {
				ips.removePipe(p.id)
			}
		}
	}

	// Rings owned by pid.
	ips.ringMu.Lock()
	for id, r := range ips.rings {
		if r.owner == pid {
			r.destroy()
			delete(ips.rings, id)
		}
	}
	ips.ringMu.Unlock()

	// Segments: destroy owned, detach elsewhere.
	ips.shmMu.Lock()
	segs := make([]*segment, 0, len(ips.shms))
	for _, seg := range ips.shms {
		segs = append(segs, seg)
	}
	ips.shmMu.Unlock()

	for _, seg := range segs {
		if seg.owner == pid {
			ips.destroyRingsOfSegment(seg.id)
			seg.destroy()
			ips.shmMu.Lock()
			delete(ips.shms, seg.id)
			ips.shmMu.Unlock()
		} else {
			seg.mu.Lock()
			delete(seg.attached, pid)
			seg.mu.Unlock()
		}
	}

	// Queues: destroy owned, unsubscribe elsewhere.
	ips.queueMu.Lock()
	queues := make([]*msgQueue, 0, len(ips.queues))
	for _, q := range ips.queues {
		queues = append(queues, q)
	}
	ips.queueMu.Unlock()

	for _, q := range queues {
		if q.owner == pid {
			q.destroy()
			ips.queueMu.Lock()
			delete(ips.queues, q.id)
			ips.queueMu.Unlock()
		} else {
			q.unsubscribe(pid)
		}
	}

	// Signal state.
	ips.sigMu.Lock()
	delete(ips.signals, pid)
	ips.sigMu.Unlock()

	logrus.Debugf("IPC resources of pid %d released", pid)
}
