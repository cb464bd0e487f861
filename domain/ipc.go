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

import (
	"context"
	"time"
)

// DefaultPipeCapacity is used when create_pipe doesn't request a size.
const DefaultPipeCapacity = 4096

// PipeInfo is the snapshot returned by pipe_stats.
type PipeInfo struct {
	ID           uint64 `json:"id"`
	ReaderPid    Pid    `json:"reader_pid"`
	WriterPid    Pid    `json:"writer_pid"`
	Capacity     uint32 `json:"capacity"`
	Buffered     uint32 `json:"buffered"`
	ReaderClosed bool   `json:"reader_closed"`
	WriterClosed bool   `json:"writer_closed"`
	BytesWritten uint64 `json:"bytes_written"`
	BytesRead    uint64 `json:"bytes_read"`
}

// ShmPermission records how a process attached to a segment.
type ShmPermission uint8

const (
	ShmReadOnly ShmPermission = iota
	ShmReadWrite
)

// ShmInfo is the snapshot returned by shm_stats.
type ShmInfo struct {
	ID          uint64 `json:"id"`
	Size        uint64 `json:"size"`
	OwnerPid    Pid    `json:"owner_pid"`
	AttachCount int    `json:"attach_count"`
}

// QueuePriority selects the band a message lands in. FIFO order is preserved
// within a band.
type QueuePriority uint8

const (
	QueueHigh QueuePriority = iota
	QueueNormal
	QueueLow
)

// QueueMessage is one entry in a message queue.
type QueueMessage struct {
	Priority QueuePriority
	Data     []byte
	Sender   Pid
	SentAt   time.Time
}

// QueueInfo is the per-queue accounting snapshot.
type QueueInfo struct {
	ID          uint64 `json:"id"`
	Capacity    int    `json:"capacity"`
	Length      int    `json:"length"`
	OwnerPid    Pid    `json:"owner_pid"`
	Subscribers int    `json:"subscribers"`
}

// Signal numbers follow the conventional 1..31 range. SIGKILL always
// terminates and its disposition can't be replaced.
const (
	SigKill uint32 = 9
	SigTerm uint32 = 15
	SigUsr1 uint32 = 10
	SigUsr2 uint32 = 12
	SigMax  uint32 = 31
)

// SignalDisposition selects how a delivered signal is handled.
type SignalDisposition uint8

const (
	SignalDefault SignalDisposition = iota
	SignalIgnore
	SignalCustom
)

// SignalHandler is invoked synchronously in the target's context for
// SignalCustom dispositions.
type SignalHandler func(pid Pid, sig uint32)

// RingEntry is one submission or completion record of a zero-copy ring pair
// backed by a shared-memory segment. Data is addressed by segment offset so
// nothing is copied across the boundary.
type RingEntry struct {
	UserData uint64 `json:"user_data"`
	Opcode   uint8  `json:"opcode"`
	Offset   uint64 `json:"offset"`
	Length   uint32 `json:"length"`
	Result   int32  `json:"result"`
}

// Ring opcodes supported by the shm-backed transfer rings.
const (
	RingOpNop uint8 = iota
	RingOpRead
	RingOpWrite
)

// IpcServiceIface is the inter-process communication subsystem: pipes, shared
// memory (plus zero-copy rings), message queues and signals. All blocking
// variants honor ctx cancellation; these are scheduler suspension points.
type IpcServiceIface interface {
	Setup(prs ProcessServiceIface, evs ObservabilityIface)

	// Pipes.
	CreatePipe(creator, readerPid, writerPid Pid, capacity uint32) (uint64, error)
	WritePipe(ctx context.Context, pid Pid, id uint64, data []byte, blocking bool) (int, error)
	ReadPipe(ctx context.Context, pid Pid, id uint64, size uint32, blocking bool) ([]byte, error)
	ClosePipe(pid Pid, id uint64) error
	DestroyPipe(pid Pid, id uint64) error
	PipeStats(id uint64) (PipeInfo, error)

	// Shared memory.
	CreateShm(owner Pid, size uint64) (uint64, error)
	AttachShm(pid Pid, id uint64, readOnly bool) error
	DetachShm(pid Pid, id uint64) error
	WriteShm(pid Pid, id uint64, offset uint64, data []byte) error
	ReadShm(pid Pid, id uint64, offset, size uint64) ([]byte, error)
	DestroyShm(pid Pid, id uint64) error
	ShmStats(id uint64) (ShmInfo, error)

	// Zero-copy rings over a shared-memory segment.
	SetupRing(pid Pid, segID uint64, entries uint32) (uint64, error)
	RingSubmit(pid Pid, ringID uint64, entry RingEntry) error
	RingReap(pid Pid, ringID uint64, max int) ([]RingEntry, error)
	DestroyRing(pid Pid, ringID uint64) error

	// Message queues.
	CreateQueue(owner Pid, capacity int) (uint64, error)
	QueueSend(ctx context.Context, pid Pid, id uint64, msg QueueMessage, blocking bool) error
	QueueRecv(ctx context.Context, pid Pid, id uint64, blocking bool) (QueueMessage, error)
	QueueSubscribe(pid Pid, id uint64) error
	QueueUnsubscribe(pid Pid, id uint64) error
	QueuePublish(pid Pid, id uint64, msg QueueMessage) (int, error)
	DestroyQueue(pid Pid, id uint64) error
	QueueStats(id uint64) (QueueInfo, error)

	// Signals.
	SendSignal(sender, target Pid, sig uint32) error
	SetSignalDisposition(pid Pid, sig uint32, d SignalDisposition, h SignalHandler) error
	PendingSignals(pid Pid) []uint32

	// DeliverPending drains pid's pending signals, running custom handlers
	// and default actions. Reports whether the process was terminated as a
	// consequence. Called at syscall entry.
	DeliverPending(pid Pid) bool

	// ReleaseProcess destroys everything pid owns and drops its attachments;
	// peers observe the matching ends as closed.
	ReleaseProcess(pid Pid)
}
