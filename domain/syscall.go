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

// SyscallKind identifies a syscall variant. The snake_case literals double as
// the registry keys consulted during dispatch and as the JIT pattern keys, so
// they must remain stable across releases.
type SyscallKind string

const (
	// File-system operations.
	KindReadFile            SyscallKind = "read_file"
	KindWriteFile           SyscallKind = "write_file"
	KindCreateFile          SyscallKind = "create_file"
	KindDeleteFile          SyscallKind = "delete_file"
	KindListDirectory       SyscallKind = "list_directory"
	KindFileExists          SyscallKind = "file_exists"
	KindFileStat            SyscallKind = "file_stat"
	KindMoveFile            SyscallKind = "move_file"
	KindCopyFile            SyscallKind = "copy_file"
	KindCreateDirectory     SyscallKind = "create_directory"
	KindRemoveDirectory     SyscallKind = "remove_directory"
	KindGetWorkingDirectory SyscallKind = "get_working_directory"
	KindSetWorkingDirectory SyscallKind = "set_working_directory"
	KindTruncateFile        SyscallKind = "truncate_file"

	// Process operations.
	KindSpawnProcess       SyscallKind = "spawn_process"
	KindKillProcess        SyscallKind = "kill_process"
	KindGetProcessInfo     SyscallKind = "get_process_info"
	KindGetProcessList     SyscallKind = "get_process_list"
	KindSetProcessPriority SyscallKind = "set_process_priority"
	KindGetProcessState    SyscallKind = "get_process_state"
	KindGetProcessStats    SyscallKind = "get_process_stats"
	KindWaitProcess        SyscallKind = "wait_process"

	// System operations.
	KindGetSystemInfo  SyscallKind = "get_system_info"
	KindGetCurrentTime SyscallKind = "get_current_time"
	KindGetEnvVar      SyscallKind = "get_env_var"
	KindSetEnvVar      SyscallKind = "set_env_var"

	// Time operations.
	KindSleep     SyscallKind = "sleep"
	KindGetUptime SyscallKind = "get_uptime"

	// Memory operations.
	KindGetMemoryStats        SyscallKind = "get_memory_stats"
	KindGetProcessMemoryStats SyscallKind = "get_process_memory_stats"
	KindTriggerGC             SyscallKind = "trigger_gc"

	// Signal operations.
	KindSendSignal SyscallKind = "send_signal"

	// Network operations.
	KindNetworkRequest SyscallKind = "network_request"

	// IPC - pipes.
	KindCreatePipe  SyscallKind = "create_pipe"
	KindWritePipe   SyscallKind = "write_pipe"
	KindReadPipe    SyscallKind = "read_pipe"
	KindClosePipe   SyscallKind = "close_pipe"
	KindDestroyPipe SyscallKind = "destroy_pipe"
	KindPipeStats   SyscallKind = "pipe_stats"

	// IPC - shared memory.
	KindCreateShm  SyscallKind = "create_shm"
	KindAttachShm  SyscallKind = "attach_shm"
	KindDetachShm  SyscallKind = "detach_shm"
	KindWriteShm   SyscallKind = "write_shm"
	KindReadShm    SyscallKind = "read_shm"
	KindDestroyShm SyscallKind = "destroy_shm"
	KindShmStats   SyscallKind = "shm_stats"

	// Scheduler operations.
	KindScheduleNext        SyscallKind = "schedule_next"
	KindYieldProcess        SyscallKind = "yield_process"
	KindGetCurrentScheduled SyscallKind = "get_current_scheduled"
	KindGetSchedulerStats   SyscallKind = "get_scheduler_stats"
)

// Syscall is the tagged union over all request variants. Each variant is a
// plain struct carrying its own parameters; Kind() returns the discriminant.
type Syscall interface {
	Kind() SyscallKind
}

//
// File-system variants.
//

type ReadFile struct {
	Path string
}

type WriteFile struct {
	Path string
	Data []byte
}

type CreateFile struct {
	Path string
}

type DeleteFile struct {
	Path string
}

type ListDirectory struct {
	Path string
}

type FileExists struct {
	Path string
}

type FileStat struct {
	Path string
}

type MoveFile struct {
	Source string
	Dest   string
}

type CopyFile struct {
	Source string
	Dest   string
}

type CreateDirectory struct {
	Path string
}

type RemoveDirectory struct {
	Path      string
	Recursive bool
}

type GetWorkingDirectory struct{}

type SetWorkingDirectory struct {
	Path string
}

type TruncateFile struct {
	Path string
	Size uint64
}

func (ReadFile) Kind() SyscallKind { return KindReadFile }
func (WriteFile) Kind() SyscallKind { return KindWriteFile }
func (CreateFile) Kind() SyscallKind { return KindCreateFile }
func (DeleteFile) Kind() SyscallKind { return KindDeleteFile }
func (ListDirectory) Kind() SyscallKind { return KindListDirectory }
func (FileExists) Kind() SyscallKind { return KindFileExists }
func (FileStat) Kind() SyscallKind { return KindFileStat }
func (MoveFile) Kind() SyscallKind { return KindMoveFile }
func (CopyFile) Kind() SyscallKind { return KindCopyFile }
func (CreateDirectory) Kind() SyscallKind { return KindCreateDirectory }
func (RemoveDirectory) Kind() SyscallKind { return KindRemoveDirectory }
func (GetWorkingDirectory) Kind() SyscallKind { return KindGetWorkingDirectory }
func (SetWorkingDirectory) Kind() SyscallKind { return KindSetWorkingDirectory }
func (TruncateFile) Kind() SyscallKind { return KindTruncateFile }

//
// Process variants.
//

type SpawnProcess struct {
	Name     string
	Command  string
	Args     []string
	EnvVars  []string
	Priority uint8
	Profile  SandboxProfile
	Cascade  bool // kill children when this process is killed
}

type KillProcess struct {
	TargetPid Pid
}

type GetProcessInfo struct {
	TargetPid Pid
}

type GetProcessList struct{}

type SetProcessPriority struct {
	TargetPid Pid
	Priority  uint8
}

type GetProcessState struct {
	TargetPid Pid
}

type GetProcessStats struct {
	TargetPid Pid
}

type WaitProcess struct {
	TargetPid Pid
	TimeoutMs uint64 // zero means wait forever
}

func (SpawnProcess) Kind() SyscallKind { return KindSpawnProcess }
func (KillProcess) Kind() SyscallKind { return KindKillProcess }
func (GetProcessInfo) Kind() SyscallKind { return KindGetProcessInfo }
func (GetProcessList) Kind() SyscallKind { return KindGetProcessList }
func (SetProcessPriority) Kind() SyscallKind { return KindSetProcessPriority }
func (GetProcessState) Kind() SyscallKind { return KindGetProcessState }
func (GetProcessStats) Kind() SyscallKind { return KindGetProcessStats }
func (WaitProcess) Kind() SyscallKind { return KindWaitProcess }

//
// System variants.
//

type GetSystemInfo struct{}

type GetCurrentTime struct{}

type GetEnvVar struct {
	Key string
}

type SetEnvVar struct {
	Key   string
	Value string
}

func (GetSystemInfo) Kind() SyscallKind { return KindGetSystemInfo }
func (GetCurrentTime) Kind() SyscallKind { return KindGetCurrentTime }
func (GetEnvVar) Kind() SyscallKind { return KindGetEnvVar }
func (SetEnvVar) Kind() SyscallKind { return KindSetEnvVar }

//
// Time variants.
//

type Sleep struct {
	DurationMs uint64
}

type GetUptime struct{}

func (Sleep) Kind() SyscallKind { return KindSleep }
func (GetUptime) Kind() SyscallKind { return KindGetUptime }

//
// Memory variants.
//

type GetMemoryStats struct{}

type GetProcessMemoryStats struct {
	TargetPid Pid
}

// TriggerGC sweeps cold memory. A zero TargetPid (with All set) requests a
// global sweep; otherwise only the target's blocks are considered.
type TriggerGC struct {
	TargetPid Pid
	All       bool
}

func (GetMemoryStats) Kind() SyscallKind { return KindGetMemoryStats }
func (GetProcessMemoryStats) Kind() SyscallKind { return KindGetProcessMemoryStats }
func (TriggerGC) Kind() SyscallKind { return KindTriggerGC }

//
// Signal variants.
//

type SendSignal struct {
	TargetPid Pid
	Signal    uint32
}

func (SendSignal) Kind() SyscallKind { return KindSendSignal }

//
// Network variants.
//

type NetworkRequest struct {
	URL    string
	Method string
}

func (NetworkRequest) Kind() SyscallKind { return KindNetworkRequest }

//
// IPC pipe variants.
//

type CreatePipe struct {
	ReaderPid Pid
	WriterPid Pid
	Capacity  uint32 // zero selects the default capacity
}

type WritePipe struct {
	PipeID uint64
	Data   []byte
}

type ReadPipe struct {
	PipeID uint64
	Size   uint32
}

type ClosePipe struct {
	PipeID uint64
}

type DestroyPipe struct {
	PipeID uint64
}

type PipeStats struct {
	PipeID uint64
}

func (CreatePipe) Kind() SyscallKind { return KindCreatePipe }
func (WritePipe) Kind() SyscallKind { return KindWritePipe }
func (ReadPipe) Kind() SyscallKind { return KindReadPipe }
func (ClosePipe) Kind() SyscallKind { return KindClosePipe }
func (DestroyPipe) Kind() SyscallKind { return KindDestroyPipe }
func (PipeStats) Kind() SyscallKind { return KindPipeStats }

//
// IPC shared-memory variants.
//

type CreateShm struct {
	Size uint64
}

type AttachShm struct {
	SegmentID uint64
	ReadOnly  bool
}

type DetachShm struct {
	SegmentID uint64
}

type WriteShm struct {
	SegmentID uint64
	Offset    uint64
	Data      []byte
}

type ReadShm struct {
	SegmentID uint64
	Offset    uint64
	Size      uint64
}

type DestroyShm struct {
	SegmentID uint64
}

type ShmStats struct {
	SegmentID uint64
}

func (CreateShm) Kind() SyscallKind { return KindCreateShm }
func (AttachShm) Kind() SyscallKind { return KindAttachShm }
func (DetachShm) Kind() SyscallKind { return KindDetachShm }
func (WriteShm) Kind() SyscallKind { return KindWriteShm }
func (ReadShm) Kind() SyscallKind { return KindReadShm }
func (DestroyShm) Kind() SyscallKind { return KindDestroyShm }
func (ShmStats) Kind() SyscallKind { return KindShmStats }

//
// Scheduler variants.
//

type ScheduleNext struct{}

type YieldProcess struct{}

type GetCurrentScheduled struct{}

type GetSchedulerStats struct{}

func (ScheduleNext) Kind() SyscallKind { return KindScheduleNext }
func (YieldProcess) Kind() SyscallKind { return KindYieldProcess }
func (GetCurrentScheduled) Kind() SyscallKind { return KindGetCurrentScheduled }
func (GetSchedulerStats) Kind() SyscallKind { return KindGetSchedulerStats }
