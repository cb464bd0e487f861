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

package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/nestybox/microvisor/domain"
)

// SyscallEnvelope is the wire form of the syscall union: the kind
// discriminant plus the variant's parameters.
type SyscallEnvelope struct {
	Kind   domain.SyscallKind `json:"kind"`
	Params json.RawMessage    `json:"params,omitempty"`
}

// ExecuteRequest is the unary execute message.
type ExecuteRequest struct {
	Pid     domain.Pid      `json:"pid"`
	Syscall SyscallEnvelope `json:"syscall"`
}

// TaskRef names an async task.
type TaskRef struct {
	TaskID string `json:"task_id"`
}

// CancelReply reports a cancellation attempt.
type CancelReply struct {
	Cancelled bool `json:"cancelled"`
}

// BatchRequest is the execute_batch message.
type BatchRequest struct {
	Pid         domain.Pid        `json:"pid"`
	Mode        string            `json:"mode"` // parallel | sequential
	StopOnError bool              `json:"stop_on_error"`
	Syscalls    []SyscallEnvelope `json:"syscalls"`
}

func decodeVariant[T domain.Syscall](raw json.RawMessage) (domain.Syscall, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var decoders = map[domain.SyscallKind]func(json.RawMessage) (domain.Syscall, error){
	domain.KindReadFile:            decodeVariant[domain.ReadFile],
	domain.KindWriteFile:           decodeVariant[domain.WriteFile],
	domain.KindCreateFile:          decodeVariant[domain.CreateFile],
	domain.KindDeleteFile:          decodeVariant[domain.DeleteFile],
	domain.KindListDirectory:       decodeVariant[domain.ListDirectory],
	domain.KindFileExists:          decodeVariant[domain.FileExists],
	domain.KindFileStat:            decodeVariant[domain.FileStat],
	domain.KindMoveFile:            decodeVariant[domain.MoveFile],
	domain.KindCopyFile:            decodeVariant[domain.CopyFile],
	domain.KindCreateDirectory:     decodeVariant[domain.CreateDirectory],
	domain.KindRemoveDirectory:     decodeVariant[domain.RemoveDirectory],
	domain.KindGetWorkingDirectory: decodeVariant[domain.GetWorkingDirectory],
	domain.KindSetWorkingDirectory: decodeVariant[domain.SetWorkingDirectory],
	domain.KindTruncateFile:        decodeVariant[domain.TruncateFile],

	domain.KindSpawnProcess:       decodeVariant[domain.SpawnProcess],
	domain.KindKillProcess:        decodeVariant[domain.KillProcess],
	domain.KindGetProcessInfo:     decodeVariant[domain.GetProcessInfo],
	domain.KindGetProcessList:     decodeVariant[domain.GetProcessList],
	domain.KindSetProcessPriority: decodeVariant[domain.SetProcessPriority],
	domain.KindGetProcessState:    decodeVariant[domain.GetProcessState],
	domain.KindGetProcessStats:    decodeVariant[domain.GetProcessStats],
	domain.KindWaitProcess:        decodeVariant[domain.WaitProcess],

	domain.KindGetSystemInfo:  decodeVariant[domain.GetSystemInfo],
	domain.KindGetCurrentTime: decodeVariant[domain.GetCurrentTime],
	domain.KindGetEnvVar:      decodeVariant[domain.GetEnvVar],
	domain.KindSetEnvVar:      decodeVariant[domain.SetEnvVar],

	domain.KindSleep:     decodeVariant[domain.Sleep],
	domain.KindGetUptime: decodeVariant[domain.GetUptime],

	domain.KindGetMemoryStats:        decodeVariant[domain.GetMemoryStats],
	domain.KindGetProcessMemoryStats: decodeVariant[domain.GetProcessMemoryStats],
	domain.KindTriggerGC:             decodeVariant[domain.TriggerGC],

	domain.KindSendSignal: decodeVariant[domain.SendSignal],

	domain.KindNetworkRequest: decodeVariant[domain.NetworkRequest],

	domain.KindCreatePipe:  decodeVariant[domain.CreatePipe],
	domain.KindWritePipe:   decodeVariant[domain.WritePipe],
	domain.KindReadPipe:    decodeVariant[domain.ReadPipe],
	domain.KindClosePipe:   decodeVariant[domain.ClosePipe],
	domain.KindDestroyPipe: decodeVariant[domain.DestroyPipe],
	domain.KindPipeStats:   decodeVariant[domain.PipeStats],

	domain.KindCreateShm:  decodeVariant[domain.CreateShm],
	domain.KindAttachShm:  decodeVariant[domain.AttachShm],
	domain.KindDetachShm:  decodeVariant[domain.DetachShm],
	domain.KindWriteShm:   decodeVariant[domain.WriteShm],
	domain.KindReadShm:    decodeVariant[domain.ReadShm],
	domain.KindDestroyShm: decodeVariant[domain.DestroyShm],
	domain.KindShmStats:   decodeVariant[domain.ShmStats],

	domain.KindScheduleNext:        decodeVariant[domain.ScheduleNext],
	domain.KindYieldProcess:        decodeVariant[domain.YieldProcess],
	domain.KindGetCurrentScheduled: decodeVariant[domain.GetCurrentScheduled],
	domain.KindGetSchedulerStats:   decodeVariant[domain.GetSchedulerStats],
}

// Decode turns an envelope back into its typed syscall variant.
func (e *SyscallEnvelope) Decode() (domain.Syscall, error) {
	dec, ok := decoders[e.Kind]
	if !ok {
		return nil, fmt.Errorf("syscall kind %q unknown: %w", e.Kind, domain.ErrInvalid)
	}
	return dec(e.Params)
}
