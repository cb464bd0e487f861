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
	"testing"

	"github.com/nestybox/microvisor/domain"
)

func TestEnvelopeDecode(t *testing.T) {
	env := SyscallEnvelope{
		Kind:   domain.KindReadFile,
		Params: json.RawMessage(`{"Path": "/tmp/x"}`),
	}

	sc, err := env.Decode()
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	rf, ok := sc.(domain.ReadFile)
	if !ok {
		t.Fatalf("decoded type = %T, want ReadFile", sc)
	}
	if rf.Path != "/tmp/x" {
		t.Errorf("path = %q", rf.Path)
	}
}

func TestEnvelopeDecodeParamless(t *testing.T) {
	env := SyscallEnvelope{Kind: domain.KindGetProcessList}

	sc, err := env.Decode()
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if sc.Kind() != domain.KindGetProcessList {
		t.Errorf("kind = %v", sc.Kind())
	}
}

func TestEnvelopeDecodeUnknownKind(t *testing.T) {
	env := SyscallEnvelope{Kind: "open_portal"}

	if _, err := env.Decode(); !domain.IsInvalid(err) {
		t.Errorf("unknown kind = %v, want invalid-argument", err)
	}
}

// Every ABI kind must have a wire decoder; drift between the union and the
// decode table would otherwise surface as runtime invalid-argument errors.
func TestDecoderTableCoversAllKinds(t *testing.T) {
	kinds := []domain.SyscallKind{
		domain.KindReadFile, domain.KindWriteFile, domain.KindCreateFile,
		domain.KindDeleteFile, domain.KindListDirectory, domain.KindFileExists,
		domain.KindFileStat, domain.KindMoveFile, domain.KindCopyFile,
		domain.KindCreateDirectory, domain.KindRemoveDirectory,
		domain.KindGetWorkingDirectory, domain.KindSetWorkingDirectory,
		domain.KindTruncateFile,
		domain.KindSpawnProcess, domain.KindKillProcess, domain.KindGetProcessInfo,
		domain.KindGetProcessList, domain.KindSetProcessPriority,
		domain.KindGetProcessState, domain.KindGetProcessStats, domain.KindWaitProcess,
		domain.KindGetSystemInfo, domain.KindGetCurrentTime,
		domain.KindGetEnvVar, domain.KindSetEnvVar,
		domain.KindSleep, domain.KindGetUptime,
		domain.KindGetMemoryStats, domain.KindGetProcessMemoryStats,
		domain.KindTriggerGC,
		domain.KindSendSignal,
		domain.KindNetworkRequest,
		domain.KindCreatePipe, domain.KindWritePipe, domain.KindReadPipe,
		domain.KindClosePipe, domain.KindDestroyPipe, domain.KindPipeStats,
		domain.KindCreateShm, domain.KindAttachShm, domain.KindDetachShm,
		domain.KindWriteShm, domain.KindReadShm, domain.KindDestroyShm,
		domain.KindShmStats,
		domain.KindScheduleNext, domain.KindYieldProcess,
		domain.KindGetCurrentScheduled, domain.KindGetSchedulerStats,
	}

	if len(kinds) != 50 {
		t.Fatalf("ABI kind list has %d entries, want 50", len(kinds))
	}

	for _, kind := range kinds {
		if _, ok := decoders[kind]; !ok {
			t.Errorf("kind %s has no wire decoder", kind)
		}
	}
}

func TestResultWireRoundTrip(t *testing.T) {
	res := domain.OOMResult(domain.OOMInfo{
		Requested: 1, Available: 2, Used: 3, Total: 4,
	})

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var back domain.SyscallResult
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if back.Status != domain.StatusOutOfMemory {
		t.Errorf("status = %v", back.Status)
	}
	if back.OOM == nil || back.OOM.Requested != 1 || back.OOM.Total != 4 {
		t.Errorf("oom quartet lost: %+v", back.OOM)
	}
}
