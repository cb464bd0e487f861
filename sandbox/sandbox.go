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

package sandbox

import (
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

var _ domain.SandboxServiceIface = (*sandboxService)(nil)

// requiredCaps maps each syscall variant onto the capabilities it demands.
// Variants absent from the table require none (pure introspection of the
// caller's own state).
var requiredCaps = map[domain.SyscallKind][]domain.Capability{
	domain.KindReadFile:            {domain.CapReadFile},
	domain.KindWriteFile:           {domain.CapWriteFile},
	domain.KindCreateFile:          {domain.CapCreateFile},
	domain.KindDeleteFile:          {domain.CapDeleteFile},
	domain.KindListDirectory:       {domain.CapListDirectory},
	domain.KindFileExists:          {domain.CapReadFile},
	domain.KindFileStat:            {domain.CapReadFile},
	domain.KindMoveFile:            {domain.CapReadFile, domain.CapWriteFile, domain.CapDeleteFile},
	domain.KindCopyFile:            {domain.CapReadFile, domain.CapCreateFile, domain.CapWriteFile},
	domain.KindCreateDirectory:     {domain.CapCreateFile},
	domain.KindRemoveDirectory:     {domain.CapDeleteFile},
	domain.KindSetWorkingDirectory: {domain.CapListDirectory},
	domain.KindTruncateFile:        {domain.CapWriteFile},

	domain.KindSpawnProcess:       {domain.CapSpawnProcess},
	domain.KindKillProcess:        {domain.CapKillProcess},
	domain.KindSetProcessPriority: {domain.CapSpawnProcess},

	domain.KindGetSystemInfo: {domain.CapSystemInfo},

	domain.KindGetCurrentTime: {domain.CapTimeAccess},
	domain.KindSleep:          {domain.CapTimeAccess},
	domain.KindGetUptime:      {domain.CapTimeAccess},

	domain.KindGetMemoryStats: {domain.CapSystemInfo},
	domain.KindTriggerGC:      {domain.CapManageMemory},

	domain.KindSendSignal: {domain.CapKillProcess},

	domain.KindNetworkRequest: {domain.CapNetworkAccess},

	domain.KindCreatePipe:  {domain.CapSendMessage},
	domain.KindWritePipe:   {domain.CapSendMessage},
	domain.KindReadPipe:    {domain.CapReceiveMessage},
	domain.KindDestroyPipe: {domain.CapSendMessage},

	domain.KindCreateShm: {domain.CapSendMessage},
	domain.KindAttachShm: {domain.CapReceiveMessage},
	domain.KindWriteShm:  {domain.CapSendMessage},
	domain.KindReadShm:   {domain.CapReceiveMessage},
}

type sandboxService struct {
	evs domain.ObservabilityIface
}

// NewSandboxService builds the capability/sandbox enforcement engine.
func NewSandboxService() domain.SandboxServiceIface {
	return &sandboxService{}
}

func (ss *sandboxService) Setup(evs domain.ObservabilityIface) {
	ss.evs = evs
}

// PolicyFor returns a fresh policy for the profile. The templates below are
// composed from plain capability sets; a per-process override mutates only
// its own copy.
func (ss *sandboxService) PolicyFor(profile domain.SandboxProfile) *domain.SandboxPolicy {
	switch profile {
	case domain.ProfileMinimal:
		return &domain.SandboxPolicy{
			Profile: domain.ProfileMinimal,
			Caps: mapset.NewSet[domain.Capability](
				domain.CapTimeAccess,
			),
			AllowPaths: []string{"/tmp"},
			Limits: domain.ResourceLimits{
				MaxMemoryBytes: 16 << 20,
				MaxFds:         16,
			},
		}

	case domain.ProfilePrivileged:
		return &domain.SandboxPolicy{
			Profile: domain.ProfilePrivileged,
			Caps: mapset.NewSet[domain.Capability](
				domain.CapReadFile, domain.CapWriteFile, domain.CapCreateFile,
				domain.CapDeleteFile, domain.CapListDirectory,
				domain.CapSpawnProcess, domain.CapKillProcess,
				domain.CapNetworkAccess, domain.CapBindPort,
				domain.CapSystemInfo, domain.CapTimeAccess,
				domain.CapSendMessage, domain.CapReceiveMessage,
				domain.CapManageMemory,
			),
		}

	default:
		return &domain.SandboxPolicy{
			Profile: domain.ProfileStandard,
			Caps: mapset.NewSet[domain.Capability](
				domain.CapReadFile, domain.CapWriteFile, domain.CapCreateFile,
				domain.CapDeleteFile, domain.CapListDirectory,
				domain.CapSystemInfo, domain.CapTimeAccess,
				domain.CapSendMessage, domain.CapReceiveMessage,
			),
			AllowPaths: []string{"/tmp", "/storage"},
			DenyPaths:  []string{"/etc"},
			Limits: domain.ResourceLimits{
				MaxFds:          128,
				MaxChildren:     16,
				MaxNetworkConns: 8,
			},
		}
	}
}

func (ss *sandboxService) RequiredCaps(sc domain.Syscall) []domain.Capability {
	return requiredCaps[sc.Kind()]
}

// CheckSyscall runs the full gate. Paths are canonicalized before the
// allow/deny evaluation so a traversal can't sidestep the lists; a denial
// always wins over an allowance.
func (ss *sandboxService) CheckSyscall(
	pid domain.Pid,
	policy *domain.SandboxPolicy,
	sc domain.Syscall) (domain.Syscall, error) {

	if policy == nil {
		return sc, fmt.Errorf("no sandbox policy attached to pid %d", pid)
	}

	for _, cap := range ss.RequiredCaps(sc) {
		if !policy.Has(cap) {
			ss.emitDenial(pid, sc.Kind(),
				fmt.Sprintf("missing capability %s", cap))
			return sc, fmt.Errorf("capability %s not granted", cap)
		}
	}

	canonical, err := ss.checkPaths(policy, sc)
	if err != nil {
		ss.emitDenial(pid, sc.Kind(), err.Error())
		return sc, err
	}

	return canonical, nil
}

func (ss *sandboxService) emitDenial(pid domain.Pid, kind domain.SyscallKind, reason string) {
	logrus.Debugf("Sandbox denial: pid %d, syscall %s: %s", pid, kind, reason)

	if ss.evs == nil {
		return
	}
	ss.evs.Emit(domain.Event{
		Timestamp: time.Now().UnixNano(),
		Severity:  domain.SeverityWarn,
		Category:  domain.CategorySecurity,
		Message:   fmt.Sprintf("denied %s: %s", kind, reason),
		Pid:       pid,
	})
}
