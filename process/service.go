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

package process

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	grpcCodes "google.golang.org/grpc/codes"
	grpcStatus "google.golang.org/grpc/status"

	"github.com/nestybox/microvisor/domain"
)

var _ domain.ProcessServiceIface = (*processService)(nil)

type processService struct {
	sync.Mutex // serializes lifecycle transitions (spawn, terminate)

	tbl     *table
	nextPid uint32 // atomic; last pid handed out

	// Terminated pids keep their exit code so wait() works after cleanup and
	// so a pid is never considered fresh again within the run.
	exitedMu sync.RWMutex
	exited   map[domain.Pid]int32

	hooksMu sync.Mutex
	hooks   []domain.ExitHook

	orphanPolicy domain.OrphanPolicy

	sch domain.SchedulerIface
	mms domain.MemoryServiceIface
	ips domain.IpcServiceIface
	sbs domain.SandboxServiceIface
	evs domain.ObservabilityIface
	ios domain.IOServiceIface
}

// NewProcessService builds the process manager.
func NewProcessService() domain.ProcessServiceIface {
	return &processService{
		tbl:    newTable(),
		exited: make(map[domain.Pid]int32),
	}
}

func (ps *processService) Setup(
	sch domain.SchedulerIface,
	mms domain.MemoryServiceIface,
	ips domain.IpcServiceIface,
	sbs domain.SandboxServiceIface,
	evs domain.ObservabilityIface,
	ios domain.IOServiceIface) {

	ps.sch = sch
	ps.mms = mms
	ps.ips = ips
	ps.sbs = sbs
	ps.evs = evs
	ps.ios = ios
}

func (ps *processService) SetOrphanPolicy(policy domain.OrphanPolicy) {
	ps.orphanPolicy = policy
}

func (ps *processService) Spawn(spec domain.SpawnSpec) (domain.Pid, error) {
	var parent *process
	if spec.Parent != domain.RootPid {
		p, ok := ps.tbl.get(spec.Parent)
		if !ok || !p.State().Alive() {
			return 0, grpcStatus.Errorf(grpcCodes.NotFound,
				"parent process %d not found", spec.Parent)
		}
		parent = p

		if limit := parent.policy.Limits.MaxChildren; limit > 0 &&
			len(parent.ChildPids()) >= limit {
			return 0, fmt.Errorf("process %d reached its child limit of %d: %w",
				spec.Parent, limit, domain.ErrExhausted)
		}
	}

	policy := ps.sbs.PolicyFor(spec.Profile)

	fds := ps.ios.NewFdTable(policy.Limits.MaxFds)

	pid := domain.Pid(atomic.AddUint32(&ps.nextPid, 1))
	proc := newProcess(pid, spec, policy, fds)

	ps.Lock()
	ps.tbl.insert(proc)
	if parent != nil {
		parent.addChild(pid)
	}
	ps.Unlock()

	if policy.Limits.MaxMemoryBytes > 0 {
		ps.mms.SetProcessLimit(pid, policy.Limits.MaxMemoryBytes)
	}

	proc.SetState(domain.ProcessReady)
	ps.sch.Enqueue(pid)

	logrus.Infof("Spawned process %d (%s) under %s profile, priority %d",
		pid, spec.Name, spec.Profile, proc.Priority())

	if ps.evs != nil {
		ps.evs.Emit(domain.Event{
			Timestamp:   time.Now().UnixNano(),
			Severity:    domain.SeverityInfo,
			Category:    domain.CategoryProcess,
			Message:     fmt.Sprintf("process %q spawned", spec.Name),
			Pid:         pid,
			CausalityID: ps.evs.NewCausality(),
		})
	}

	return pid, nil
}

func (ps *processService) Kill(pid domain.Pid) error {
	return ps.terminate(pid, -1, "killed")
}

func (ps *processService) Exit(pid domain.Pid, code int32) error {
	return ps.terminate(pid, code, "exited")
}

// terminate drives the deterministic cleanup sequence:
// Zombie -> close fds -> release IPC -> release memory -> exit hooks ->
// Terminated event -> Terminated, then drops the pid from the table.
func (ps *processService) terminate(pid domain.Pid, code int32, why string) error {
	proc, ok := ps.tbl.get(pid)
	if !ok {
		return grpcStatus.Errorf(grpcCodes.NotFound, "process %d not found", pid)
	}

	proc.mu.Lock()
	if !proc.state.Alive() {
		proc.mu.Unlock()
		return grpcStatus.Errorf(grpcCodes.NotFound,
			"process %d already terminating", pid)
	}
	proc.state = domain.ProcessZombie
	proc.exitCode = code
	proc.mu.Unlock()

	ps.sch.Remove(pid)

	proc.fdTable.CloseAll()
	ps.ips.ReleaseProcess(pid)
	released := ps.mms.ReleaseProcess(pid)

	ps.hooksMu.Lock()
	hooks := append([]domain.ExitHook(nil), ps.hooks...)
	ps.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(pid)
	}

	if ps.evs != nil {
		ps.evs.Emit(domain.Event{
			Timestamp: time.Now().UnixNano(),
			Severity:  domain.SeverityInfo,
			Category:  domain.CategoryProcess,
			Message:   fmt.Sprintf("process %q %s (freed %d bytes)", proc.name, why, released),
			Pid:       pid,
		})
	}

	proc.SetState(domain.ProcessTerminated)

	ps.exitedMu.Lock()
	ps.exited[pid] = code
	ps.exitedMu.Unlock()

	close(proc.done)

	ps.Lock()
	ps.tbl.remove(pid)
	ps.Unlock()

	if parent, ok := ps.tbl.get(proc.ParentPid()); ok {
		parent.removeChild(pid)
	}

	ps.handleOrphans(proc)

	logrus.Infof("Process %d (%s) %s; exit code %d", pid, proc.name, why, code)

	return nil
}

// handleOrphans applies the configured orphan policy to the children of a
// terminated process. A per-process cascade flag forces cascade regardless
// of the global policy.
func (ps *processService) handleOrphans(parent *process) {
	children := parent.ChildPids()
	if len(children) == 0 {
		return
	}

	cascade := parent.cascade || ps.orphanPolicy == domain.OrphanCascade

	for _, child := range children {
		proc, ok := ps.tbl.get(child)
		if !ok {
			continue
		}
		if cascade {
			if err := ps.terminate(child, -1, "cascaded"); err != nil {
				logrus.Warnf("Cascade termination of pid %d failed: %v", child, err)
			}
		} else {
			proc.setParent(domain.RootPid)
			logrus.Debugf("Process %d reparented to root", child)
		}
	}
}

func (ps *processService) Wait(pid domain.Pid, timeout time.Duration) (int32, error) {
	proc, ok := ps.tbl.get(pid)
	if !ok {
		// Already gone: report the recorded exit code.
		ps.exitedMu.RLock()
		code, exited := ps.exited[pid]
		ps.exitedMu.RUnlock()
		if exited {
			return code, nil
		}
		return 0, grpcStatus.Errorf(grpcCodes.NotFound, "process %d not found", pid)
	}

	if timeout <= 0 {
		<-proc.done
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-proc.done:
		case <-timer.C:
			return 0, fmt.Errorf("wait for process %d: %w", pid, domain.ErrTimeout)
		}
	}

	proc.mu.RLock()
	code := proc.exitCode
	proc.mu.RUnlock()
	return code, nil
}

// Get returns nil for unknown and terminated pids alike; a terminated pid
// must never satisfy a syscall.
func (ps *processService) Get(pid domain.Pid) domain.ProcessIface {
	proc, ok := ps.tbl.get(pid)
	if !ok || !proc.State().Alive() {
		return nil
	}
	return proc
}

func (ps *processService) List() []domain.Pid {
	return ps.tbl.list()
}

func (ps *processService) Count() int {
	return ps.tbl.size()
}

func (ps *processService) SetPriority(pid domain.Pid, prio uint8) error {
	proc, ok := ps.tbl.get(pid)
	if !ok || !proc.State().Alive() {
		return grpcStatus.Errorf(grpcCodes.NotFound, "process %d not found", pid)
	}

	proc.SetPriority(prio)
	ps.sch.SetPriority(pid, prio)
	return nil
}

func (ps *processService) Info(pid domain.Pid) (domain.ProcessInfo, error) {
	proc, ok := ps.tbl.get(pid)
	if !ok {
		return domain.ProcessInfo{}, grpcStatus.Errorf(grpcCodes.NotFound,
			"process %d not found", pid)
	}

	return domain.ProcessInfo{
		Pid:       proc.pid,
		Name:      proc.name,
		Command:   proc.command,
		Args:      proc.Args(),
		State:     proc.State().String(),
		Priority:  proc.Priority(),
		ParentPid: proc.ParentPid(),
		Children:  proc.ChildPids(),
		CreatedAt: proc.createdAt.UnixNano(),
		CPUTimeMs: uint64(proc.CPUTime().Milliseconds()),
	}, nil
}

func (ps *processService) Stats(pid domain.Pid) (domain.ProcessStats, error) {
	proc, ok := ps.tbl.get(pid)
	if !ok {
		return domain.ProcessStats{}, grpcStatus.Errorf(grpcCodes.NotFound,
			"process %d not found", pid)
	}

	memStats, err := ps.mms.ProcessStats(pid)
	if err != nil {
		memStats = domain.ProcessMemoryStats{}
	}

	pending := 0
	if ps.ips != nil {
		pending = len(ps.ips.PendingSignals(pid))
	}

	return domain.ProcessStats{
		Pid:           proc.pid,
		CPUTimeMs:     uint64(proc.CPUTime().Milliseconds()),
		MemoryBytes:   memStats.UsedBytes,
		OpenFds:       proc.fdTable.Count(),
		ChildCount:    len(proc.ChildPids()),
		UptimeMs:      uint64(time.Since(proc.createdAt).Milliseconds()),
		SyscallCount:  proc.syscallCount(),
		SignalsQueued: pending,
	}, nil
}

func (ps *processService) NoteSyscall(pid domain.Pid) {
	if proc, ok := ps.tbl.get(pid); ok {
		proc.noteSyscall()
	}
}

func (ps *processService) RegisterExitHook(hook domain.ExitHook) {
	ps.hooksMu.Lock()
	ps.hooks = append(ps.hooks, hook)
	ps.hooksMu.Unlock()
}

// Shutdown terminates every remaining process, children first.
func (ps *processService) Shutdown() {
	// Pids only grow and a parent is alive when its child spawns, so
	// descending pid order reaches every child before its parent.
	pids := ps.tbl.list()
	for i := len(pids) - 1; i >= 0; i-- {
		pid := pids[i]
		if proc, ok := ps.tbl.get(pid); ok && proc.State().Alive() {
			if err := ps.terminate(pid, -1, "runtime shutdown"); err != nil {
				logrus.Debugf("Shutdown of pid %d: %v", pid, err)
			}
		}
	}
}
