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
	"io/ioutil"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
	"github.com/nestybox/microvisor/events"
	"github.com/nestybox/microvisor/ipc"
	"github.com/nestybox/microvisor/memory"
	"github.com/nestybox/microvisor/sandbox"
	"github.com/nestybox/microvisor/sched"
	"github.com/nestybox/microvisor/sysio"
)

// Shared runtime services for the process pkg unit-tests.
type testRuntime struct {
	prs domain.ProcessServiceIface
	mms domain.MemoryServiceIface
	ips domain.IpcServiceIface
	sch domain.SchedulerIface
}

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

func newTestRuntime() *testRuntime {
	evs := events.NewObservabilityService(1024, 100, 3.0)
	mms := memory.NewMemoryService(64<<20, 80, 95, time.Minute)
	sbs := sandbox.NewSandboxService()
	ips := ipc.NewIpcService()
	ios := sysio.NewIOService()
	sch := sched.NewSchedulerService(
		domain.PolicyRoundRobin, 10*time.Millisecond, 100*time.Microsecond, 100)
	prs := NewProcessService()

	mms.Setup(evs)
	sbs.Setup(evs)
	ios.Setup(evs)
	ips.Setup(prs, evs)
	sch.Setup(prs, evs)
	prs.Setup(sch, mms, ips, sbs, evs, ios)

	return &testRuntime{prs: prs, mms: mms, ips: ips, sch: sch}
}

func spawn(t *testing.T, rt *testRuntime, name string, parent domain.Pid) domain.Pid {
	t.Helper()
	pid, err := rt.prs.Spawn(domain.SpawnSpec{
		Name:    name,
		Profile: domain.ProfileStandard,
		Parent:  parent,
	})
	if err != nil {
		t.Fatalf("Spawn(%s) failed: %v", name, err)
	}
	return pid
}

func TestSpawnAssignsMonotonicPids(t *testing.T) {
	rt := newTestRuntime()

	p1 := spawn(t, rt, "a", domain.RootPid)
	p2 := spawn(t, rt, "b", domain.RootPid)
	if p2 <= p1 {
		t.Errorf("pids not monotonic: %d then %d", p1, p2)
	}

	proc := rt.prs.Get(p1)
	if proc == nil {
		t.Fatalf("Get() lost a live process")
	}
	if proc.State() != domain.ProcessReady {
		t.Errorf("spawned state = %v, want ready", proc.State())
	}
	if proc.Priority() != domain.DefaultPriority {
		t.Errorf("priority = %d, want default %d",
			proc.Priority(), domain.DefaultPriority)
	}
}

func TestTerminationCleanupSequence(t *testing.T) {
	rt := newTestRuntime()

	pid := spawn(t, rt, "victim", domain.RootPid)

	// Give the process memory and IPC resources to reclaim.
	if _, err := rt.mms.Alloc(pid, 4096); err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}
	segID, err := rt.ips.CreateShm(pid, 1024)
	if err != nil {
		t.Fatalf("CreateShm() failed: %v", err)
	}

	hookRan := false
	rt.prs.RegisterExitHook(func(p domain.Pid) {
		if p == pid {
			hookRan = true
		}
	})

	if err := rt.prs.Kill(pid); err != nil {
		t.Fatalf("Kill() failed: %v", err)
	}

	// Not listed anymore.
	for _, p := range rt.prs.List() {
		if p == pid {
			t.Errorf("terminated pid still listed")
		}
	}

	// Memory accounting dropped to zero.
	memStats, _ := rt.mms.ProcessStats(pid)
	if memStats.UsedBytes != 0 {
		t.Errorf("terminated pid still accounts %d bytes", memStats.UsedBytes)
	}

	// Owned IPC destroyed.
	if _, err := rt.ips.ShmStats(segID); err == nil {
		t.Errorf("owned shm segment survived termination")
	}

	if !hookRan {
		t.Errorf("exit hook never ran")
	}

	// A dead pid satisfies nothing.
	if rt.prs.Get(pid) != nil {
		t.Errorf("Get() returned a terminated process")
	}
	if err := rt.prs.Kill(pid); err == nil {
		t.Errorf("double kill succeeded")
	}
}

func TestPidsNeverReused(t *testing.T) {
	rt := newTestRuntime()

	p1 := spawn(t, rt, "a", domain.RootPid)
	rt.prs.Kill(p1)

	p2 := spawn(t, rt, "b", domain.RootPid)
	if p2 == p1 {
		t.Errorf("pid %d reused within a run", p1)
	}
}

func TestWaitObservesExit(t *testing.T) {
	rt := newTestRuntime()

	pid := spawn(t, rt, "exiting", domain.RootPid)

	go func() {
		time.Sleep(20 * time.Millisecond)
		rt.prs.Exit(pid, 42)
	}()

	code, err := rt.prs.Wait(pid, time.Second)
	if err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if code != 42 {
		t.Errorf("exit code = %d, want 42", code)
	}

	// Waiting on an already-gone pid returns the recorded code.
	code, err = rt.prs.Wait(pid, time.Second)
	if err != nil || code != 42 {
		t.Errorf("post-exit Wait() = %d, %v, want 42", code, err)
	}
}

func TestWaitTimeout(t *testing.T) {
	rt := newTestRuntime()

	pid := spawn(t, rt, "lingering", domain.RootPid)

	if _, err := rt.prs.Wait(pid, 10*time.Millisecond); err == nil {
		t.Errorf("Wait() on a live process must time out")
	}
}

func TestOrphanReparenting(t *testing.T) {
	rt := newTestRuntime()
	rt.prs.SetOrphanPolicy(domain.OrphanReparent)

	parent := spawn(t, rt, "parent", domain.RootPid)
	child := spawn(t, rt, "child", parent)

	rt.prs.Kill(parent)

	proc := rt.prs.Get(child)
	if proc == nil {
		t.Fatalf("reparented child terminated")
	}
	if proc.ParentPid() != domain.RootPid {
		t.Errorf("child parent = %d, want root", proc.ParentPid())
	}
}

func TestOrphanCascade(t *testing.T) {
	rt := newTestRuntime()
	rt.prs.SetOrphanPolicy(domain.OrphanCascade)

	parent := spawn(t, rt, "parent", domain.RootPid)
	child := spawn(t, rt, "child", parent)
	grandchild := spawn(t, rt, "grandchild", child)

	rt.prs.Kill(parent)

	if rt.prs.Get(child) != nil || rt.prs.Get(grandchild) != nil {
		t.Errorf("cascade left descendants alive")
	}
}

func TestChildLimit(t *testing.T) {
	rt := newTestRuntime()

	parent := spawn(t, rt, "parent", domain.RootPid)

	// Standard profile allows 16 children.
	for i := 0; i < 16; i++ {
		spawn(t, rt, "child", parent)
	}
	if _, err := rt.prs.Spawn(domain.SpawnSpec{
		Name: "extra", Profile: domain.ProfileStandard, Parent: parent,
	}); !domain.IsExhausted(err) {
		t.Errorf("spawn past the child limit = %v, want resource-exhausted", err)
	}
}

func TestInfoAndStats(t *testing.T) {
	rt := newTestRuntime()

	pid, err := rt.prs.Spawn(domain.SpawnSpec{
		Name:    "svc",
		Command: "/bin/svc",
		Args:    []string{"-v"},
		EnvVars: []string{"MODE=test"},
		Profile: domain.ProfileStandard,
	})
	if err != nil {
		t.Fatalf("Spawn() failed: %v", err)
	}

	info, err := rt.prs.Info(pid)
	if err != nil {
		t.Fatalf("Info() failed: %v", err)
	}
	if info.Name != "svc" || info.Command != "/bin/svc" {
		t.Errorf("info = %+v", info)
	}

	proc := rt.prs.Get(pid)
	if v, ok := proc.Env("MODE"); !ok || v != "test" {
		t.Errorf("env MODE = %q/%v, want test", v, ok)
	}

	rt.prs.NoteSyscall(pid)
	stats, err := rt.prs.Stats(pid)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.SyscallCount != 1 {
		t.Errorf("syscall count = %d, want 1", stats.SyscallCount)
	}
}
