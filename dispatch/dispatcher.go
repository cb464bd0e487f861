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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

var _ domain.DispatcherServiceIface = (*dispatcherService)(nil)

// dispatcherService is the syscall execution plane. The dispatcher itself is
// stateless; everything it touches lives in the resource managers it was
// wired to.
type dispatcherService struct {
	reqID uint64 // atomic

	jit   *jitCache
	tasks *taskManager

	jitThreshold uint64

	hds domain.HandlerServiceIface
	sbs domain.SandboxServiceIface
	prs domain.ProcessServiceIface
	ips domain.IpcServiceIface
	sch domain.SchedulerIface
	evs domain.ObservabilityIface
}

// NewDispatcherService builds the execution plane. jitThreshold is the
// invocation count promoting a syscall pattern to its compiled fast path.
func NewDispatcherService(jitThreshold uint64) domain.DispatcherServiceIface {
	return &dispatcherService{
		jitThreshold: jitThreshold,
	}
}

func (ds *dispatcherService) Setup(
	hds domain.HandlerServiceIface,
	sbs domain.SandboxServiceIface,
	prs domain.ProcessServiceIface,
	ips domain.IpcServiceIface,
	sch domain.SchedulerIface,
	evs domain.ObservabilityIface) {

	ds.hds = hds
	ds.sbs = sbs
	ds.prs = prs
	ds.ips = ips
	ds.sch = sch
	ds.evs = evs

	ds.jit = newJitCache(ds.jitThreshold, hds)
	ds.tasks = newTaskManager(ds)
}

// Execute runs one syscall synchronously: deliver pending signals, resolve
// the caller, run the sandbox gate, then the JIT fast path or the
// registered handler. Handler panics are contained here and surface as
// Internal results; nothing on this path may take the runtime down.
func (ds *dispatcherService) Execute(
	ctx context.Context, pid domain.Pid, sc domain.Syscall) (res domain.SyscallResult) {

	if sc == nil {
		return domain.InvalidArgResult("empty syscall request")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	kind := sc.Kind()

	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Panic in syscall %s for pid %d: %v\n%s",
				kind, pid, r, debug.Stack())
			res = domain.InternalResult(fmt.Sprintf("handler panic: %v", r))
			ds.emitResult(pid, kind, start, res, "")
		}
	}()

	// Signal delivery is checked at syscall entry; a default-terminate
	// disposition may retire the caller before the syscall runs.
	if ds.ips.DeliverPending(pid) {
		res = domain.NotFoundResult(fmt.Sprintf("process %d", pid))
		ds.emitResult(pid, kind, start, res, "")
		return res
	}

	proc := ds.prs.Get(pid)
	if proc == nil {
		res = domain.NotFoundResult(fmt.Sprintf("process %d", pid))
		ds.emitResult(pid, kind, start, res, "")
		return res
	}

	ds.prs.NoteSyscall(pid)

	// Syscall-entry event; low severity, so subject to sampling.
	ds.evs.Emit(domain.Event{
		Timestamp: start.UnixNano(),
		Severity:  domain.SeverityDebug,
		Category:  domain.CategorySyscall,
		Message:   "enter " + string(kind),
		Pid:       pid,
	})

	// Sandbox gate: capability derivation, path canonicalization, allow/deny.
	gated, err := ds.sbs.CheckSyscall(pid, proc.Policy(), sc)
	if err != nil {
		if domain.IsInvalid(err) {
			res = domain.InvalidArgResult(err.Error())
		} else {
			res = domain.DeniedResult(err.Error())
		}
		ds.emitResult(pid, kind, start, res, "")
		return res
	}

	req := &domain.HandlerRequest{
		ID:       atomic.AddUint64(&ds.reqID, 1),
		Ctx:      ctx,
		Pid:      pid,
		Process:  proc,
		Syscall:  gated,
		Blocking: true,
	}

	if fast := ds.jit.lookup(kind); fast != nil {
		res = fast(req)
	} else {
		h, ok := ds.hds.LookupHandler(kind)
		if !ok {
			res = domain.InvalidArgResult(
				fmt.Sprintf("syscall %s not supported", kind))
			ds.emitResult(pid, kind, start, res, "")
			return res
		}
		res = h.Handle(req)
	}

	elapsed := time.Since(start)
	ds.sch.ReportRun(pid, elapsed)
	ds.emitResult(pid, kind, start, res, req.CausalityID)

	return res
}

func (ds *dispatcherService) emitResult(
	pid domain.Pid, kind domain.SyscallKind,
	start time.Time, res domain.SyscallResult, causality string) {

	ds.evs.EmitSyscall(pid, kind, time.Since(start), res.Status, causality)
}

func (ds *dispatcherService) Shutdown() {
	ds.tasks.shutdown()
}

// marshalResult is shared by the JIT fast paths.
func marshalResult(v interface{}) domain.SyscallResult {
	data, err := json.Marshal(v)
	if err != nil {
		return domain.InternalResult("result encoding failed: " + err.Error())
	}
	return domain.OkResult(data)
}
