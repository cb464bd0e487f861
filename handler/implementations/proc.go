
package implementations

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

//
// Process syscall handler.
//
type ProcessHandlerType struct {
	Name    string
	Enabled bool
	Service domain.HandlerServiceIface
}

var Process_Handler = &ProcessHandlerType{
	Name:    "process",
	Enabled: true,
}

func (h *ProcessHandlerType) Kinds() []domain.SyscallKind {
	return []domain.SyscallKind{
		domain.KindSpawnProcess,
		domain.KindKillProcess,
		domain.KindGetProcessInfo,
		domain.KindGetProcessList,
		domain.KindSetProcessPriority,
		domain.KindGetProcessState,
		domain.KindGetProcessStats,
		domain.KindWaitProcess,
	}
}

func (h *ProcessHandlerType) Handle(req *domain.HandlerRequest) domain.SyscallResult {
	logrus.Debugf("Executing %v handler for %v", h.Name, req.Syscall.Kind())

	prs := h.Service.ProcessService()

	switch sc := req.Syscall.(type) {

	case domain.SpawnProcess:
		if sc.Name == "" {
			return domain.InvalidArgResult("process name must not be empty")
		}
		spec := domain.SpawnSpec{
			Name:     sc.Name,
			Command:  sc.Command,
			Args:     sc.Args,
			EnvVars:  sc.EnvVars,
			Priority: sc.Priority,
			Profile:  sc.Profile,
			Parent:   req.Pid,
			Cascade:  sc.Cascade,
		}
		pid, err := prs.Spawn(spec)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]domain.Pid{"pid": pid})

	case domain.KillProcess:
		if err := prs.Kill(sc.TargetPid); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.GetProcessInfo:
		info, err := prs.Info(sc.TargetPid)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(info)

	case domain.GetProcessList:
		return jsonResult(prs.List())

	case domain.SetProcessPriority:
		if sc.Priority > domain.MaxPriority {
			return domain.InvalidArgResult(
				fmt.Sprintf("priority %d out of range 0..%d",
					sc.Priority, domain.MaxPriority))
		}
		if err := prs.SetPriority(sc.TargetPid, sc.Priority); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.GetProcessState:
		target := prs.Get(sc.TargetPid)
		if target == nil {
			return domain.NotFoundResult(fmt.Sprintf("process %d", sc.TargetPid))
		}
		return jsonResult(map[string]string{"state": target.State().String()})

	case domain.GetProcessStats:
		stats, err := prs.Stats(sc.TargetPid)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(stats)

	case domain.WaitProcess:
		return h.wait(req, sc)
	}

	return mismatch(req)
}

// wait parks the caller until the target exits; a suspension point, so the
// caller leaves the ready set for the duration.
func (h *ProcessHandlerType) wait(
	req *domain.HandlerRequest, sc domain.WaitProcess) domain.SyscallResult {

	prs := h.Service.ProcessService()
	sch := h.Service.SchedulerService()

	sch.Block(req.Pid)
	defer sch.Unblock(req.Pid)

	timeout := time.Duration(sc.TimeoutMs) * time.Millisecond
	code, err := prs.Wait(sc.TargetPid, timeout)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]int32{"exit_code": code})
}

func (h *ProcessHandlerType) GetName() string { return h.Name }
func (h *ProcessHandlerType) GetEnabled() bool { return h.Enabled }
func (h *ProcessHandlerType) SetEnabled(val bool) { h.Enabled = val }
func (h *ProcessHandlerType) GetService() domain.HandlerServiceIface { return h.Service }
func (h *ProcessHandlerType) SetService(hs domain.HandlerServiceIface) { h.Service = hs }
