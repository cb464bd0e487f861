
package implementations

import (
	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

//
// Scheduler syscall handler.
//
type SchedulerHandlerType struct {
	Name    string
	Enabled bool
	Service domain.HandlerServiceIface
}

var Scheduler_Handler = &SchedulerHandlerType{
	Name:    "scheduler",
	Enabled: true,
}

func (h *SchedulerHandlerType) Kinds() []domain.SyscallKind {
	return []domain.SyscallKind{
		domain.KindScheduleNext,
		domain.KindYieldProcess,
		domain.KindGetCurrentScheduled,
		domain.KindGetSchedulerStats,
	}
}

func (h *SchedulerHandlerType) Handle(req *domain.HandlerRequest) domain.SyscallResult {
	logrus.Debugf("Executing %v handler for %v", h.Name, req.Syscall.Kind())

	sch := h.Service.SchedulerService()

	switch req.Syscall.(type) {

	case domain.ScheduleNext:
		pid, ok := sch.ScheduleNext()
		if !ok {
			return domain.NotFoundResult("ready queue empty")
		}
		return jsonResult(map[string]domain.Pid{"pid": pid})

	case domain.YieldProcess:
		sch.Yield()
		return domain.OkEmpty()

	case domain.GetCurrentScheduled:
		pid, ok := sch.Current()
		if !ok {
			return domain.NotFoundResult("no process scheduled")
		}
		return jsonResult(map[string]domain.Pid{"pid": pid})

	case domain.GetSchedulerStats:
		return jsonResult(sch.Stats())
	}

	return mismatch(req)
}

func (h *SchedulerHandlerType) GetName() string { return h.Name }
func (h *SchedulerHandlerType) GetEnabled() bool { return h.Enabled }
func (h *SchedulerHandlerType) SetEnabled(val bool) { h.Enabled = val }
func (h *SchedulerHandlerType) GetService() domain.HandlerServiceIface { return h.Service }
func (h *SchedulerHandlerType) SetService(hs domain.HandlerServiceIface) { h.Service = hs }
