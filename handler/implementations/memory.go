
package implementations

import (
	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

//
// Memory syscall handler.
//
type MemoryHandlerType struct {
	Name    string
	Enabled bool
	Service domain.HandlerServiceIface
}

var Memory_Handler = &MemoryHandlerType{
	Name:    "memory",
	Enabled: true,
}

func (h *MemoryHandlerType) Kinds() []domain.SyscallKind {
	return []domain.SyscallKind{
		domain.KindGetMemoryStats,
		domain.KindGetProcessMemoryStats,
		domain.KindTriggerGC,
	}
}

func (h *MemoryHandlerType) Handle(req *domain.HandlerRequest) domain.SyscallResult {
	logrus.Debugf("Executing %v handler for %v", h.Name, req.Syscall.Kind())

	mms := h.Service.MemoryService()

	switch sc := req.Syscall.(type) {

	case domain.GetMemoryStats:
		return jsonResult(mms.Stats())

	case domain.GetProcessMemoryStats:
		target := sc.TargetPid
		if target == 0 {
			target = req.Pid
		}
		stats, err := mms.ProcessStats(target)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(stats)

	case domain.TriggerGC:
		target := sc.TargetPid
		if !sc.All && target == 0 {
			target = req.Pid
		}
		freed := mms.TriggerGC(target, sc.All)
		return jsonResult(map[string]uint64{"freed_bytes": freed})
	}

	return mismatch(req)
}

func (h *MemoryHandlerType) GetName() string { return h.Name }
func (h *MemoryHandlerType) GetEnabled() bool { return h.Enabled }
func (h *MemoryHandlerType) SetEnabled(val bool) { h.Enabled = val }
func (h *MemoryHandlerType) GetService() domain.HandlerServiceIface { return h.Service }
func (h *MemoryHandlerType) SetService(hs domain.HandlerServiceIface) { h.Service = hs }
