
package implementations

import (
	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

//
// Signal syscall handler.
//
type SignalHandlerType struct {
	Name    string
	Enabled bool
	Service domain.HandlerServiceIface
}

var Signal_Handler = &SignalHandlerType{
	Name:    "signal",
	Enabled: true,
}

func (h *SignalHandlerType) Kinds() []domain.SyscallKind {
	return []domain.SyscallKind{
		domain.KindSendSignal,
	}
}

func (h *SignalHandlerType) Handle(req *domain.HandlerRequest) domain.SyscallResult {
	logrus.Debugf("Executing %v handler for %v", h.Name, req.Syscall.Kind())

	switch sc := req.Syscall.(type) {

	case domain.SendSignal:
		ips := h.Service.IpcService()
		if err := ips.SendSignal(req.Pid, sc.TargetPid, sc.Signal); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()
	}

	return mismatch(req)
}

func (h *SignalHandlerType) GetName() string { return h.Name }
func (h *SignalHandlerType) GetEnabled() bool { return h.Enabled }
func (h *SignalHandlerType) SetEnabled(val bool) { h.Enabled = val }
func (h *SignalHandlerType) GetService() domain.HandlerServiceIface { return h.Service }
func (h *SignalHandlerType) SetService(hs domain.HandlerServiceIface) { h.Service = hs }
