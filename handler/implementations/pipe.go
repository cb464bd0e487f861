
package implementations

import (
	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

// maxPipeIO bounds a single pipe transfer.
const maxPipeIO = 1 << 20

//
// IPC pipe syscall handler.
//
type PipeHandlerType struct {
	Name    string
	Enabled bool
	Service domain.HandlerServiceIface
}

var Pipe_Handler = &PipeHandlerType{
	Name:    "pipe",
	Enabled: true,
}

func (h *PipeHandlerType) Kinds() []domain.SyscallKind {
	return []domain.SyscallKind{
		domain.KindCreatePipe,
		domain.KindWritePipe,
		domain.KindReadPipe,
		domain.KindClosePipe,
		domain.KindDestroyPipe,
		domain.KindPipeStats,
	}
}

func (h *PipeHandlerType) Handle(req *domain.HandlerRequest) domain.SyscallResult {
	logrus.Debugf("Executing %v handler for %v", h.Name, req.Syscall.Kind())

	ips := h.Service.IpcService()

	switch sc := req.Syscall.(type) {

	case domain.CreatePipe:
		id, err := ips.CreatePipe(req.Pid, sc.ReaderPid, sc.WriterPid, sc.Capacity)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]uint64{"pipe_id": id})

	case domain.WritePipe:
		if len(sc.Data) > maxPipeIO {
			return domain.InvalidArgResult("pipe write exceeds 1 MiB")
		}
		n, err := h.blocked(req, func() (int, error) {
			return ips.WritePipe(req.Ctx, req.Pid, sc.PipeID, sc.Data, req.Blocking)
		})
		if err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]int{"written": n})

	case domain.ReadPipe:
		if sc.Size > maxPipeIO {
			return domain.InvalidArgResult("pipe read exceeds 1 MiB")
		}
		var out []byte
		_, err := h.blocked(req, func() (int, error) {
			data, err := ips.ReadPipe(req.Ctx, req.Pid, sc.PipeID, sc.Size, req.Blocking)
			out = data
			return len(data), err
		})
		if err != nil {
			return errResult(err)
		}
		return domain.OkResult(out)

	case domain.ClosePipe:
		if err := ips.ClosePipe(req.Pid, sc.PipeID); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.DestroyPipe:
		if err := ips.DestroyPipe(req.Pid, sc.PipeID); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.PipeStats:
		info, err := ips.PipeStats(sc.PipeID)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(info)
	}

	return mismatch(req)
}

// blocked brackets a potentially-blocking pipe operation with the scheduler
// suspension bookkeeping.
func (h *PipeHandlerType) blocked(
	req *domain.HandlerRequest, fn func() (int, error)) (int, error) {

	if !req.Blocking {
		return fn()
	}

	sch := h.Service.SchedulerService()
	sch.Block(req.Pid)
	defer sch.Unblock(req.Pid)

	return fn()
}

func (h *PipeHandlerType) GetName() string { return h.Name }
func (h *PipeHandlerType) GetEnabled() bool { return h.Enabled }
func (h *PipeHandlerType) SetEnabled(val bool) { h.Enabled = val }
func (h *PipeHandlerType) GetService() domain.HandlerServiceIface { return h.Service }
func (h *PipeHandlerType) SetService(hs domain.HandlerServiceIface) { h.Service = hs }
