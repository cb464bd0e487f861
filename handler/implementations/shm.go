
package implementations

import (
	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

//
// IPC shared-memory syscall handler.
//
type ShmHandlerType struct {
	Name    string
	Enabled bool
	Service domain.HandlerServiceIface
}

var Shm_Handler = &ShmHandlerType{
	Name:    "shm",
	Enabled: true,
}

func (h *ShmHandlerType) Kinds() []domain.SyscallKind {
	return []domain.SyscallKind{
		domain.KindCreateShm,
		domain.KindAttachShm,
		domain.KindDetachShm,
		domain.KindWriteShm,
		domain.KindReadShm,
		domain.KindDestroyShm,
		domain.KindShmStats,
	}
}

func (h *ShmHandlerType) Handle(req *domain.HandlerRequest) domain.SyscallResult {
	logrus.Debugf("Executing %v handler for %v", h.Name, req.Syscall.Kind())

	ips := h.Service.IpcService()

	switch sc := req.Syscall.(type) {

	case domain.CreateShm:
		id, err := ips.CreateShm(req.Pid, sc.Size)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]uint64{"segment_id": id})

	case domain.AttachShm:
		if err := ips.AttachShm(req.Pid, sc.SegmentID, sc.ReadOnly); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.DetachShm:
		if err := ips.DetachShm(req.Pid, sc.SegmentID); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.WriteShm:
		if err := ips.WriteShm(req.Pid, sc.SegmentID, sc.Offset, sc.Data); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]int{"written": len(sc.Data)})

	case domain.ReadShm:
		data, err := ips.ReadShm(req.Pid, sc.SegmentID, sc.Offset, sc.Size)
		if err != nil {
			return errResult(err)
		}
		return domain.OkResult(data)

	case domain.DestroyShm:
		if err := ips.DestroyShm(req.Pid, sc.SegmentID); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.ShmStats:
		info, err := ips.ShmStats(sc.SegmentID)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(info)
	}

	return mismatch(req)
}

func (h *ShmHandlerType) GetName() string { return h.Name }
func (h *ShmHandlerType) GetEnabled() bool { return h.Enabled }
func (h *ShmHandlerType) SetEnabled(val bool) { h.Enabled = val }
func (h *ShmHandlerType) GetService() domain.HandlerServiceIface { return h.Service }
func (h *ShmHandlerType) SetService(hs domain.HandlerServiceIface) { h.Service = hs }
