
package implementations

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

// maxSleepMs bounds a single sleep request.
const maxSleepMs = 24 * 60 * 60 * 1000

//
// Time syscall handler. Sleep is a suspension point: the caller leaves the
// ready set for the duration and a cancellation wakes it immediately.
//
type TimeHandlerType struct {
	Name    string
	Enabled bool
	Service domain.HandlerServiceIface
}

var Time_Handler = &TimeHandlerType{
	Name:    "time",
	Enabled: true,
}

func (h *TimeHandlerType) Kinds() []domain.SyscallKind {
	return []domain.SyscallKind{
		domain.KindSleep,
		domain.KindGetUptime,
	}
}

func (h *TimeHandlerType) Handle(req *domain.HandlerRequest) domain.SyscallResult {
	logrus.Debugf("Executing %v handler for %v", h.Name, req.Syscall.Kind())

	switch sc := req.Syscall.(type) {

	case domain.Sleep:
		if sc.DurationMs > maxSleepMs {
			return domain.InvalidArgResult("sleep duration exceeds 24h")
		}

		sch := h.Service.SchedulerService()
		sch.Block(req.Pid)
		defer sch.Unblock(req.Pid)

		timer := time.NewTimer(time.Duration(sc.DurationMs) * time.Millisecond)
		defer timer.Stop()

		select {
		case <-timer.C:
			return domain.OkEmpty()
		case <-req.Ctx.Done():
			return domain.CancelledResult()
		}

	case domain.GetUptime:
		uptimeNs := time.Now().UnixNano() - h.Service.UptimeStart()
		return jsonResult(map[string]int64{
			"uptime_ms": uptimeNs / int64(time.Millisecond),
		})
	}

	return mismatch(req)
}

func (h *TimeHandlerType) GetName() string { return h.Name }
func (h *TimeHandlerType) GetEnabled() bool { return h.Enabled }
func (h *TimeHandlerType) SetEnabled(val bool) { h.Enabled = val }
func (h *TimeHandlerType) GetService() domain.HandlerServiceIface { return h.Service }
func (h *TimeHandlerType) SetService(hs domain.HandlerServiceIface) { h.Service = hs }
