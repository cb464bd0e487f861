
package implementations

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/microvisor/domain"
)

//
// System-information syscall handler.
//
type SystemHandlerType struct {
	Name    string
	Enabled bool
	Service domain.HandlerServiceIface
}

var System_Handler = &SystemHandlerType{
	Name:    "system",
	Enabled: true,
}

func (h *SystemHandlerType) Kinds() []domain.SyscallKind {
	return []domain.SyscallKind{
		domain.KindGetSystemInfo,
		domain.KindGetCurrentTime,
		domain.KindGetEnvVar,
		domain.KindSetEnvVar,
	}
}

// systemInfo mirrors what the host exposes, scoped to what a sandboxed
// process may learn.
type systemInfo struct {
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	Hostname     string `json:"hostname"`
	KernelRelease string `json:"kernel_release,omitempty"`
	ProcessCount int    `json:"process_count"`
}

func (h *SystemHandlerType) Handle(req *domain.HandlerRequest) domain.SyscallResult {
	logrus.Debugf("Executing %v handler for %v", h.Name, req.Syscall.Kind())

	switch sc := req.Syscall.(type) {

	case domain.GetSystemInfo:
		info := systemInfo{
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			ProcessCount: h.Service.ProcessService().Count(),
		}

		var uts unix.Utsname
		if err := unix.Uname(&uts); err == nil {
			info.Hostname = unix.ByteSliceToString(uts.Nodename[:])
			info.KernelRelease = unix.ByteSliceToString(uts.Release[:])
		}

		return jsonResult(info)

	case domain.GetCurrentTime:
		now := time.Now()
		return jsonResult(map[string]interface{}{
			"unix_ns":  now.UnixNano(),
			"iso_8601": now.UTC().Format(time.RFC3339Nano),
		})

	case domain.GetEnvVar:
		if sc.Key == "" {
			return domain.InvalidArgResult("environment key must not be empty")
		}
		value, ok := req.Process.Env(sc.Key)
		if !ok {
			return domain.NotFoundResult(fmt.Sprintf("env var %s", sc.Key))
		}
		return jsonResult(map[string]string{"value": value})

	case domain.SetEnvVar:
		if sc.Key == "" {
			return domain.InvalidArgResult("environment key must not be empty")
		}
		req.Process.SetEnv(sc.Key, sc.Value)
		return domain.OkEmpty()
	}

	return mismatch(req)
}

func (h *SystemHandlerType) GetName() string { return h.Name }
func (h *SystemHandlerType) GetEnabled() bool { return h.Enabled }
func (h *SystemHandlerType) SetEnabled(val bool) { h.Enabled = val }
func (h *SystemHandlerType) GetService() domain.HandlerServiceIface { return h.Service }
func (h *SystemHandlerType) SetService(hs domain.HandlerServiceIface) { h.Service = hs }
