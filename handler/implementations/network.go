
package implementations

import (
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

//
// Network syscall handler. The runtime carries no live network stack; the
// request is validated against the sandbox and then answered with a stub
// response, matching the original behavior where the outbound leg belongs
// to the orchestration layer.
//
type NetworkHandlerType struct {
	Name    string
	Enabled bool
	Service domain.HandlerServiceIface
}

var Network_Handler = &NetworkHandlerType{
	Name:    "network",
	Enabled: true,
}

func (h *NetworkHandlerType) Kinds() []domain.SyscallKind {
	return []domain.SyscallKind{
		domain.KindNetworkRequest,
	}
}

func (h *NetworkHandlerType) Handle(req *domain.HandlerRequest) domain.SyscallResult {
	logrus.Debugf("Executing %v handler for %v", h.Name, req.Syscall.Kind())

	switch sc := req.Syscall.(type) {

	case domain.NetworkRequest:
		u, err := url.Parse(sc.URL)
		if err != nil || u.Host == "" {
			return domain.InvalidArgResult(fmt.Sprintf("malformed url %q", sc.URL))
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return domain.InvalidArgResult(
				fmt.Sprintf("scheme %q not supported", u.Scheme))
		}
		switch sc.Method {
		case "", "GET", "POST", "PUT", "DELETE", "HEAD":
		default:
			return domain.InvalidArgResult(
				fmt.Sprintf("method %q not supported", sc.Method))
		}

		return jsonResult(map[string]interface{}{
			"status":  "unavailable",
			"message": "network egress is delegated to the orchestration layer",
			"url":     u.String(),
		})
	}

	return mismatch(req)
}

func (h *NetworkHandlerType) GetName() string { return h.Name }
func (h *NetworkHandlerType) GetEnabled() bool { return h.Enabled }
func (h *NetworkHandlerType) SetEnabled(val bool) { h.Enabled = val }
func (h *NetworkHandlerType) GetService() domain.HandlerServiceIface { return h.Service }
func (h *NetworkHandlerType) SetService(hs domain.HandlerServiceIface) { h.Service = hs }
