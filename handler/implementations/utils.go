
package implementations

import (
	"encoding/json"

	"github.com/nestybox/microvisor/domain"
)

// jsonResult marshals a structured payload into a success result. A payload
// that can't encode is an internal fault, not a caller error.
func jsonResult(v interface{}) domain.SyscallResult {
	data, err := json.Marshal(v)
	if err != nil {
		return domain.InternalResult("result encoding failed: " + err.Error())
	}
	return domain.OkResult(data)
}

// errResult maps a domain error onto its typed result.
func errResult(err error) domain.SyscallResult {
	return domain.ResultFromError(err)
}

// mismatch flags a syscall routed to a handler that doesn't serve it; only
// reachable if the registry and a handler's kind list drift apart.
func mismatch(req *domain.HandlerRequest) domain.SyscallResult {
	return domain.InternalResult("syscall " + string(req.Syscall.Kind()) +
		" routed to wrong handler")
}
