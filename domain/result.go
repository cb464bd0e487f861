//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	grpcCodes "google.golang.org/grpc/codes"
	grpcStatus "google.golang.org/grpc/status"
)

// ResultStatus discriminates the SyscallResult union.
type ResultStatus uint8

const (
	StatusSuccess ResultStatus = iota
	StatusPermissionDenied
	StatusNotFound
	StatusInvalidArgument
	StatusOutOfMemory
	StatusResourceExhausted
	StatusWouldBlock
	StatusCancelled
	StatusTimeout
	StatusBrokenResource
	StatusInternal
)

var statusNames = map[ResultStatus]string{
	StatusSuccess:           "success",
	StatusPermissionDenied:  "permission_denied",
	StatusNotFound:          "not_found",
	StatusInvalidArgument:   "invalid_argument",
	StatusOutOfMemory:       "out_of_memory",
	StatusResourceExhausted: "resource_exhausted",
	StatusWouldBlock:        "would_block",
	StatusCancelled:         "cancelled",
	StatusTimeout:           "timeout",
	StatusBrokenResource:    "broken_resource",
	StatusInternal:          "internal",
}

func (s ResultStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// inlineMsgCap is the number of diagnostic bytes stored inside the result
// value itself. Anything longer spills to a heap string. The cap keeps the
// common error path allocation-free.
const inlineMsgCap = 56

// OOMInfo is the diagnostic quartet carried by out-of-memory results.
type OOMInfo struct {
	Requested uint64 `json:"requested"`
	Available uint64 `json:"available"`
	Used      uint64 `json:"used"`
	Total     uint64 `json:"total"`
}

// SyscallResult is the typed outcome of a syscall execution. The zero value
// is a data-less success.
type SyscallResult struct {
	Status ResultStatus
	Data   []byte
	OOM    *OOMInfo

	msgLen   uint8
	msg      [inlineMsgCap]byte
	msgSpill string
}

// NewResult builds a result with the given status and diagnostic message.
func NewResult(status ResultStatus, msg string) SyscallResult {
	r := SyscallResult{Status: status}
	r.setMessage(msg)
	return r
}

func (r *SyscallResult) setMessage(msg string) {
	if len(msg) <= inlineMsgCap {
		r.msgLen = uint8(copy(r.msg[:], msg))
		return
	}
	r.msgSpill = msg
}

// Message returns the diagnostic associated with the result, or "" for
// message-less results.
func (r *SyscallResult) Message() string {
	if r.msgSpill != "" {
		return r.msgSpill
	}
	return string(r.msg[:r.msgLen])
}

// Ok reports whether the result is a success.
func (r *SyscallResult) Ok() bool {
	return r.Status == StatusSuccess
}

func (r SyscallResult) String() string {
	if r.Ok() {
		return fmt.Sprintf("success (%d bytes)", len(r.Data))
	}
	return fmt.Sprintf("%s: %s", r.Status, r.Message())
}

//
// Constructors for the common outcomes.
//

func OkResult(data []byte) SyscallResult {
	return SyscallResult{Status: StatusSuccess, Data: data}
}

func OkEmpty() SyscallResult {
	return SyscallResult{Status: StatusSuccess}
}

func DeniedResult(reason string) SyscallResult {
	return NewResult(StatusPermissionDenied, reason)
}

func NotFoundResult(msg string) SyscallResult {
	return NewResult(StatusNotFound, msg)
}

func InvalidArgResult(msg string) SyscallResult {
	return NewResult(StatusInvalidArgument, msg)
}

func OOMResult(info OOMInfo) SyscallResult {
	r := NewResult(StatusOutOfMemory, "out of memory")
	r.OOM = &info
	return r
}

func ExhaustedResult(msg string) SyscallResult {
	return NewResult(StatusResourceExhausted, msg)
}

func WouldBlockResult(msg string) SyscallResult {
	return NewResult(StatusWouldBlock, msg)
}

func CancelledResult() SyscallResult {
	return NewResult(StatusCancelled, "cancelled")
}

func TimeoutResult(msg string) SyscallResult {
	return NewResult(StatusTimeout, msg)
}

func BrokenResult(msg string) SyscallResult {
	return NewResult(StatusBrokenResource, msg)
}

func InternalResult(msg string) SyscallResult {
	return NewResult(StatusInternal, msg)
}

// ResultFromError maps the domain error taxonomy onto a typed result. Unknown
// errors become Internal.
func ResultFromError(err error) SyscallResult {
	switch {
	case err == nil:
		return OkEmpty()
	case IsNotFound(err):
		return NotFoundResult(err.Error())
	case IsInvalid(err):
		return InvalidArgResult(err.Error())
	case IsWouldBlock(err):
		return WouldBlockResult(err.Error())
	case IsBroken(err):
		return BrokenResult(err.Error())
	case IsExhausted(err):
		return ExhaustedResult(err.Error())
	}
	if oom, ok := AsOOM(err); ok {
		return OOMResult(oom.Info)
	}

	// Resource managers at the control-plane boundary speak gRPC status.
	if st, ok := grpcStatus.FromError(err); ok {
		switch st.Code() {
		case grpcCodes.NotFound:
			return NotFoundResult(st.Message())
		case grpcCodes.InvalidArgument:
			return InvalidArgResult(st.Message())
		case grpcCodes.ResourceExhausted:
			return ExhaustedResult(st.Message())
		case grpcCodes.DeadlineExceeded:
			return TimeoutResult(st.Message())
		case grpcCodes.PermissionDenied:
			return DeniedResult(st.Message())
		}
	}

	switch {
	case errors.Is(err, ErrCancelled):
		return CancelledResult()
	case errors.Is(err, ErrTimeout):
		return TimeoutResult(err.Error())
	}

	return InternalResult(err.Error())
}

type resultWire struct {
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Data    []byte   `json:"data,omitempty"`
	OOM     *OOMInfo `json:"oom,omitempty"`
}

// MarshalJSON flattens the inline diagnostic for transport encoding.
func (r SyscallResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultWire{
		Status:  r.Status.String(),
		Message: r.Message(),
		Data:    r.Data,
		OOM:     r.OOM,
	})
}

// UnmarshalJSON restores a result from its wire form.
func (r *SyscallResult) UnmarshalJSON(b []byte) error {
	var w resultWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	status := StatusInternal
	for s, name := range statusNames {
		if name == w.Status {
			status = s
			break
		}
	}
	*r = NewResult(status, w.Message)
	r.Data = w.Data
	r.OOM = w.OOM
	return nil
}
