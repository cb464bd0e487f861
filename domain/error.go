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
	"errors"
	"fmt"
)

// Sentinel errors for the runtime-internal taxonomy. Resource managers return
// these (wrapped with context); the dispatcher converts them to typed results
// at the boundary.
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalid    = errors.New("invalid argument")
	ErrWouldBlock = errors.New("would block")
	ErrBroken     = errors.New("broken resource")
	ErrExhausted  = errors.New("resource exhausted")
	ErrCancelled  = errors.New("cancelled")
	ErrTimeout    = errors.New("timeout")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalid) }
func IsWouldBlock(err error) bool { return errors.Is(err, ErrWouldBlock) }
func IsBroken(err error) bool { return errors.Is(err, ErrBroken) }
func IsExhausted(err error) bool { return errors.Is(err, ErrExhausted) }

// OOMError carries the diagnostic quartet of a failed allocation.
type OOMError struct {
	Info OOMInfo
}

func (e *OOMError) Error() string {
	return fmt.Sprintf("out of memory: requested %d, available %d (used %d of %d)",
		e.Info.Requested, e.Info.Available, e.Info.Used, e.Info.Total)
}

// AsOOM extracts an OOMError from an error chain.
func AsOOM(err error) (*OOMError, bool) {
	var oom *OOMError
	if errors.As(err, &oom) {
		return oom, true
	}
	return nil, false
}
