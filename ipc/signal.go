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

package ipc

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

// signalTable holds one process's pending signals and dispositions.
type signalTable struct {
	mu       sync.Mutex
	pending  []uint32
	disp     map[uint32]domain.SignalDisposition
	handlers map[uint32]domain.SignalHandler
}

func newSignalTable() *signalTable {
	return &signalTable{
		disp:     make(map[uint32]domain.SignalDisposition),
		handlers: make(map[uint32]domain.SignalHandler),
	}
}

func (ips *ipcService) signalTableFor(pid domain.Pid) *signalTable {
	ips.sigMu.Lock()
	defer ips.sigMu.Unlock()

	st, ok := ips.signals[pid]
	if !ok {
		st = newSignalTable()
		ips.signals[pid] = st
	}
	return st
}

func (ips *ipcService) SendSignal(sender, target domain.Pid, sig uint32) error {
	if sig == 0 || sig > domain.SigMax {
		return fmt.Errorf("signal %d out of range: %w", sig, domain.ErrInvalid)
	}
	if ips.prs.Get(target) == nil {
		return fmt.Errorf("signal target %d: %w", target, domain.ErrNotFound)
	}

	st := ips.signalTableFor(target)
	st.mu.Lock()
	st.pending = append(st.pending, sig)
	st.mu.Unlock()

	logrus.Debugf("Signal %d queued for pid %d by pid %d", sig, target, sender)

	if ips.evs != nil {
		ips.evs.Emit(domain.Event{
			Timestamp: time.Now().UnixNano(),
			Severity:  domain.SeverityInfo,
			Category:  domain.CategoryIpc,
			Message:   fmt.Sprintf("signal %d sent by pid %d", sig, sender),
			Pid:       target,
		})
	}

	return nil
}

// SetSignalDisposition installs a handler mode for a signal. SIGKILL always
// terminates and cannot be reassigned.
func (ips *ipcService) SetSignalDisposition(
	pid domain.Pid, sig uint32,
	d domain.SignalDisposition,
	h domain.SignalHandler) error {

	if sig == 0 || sig > domain.SigMax {
		return fmt.Errorf("signal %d out of range: %w", sig, domain.ErrInvalid)
	}
	if sig == domain.SigKill {
		return fmt.Errorf("disposition of signal %d is fixed: %w",
			sig, domain.ErrInvalid)
	}
	if d == domain.SignalCustom && h == nil {
		return fmt.Errorf("custom disposition needs a handler: %w", domain.ErrInvalid)
	}

	st := ips.signalTableFor(pid)
	st.mu.Lock()
	st.disp[sig] = d
	if d == domain.SignalCustom {
		st.handlers[sig] = h
	} else {
		delete(st.handlers, sig)
	}
	st.mu.Unlock()

	return nil
}

func (ips *ipcService) PendingSignals(pid domain.Pid) []uint32 {
	ips.sigMu.Lock()
	st, ok := ips.signals[pid]
	ips.sigMu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]uint32(nil), st.pending...)
}

// DeliverPending drains pid's queued signals at a syscall-entry check point.
// Custom handlers run synchronously in the target's context; default
// dispositions terminate on SIGKILL/SIGTERM and ignore everything else.
// Reports whether the process terminated.
func (ips *ipcService) DeliverPending(pid domain.Pid) bool {
	ips.sigMu.Lock()
	st, ok := ips.signals[pid]
	ips.sigMu.Unlock()
	if !ok {
		return false
	}

	st.mu.Lock()
	pending := st.pending
	st.pending = nil
	dispositions := make(map[uint32]domain.SignalDisposition, len(st.disp))
	for s, d := range st.disp {
		dispositions[s] = d
	}
	handlers := make(map[uint32]domain.SignalHandler, len(st.handlers))
	for s, h := range st.handlers {
		handlers[s] = h
	}
	st.mu.Unlock()

	for _, sig := range pending {
		d := dispositions[sig]
		if sig == domain.SigKill {
			d = domain.SignalDefault
		}

		switch d {
		case domain.SignalIgnore:

		case domain.SignalCustom:
			if h := handlers[sig]; h != nil {
				h(pid, sig)
			}

		default:
			switch sig {
			case domain.SigKill, domain.SigTerm:
				logrus.Debugf("Default disposition terminating pid %d on signal %d",
					pid, sig)
				if err := ips.prs.Kill(pid); err != nil {
					logrus.Warnf("Signal-driven kill of pid %d failed: %v", pid, err)
				}
				return true
			default:
				// Remaining defaults are no-ops in a logical runtime.
			}
		}
	}

	return false
}
