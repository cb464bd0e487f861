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

package handler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
	"github.com/nestybox/microvisor/handler/implementations"

	iradix "github.com/hashicorp/go-immutable-radix"
)

//
// Slice of the default syscall-group handlers. Each handler claims the set
// of syscall kinds it serves; the registry indexes every kind.
//
var DefaultHandlers = []domain.HandlerIface{
	implementations.Fs_Handler,
	implementations.Process_Handler,
	implementations.System_Handler,
	implementations.Time_Handler,
	implementations.Memory_Handler,
	implementations.Signal_Handler,
	implementations.Network_Handler,
	implementations.Pipe_Handler,
	implementations.Shm_Handler,
	implementations.Scheduler_Handler,
}

type handlerService struct {
	sync.RWMutex

	// Radix-tree indexed by syscall kind. The tree serves as an ordered DB
	// tracking the association between each syscall variant and the handler
	// object serving it.
	handlerTree *iradix.Tree

	uptimeStart int64

	prs domain.ProcessServiceIface
	mms domain.MemoryServiceIface
	ips domain.IpcServiceIface
	sch domain.SchedulerIface
	ios domain.IOServiceIface
	evs domain.ObservabilityIface
}

// HandlerService constructor.
func NewHandlerService() domain.HandlerServiceIface {
	return &handlerService{}
}

func (hs *handlerService) Setup(
	hdlrs []domain.HandlerIface,
	prs domain.ProcessServiceIface,
	mms domain.MemoryServiceIface,
	ips domain.IpcServiceIface,
	sch domain.SchedulerIface,
	ios domain.IOServiceIface,
	evs domain.ObservabilityIface) {

	hs.prs = prs
	hs.mms = mms
	hs.ips = ips
	hs.sch = sch
	hs.ios = ios
	hs.evs = evs

	hs.uptimeStart = time.Now().UnixNano()

	hs.handlerTree = iradix.New()
	if hs.handlerTree == nil {
		logrus.Fatalf("Unable to allocate handler radix-tree")
	}

	// Register all handlers declared and their associated syscall kinds.
	for _, h := range hdlrs {
		if err := hs.RegisterHandler(h); err != nil {
			logrus.Fatalf("Unable to register handler %s: %v", h.GetName(), err)
		}
	}
}

func (hs *handlerService) RegisterHandler(h domain.HandlerIface) error {
	hs.Lock()
	defer hs.Unlock()

	name := h.GetName()

	for _, kind := range h.Kinds() {
		if _, ok := hs.handlerTree.Get([]byte(kind)); ok {
			logrus.Errorf("Handler %v already registered for kind %v", name, kind)
			return errors.New("Handler already registered")
		}
	}

	h.SetService(hs)

	for _, kind := range h.Kinds() {
		tree, _, _ := hs.handlerTree.Insert([]byte(kind), h)
		hs.handlerTree = tree
	}

	return nil
}

func (hs *handlerService) UnregisterHandler(h domain.HandlerIface) error {
	hs.Lock()
	defer hs.Unlock()

	name := h.GetName()

	for _, kind := range h.Kinds() {
		if _, ok := hs.handlerTree.Get([]byte(kind)); !ok {
			logrus.Errorf("Handler %v not previously registered", name)
			return errors.New("Handler not previously registered")
		}
	}

	for _, kind := range h.Kinds() {
		hs.handlerTree, _, _ = hs.handlerTree.Delete([]byte(kind))
	}

	return nil
}

func (hs *handlerService) LookupHandler(kind domain.SyscallKind) (domain.HandlerIface, bool) {
	hs.RLock()
	defer hs.RUnlock()

	v, ok := hs.handlerTree.Get([]byte(kind))
	if !ok {
		return nil, false
	}

	h := v.(domain.HandlerIface)
	if !h.GetEnabled() {
		return nil, false
	}

	return h, true
}

func (hs *handlerService) EnableHandler(kind domain.SyscallKind) error {
	return hs.setEnabled(kind, true)
}

func (hs *handlerService) DisableHandler(kind domain.SyscallKind) error {
	return hs.setEnabled(kind, false)
}

func (hs *handlerService) setEnabled(kind domain.SyscallKind, val bool) error {
	hs.Lock()
	defer hs.Unlock()

	v, ok := hs.handlerTree.Get([]byte(kind))
	if !ok {
		return fmt.Errorf("handler for %s not found in handlerDB", kind)
	}

	v.(domain.HandlerIface).SetEnabled(val)
	return nil
}

// RegisteredKinds walks the handlerDB in order and lists every syscall kind
// with a live handler.
func (hs *handlerService) RegisteredKinds() []domain.SyscallKind {
	hs.RLock()
	defer hs.RUnlock()

	var kinds []domain.SyscallKind
	hs.handlerTree.Root().Walk(func(key []byte, val interface{}) bool {
		if val.(domain.HandlerIface).GetEnabled() {
			kinds = append(kinds, domain.SyscallKind(key))
		}
		return false
	})
	return kinds
}

func (hs *handlerService) ProcessService() domain.ProcessServiceIface { return hs.prs }
func (hs *handlerService) MemoryService() domain.MemoryServiceIface { return hs.mms }
func (hs *handlerService) IpcService() domain.IpcServiceIface { return hs.ips }
func (hs *handlerService) SchedulerService() domain.SchedulerIface { return hs.sch }
func (hs *handlerService) IOService() domain.IOServiceIface { return hs.ios }
func (hs *handlerService) Observability() domain.ObservabilityIface { return hs.evs }

func (hs *handlerService) UptimeStart() int64 { return hs.uptimeStart }
