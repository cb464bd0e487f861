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

package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/nestybox/microvisor/domain"
)

// task is one async syscall execution. Cancellation is cooperative: the
// context threads through the dispatcher into every suspension point.
type task struct {
	mu sync.Mutex

	id     string
	pid    domain.Pid
	sc     domain.Syscall
	state  domain.TaskState
	result domain.SyscallResult

	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) status() domain.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.TaskStatus{ID: t.id, State: t.state, Result: t.result}
}

// taskManager owns the async worker pool. Worker concurrency is bounded by
// a weighted semaphore sized off the host topology.
type taskManager struct {
	ds *dispatcherService

	mu    sync.Mutex
	tasks map[string]*task

	sem *semaphore.Weighted

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func newTaskManager(ds *dispatcherService) *taskManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskManager{
		ds:         ds,
		tasks:      make(map[string]*task),
		sem:        semaphore.NewWeighted(int64(runtime.NumCPU() * 4)),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

func (ds *dispatcherService) ExecuteAsync(pid domain.Pid, sc domain.Syscall) (string, error) {
	return ds.tasks.submit(pid, sc)
}

func (ds *dispatcherService) Poll(taskID string) (domain.TaskStatus, error) {
	return ds.tasks.poll(taskID)
}

func (ds *dispatcherService) Cancel(taskID string) bool {
	return ds.tasks.cancel(taskID)
}

func (tm *taskManager) submit(pid domain.Pid, sc domain.Syscall) (string, error) {
	if sc == nil {
		return "", fmt.Errorf("empty syscall request: %w", domain.ErrInvalid)
	}

	ctx, cancel := context.WithCancel(tm.rootCtx)

	t := &task{
		id:     uuid.NewString(),
		pid:    pid,
		sc:     sc,
		state:  domain.TaskPending,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	tm.mu.Lock()
	tm.tasks[t.id] = t
	tm.mu.Unlock()

	go tm.run(ctx, t)

	logrus.Debugf("Async task %s queued: pid %d, syscall %s", t.id, pid, sc.Kind())

	return t.id, nil
}

func (tm *taskManager) run(ctx context.Context, t *task) {
	defer close(t.done)
	defer t.cancel()

	if err := tm.sem.Acquire(ctx, 1); err != nil {
		// Cancelled while still queued.
		t.mu.Lock()
		t.state = domain.TaskCancelled
		t.result = domain.CancelledResult()
		t.mu.Unlock()
		return
	}
	defer tm.sem.Release(1)

	t.mu.Lock()
	if t.state == domain.TaskCancelled {
		t.mu.Unlock()
		return
	}
	t.state = domain.TaskRunning
	t.mu.Unlock()

	res := tm.ds.Execute(ctx, t.pid, t.sc)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.result = res
	switch {
	case res.Status == domain.StatusCancelled || ctx.Err() != nil:
		t.state = domain.TaskCancelled
		t.result = domain.CancelledResult()
	case res.Ok():
		t.state = domain.TaskDone
	default:
		t.state = domain.TaskFailed
	}
}

func (tm *taskManager) poll(id string) (domain.TaskStatus, error) {
	tm.mu.Lock()
	t, ok := tm.tasks[id]
	tm.mu.Unlock()
	if !ok {
		return domain.TaskStatus{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t.status(), nil
}

// cancel requests cooperative cancellation. Already-finished tasks report
// false.
func (tm *taskManager) cancel(id string) bool {
	tm.mu.Lock()
	t, ok := tm.tasks[id]
	tm.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	switch t.state {
	case domain.TaskDone, domain.TaskFailed, domain.TaskCancelled:
		t.mu.Unlock()
		return false
	case domain.TaskPending:
		t.state = domain.TaskCancelled
		t.result = domain.CancelledResult()
	}
	t.mu.Unlock()

	t.cancel()
	return true
}

// shutdown cancels every in-flight task and waits for the workers to drain.
func (tm *taskManager) shutdown() {
	tm.rootCancel()

	tm.mu.Lock()
	pending := make([]*task, 0, len(tm.tasks))
	for _, t := range tm.tasks {
		pending = append(pending, t)
	}
	tm.mu.Unlock()

	for _, t := range pending {
		<-t.done
	}
}
