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

package process

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nestybox/microvisor/domain"
)

var _ domain.ProcessIface = (*process)(nil)

// process is one cooperative task hosted by the runtime. The fields mutated
// after spawn are guarded by mu; hot counters (cpu time, syscalls) are
// atomics so the dispatch path never takes the lock.
type process struct {
	mu sync.RWMutex

	pid     domain.Pid
	name    string
	command string
	args    []string

	state    domain.ProcessState
	priority uint8

	parent   domain.Pid
	children []domain.Pid

	createdAt time.Time
	cpuTimeNs int64  // atomic
	syscalls  uint64 // atomic

	policy *domain.SandboxPolicy
	cwd    string
	env    map[string]string

	fdTable domain.FdTableIface

	cascade  bool
	exitCode int32
	done     chan struct{}
}

func newProcess(pid domain.Pid, spec domain.SpawnSpec,
	policy *domain.SandboxPolicy, fds domain.FdTableIface) *process {

	env := make(map[string]string)
	for _, kv := range spec.EnvVars {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	// A zero priority in the spec means none was requested.
	prio := spec.Priority
	if prio == 0 {
		prio = domain.DefaultPriority
	}
	if prio > domain.MaxPriority {
		prio = domain.MaxPriority
	}

	return &process{
		pid:       pid,
		name:      spec.Name,
		command:   spec.Command,
		args:      append([]string(nil), spec.Args...),
		state:     domain.ProcessCreated,
		priority:  prio,
		parent:    spec.Parent,
		createdAt: time.Now(),
		policy:    policy,
		cwd:       "/",
		env:       env,
		fdTable:   fds,
		cascade:   spec.Cascade,
		done:      make(chan struct{}),
	}
}

func (p *process) Pid() domain.Pid { return p.pid }
func (p *process) Name() string { return p.name }
func (p *process) Command() string { return p.command }

func (p *process) Args() []string {
	return append([]string(nil), p.args...)
}

func (p *process) State() domain.ProcessState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *process) SetState(s domain.ProcessState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *process) Priority() uint8 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.priority
}

func (p *process) SetPriority(prio uint8) {
	if prio > domain.MaxPriority {
		prio = domain.MaxPriority
	}
	p.mu.Lock()
	p.priority = prio
	p.mu.Unlock()
}

func (p *process) ParentPid() domain.Pid {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.parent
}

func (p *process) setParent(pid domain.Pid) {
	p.mu.Lock()
	p.parent = pid
	p.mu.Unlock()
}

func (p *process) ChildPids() []domain.Pid {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]domain.Pid(nil), p.children...)
}

func (p *process) addChild(pid domain.Pid) {
	p.mu.Lock()
	p.children = append(p.children, pid)
	p.mu.Unlock()
}

func (p *process) removeChild(pid domain.Pid) {
	p.mu.Lock()
	for i, c := range p.children {
		if c == pid {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *process) CreatedAt() time.Time { return p.createdAt }

func (p *process) CPUTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&p.cpuTimeNs))
}

func (p *process) AddCPUTime(d time.Duration) {
	atomic.AddInt64(&p.cpuTimeNs, int64(d))
}

func (p *process) Policy() *domain.SandboxPolicy { return p.policy }

func (p *process) Cwd() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cwd
}

func (p *process) SetCwd(path string) {
	p.mu.Lock()
	p.cwd = path
	p.mu.Unlock()
}

func (p *process) Env(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.env[key]
	return v, ok
}

func (p *process) SetEnv(key, value string) {
	p.mu.Lock()
	p.env[key] = value
	p.mu.Unlock()
}

func (p *process) FdTable() domain.FdTableIface { return p.fdTable }

func (p *process) noteSyscall() {
	atomic.AddUint64(&p.syscalls, 1)
}

func (p *process) syscallCount() uint64 {
	return atomic.LoadUint64(&p.syscalls)
}
