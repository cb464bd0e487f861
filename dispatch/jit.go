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
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

// jitCacheSize bounds the pattern cache; far above the variant count, so an
// eviction only ever follows pathological kind churn.
const jitCacheSize = 1024

// fastPathFn is a compiled fast path: a closure with the service pointers
// resolved at compile time, skipping the registry lookup and the handler's
// variant switch.
type fastPathFn func(req *domain.HandlerRequest) domain.SyscallResult

// jitEntry tracks one syscall pattern.
type jitEntry struct {
	hits     uint64 // atomic
	compiled atomic.Pointer[fastPathFn]
	once     sync.Once
}

// jitCache drives the hot-path promotion: every dispatch bumps the pattern
// counter, and a pattern crossing the threshold gets its fast path compiled
// exactly once. Only side-effect-free stat-style kinds are compilable;
// everything else stays on the handler path forever.
type jitCache struct {
	threshold uint64
	patterns  *lru.Cache
	compilers map[domain.SyscallKind]func(hs domain.HandlerServiceIface) fastPathFn
	hs        domain.HandlerServiceIface
}

func newJitCache(threshold uint64, hs domain.HandlerServiceIface) *jitCache {
	cache, err := lru.New(jitCacheSize)
	if err != nil {
		logrus.Fatalf("Unable to allocate JIT pattern cache: %v", err)
	}

	return &jitCache{
		threshold: threshold,
		patterns:  cache,
		hs:        hs,
		compilers: map[domain.SyscallKind]func(hs domain.HandlerServiceIface) fastPathFn{
			domain.KindGetMemoryStats: func(hs domain.HandlerServiceIface) fastPathFn {
				mms := hs.MemoryService()
				return func(req *domain.HandlerRequest) domain.SyscallResult {
					return marshalResult(mms.Stats())
				}
			},
			domain.KindGetSchedulerStats: func(hs domain.HandlerServiceIface) fastPathFn {
				sch := hs.SchedulerService()
				return func(req *domain.HandlerRequest) domain.SyscallResult {
					return marshalResult(sch.Stats())
				}
			},
			domain.KindGetProcessList: func(hs domain.HandlerServiceIface) fastPathFn {
				prs := hs.ProcessService()
				return func(req *domain.HandlerRequest) domain.SyscallResult {
					return marshalResult(prs.List())
				}
			},
			domain.KindFileExists: func(hs domain.HandlerServiceIface) fastPathFn {
				ios := hs.IOService()
				return func(req *domain.HandlerRequest) domain.SyscallResult {
					sc := req.Syscall.(domain.FileExists)
					node, err := ios.Resolve(sc.Path)
					if err != nil {
						return domain.ResultFromError(err)
					}
					return marshalResult(map[string]bool{"exists": node.Exists()})
				}
			},
		},
	}
}

// lookup counts the invocation and returns the compiled fast path once the
// pattern is hot.
func (j *jitCache) lookup(kind domain.SyscallKind) fastPathFn {
	v, ok := j.patterns.Get(kind)
	if !ok {
		v = &jitEntry{}
		j.patterns.Add(kind, v)
	}
	entry := v.(*jitEntry)

	hits := atomic.AddUint64(&entry.hits, 1)
	if hits < j.threshold {
		return nil
	}

	if fn := entry.compiled.Load(); fn != nil {
		return *fn
	}

	compiler, compilable := j.compilers[kind]
	if !compilable {
		return nil
	}

	entry.once.Do(func() {
		fn := compiler(j.hs)
		entry.compiled.Store(&fn)
		logrus.Debugf("JIT fast path compiled for %s after %d invocations",
			kind, hits)
	})

	if fn := entry.compiled.Load(); fn != nil {
		return *fn
	}
	return nil
}
