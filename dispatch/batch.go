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
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/nestybox/microvisor/domain"
)

// ExecuteBatch runs a set of syscalls for one caller. Parallel mode always
// runs every entry; sequential mode preserves issue order and optionally
// stops at the first non-recoverable failure (WouldBlock counts as
// recoverable).
func (ds *dispatcherService) ExecuteBatch(
	ctx context.Context,
	pid domain.Pid,
	scs []domain.Syscall,
	mode domain.BatchMode,
	stopOnError bool) domain.BatchResult {

	out := domain.BatchResult{
		Results: make([]domain.SyscallResult, len(scs)),
	}
	if len(scs) == 0 {
		return out
	}

	switch mode {
	case domain.BatchParallel:
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.NumCPU() * 4)

		for i, sc := range scs {
			i, sc := i, sc
			g.Go(func() error {
				out.Results[i] = ds.Execute(gctx, pid, sc)
				return nil
			})
		}
		// Workers never return errors; Wait is purely a barrier.
		_ = g.Wait()

	default:
		for i, sc := range scs {
			res := ds.Execute(ctx, pid, sc)
			out.Results[i] = res

			if stopOnError && !res.Ok() && res.Status != domain.StatusWouldBlock {
				// Remaining entries are not executed; each is reported as
				// cancelled so the caller still gets one result per request.
				for j := i + 1; j < len(scs); j++ {
					out.Results[j] = domain.CancelledResult()
				}
				break
			}
		}
	}

	for _, res := range out.Results {
		if res.Ok() {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
	}
	return out
}
