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
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/nestybox/microvisor/domain"
)

const (
	defaultStreamChunk = 64 * 1024
	maxStreamChunk     = 1 << 20
)

// StreamRead executes a sandboxed file read and hands the content back as
// sequenced chunks. The first chunk carries the pid and syscall kind, per
// the stream framing contract; the transport relays frames verbatim.
func (ds *dispatcherService) StreamRead(
	ctx context.Context,
	pid domain.Pid,
	path string,
	chunkSize int) (<-chan domain.StreamChunk, error) {

	if chunkSize <= 0 {
		chunkSize = defaultStreamChunk
	}
	if chunkSize > maxStreamChunk {
		chunkSize = maxStreamChunk
	}

	// The read itself goes through the full syscall path so the sandbox
	// gate and observability see it like any other read.
	res := ds.Execute(ctx, pid, domain.ReadFile{Path: path})
	if !res.Ok() {
		return nil, fmt.Errorf("stream read of %s failed: %s", path, res.String())
	}

	out := make(chan domain.StreamChunk, 4)

	go func() {
		defer close(out)

		data := res.Data
		seq := uint64(0)

		for offset := 0; ; offset += chunkSize {
			end := offset + chunkSize
			if end > len(data) {
				end = len(data)
			}

			chunk := domain.StreamChunk{
				Seq:  seq,
				Data: data[offset:end],
				Last: end == len(data),
			}
			if seq == 0 {
				chunk.Pid = pid
				chunk.Kind = domain.KindReadFile
				chunk.Path = path
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}

			if chunk.Last {
				return
			}
			seq++
		}
	}()

	return out, nil
}

// StreamWrite assembles sequenced chunks and commits them as one sandboxed
// file write. Chunks may arrive reordered across transport frames; sequence
// numbers restore the byte order.
func (ds *dispatcherService) StreamWrite(
	ctx context.Context,
	pid domain.Pid,
	path string,
	chunks <-chan domain.StreamChunk) domain.SyscallResult {

	collected := make([]domain.StreamChunk, 0, 8)

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return ds.commitStream(ctx, pid, path, collected)
			}
			collected = append(collected, chunk)
			if chunk.Last {
				return ds.commitStream(ctx, pid, path, collected)
			}
		case <-ctx.Done():
			return domain.CancelledResult()
		}
	}
}

func (ds *dispatcherService) commitStream(
	ctx context.Context,
	pid domain.Pid,
	path string,
	chunks []domain.StreamChunk) domain.SyscallResult {

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })

	var buf bytes.Buffer
	for _, chunk := range chunks {
		buf.Write(chunk.Data)
	}

	return ds.Execute(ctx, pid, domain.WriteFile{Path: path, Data: buf.Bytes()})
}
