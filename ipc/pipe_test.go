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
	"bytes"
	"context"
	"io/ioutil"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

const (
	writerPid domain.Pid = 1
	readerPid domain.Pid = 2
)

func newTestPipe(capacity uint32) *pipe {
	return newPipe(1, writerPid, readerPid, writerPid, capacity)
}

func TestPipeFifo(t *testing.T) {
	p := newTestPipe(16)
	ctx := context.Background()

	n, err := p.write(ctx, writerPid, []byte{0x01, 0x02, 0x03}, true)
	if err != nil || n != 3 {
		t.Fatalf("write() = %d, %v", n, err)
	}

	out, err := p.read(ctx, readerPid, 3, true)
	if err != nil {
		t.Fatalf("read() failed: %v", err)
	}
	if !bytes.Equal(out, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("read = %v, want [1 2 3] in write order", out)
	}

	// Writer closes; the reader's next read reports the broken end.
	if _, err := p.closeEnd(writerPid); err != nil {
		t.Fatalf("closeEnd() failed: %v", err)
	}
	if _, err := p.read(ctx, readerPid, 1, true); !domain.IsBroken(err) {
		t.Errorf("read after writer close = %v, want broken-resource", err)
	}
}

func TestPipeWrongEnd(t *testing.T) {
	p := newTestPipe(16)
	ctx := context.Background()

	if _, err := p.write(ctx, readerPid, []byte{1}, true); err == nil {
		t.Errorf("reader writing must fail")
	}
	if _, err := p.read(ctx, writerPid, 1, true); err == nil {
		t.Errorf("writer reading must fail")
	}
}

func TestPipeNonBlocking(t *testing.T) {
	p := newTestPipe(4)
	ctx := context.Background()

	// Empty read.
	if _, err := p.read(ctx, readerPid, 1, false); !domain.IsWouldBlock(err) {
		t.Errorf("empty non-blocking read = %v, want would-block", err)
	}

	// Fill it, then the next non-blocking write must refuse.
	if _, err := p.write(ctx, writerPid, []byte{1, 2, 3, 4}, true); err != nil {
		t.Fatalf("fill write failed: %v", err)
	}
	if _, err := p.write(ctx, writerPid, []byte{5}, false); !domain.IsWouldBlock(err) {
		t.Errorf("full non-blocking write = %v, want would-block", err)
	}

	// Partial non-blocking write reports the accepted byte count.
	p2 := newTestPipe(4)
	n, err := p2.write(ctx, writerPid, []byte{1, 2, 3, 4, 5, 6}, false)
	if err != nil || n != 4 {
		t.Errorf("partial write = %d, %v, want 4 accepted", n, err)
	}
}

func TestPipeBlockingHandoff(t *testing.T) {
	p := newTestPipe(4)
	ctx := context.Background()

	done := make(chan []byte, 1)
	go func() {
		// Blocks until the writer shows up.
		out, err := p.read(ctx, readerPid, 4, true)
		if err != nil {
			done <- nil
			return
		}
		done <- out
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := p.write(ctx, writerPid, []byte{9, 8, 7}, true); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case out := <-done:
		if !bytes.Equal(out, []byte{9, 8, 7}) {
			t.Errorf("blocking read = %v, want [9 8 7]", out)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocking reader never woke up")
	}
}

func TestPipeWriteLargerThanCapacity(t *testing.T) {
	p := newTestPipe(4)
	ctx := context.Background()

	// A blocking write larger than the ring drains through a concurrent
	// reader without reordering.
	var collected []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(collected) < 10 {
			out, err := p.read(ctx, readerPid, 4, true)
			if err != nil {
				return
			}
			collected = append(collected, out...)
		}
	}()

	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if n, err := p.write(ctx, writerPid, payload, true); err != nil || n != 10 {
		t.Fatalf("write = %d, %v", n, err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reader never drained the pipe")
	}
	if !bytes.Equal(collected, payload) {
		t.Errorf("drained = %v, want the write order preserved", collected)
	}
}

func TestPipeCancellation(t *testing.T) {
	p := newTestPipe(4)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.read(ctx, readerPid, 1, true)
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Errorf("cancelled read returned nil error")
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled read never returned")
	}
}

func TestPipeStatsCounters(t *testing.T) {
	p := newTestPipe(16)
	ctx := context.Background()

	p.write(ctx, writerPid, []byte{1, 2, 3, 4, 5}, true)
	p.read(ctx, readerPid, 2, true)

	info := p.stats()
	if info.BytesWritten != 5 || info.BytesRead != 2 || info.Buffered != 3 {
		t.Errorf("stats = %+v, want written 5, read 2, buffered 3", info)
	}
}
