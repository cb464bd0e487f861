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
	"testing"

	"github.com/nestybox/microvisor/domain"
)

func TestShmAttachPermissions(t *testing.T) {
	seg := newSegment(1, 1, 64)

	if err := seg.attach(2, true); err != nil {
		t.Fatalf("attach() failed: %v", err)
	}

	// Read-only peers read but never write.
	if err := seg.write(2, 0, []byte{1}); err == nil {
		t.Errorf("read-only attachment wrote")
	}
	if _, err := seg.read(2, 0, 4); err != nil {
		t.Errorf("read-only attachment read failed: %v", err)
	}

	// Unattached pids see nothing.
	if _, err := seg.read(3, 0, 4); err == nil {
		t.Errorf("unattached pid read")
	}

	// Owner implicitly reads and writes.
	if err := seg.write(1, 0, []byte{0xEE}); err != nil {
		t.Errorf("owner write failed: %v", err)
	}
}

func TestShmRoundTrip(t *testing.T) {
	seg := newSegment(1, 1, 64)
	seg.attach(2, false)

	payload := []byte("shared bytes")
	if err := seg.write(2, 8, payload); err != nil {
		t.Fatalf("write() failed: %v", err)
	}

	out, err := seg.read(1, 8, uint64(len(payload)))
	if err != nil {
		t.Fatalf("read() failed: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("read = %q, want %q", out, payload)
	}
}

func TestShmBounds(t *testing.T) {
	seg := newSegment(1, 1, 16)

	if err := seg.write(1, 12, []byte{1, 2, 3, 4, 5}); err == nil {
		t.Errorf("out-of-bounds write accepted")
	}
	if _, err := seg.read(1, 16, 1); err == nil {
		t.Errorf("out-of-bounds read accepted")
	}
}

func TestShmDetachAndDestroy(t *testing.T) {
	seg := newSegment(1, 1, 16)
	seg.attach(2, false)

	if err := seg.detach(2); err != nil {
		t.Fatalf("detach() failed: %v", err)
	}
	if err := seg.detach(2); err == nil {
		t.Errorf("double detach accepted")
	}

	seg.destroy()
	if _, err := seg.read(1, 0, 1); !domain.IsBroken(err) {
		t.Errorf("read of destroyed segment = %v, want broken-resource", err)
	}
}

func TestRingSubmitReap(t *testing.T) {
	seg := newSegment(1, 1, 4096)
	r := newTransferRing(2, 1, seg, 8)

	entries := []domain.RingEntry{
		{UserData: 1, Opcode: domain.RingOpWrite, Offset: 0, Length: 128},
		{UserData: 2, Opcode: domain.RingOpRead, Offset: 128, Length: 256},
		{UserData: 3, Opcode: domain.RingOpNop},
	}
	for _, e := range entries {
		if err := r.submit(1, e); err != nil {
			t.Fatalf("submit(%d) failed: %v", e.UserData, err)
		}
	}

	done := r.reap(10)
	if len(done) != 3 {
		t.Fatalf("reaped %d completions, want 3", len(done))
	}
	if done[0].Result != 128 || done[1].Result != 256 || done[2].Result != 0 {
		t.Errorf("completion results = %d/%d/%d, want 128/256/0",
			done[0].Result, done[1].Result, done[2].Result)
	}

	// Out-of-window submissions complete with an error code instead of
	// touching memory past the segment.
	r.submit(1, domain.RingEntry{UserData: 4, Opcode: domain.RingOpRead,
		Offset: 4000, Length: 1000})
	bad := r.reap(1)
	if len(bad) != 1 || bad[0].Result >= 0 {
		t.Errorf("out-of-window completion = %+v, want negative result", bad)
	}
}

func TestRingPermissions(t *testing.T) {
	seg := newSegment(1, 1, 1024)
	seg.attach(2, true) // read-only peer
	r := newTransferRing(3, 2, seg, 4)

	r.submit(2, domain.RingEntry{UserData: 1, Opcode: domain.RingOpWrite, Length: 16})
	done := r.reap(1)
	if len(done) != 1 || done[0].Result >= 0 {
		t.Errorf("read-only peer's write completed with %+v, want failure", done)
	}
}
