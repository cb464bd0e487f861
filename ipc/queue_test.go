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
	"context"
	"testing"

	"github.com/nestybox/microvisor/domain"
)

func msg(prio domain.QueuePriority, payload string) domain.QueueMessage {
	return domain.QueueMessage{Priority: prio, Data: []byte(payload)}
}

func TestQueuePriorityBands(t *testing.T) {
	q := newMsgQueue(1, 1, 8)
	ctx := context.Background()

	q.send(ctx, msg(domain.QueueLow, "low-1"), true)
	q.send(ctx, msg(domain.QueueNormal, "norm-1"), true)
	q.send(ctx, msg(domain.QueueHigh, "high-1"), true)
	q.send(ctx, msg(domain.QueueNormal, "norm-2"), true)
	q.send(ctx, msg(domain.QueueHigh, "high-2"), true)

	// High drains first; FIFO holds within each band.
	want := []string{"high-1", "high-2", "norm-1", "norm-2", "low-1"}
	for i, expected := range want {
		got, err := q.recv(ctx, 2, true)
		if err != nil {
			t.Fatalf("recv(%d) failed: %v", i, err)
		}
		if string(got.Data) != expected {
			t.Errorf("recv(%d) = %q, want %q", i, got.Data, expected)
		}
	}
}

func TestQueueBounds(t *testing.T) {
	q := newMsgQueue(1, 1, 2)
	ctx := context.Background()

	q.send(ctx, msg(domain.QueueNormal, "a"), true)
	q.send(ctx, msg(domain.QueueNormal, "b"), true)

	if err := q.send(ctx, msg(domain.QueueNormal, "c"), false); !domain.IsWouldBlock(err) {
		t.Errorf("send to full queue = %v, want would-block", err)
	}
	if _, err := newMsgQueue(2, 1, 2).recv(ctx, 1, false); !domain.IsWouldBlock(err) {
		t.Errorf("recv from empty queue = %v, want would-block", err)
	}
}

func TestQueuePubSub(t *testing.T) {
	q := newMsgQueue(1, 1, 8)
	ctx := context.Background()

	q.subscribe(10)
	q.subscribe(11)

	n, err := q.publish(msg(domain.QueueNormal, "broadcast"))
	if err != nil || n != 2 {
		t.Fatalf("publish() = %d, %v, want 2 subscribers reached", n, err)
	}

	for _, pid := range []domain.Pid{10, 11} {
		got, err := q.recv(ctx, pid, true)
		if err != nil {
			t.Fatalf("subscriber %d recv failed: %v", pid, err)
		}
		if string(got.Data) != "broadcast" {
			t.Errorf("subscriber %d got %q", pid, got.Data)
		}
	}

	// Unsubscribed peers stop receiving.
	q.unsubscribe(11)
	n, _ = q.publish(msg(domain.QueueNormal, "again"))
	if n != 1 {
		t.Errorf("publish after unsubscribe reached %d, want 1", n)
	}
}

func TestQueueDestroyWakesWaiters(t *testing.T) {
	q := newMsgQueue(1, 1, 2)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.recv(ctx, 2, true)
		errCh <- err
	}()

	q.destroy()

	if err := <-errCh; !domain.IsBroken(err) {
		t.Errorf("recv on destroyed queue = %v, want broken-resource", err)
	}
}
