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
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/nestybox/microvisor/domain"
)

// defaultQueueCapacity bounds a queue when create doesn't pick a size.
const defaultQueueCapacity = 256

// msgQueue is a bounded FIFO with three priority bands, a point-to-point
// receive path and an optional pub/sub broadcast mode. FIFO order holds
// within a band; the high band always drains first.
type msgQueue struct {
	mu sync.Mutex

	id       uint64
	owner    domain.Pid
	capacity int

	bands [3][]domain.QueueMessage

	subscribers mapset.Set[domain.Pid]
	inboxes     map[domain.Pid][]domain.QueueMessage

	destroyed bool

	dataCh  chan struct{}
	spaceCh chan struct{}
	closeCh chan struct{}
}

func newMsgQueue(id uint64, owner domain.Pid, capacity int) *msgQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &msgQueue{
		id:          id,
		owner:       owner,
		capacity:    capacity,
		subscribers: mapset.NewSet[domain.Pid](),
		inboxes:     make(map[domain.Pid][]domain.QueueMessage),
		dataCh:      make(chan struct{}, 1),
		spaceCh:     make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
	}
}

func (q *msgQueue) length() int {
	n := 0
	for _, band := range q.bands {
		n += len(band)
	}
	return n
}

func (q *msgQueue) send(ctx context.Context, msg domain.QueueMessage, blocking bool) error {
	if msg.Priority > domain.QueueLow {
		return fmt.Errorf("queue %d: priority band %d unknown: %w",
			q.id, msg.Priority, domain.ErrInvalid)
	}

	for {
		q.mu.Lock()
		if q.destroyed {
			q.mu.Unlock()
			return fmt.Errorf("queue %d destroyed: %w", q.id, domain.ErrBroken)
		}
		if q.length() < q.capacity {
			q.bands[msg.Priority] = append(q.bands[msg.Priority], msg)
			q.mu.Unlock()
			pulse(q.dataCh)
			return nil
		}
		q.mu.Unlock()

		if !blocking {
			return fmt.Errorf("queue %d full: %w", q.id, domain.ErrWouldBlock)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("queue %d send: %w", q.id, domain.ErrCancelled)
		case <-q.closeCh:
		case <-q.spaceCh:
		}
	}
}

func (q *msgQueue) recv(ctx context.Context, pid domain.Pid, blocking bool) (domain.QueueMessage, error) {
	for {
		q.mu.Lock()
		if q.destroyed {
			q.mu.Unlock()
			return domain.QueueMessage{}, fmt.Errorf("queue %d destroyed: %w",
				q.id, domain.ErrBroken)
		}

		// A subscriber's broadcast inbox drains before the shared FIFO.
		if inbox := q.inboxes[pid]; len(inbox) > 0 {
			msg := inbox[0]
			q.inboxes[pid] = inbox[1:]
			q.mu.Unlock()
			return msg, nil
		}

		for band := range q.bands {
			if len(q.bands[band]) > 0 {
				msg := q.bands[band][0]
				q.bands[band] = q.bands[band][1:]
				q.mu.Unlock()
				pulse(q.spaceCh)
				return msg, nil
			}
		}
		q.mu.Unlock()

		if !blocking {
			return domain.QueueMessage{}, fmt.Errorf("queue %d empty: %w",
				q.id, domain.ErrWouldBlock)
		}

		select {
		case <-ctx.Done():
			return domain.QueueMessage{}, fmt.Errorf("queue %d recv: %w",
				q.id, domain.ErrCancelled)
		case <-q.closeCh:
		case <-q.dataCh:
		}
	}
}

// publish copies the message into the inbox of every current subscriber.
// Returns the number of subscribers reached.
func (q *msgQueue) publish(msg domain.QueueMessage) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		return 0, fmt.Errorf("queue %d destroyed: %w", q.id, domain.ErrBroken)
	}

	n := 0
	for _, pid := range q.subscribers.ToSlice() {
		q.inboxes[pid] = append(q.inboxes[pid], msg)
		n++
	}

	if n > 0 {
		pulse(q.dataCh)
	}
	return n, nil
}

func (q *msgQueue) subscribe(pid domain.Pid) {
	q.mu.Lock()
	q.subscribers.Add(pid)
	q.mu.Unlock()
}

func (q *msgQueue) unsubscribe(pid domain.Pid) {
	q.mu.Lock()
	q.subscribers.Remove(pid)
	delete(q.inboxes, pid)
	q.mu.Unlock()
}

func (q *msgQueue) destroy() {
	q.mu.Lock()
	q.destroyed = true
	select {
	case <-q.closeCh:
	default:
		close(q.closeCh)
	}
	q.mu.Unlock()
}

func (q *msgQueue) stats() domain.QueueInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	return domain.QueueInfo{
		ID:          q.id,
		Capacity:    q.capacity,
		Length:      q.length(),
		OwnerPid:    q.owner,
		Subscribers: q.subscribers.Cardinality(),
	}
}
