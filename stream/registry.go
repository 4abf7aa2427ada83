// Copyright 2021-2022 The tdstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stream

import (
	"context"
	"sync"

	"github.com/alwitt/tdstream/common"
)

// WildcardKey the registry key of the channel receiving every record
const WildcardKey = "*"

// deliveryQueue FIFO of records for one channel.
//
// Push never drops. With bound 0 the queue grows without limit; otherwise Push blocks
// while the queue holds bound records. After close, Pop drains what is left and then
// reports the end.
type deliveryQueue struct {
	lock    sync.Mutex
	items   []common.StreamRecord
	bound   int
	closed  bool
	changed chan struct{}
}

func newDeliveryQueue(bound int) *deliveryQueue {
	return &deliveryQueue{
		items:   make([]common.StreamRecord, 0),
		bound:   bound,
		changed: make(chan struct{}),
	}
}

// signal wake every waiter. Caller holds the lock.
func (q *deliveryQueue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *deliveryQueue) push(ctxt context.Context, record common.StreamRecord) error {
	for {
		q.lock.Lock()
		if q.closed {
			q.lock.Unlock()
			return common.ErrConnectionClosed
		}
		if q.bound <= 0 || len(q.items) < q.bound {
			q.items = append(q.items, record)
			q.signal()
			q.lock.Unlock()
			return nil
		}
		wait := q.changed
		q.lock.Unlock()
		select {
		case <-wait:
		case <-ctxt.Done():
			return ctxt.Err()
		}
	}
}

// pop block for the next record. ok is false once the queue is closed and empty.
func (q *deliveryQueue) pop(ctxt context.Context) (common.StreamRecord, bool, error) {
	for {
		q.lock.Lock()
		if len(q.items) > 0 {
			record := q.items[0]
			q.items[0] = common.StreamRecord{}
			q.items = q.items[1:]
			q.signal()
			q.lock.Unlock()
			return record, true, nil
		}
		if q.closed {
			q.lock.Unlock()
			return common.StreamRecord{}, false, nil
		}
		wait := q.changed
		q.lock.Unlock()
		select {
		case <-wait:
		case <-ctxt.Done():
			return common.StreamRecord{}, false, ctxt.Err()
		}
	}
}

// limit change the bound. Pushers blocked on the old bound re-check against the new one.
func (q *deliveryQueue) limit(bound int) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.bound != bound {
		q.bound = bound
		q.signal()
	}
}

func (q *deliveryQueue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
}

func (q *deliveryQueue) length() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

// ==============================================================================

// registry delivery channels by subscription key.
//
// The wildcard channel is opened unbounded when the session becomes ready and only
// takes the configured bound once a reader attaches to it. An unread wildcard channel
// therefore never stalls delivery to the feed channels.
type registry struct {
	lock     sync.Mutex
	bound    int
	channels map[string]*deliveryQueue
	closed   bool
}

func newRegistry(bound int) *registry {
	return &registry{bound: bound, channels: make(map[string]*deliveryQueue)}
}

// channelFor fetch the channel of a key, creating it on first reference. After the
// registry is closed, new channels are born closed.
func (r *registry) channelFor(key string) *deliveryQueue {
	queue, _ := r.attach(key)
	return queue
}

// attach as channelFor, also reporting whether the channel was created by this call
func (r *registry) attach(key string) (*deliveryQueue, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if queue, ok := r.channels[key]; ok {
		return queue, false
	}
	return r.create(key, r.bound), true
}

// create a channel. Caller holds the lock.
func (r *registry) create(key string, bound int) *deliveryQueue {
	queue := newDeliveryQueue(bound)
	if r.closed {
		queue.close()
	}
	r.channels[key] = queue
	return queue
}

// openWildcard open the wildcard channel, unbounded, if it does not exist
func (r *registry) openWildcard() *deliveryQueue {
	r.lock.Lock()
	defer r.lock.Unlock()
	if queue, ok := r.channels[WildcardKey]; ok {
		return queue
	}
	return r.create(WildcardKey, 0)
}

// attachWildcard fetch the wildcard channel for a reader, applying the configured bound
func (r *registry) attachWildcard() *deliveryQueue {
	r.lock.Lock()
	defer r.lock.Unlock()
	queue, ok := r.channels[WildcardKey]
	if !ok {
		return r.create(WildcardKey, r.bound)
	}
	queue.limit(r.bound)
	return queue
}

// existing fetch the channel of a key only if one is attached
func (r *registry) existing(key string) (*deliveryQueue, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	queue, ok := r.channels[key]
	return queue, ok
}

// detach remove a channel, if it is still the one registered under key, and close it
func (r *registry) detach(key string, queue *deliveryQueue) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if current, ok := r.channels[key]; ok && current == queue {
		delete(r.channels, key)
	}
	queue.close()
}

// closeAll close every channel. Consumers still drain what was delivered.
func (r *registry) closeAll() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.closed = true
	for _, queue := range r.channels {
		queue.close()
	}
}

// backlog queued record count per key
func (r *registry) backlog() map[string]int {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make(map[string]int, len(r.channels))
	for key, queue := range r.channels {
		result[key] = queue.length()
	}
	return result
}
