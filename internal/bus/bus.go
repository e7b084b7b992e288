/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bus implements the bounded, in-memory FIFO queue that decouples
// the SIA-DCS connection handlers from the HTTP forward worker.
package bus

import "time"

// Item is the normalized, in-memory-only unit enqueued for downstream
// delivery: a superset of a parsed event with nullable fields, matching the
// Frappe-facing ForwardItem contract.
type Item struct {
	Account      string
	MessageType  string
	Code         string
	Zone         string
	Partition    string
	Receiver     string
	Line         string
	Timestamp    *time.Time
	RawFullFrame string
	Extras       map[string]string
}

// Queue is a bounded, multi-producer single-consumer FIFO of forward Items.
// Enqueue never blocks: on a full queue it reports failure so the caller
// can still ACK the panel and drop the item (spec: drop-new policy).
type Queue struct {
	items chan *Item
}

// NewQueue returns a Queue with the given bounded capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{items: make(chan *Item, capacity)}
}

// TryPush attempts a non-blocking enqueue. It returns false if the queue is
// full, in which case the caller must drop the item.
func (q *Queue) TryPush(item *Item) bool {
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Pop blocks until an item is available or the timeout elapses, returning
// (nil, false) on timeout so callers (the forward worker) can check a
// shutdown signal between polls.
func (q *Queue) Pop(timeout time.Duration) (*Item, bool) {
	select {
	case item := <-q.items:
		return item, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap reports the queue's bounded capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}
