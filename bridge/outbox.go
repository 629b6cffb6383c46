// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"sync"

	"github.com/bureau-foundation/crosslink/lib/envelope"
)

// Outbox is the FIFO queue of envelopes awaiting transmission. One
// mutex guards append and every form of drain.
//
// When a threshold is set, Notify receives a signal (coalesced, at most
// one pending) each time an Append leaves the queue at or above it. The
// polling bridge's flush loop selects on Notify to flush early.
type Outbox struct {
	mu        sync.Mutex
	entries   []envelope.Envelope
	threshold int
	notify    chan struct{}
}

// NewOutbox returns an empty outbox. threshold <= 0 disables Notify.
func NewOutbox(threshold int) *Outbox {
	return &Outbox{
		threshold: threshold,
		notify:    make(chan struct{}, 1),
	}
}

// Append adds an envelope at the back and returns the new length.
func (o *Outbox) Append(queued envelope.Envelope) int {
	o.mu.Lock()
	o.entries = append(o.entries, queued)
	length := len(o.entries)
	o.mu.Unlock()

	if o.threshold > 0 && length >= o.threshold {
		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
	return length
}

// Drain removes and returns up to limit envelopes from the front.
// limit <= 0 drains everything.
func (o *Outbox) Drain(limit int) []envelope.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()

	count := len(o.entries)
	if limit > 0 && limit < count {
		count = limit
	}
	if count == 0 {
		return nil
	}
	batch := make([]envelope.Envelope, count)
	copy(batch, o.entries[:count])
	remaining := make([]envelope.Envelope, len(o.entries)-count)
	copy(remaining, o.entries[count:])
	o.entries = remaining
	return batch
}

// Requeue puts a batch back at the front, ahead of anything appended
// since it was drained, preserving the batch's order.
func (o *Outbox) Requeue(batch []envelope.Envelope) {
	if len(batch) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	entries := make([]envelope.Envelope, 0, len(batch)+len(o.entries))
	entries = append(entries, batch...)
	entries = append(entries, o.entries...)
	o.entries = entries
}

// Swap takes the whole queue, leaving an empty one. The result is
// never nil.
func (o *Outbox) Swap() []envelope.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()

	taken := o.entries
	o.entries = nil
	if taken == nil {
		taken = []envelope.Envelope{}
	}
	return taken
}

// Len returns the number of queued envelopes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Notify signals when the queue has reached the threshold.
func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}
