/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package nicsim

import (
	"context"
	"sync"

	"github.com/bxi-sim/nicsim/ptl"
)

// TransmitQueue is the per-(node, virtual-network) FIFO of outbound
// Messages the command-issuing API calls enqueue and NicTxInitiator
// drains. A bounded command-queue semaphore gates enqueue (mirroring the
// fixed-depth PCI command queue the original NIC has per virtual
// network); drain is an ordinary blocking dequeue.
type TransmitQueue struct {
	vn  ptl.VN
	sem chan struct{} // depth-limited slot tracker; buffered channel as counting gate

	mtx   sync.Mutex
	cond  *sync.Cond
	items []*Message
}

func newTransmitQueue(n *Node, vn ptl.VN) *TransmitQueue {
	depth := n.Config.CommandQueueCapacity
	if depth <= 0 {
		depth = 1
	}
	q := &TransmitQueue{vn: vn, sem: make(chan struct{}, depth)}
	q.cond = sync.NewCond(&q.mtx)
	return q
}

// Enqueue blocks until a command-queue slot is free, then appends msg.
// Slot release happens later, when NicTxInitiator accepts the message: it
// releases the slot right after Dequeue, before paying the PCI cost and
// sending (see runTxInitiator in txinitiator.go).
func (q *TransmitQueue) Enqueue(ctx context.Context, msg *Message) error {
	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	q.mtx.Lock()
	q.items = append(q.items, msg)
	q.mtx.Unlock()
	q.cond.Signal()
	return nil
}

// TryEnqueue is Enqueue's non-blocking sibling: it claims a command-queue
// slot only if one is immediately free, returning false instead of blocking
// the caller when the queue is at capacity. This backs the *NB family of
// API entry points, which trade the blocking Enqueue's guarantee of
// eventual admission for an immediate distinguished try-again response.
func (q *TransmitQueue) TryEnqueue(msg *Message) bool {
	select {
	case q.sem <- struct{}{}:
	default:
		return false
	}
	q.mtx.Lock()
	q.items = append(q.items, msg)
	q.mtx.Unlock()
	q.cond.Signal()
	return true
}

// Dequeue blocks until a Message is available or ctx is cancelled.
func (q *TransmitQueue) Dequeue(ctx context.Context) (*Message, error) {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mtx.Lock()
	defer q.mtx.Unlock()
	for len(q.items) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, nil
}

// ReleaseSlot frees one command-queue slot, called as soon as the message
// this slot held has been dequeued, before it is issued onto the simulated
// wire.
func (q *TransmitQueue) ReleaseSlot() {
	select {
	case <-q.sem:
	default:
	}
}

// Len reports the number of messages currently queued (diagnostics/tests
// only).
func (q *TransmitQueue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.items)
}
