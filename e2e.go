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

	"github.com/google/uuid"

	"github.com/bxi-sim/nicsim/ptl"
)

// E2EEngine is NicE2E: the end-to-end reliability layer that retries any
// Message still awaiting its E2E_ACK after retry_timeout, up to
// max_retries, and gives up (forcing the owning Request to FINISHED) past
// that. A bounded entry pool caps how many messages can be under
// reliability tracking at once, the way a real NIC's retry table is
// sized, rather than growing without limit under sustained loss.
type E2EEngine struct {
	node *Node
	vn   ptl.VN
	txq  *TransmitQueue

	pool chan struct{}

	mtx     sync.Mutex
	entries map[uuid.UUID]*retryEntry
}

type retryEntry struct {
	msg       *Message
	attempts  int
	nextRetry float64
}

func newE2EEngine(n *Node, vn ptl.VN, txq *TransmitQueue) *E2EEngine {
	capacity := n.Config.E2EEntryPoolCapacity
	if capacity <= 0 {
		capacity = 1
	}
	return &E2EEngine{
		node:    n,
		vn:      vn,
		txq:     txq,
		pool:    make(chan struct{}, capacity),
		entries: make(map[uuid.UUID]*retryEntry),
	}
}

// Enlist registers msg for reliability tracking right after it is issued.
// When e2e_off is set, or msg is itself an E2E_ACK, there is nothing to
// track. A retransmitted message that still has an entry keeps that entry
// (and its attempt count) rather than taking a new pool slot.
func (e *E2EEngine) Enlist(ctx context.Context, msg *Message) error {
	if e.node.Config.E2EOff || !msg.needsReliability() {
		return nil
	}
	e.mtx.Lock()
	if ent, ok := e.entries[msg.ID]; ok {
		ent.nextRetry = e.node.Host.Now() + e.node.Config.RetryTimeoutSeconds
		e.mtx.Unlock()
		return nil
	}
	e.mtx.Unlock()
	select {
	case e.pool <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mtx.Lock()
	e.entries[msg.ID] = &retryEntry{
		msg:       msg,
		nextRetry: e.node.Host.Now() + e.node.Config.RetryTimeoutSeconds,
	}
	e.mtx.Unlock()
	return nil
}

// Ack closes out the retry-table entry for id, freeing its pool slot. A
// quick_acks deployment can call this the moment a message is handed off
// to the link rather than waiting for the real round trip, trading
// reliability coverage for lower retry-pool pressure — the configuration
// table's quick_acks flag exists for exactly that trade-off, and is read
// by the caller, not by Ack itself.
func (e *E2EEngine) Ack(id uuid.UUID) {
	e.mtx.Lock()
	_, ok := e.entries[id]
	if ok {
		delete(e.entries, id)
	}
	e.mtx.Unlock()
	if ok {
		<-e.pool
	}
}

// run is NicE2E's daemon loop: wake on a quarter of the retry timeout,
// reissue anything overdue, and give up on anything that has exhausted
// max_retries.
func (e *E2EEngine) run(ctx context.Context) {
	for {
		if err := e.node.Host.SleepFor(ctx, e.pollInterval()); err != nil {
			return
		}
		e.retryDue(ctx)
	}
}

func (e *E2EEngine) pollInterval() float64 {
	t := e.node.Config.RetryTimeoutSeconds
	if t <= 0 {
		t = 1
	}
	return t / 4
}

func (e *E2EEngine) retryDue(ctx context.Context) {
	now := e.node.Host.Now()
	var due []*retryEntry
	e.mtx.Lock()
	for _, ent := range e.entries {
		if ent.nextRetry <= now {
			due = append(due, ent)
		}
	}
	e.mtx.Unlock()

	for _, ent := range due {
		if e.pastResponsibleState(ent.msg) {
			// The owning Request has already progressed past the point
			// this message was responsible for reaching: the real E2E_ACK
			// (or an equivalent outcome) got through even though it raced
			// with this retry tick, so resending would only duplicate
			// work. Drop the entry instead of resubmitting.
			e.drop(ent)
			continue
		}

		e.mtx.Lock()
		ent.attempts++
		attempts := ent.attempts
		ent.nextRetry = now + e.node.Config.RetryTimeoutSeconds
		e.mtx.Unlock()

		if attempts > e.node.Config.MaxRetries {
			e.giveUp(ent)
			continue
		}
		ent.msg.RetryCount = attempts
		e.node.Log.Warn("e2e: retry %d for message %s (vn=%s)", attempts, ent.msg.ID, e.vn)
		_ = e.txq.Enqueue(ctx, ent.msg)
	}
}

// pastResponsibleState reports whether msg's owning Request has already
// progressed past the ProcessState msg was retried to achieve, making a
// retry redundant. An initiator-to-target data message (Put/Get/Atomic/
// FetchAtomic) is responsible for driving the Request to ANSWERED; a
// target-to-initiator PTL_ACK or Response is responsible for driving it the
// rest of the way to FINISHED. Using ANSWERED as the threshold for the
// ack-direction messages would be self-defeating: the target sets ANSWERED
// on the very same handler call that builds the ack/response, so it would
// read as "done" before it ever reaches the wire.
func (e *E2EEngine) pastResponsibleState(msg *Message) bool {
	req := msg.owningRequest()
	if req == nil {
		return false
	}
	if msg.isAckDirection() {
		return req.State >= ptl.StateFinished
	}
	return req.State >= ptl.StateAnswered
}

// drop discards a retry-table entry without forcing the owning Request to
// FINISHED, used when the Request's outcome is already known by some other
// path (the entry just lost the race with its own success).
func (e *E2EEngine) drop(ent *retryEntry) {
	e.mtx.Lock()
	delete(e.entries, ent.msg.ID)
	e.mtx.Unlock()
	<-e.pool
}

func (e *E2EEngine) giveUp(ent *retryEntry) {
	e.mtx.Lock()
	delete(e.entries, ent.msg.ID)
	e.mtx.Unlock()
	<-e.pool

	req := ent.msg.Request
	if req == nil {
		return
	}
	e.node.Log.Error("e2e: giving up on request %s after %d retries", req.ID, ent.attempts)
	completeInitiatorRequest(e.node, req, ptl.NIDropped, 0)
}
