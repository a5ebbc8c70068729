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

	"github.com/bxi-sim/nicsim/simconfig"
)

// flowKey identifies one credit-limited (initiator-process, target-node,
// target-process) triple, the key of the max_inflight_to_process cap. The
// other cap, max_inflight_to_target (per destination node), is counted by
// destination NID alone and does not use flowKey.
type flowKey struct {
	srcPID, dstNID, dstPID uint32
}

// FlowControl tracks in-flight message counts per virtual network so
// NicTxInitiator can hold a Message back rather than overrun either cap;
// a cap of 0 means unlimited, per the configuration table's documented
// default.
type FlowControl struct {
	toTargetCap  int
	toProcessCap int

	mtx       sync.Mutex
	cond      *sync.Cond
	toNode    map[uint32]int
	toProcess map[flowKey]int
}

func newFlowControl(cfg simconfig.Global) *FlowControl {
	f := &FlowControl{
		toTargetCap:  cfg.MaxInflightToTarget,
		toProcessCap: cfg.MaxInflightToProcess,
		toNode:       make(map[uint32]int),
		toProcess:    make(map[flowKey]int),
	}
	f.cond = sync.NewCond(&f.mtx)
	return f
}

// tryReserveLocked is TryReserve's body, run with f.mtx already held; shared
// by TryReserve and Reserve's retry loop.
func (f *FlowControl) tryReserveLocked(srcPID, dstNID, dstPID uint32) bool {
	if f.toTargetCap > 0 && f.toNode[dstNID] >= f.toTargetCap {
		return false
	}
	key := flowKey{srcPID, dstNID, dstPID}
	if f.toProcessCap > 0 && f.toProcess[key] >= f.toProcessCap {
		return false
	}
	f.toNode[dstNID]++
	f.toProcess[key]++
	return true
}

// TryReserve attempts to claim one in-flight credit for a message destined
// to (dstNID, dstPID) from srcPID, returning false if either cap would be
// exceeded. Reserve must be paired with a later Release once the message's
// delivery outcome (ack/nack/drop) is known. This backs the *NB family of
// API entry points, which fail fast under backpressure instead of waiting.
func (f *FlowControl) TryReserve(srcPID, dstNID, dstPID uint32) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.tryReserveLocked(srcPID, dstNID, dstPID)
}

// Reserve is TryReserve's blocking sibling, backing the blocking Put/Get/
// Atomic/FetchAtomic/Swap entry points: it suspends the caller until credit
// frees up (via a later Release) or ctx is cancelled, instead of returning
// ErrTryAgain immediately.
func (f *FlowControl) Reserve(ctx context.Context, srcPID, dstNID, dstPID uint32) error {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			f.cond.Broadcast()
		case <-done:
		}
	}()

	f.mtx.Lock()
	defer f.mtx.Unlock()
	for !f.tryReserveLocked(srcPID, dstNID, dstPID) {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.cond.Wait()
	}
	return nil
}

// Release returns one in-flight credit previously claimed by TryReserve or
// Reserve, waking any caller blocked in Reserve.
func (f *FlowControl) Release(srcPID, dstNID, dstPID uint32) {
	f.mtx.Lock()
	if f.toNode[dstNID] > 0 {
		f.toNode[dstNID]--
	}
	key := flowKey{srcPID, dstNID, dstPID}
	if f.toProcess[key] > 0 {
		f.toProcess[key]--
	}
	f.mtx.Unlock()
	f.cond.Broadcast()
}
