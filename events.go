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

	"github.com/bxi-sim/nicsim/internal/handle"
	"github.com/bxi-sim/nicsim/ptl"
)

func eqPush(n *Node, h handle.Handle, ev Event) {
	if !h.IsValid() {
		return
	}
	eq, err := n.eqs.Get(h)
	if err != nil {
		return
	}
	eq.Push(ev)
}

func ctPush(n *Node, h handle.Handle, success, failure uint64) {
	if !h.IsValid() {
		return
	}
	ct, err := n.cts.Get(h)
	if err != nil {
		return
	}
	ct.Inc(success, failure)
}

// deliverSendEvent emits the initiator-side SEND event/CT update the first
// time a Request's data actually goes out on the wire; retries never emit
// it again because markSendEventSent is a one-shot latch.
func deliverSendEvent(n *Node, req *Request) {
	if !req.markSendEventSent() {
		return
	}
	if req.MD.Options&ptl.MDEventSendDisable != 0 {
		return
	}
	ev := Event{Kind: ptl.EventSend, UserPtr: req.UserPtr, MatchBits: req.MatchBits}
	eqPush(n, req.MD.EQ, ev)
	if req.MD.Options&ptl.MDEventCTSend != 0 {
		ctPush(n, req.MD.CT, 1, 0)
	}
}

// deliverInitiatorSuccess emits the ACK (Put/Atomic) or REPLY (Get/
// FetchAtomic/Swap) event and bumps the initiator's MD counting event on a
// successful end-to-end completion.
func deliverInitiatorSuccess(n *Node, req *Request, mlength uint64) {
	kind := ptl.EventAck
	if req.isFetching() {
		kind = ptl.EventReply
	}
	if req.AckReq == ptl.NoAckReq && !req.isFetching() {
		// No event requested for a pure unacknowledged Put/Atomic, but the
		// CT (if bound) still counts per ptl.CTAckReq/OCAckReq semantics.
	} else if req.MD.Options&ptl.MDEventSuccessDisable == 0 {
		eqPush(n, req.MD.EQ, Event{Kind: kind, UserPtr: req.UserPtr, MatchBits: req.MatchBits, Mlength: mlength})
	}
	if req.MD.Options&ptl.MDEventCTAck != 0 || (req.isFetching() && req.MD.Options&ptl.MDEventCTReply != 0) {
		ctPush(n, req.MD.CT, 1, 0)
	}
}

// deliverFailureEvent emits the initiator-side ACK/REPLY event carrying a
// non-OK fail type, and bumps the MD's failure counter unconditionally (CT
// failure increments are never maskable, matching the specification's
// error-handling design).
func deliverFailureEvent(n *Node, req *Request, fail ptl.NIFailType) {
	kind := ptl.EventAck
	if req.isFetching() {
		kind = ptl.EventReply
	}
	eqPush(n, req.MD.EQ, Event{Kind: kind, UserPtr: req.UserPtr, MatchBits: req.MatchBits, FailType: fail})
	ctPush(n, req.MD.CT, 0, 1)
}

// deliverTargetEvent emits a target-side event (PUT/GET/ATOMIC/
// FETCH_ATOMIC or their _OVERFLOW variants; AUTO_UNLINK goes through
// deliverUnlinkEvent instead) through
// the owning PT's EQ and the matched entry's CT, honoring the per-entry
// disable bits.
func deliverTargetEvent(n *Node, me *MatchEntry, pt *PT, kind ptl.EventKind, initiator ProcID, matchBits, headerData, rlength, mlength, remoteOffset uint64, fail ptl.NIFailType) {
	if me.Options&ptl.MEEventCommDisable == 0 {
		eqPush(n, pt.EQ, Event{
			Initiator:    initiator,
			Kind:         kind,
			UserPtr:      me.UserPtr,
			MatchBits:    matchBits,
			HeaderData:   headerData,
			Rlength:      rlength,
			Mlength:      mlength,
			RemoteOffset: remoteOffset,
			FailType:     fail,
		})
	}
	if me.CT.IsValid() && me.Options&ptl.MEEventCTComm != 0 {
		bytes := mlength
		if me.Options&ptl.MEEventCTBytes == 0 {
			bytes = 1
		}
		ctPush(n, me.CT, bytes, 0)
	}
}

// deliverUnlinkEvent emits AUTO_UNLINK, used when an entry is retired
// because its min_free threshold was crossed or it was use_once and just
// spent.
func deliverUnlinkEvent(n *Node, me *MatchEntry, pt *PT) {
	if me.Options&ptl.MEEventUnlinkDisable != 0 {
		return
	}
	eqPush(n, pt.EQ, Event{Kind: ptl.EventAutoUnlink, UserPtr: me.UserPtr, MatchBits: me.MatchBits})
}

// ctWait blocks until ct reaches threshold or ctx is done, waiting on the
// notification channel ct.addWaiter hands back rather than a busy poll.
func ctWait(ctx context.Context, n *Node, h handle.Handle, threshold uint64) (uint64, uint64, error) {
	ct, err := n.cts.Get(h)
	if err != nil {
		return 0, 0, ErrInvalidHandle
	}
	notify, ready := ct.addWaiter(threshold)
	if !ready {
		select {
		case <-notify:
		case <-ctx.Done():
			return ct.snapshot2()
		}
	}
	s, f := ct.snapshot()
	return s, f, nil
}

// snapshot2 lets ctWait read a last value after a context cancellation
// without taking on ctWait's own error-returning signature inside CT.
func (ct *CT) snapshot2() (uint64, uint64, error) {
	s, f := ct.snapshot()
	return s, f, context.Canceled
}
