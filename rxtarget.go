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

	"github.com/google/uuid"

	"github.com/bxi-sim/nicsim/ptl"
)

// runRxTarget is the daemon actor that owns one virtual network's inbound
// mailbox: it drains every arriving Message (data requests, responses, and
// the two acknowledgement kinds) and routes each to its handler.
func runRxTarget(ctx context.Context, n *Node, p *vnPipeline) {
	mb := n.Host.Mailbox(rxMailboxName(n.NID, p.vn))
	for {
		v, err := mb.Get(ctx)
		if err != nil {
			return
		}
		msg, ok := v.(*Message)
		if !ok {
			continue
		}
		handleIncoming(ctx, n, msg)
	}
}

func handleIncoming(ctx context.Context, n *Node, msg *Message) {
	switch msg.Type {
	case ptl.MsgE2EAck:
		if msg.Acks != nil && msg.Acks.Request != nil {
			n.vn[msg.Acks.VN].e2e.Ack(msg.Acks.ID)
		}
	case ptl.MsgPtlAck:
		if msg.Acks != nil && msg.Acks.Request != nil {
			completeInitiatorRequest(n, msg.Acks.Request, msg.FailType, 0)
		}
	case ptl.MsgPut:
		handlePut(ctx, n, msg)
	case ptl.MsgAtomic:
		handleAtomic(ctx, n, msg)
	case ptl.MsgGet:
		handleGet(ctx, n, msg)
	case ptl.MsgFetchAtomic:
		handleFetchAtomic(ctx, n, msg)
	case ptl.MsgGetResponse, ptl.MsgFetchAtomicResponse:
		handleResponse(n, msg)
	}
}

// targetPT resolves the NI/PT pair msg is addressed to.
func targetPT(n *Node, msg *Message) (*NI, *PT, error) {
	ni, err := n.NI(msg.TargetPID)
	if err != nil {
		return nil, nil, err
	}
	pt := ni.PT(msg.TargetPT)
	if pt == nil {
		return nil, nil, ErrArgInvalid
	}
	return ni, pt, nil
}

// matchPT walks the priority list then the overflow list, returning the
// first eligible entry whose operation class and match bits agree with the
// incoming message, and which list it came from: callers need the
// distinction since an overflow-list match defers its event instead of
// emitting one immediately. Holding pt.mtx for the whole walk serializes
// matching against concurrent LEAppend/MEAppend/Unlink on the same PT, the
// way a single-threaded-per-node NIC naturally would.
func matchPT(pt *PT, matching, isPut bool, matchBits uint64) (*MatchEntry, ptl.ListType, bool) {
	pt.mtx.Lock()
	defer pt.mtx.Unlock()
	if !pt.Enabled {
		return nil, 0, false
	}
	for _, me := range pt.Priority {
		if me.eligible() && me.matchesOp(isPut) && me.matchesBits(matching, matchBits) {
			return me, ptl.PriorityList, true
		}
	}
	for _, me := range pt.Overflow {
		if me.eligible() && me.matchesOp(isPut) && me.matchesBits(matching, matchBits) {
			return me, ptl.OverflowList, true
		}
	}
	return nil, 0, false
}

// ptDisabled reports whether pt is currently refusing new traffic (via
// PTDisable, the only path that disables a portal), distinct from simply
// having no match yet: a
// disabled portal drops incoming messages outright instead of retaining
// them as unexpected headers, since nothing will ever walk them once
// PTEnable is eventually called.
func ptDisabled(pt *PT) bool {
	pt.mtx.Lock()
	defer pt.mtx.Unlock()
	return !pt.Enabled
}

func removeFromPT(pt *PT, me *MatchEntry) {
	pt.mtx.Lock()
	defer pt.mtx.Unlock()
	pt.Priority = removeME(pt.Priority, me)
	pt.Overflow = removeME(pt.Overflow, me)
}

func removeME(list []*MatchEntry, me *MatchEntry) []*MatchEntry {
	for i, v := range list {
		if v == me {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// markSpentAndMaybeUnlink retires me once either a use_once entry has just
// consumed its one match or its manage_local/min_free cursor (autoUnlink)
// has crossed its threshold, emitting AUTO_UNLINK and removing it from its
// PT's lists in either case. This must run before the operation event it
// precedes, per the specification's ordering guarantee.
func markSpentAndMaybeUnlink(n *Node, me *MatchEntry, pt *PT, autoUnlink bool) {
	me.mtx.Lock()
	unlink := autoUnlink || (me.Options&ptl.MEUseOnce != 0 && !me.useOnceSpent)
	if me.Options&ptl.MEUseOnce != 0 {
		me.useOnceSpent = true
	}
	if unlink {
		me.unlinked = true
	}
	me.mtx.Unlock()
	if unlink {
		removeFromPT(pt, me)
		deliverUnlinkEvent(n, me, pt)
	}
}

// markAnswered records that the target has produced its outcome (matched
// or not, success or fail) for msg's parent Request and is about to send
// back the PTL_ACK/Response that conveys it. This is the "responsible
// state" the E2E engine's retry dedup compares against: once the target
// has already answered, retransmitting the original data request is
// pointless.
func markAnswered(msg *Message) {
	if msg.Request != nil && msg.Request.State < ptl.StateAnswered {
		msg.Request.State = ptl.StateAnswered
	}
}

// sendControl enqueues a bare control message (E2E_ACK or PTL_ACK) back to
// orig's initiator on orig's paired response virtual network, carrying a
// back-pointer so the receiving actor can locate the Request/retry-table
// entry it closes out. Since simhost's mailboxes pass values by reference
// rather than by serialization (see simhost.Mailbox), this back-pointer
// survives the simulated network hop exactly as a real NIC's local
// bookkeeping would survive a real one.
func sendControl(ctx context.Context, n *Node, orig *Message, typ ptl.MsgType, fail ptl.NIFailType) {
	respVN := orig.VN.ResponseVN()
	ack := &Message{
		ID:           uuid.New(),
		Type:         typ,
		VN:           respVN,
		InitiatorNID: n.NID,
		InitiatorPID: orig.TargetPID,
		TargetNID:    orig.InitiatorNID,
		TargetPID:    orig.InitiatorPID,
		Acks:         orig,
		FailType:     fail,
	}
	_ = n.vn[respVN].txq.Enqueue(ctx, ack)
}

func handlePut(ctx context.Context, n *Node, msg *Message) {
	defer sendControl(ctx, n, msg, ptl.MsgE2EAck, ptl.NIOk)

	_, pt, err := targetPT(n, msg)
	if err != nil {
		markAnswered(msg)
		if msg.AckReq != ptl.NoAckReq {
			sendControl(ctx, n, msg, ptl.MsgPtlAck, ptl.NITargetInvalid)
		}
		return
	}
	if ptDisabled(pt) {
		markAnswered(msg)
		if msg.AckReq != ptl.NoAckReq {
			sendControl(ctx, n, msg, ptl.MsgPtlAck, ptl.NIPtDisabled)
		}
		return
	}
	me, list, ok := matchPT(pt, msg.Matching, true, msg.MatchBits)
	if !ok {
		// Neither list claims this header: there is nowhere to put the
		// data, so this is an immediate NO_MATCH rather than a retained
		// unexpected header.
		markAnswered(msg)
		if msg.AckReq != ptl.NoAckReq {
			sendControl(ctx, n, msg, ptl.MsgPtlAck, ptl.NINoMatch)
		}
		return
	}
	offset, autoUnlink := me.reserve(msg.Offset, uint64(len(msg.Payload)))
	fail := ptl.NIOk
	if err := copyIntoTarget(me, offset, msg.Payload); err != nil {
		fail = ptl.NISegv
	}
	markAnswered(msg)
	markSpentAndMaybeUnlink(n, me, pt, autoUnlink)
	if list == ptl.OverflowList {
		// Data already landed above; defer only the PUT_OVERFLOW event to a
		// later priority Append (see resolveUnexpectedHeaders).
		pt.mtx.Lock()
		pt.UH = append(pt.UH, &UnexpectedHeader{Msg: msg, Overflow: me, Offset: offset, Mlength: uint64(len(msg.Payload)), Fail: fail})
		pt.mtx.Unlock()
		if msg.AckReq != ptl.NoAckReq {
			sendControl(ctx, n, msg, ptl.MsgPtlAck, fail)
		}
		return
	}
	deliverTargetEvent(n, me, pt, ptl.EventPut, ProcID{msg.InitiatorNID, msg.InitiatorPID},
		msg.MatchBits, msg.HeaderData, msg.Size, uint64(len(msg.Payload)), offset, fail)
	if msg.AckReq != ptl.NoAckReq {
		sendControl(ctx, n, msg, ptl.MsgPtlAck, fail)
	}
}

func handleAtomic(ctx context.Context, n *Node, msg *Message) {
	defer sendControl(ctx, n, msg, ptl.MsgE2EAck, ptl.NIOk)

	_, pt, err := targetPT(n, msg)
	if err != nil {
		markAnswered(msg)
		if msg.AckReq != ptl.NoAckReq {
			sendControl(ctx, n, msg, ptl.MsgPtlAck, ptl.NITargetInvalid)
		}
		return
	}
	if ptDisabled(pt) {
		markAnswered(msg)
		if msg.AckReq != ptl.NoAckReq {
			sendControl(ctx, n, msg, ptl.MsgPtlAck, ptl.NIPtDisabled)
		}
		return
	}
	me, list, ok := matchPT(pt, msg.Matching, true, msg.MatchBits)
	if !ok {
		markAnswered(msg)
		if msg.AckReq != ptl.NoAckReq {
			sendControl(ctx, n, msg, ptl.MsgPtlAck, ptl.NINoMatch)
		}
		return
	}
	offset, autoUnlink := me.reserve(msg.Offset, msg.Size)
	fail := ptl.NIOk
	if _, err := applyAtomicToTarget(me, offset, msg.Size, msg.Op, msg.Datatype, msg.Payload, msg.Constant); err != nil {
		fail = ptl.NIOpViolation
	}
	markAnswered(msg)
	markSpentAndMaybeUnlink(n, me, pt, autoUnlink)
	if list == ptl.OverflowList {
		pt.mtx.Lock()
		pt.UH = append(pt.UH, &UnexpectedHeader{Msg: msg, Overflow: me, Offset: offset, Mlength: uint64(len(msg.Payload)), Fail: fail})
		pt.mtx.Unlock()
		if msg.AckReq != ptl.NoAckReq {
			sendControl(ctx, n, msg, ptl.MsgPtlAck, fail)
		}
		return
	}
	deliverTargetEvent(n, me, pt, ptl.EventAtomic, ProcID{msg.InitiatorNID, msg.InitiatorPID},
		msg.MatchBits, msg.HeaderData, msg.Size, uint64(len(msg.Payload)), offset, fail)
	if msg.AckReq != ptl.NoAckReq {
		sendControl(ctx, n, msg, ptl.MsgPtlAck, fail)
	}
}

func handleGet(ctx context.Context, n *Node, msg *Message) {
	defer sendControl(ctx, n, msg, ptl.MsgE2EAck, ptl.NIOk)

	_, pt, err := targetPT(n, msg)
	if err != nil {
		markAnswered(msg)
		sendResponse(ctx, n, msg, ptl.MsgGetResponse, nil, ptl.NITargetInvalid)
		return
	}
	if ptDisabled(pt) {
		markAnswered(msg)
		sendResponse(ctx, n, msg, ptl.MsgGetResponse, nil, ptl.NIPtDisabled)
		return
	}
	me, list, ok := matchPT(pt, msg.Matching, false, msg.MatchBits)
	if !ok {
		markAnswered(msg)
		sendResponse(ctx, n, msg, ptl.MsgGetResponse, nil, ptl.NINoMatch)
		return
	}
	offset, autoUnlink := me.reserve(msg.Offset, msg.Size)
	data, err := readFromSource(MD{Buf: me.Buf}, offset, msg.Size)
	fail := ptl.NIOk
	if err != nil {
		fail = ptl.NISegv
	}
	markAnswered(msg)
	markSpentAndMaybeUnlink(n, me, pt, autoUnlink)
	if list == ptl.OverflowList {
		pt.mtx.Lock()
		pt.UH = append(pt.UH, &UnexpectedHeader{Msg: msg, Overflow: me, Offset: offset, Mlength: uint64(len(data)), Fail: fail})
		pt.mtx.Unlock()
		sendResponse(ctx, n, msg, ptl.MsgGetResponse, data, fail)
		return
	}
	deliverTargetEvent(n, me, pt, ptl.EventGet, ProcID{msg.InitiatorNID, msg.InitiatorPID},
		msg.MatchBits, msg.HeaderData, msg.Size, uint64(len(data)), offset, fail)
	sendResponse(ctx, n, msg, ptl.MsgGetResponse, data, fail)
}

func handleFetchAtomic(ctx context.Context, n *Node, msg *Message) {
	defer sendControl(ctx, n, msg, ptl.MsgE2EAck, ptl.NIOk)

	_, pt, err := targetPT(n, msg)
	if err != nil {
		markAnswered(msg)
		sendResponse(ctx, n, msg, ptl.MsgFetchAtomicResponse, nil, ptl.NITargetInvalid)
		return
	}
	if ptDisabled(pt) {
		markAnswered(msg)
		sendResponse(ctx, n, msg, ptl.MsgFetchAtomicResponse, nil, ptl.NIPtDisabled)
		return
	}
	me, list, ok := matchPT(pt, msg.Matching, true, msg.MatchBits)
	if !ok {
		markAnswered(msg)
		sendResponse(ctx, n, msg, ptl.MsgFetchAtomicResponse, nil, ptl.NINoMatch)
		return
	}
	offset, autoUnlink := me.reserve(msg.Offset, msg.Size)
	pre, err := applyAtomicToTarget(me, offset, msg.Size, msg.Op, msg.Datatype, msg.Payload, msg.Constant)
	fail := ptl.NIOk
	if err != nil {
		fail = ptl.NIOpViolation
	}
	markAnswered(msg)
	markSpentAndMaybeUnlink(n, me, pt, autoUnlink)
	if list == ptl.OverflowList {
		pt.mtx.Lock()
		pt.UH = append(pt.UH, &UnexpectedHeader{Msg: msg, Overflow: me, Offset: offset, Mlength: uint64(len(pre)), Fail: fail})
		pt.mtx.Unlock()
		sendResponse(ctx, n, msg, ptl.MsgFetchAtomicResponse, pre, fail)
		return
	}
	deliverTargetEvent(n, me, pt, ptl.EventFetchAtomic, ProcID{msg.InitiatorNID, msg.InitiatorPID},
		msg.MatchBits, msg.HeaderData, msg.Size, uint64(len(pre)), offset, fail)
	sendResponse(ctx, n, msg, ptl.MsgFetchAtomicResponse, pre, fail)
}

// sendResponse carries fetched data (or a failure with no payload) back
// to the initiator of a Get/FetchAtomic/Swap; the response itself
// completes the initiator's Request, so it needs no separate PTL_ACK.
func sendResponse(ctx context.Context, n *Node, orig *Message, typ ptl.MsgType, payload []byte, fail ptl.NIFailType) {
	respVN := orig.VN.ResponseVN()
	resp := &Message{
		ID:           uuid.New(),
		Type:         typ,
		VN:           respVN,
		InitiatorNID: n.NID,
		InitiatorPID: orig.TargetPID,
		TargetNID:    orig.InitiatorNID,
		TargetPID:    orig.InitiatorPID,
		Payload:      payload,
		Acks:         orig,
		FailType:     fail,
	}
	_ = n.vn[respVN].txq.Enqueue(ctx, resp)
}

func handleResponse(n *Node, msg *Message) {
	if msg.Acks == nil || msg.Acks.Request == nil {
		return
	}
	req := msg.Acks.Request
	if msg.FailType == ptl.NIOk && len(msg.Payload) > 0 {
		_ = copyIntoBuf(req.MD.Buf, req.LocalOffset, msg.Payload)
	}
	completeInitiatorRequest(n, req, msg.FailType, uint64(len(msg.Payload)))
}

// completeInitiatorRequest finalizes a Request once its terminal outcome
// (ack, nack, or fetched response) is known: releases its flow-control
// credit, delivers the initiator-side event/CT update, and drops this
// handler's share of the Request's refcount. A Request that is already
// FINISHED is left untouched, so a resent PTL_ACK or Response never
// delivers a second event or releases twice.
func completeInitiatorRequest(n *Node, req *Request, fail ptl.NIFailType, mlength uint64) {
	if req.State >= ptl.StateFinished {
		return
	}
	req.State = ptl.StateFinished
	p := n.vn[req.VN]
	p.flow.Release(req.SourcePID, req.TargetNID, req.TargetPID)
	if fail == ptl.NIOk {
		deliverInitiatorSuccess(n, req, mlength)
	} else {
		deliverFailureEvent(n, req, fail)
	}
	req.release()
}
