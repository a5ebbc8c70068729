/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package nicsim

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bxi-sim/nicsim/ptl"
)

// Message is the wire-level unit the TxInitiator hands to the simulated
// link and the RxTarget receives: a Request's data plus the envelope
// fields needed for matching, retry, and acknowledgement on the other end.
// Acks form a back-pointer chain (an ACK's Acks field points at the data
// message it acknowledges) instead of a separate wire type.
type Message struct {
	ID   uuid.UUID
	Type ptl.MsgType
	VN   ptl.VN

	InitiatorNID uint32
	InitiatorPID uint32
	TargetNID    uint32
	TargetPID    uint32
	TargetPT     uint32

	MatchBits  uint64
	HeaderData uint64
	Offset     uint64
	Size       uint64
	Payload    []byte

	Matching bool
	AckReq   int

	Op       ptl.Op
	Datatype ptl.Datatype
	Operand  []byte
	Constant []byte

	Request *Request
	Acks    *Message

	SendInitTime float64
	RetryCount   int
	FailType     ptl.NIFailType

	refcount int32
}

func newMessage(typ ptl.MsgType, req *Request) *Message {
	req.retain()
	return &Message{
		ID:           uuid.New(),
		Type:         typ,
		VN:           req.VN,
		InitiatorNID: req.SourceNID,
		InitiatorPID: req.SourcePID,
		TargetNID:    req.TargetNID,
		TargetPID:    req.TargetPID,
		TargetPT:     req.TargetPT,
		MatchBits:    req.MatchBits,
		HeaderData:   req.HeaderData,
		Offset:       req.RemoteOffset,
		Size:         req.Length,
		Matching:     req.Matching,
		AckReq:       req.AckReq,
		Op:           req.Op,
		Datatype:     req.Datatype,
		Operand:      req.Operand,
		Constant:     req.Constant,
		Request:      req,
		refcount:     1,
	}
}

func (m *Message) retain() {
	atomic.AddInt32(&m.refcount, 1)
}

func (m *Message) release() bool {
	return atomic.AddInt32(&m.refcount, -1) == 0
}

// needsReliability reports whether this message kind is one the E2E engine
// tracks for retry (data messages, PTL_ACKs and responses), as opposed to
// E2E_ACKs themselves
// which only ever close out a retry-table entry.
func (m *Message) needsReliability() bool {
	return m.Type != ptl.MsgE2EAck
}

// isResponse reports whether this is target-to-initiator traffic carrying
// fetched data (GET_RESPONSE, FETCH_ATOMIC_RESPONSE) as opposed to a data
// request or a bare acknowledgement.
func (m *Message) isResponse() bool {
	return m.Type == ptl.MsgGetResponse || m.Type == ptl.MsgFetchAtomicResponse
}

// isAckDirection reports whether m travels target-to-initiator in the
// acknowledgement direction: a PTL_ACK or a Response carrying fetched data,
// as opposed to the initial initiator-to-target data request.
func (m *Message) isAckDirection() bool {
	return m.Type == ptl.MsgPtlAck || m.isResponse()
}

// owningRequest returns the Request m's retry tracking should be judged
// against: m's own Request for an initiator-to-target data message, or the
// Request of the data message it acknowledges for a target-to-initiator
// PTL_ACK/Response (whose own Request field is nil).
func (m *Message) owningRequest() *Request {
	if m.Request != nil {
		return m.Request
	}
	if m.Acks != nil {
		return m.Acks.Request
	}
	return nil
}
