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

// RequestKind tags which Portals operation a Request represents. A single
// struct carries the union of every kind's fields instead of five separate
// Go types, the way the specification's re-architecture notes call for a
// tagged-variant Request in place of the original's class hierarchy; each
// handler switches on Kind to pick which fields it reads.
type RequestKind int

const (
	ReqPut RequestKind = iota
	ReqGet
	ReqAtomic
	ReqFetchAtomic
	ReqSwap
)

func (k RequestKind) String() string {
	names := [...]string{"PUT", "GET", "ATOMIC", "FETCH_ATOMIC", "SWAP"}
	if int(k) < 0 || int(k) >= len(names) {
		return "UNKNOWN"
	}
	return names[k]
}

// Request is the initiator-side handle for one in-flight Portals operation:
// everything the TxInitiator, the E2E engine, and the eventual event
// delivery need to find their way back to the caller.
type Request struct {
	ID    uuid.UUID
	Kind  RequestKind
	State ptl.ProcessState

	SourceNID uint32
	SourcePID uint32

	// MD is a value snapshot taken at issue time (see MD.Copy), so the
	// Request stays valid even if the caller releases the original MD
	// while the operation is still outstanding.
	MD MD

	Matching   bool
	MatchBits  uint64
	TargetNID  uint32
	TargetPID  uint32
	TargetPT   uint32

	LocalOffset  uint64
	RemoteOffset uint64
	Length       uint64

	UserPtr    interface{}
	VN         ptl.VN
	HeaderData uint64
	AckReq     int

	// Atomic/FetchAtomic/Swap fields; zero value for Put/Get. A fetching
	// Request (FetchAtomic/Swap) keeps its response buffer in MD itself,
	// the same field a plain Get writes its fetched data into.
	Op       ptl.Op
	Datatype ptl.Datatype
	Operand  []byte
	Constant []byte

	sendEventSent int32 // atomic sticky flag; see markSendEventSent
	refcount      int32
}

// markSendEventSent reports whether this call is the one that transitions
// the sticky send-event-already-delivered flag from unset to set, so a
// retried send never emits PTL_EVENT_SEND twice.
func (r *Request) markSendEventSent() bool {
	return atomic.CompareAndSwapInt32(&r.sendEventSent, 0, 1)
}

func (r *Request) retain() {
	atomic.AddInt32(&r.refcount, 1)
}

// release returns true when the caller was the last holder, i.e. nothing
// references the Request any more (Requests are never held in a handle
// table).
func (r *Request) release() bool {
	return atomic.AddInt32(&r.refcount, -1) == 0
}

// isFetching reports whether this Request expects a Response message
// carrying target-side data back to the initiator (Get, FetchAtomic,
// Swap), as opposed to a pure Put/Atomic that only expects
// acknowledgements.
func (r *Request) isFetching() bool {
	switch r.Kind {
	case ReqGet, ReqFetchAtomic, ReqSwap:
		return true
	}
	return false
}
