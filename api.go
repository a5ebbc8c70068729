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
	"errors"
	"sync/atomic"
	"time"

	"github.com/bxi-sim/nicsim/internal/handle"
	"github.com/bxi-sim/nicsim/ptl"
)

// ErrUnimplemented is returned by the triggered-operation family, which
// this package does not implement: callers can detect this and fall back
// to an untriggered equivalent.
var ErrUnimplemented = errors.New("nicsim: triggered operations are not implemented")

// NIHandle returns the handle callers use to refer to ni elsewhere in the
// API. In this implementation an *NI pointer already is that handle; the
// wrapper exists so call sites read the way the original API's
// ptl_handle_ni_t does.
func (ni *NI) NIHandle() *NI { return ni }

// GetUid returns the simulated UID of this NI's owning process (always 0:
// there is no multi-user notion in this simulator).
func (ni *NI) GetUid() uint32 { return 0 }

// GetId returns this NI's own (NID, PID).
func (ni *NI) GetId() ProcID { return ProcID{NID: ni.Node.NID, PID: ni.PID} }

// GetPhysId resolves a logical rank to its physical (NID, PID); valid
// only on a logical NI that has had SetMap called.
func (ni *NI) GetPhysId(rank uint32) (ProcID, error) {
	if !ni.Logical {
		return ProcID{}, ErrNotMatching
	}
	p, ok := ni.GetMap(rank)
	if !ok {
		return ProcID{}, ErrArgInvalid
	}
	return p, nil
}

// HandleIsEqual reports whether two handle.Handle values name the same
// slot and generation.
func HandleIsEqual(a, b handle.Handle) bool { return a == b }

// --- PT ---

// PTEnable re-enables a portal disabled by PTDisable. Nothing else
// disables a portal: the PTFlowCtrl option is stored on the PT, but a
// dropped message does not disable it.
func (pt *PT) PTEnable() {
	pt.mtx.Lock()
	pt.Enabled = true
	pt.mtx.Unlock()
}

// PTDisable disables pt: matching stops and incoming messages to it are
// answered with the PT_DISABLED fail type (ptl.NIPtDisabled) until
// PTEnable.
func (pt *PT) PTDisable() {
	pt.mtx.Lock()
	pt.Enabled = false
	pt.mtx.Unlock()
}

// --- MD ---

// MDBind creates a Memory Descriptor over buf with the given option flags
// and optional EQ/CT bindings.
func (n *Node) MDBind(buf []byte, options int, eq, ct handle.Handle) handle.Handle {
	return n.mds.Alloc(&MD{Buf: buf, Options: options, EQ: eq, CT: ct})
}

// MDRelease releases an MD handle. Any Request already issued against it
// keeps working: the Request holds its own value snapshot (MD.Copy),
// taken at issue time, independent of the table slot MDRelease frees.
func (n *Node) MDRelease(h handle.Handle) error {
	return n.mds.Free(h)
}

// --- LE/ME ---

// MatchParams bundles the fields LEAppend/MEAppend share; MatchBits and
// IgnoreBits are ignored on a non-matching NI.
type MatchParams struct {
	Buf          []byte
	Options      int
	MatchBits    uint64
	IgnoreBits   uint64
	SourceFilter *ProcID
	CT           handle.Handle
	UserPtr      interface{}
	MinFree      uint64
}

// LEAppend appends a List Entry (non-matching NI) to pt's priority or
// overflow list.
func (n *Node) LEAppend(pt *PT, list ptl.ListType, p MatchParams) (handle.Handle, error) {
	me := buildMatchEntry(pt, list, p)
	h := n.mes.Alloc(me)
	me.Handle = h
	linkEntry(pt, list, me)
	return h, nil
}

// MEAppend appends a Matching Entry (matching NI) to pt's priority or
// overflow list. A priority-list Append additionally walks pt's retained
// unexpected-header list for any message that already arrived and matched
// only the overflow list, delivering the deferred *_OVERFLOW event for
// each — the specification's "a later priority Append resolves retained
// headers" rule. Per that same rule's use_once interaction, a use_once
// entry consumed this way is never linked into the priority list at all:
// it is spent resolving the retained header rather than sitting available
// for a future message.
func (n *Node) MEAppend(ctx context.Context, pt *PT, list ptl.ListType, p MatchParams) (handle.Handle, error) {
	me := buildMatchEntry(pt, list, p)
	h := n.mes.Alloc(me)
	me.Handle = h

	if list == ptl.PriorityList && n.resolveUnexpectedHeaders(pt, me) && me.Options&ptl.MEUseOnce != 0 {
		me.mtx.Lock()
		me.useOnceSpent = true
		me.unlinked = true
		me.mtx.Unlock()
		return h, nil
	}
	linkEntry(pt, list, me)
	return h, nil
}

func buildMatchEntry(pt *PT, list ptl.ListType, p MatchParams) *MatchEntry {
	return &MatchEntry{
		Buf:          p.Buf,
		Options:      p.Options,
		MatchBits:    p.MatchBits,
		IgnoreBits:   p.IgnoreBits,
		SourceFilter: p.SourceFilter,
		CT:           p.CT,
		UserPtr:      p.UserPtr,
		MinFree:      p.MinFree,
		List:         list,
		PT:           pt,
	}
}

func linkEntry(pt *PT, list ptl.ListType, me *MatchEntry) {
	pt.mtx.Lock()
	if list == ptl.OverflowList {
		pt.Overflow = append(pt.Overflow, me)
	} else {
		pt.Priority = append(pt.Priority, me)
	}
	pt.mtx.Unlock()
}

// resolveUnexpectedHeaders walks pt's retained unexpected-header list in
// arrival order, consuming each header me now matches: emitting the
// deferred *_OVERFLOW event and releasing the header. The overflow entry's
// data copy and any auto-unlink already happened back when the header first arrived
// (completeOverflowMatch only emits the event), so this never re-sends an
// acknowledgement. A use_once me stops after its first consumption,
// matching the one-match rule; any other me keeps walking so a still-open
// priority entry resolves every retained header it covers. Returns whether
// at least one header was consumed.
func (n *Node) resolveUnexpectedHeaders(pt *PT, me *MatchEntry) bool {
	useOnce := me.Options&ptl.MEUseOnce != 0
	consumedAny := false
	for {
		uh := takeMatchingUH(pt, me)
		if uh == nil {
			return consumedAny
		}
		n.completeOverflowMatch(pt, uh)
		consumedAny = true
		if useOnce {
			return true
		}
	}
}

// takeMatchingUH removes and returns the oldest retained header on pt that
// me matches, or nil if none do.
func takeMatchingUH(pt *PT, me *MatchEntry) *UnexpectedHeader {
	pt.mtx.Lock()
	defer pt.mtx.Unlock()
	for i, uh := range pt.UH {
		if me.matchesOp(uh.Msg.Type == ptl.MsgPut || uh.Msg.Type == ptl.MsgAtomic) &&
			me.matchesBits(uh.Msg.Matching, uh.Msg.MatchBits) {
			pt.UH = append(pt.UH[:i], pt.UH[i+1:]...)
			return uh
		}
	}
	return nil
}

// completeOverflowMatch delivers the deferred *_OVERFLOW event for a
// retained header. The data copy/atomic-apply, the response (for Get/
// FetchAtomic), and any auto-unlink all already happened at arrival time;
// this only emits the target-side event the application was waiting on.
func (n *Node) completeOverflowMatch(pt *PT, uh *UnexpectedHeader) {
	kind := ptl.EventPutOverflow
	switch uh.Msg.Type {
	case ptl.MsgAtomic:
		kind = ptl.EventAtomicOverflow
	case ptl.MsgGet:
		kind = ptl.EventGetOverflow
	case ptl.MsgFetchAtomic:
		kind = ptl.EventFetchAtomicOverflow
	}
	deliverTargetEvent(n, uh.Overflow, pt, kind, ProcID{uh.Msg.InitiatorNID, uh.Msg.InitiatorPID},
		uh.Msg.MatchBits, uh.Msg.HeaderData, uh.Msg.Size, uh.Mlength, uh.Offset, uh.Fail)
}

// LEUnlink/MEUnlink retire an entry immediately, independent of use_once.
func (n *Node) LEUnlink(h handle.Handle) error { return n.unlinkEntry(h) }
func (n *Node) MEUnlink(h handle.Handle) error { return n.unlinkEntry(h) }

func (n *Node) unlinkEntry(h handle.Handle) error {
	me, err := n.mes.Get(h)
	if err != nil {
		return ErrInvalidHandle
	}
	me.mtx.Lock()
	me.unlinked = true
	me.mtx.Unlock()
	if me.PT != nil {
		removeFromPT(me.PT, me)
	}
	return n.mes.Free(h)
}

// LESearch/MESearch probe a PT's lists without linking an entry, used for
// the single-event searched-list idiom.
func (n *Node) MESearch(pt *PT, matching, isPut bool, matchBits uint64) (*MatchEntry, bool) {
	me, _, ok := matchPT(pt, matching, isPut, matchBits)
	return me, ok
}
func (n *Node) LESearch(pt *PT, isPut bool) (*MatchEntry, bool) {
	me, _, ok := matchPT(pt, false, isPut, 0)
	return me, ok
}

// --- EQ ---

// EQAlloc allocates an Event Queue of the given capacity (0 means
// unbounded) backed by a fresh simhost mailbox.
func (n *Node) EQAlloc(capacity int) handle.Handle {
	mb := n.Host.Mailbox(eqMailboxName())
	h := n.eqs.Alloc(newEQ(capacity, mb))
	return h
}

var eqMailboxSeq uint32

// eqMailboxName mints a unique mailbox name per EQ from a package-wide
// atomic counter, so names never collide, even between Nodes that share
// one simhost.Host.
func eqMailboxName() string {
	return "eq-local-" + uitoa(atomic.AddUint32(&eqMailboxSeq, 1))
}

// EQFree releases an EQ handle.
func (n *Node) EQFree(h handle.Handle) error { return n.eqs.Free(h) }

// EQGet is PtlEQGet: a non-blocking poll that returns immediately whether
// or not an event is pending.
func (n *Node) EQGet(h handle.Handle) (Event, bool, error) {
	eq, err := n.eqs.Get(h)
	if err != nil {
		return Event{}, false, ErrInvalidHandle
	}
	ev, ok, _ := eq.Get()
	return ev, ok, nil
}

// EQWait blocks until an event is available or ctx is done.
func (n *Node) EQWait(ctx context.Context, h handle.Handle) (Event, error) {
	eq, err := n.eqs.Get(h)
	if err != nil {
		return Event{}, ErrInvalidHandle
	}
	for {
		if ev, ok, _ := eq.Get(); ok {
			return ev, nil
		}
		if err := n.Host.SleepFor(ctx, 0); err != nil {
			return Event{}, err
		}
		n.Host.Yield(ctx)
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
	}
}

// pollDeadline derives the context a poll loop should run under from a
// ptl.Time timeout argument: PTL_TIME_FOREVER waits unconditionally under
// the caller's own ctx, 0 is a single non-blocking probe, and a positive
// value bounds the wait to that many milliseconds. Any other negative
// value is an invalid argument. The returned cancel func is always safe to
// defer, even when ctx is returned unchanged.
func pollDeadline(ctx context.Context, timeout ptl.Time) (context.Context, context.CancelFunc, error) {
	if timeout == ptl.TimeForever {
		return ctx, func() {}, nil
	}
	if timeout < 0 {
		return nil, nil, ErrInvalidTimeout
	}
	deadlined, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
	return deadlined, cancel, nil
}

// EQPoll waits on the first of several EQs to produce an event, returning
// its index. timeout follows PTL_TIME_FOREVER/0/positive-millisecond
// semantics; on its own expiry (as opposed to ctx's outer cancellation) it
// returns the distinguished none-reached result (-1, Event{}, nil).
func (n *Node) EQPoll(ctx context.Context, hs []handle.Handle, timeout ptl.Time) (int, Event, error) {
	pollCtx, cancel, err := pollDeadline(ctx, timeout)
	if err != nil {
		return -1, Event{}, err
	}
	defer cancel()

	for {
		for i, h := range hs {
			eq, err := n.eqs.Get(h)
			if err != nil {
				continue
			}
			if ev, ok, _ := eq.Get(); ok {
				return i, ev, nil
			}
		}
		if pollCtx.Err() != nil {
			if ctx.Err() != nil {
				return -1, Event{}, ctx.Err()
			}
			return -1, Event{}, nil
		}
		n.Host.Yield(pollCtx)
	}
}

// --- CT ---

// CTAlloc allocates a Counting Event, initialized to (0,0).
func (n *Node) CTAlloc() handle.Handle {
	return n.cts.Alloc(newCT())
}

// CTFree releases a CT handle.
func (n *Node) CTFree(h handle.Handle) error { return n.cts.Free(h) }

// CTGet returns the current (success, failure) snapshot without blocking.
func (n *Node) CTGet(h handle.Handle) (uint64, uint64, error) {
	ct, err := n.cts.Get(h)
	if err != nil {
		return 0, 0, ErrInvalidHandle
	}
	s, f := ct.snapshot()
	return s, f, nil
}

// CTSet overwrites both counters directly.
func (n *Node) CTSet(h handle.Handle, success, failure uint64) error {
	ct, err := n.cts.Get(h)
	if err != nil {
		return ErrInvalidHandle
	}
	ct.Set(success, failure)
	return nil
}

// CTInc increments both counters by the given deltas.
func (n *Node) CTInc(h handle.Handle, deltaSuccess, deltaFailure uint64) error {
	ct, err := n.cts.Get(h)
	if err != nil {
		return ErrInvalidHandle
	}
	ct.Inc(deltaSuccess, deltaFailure)
	return nil
}

// CTWait blocks until ct's success counter reaches threshold, or its
// failure counter becomes nonzero, or ctx is done.
func (n *Node) CTWait(ctx context.Context, h handle.Handle, threshold uint64) (uint64, uint64, error) {
	return ctWait(ctx, n, h, threshold)
}

// CTPoll waits on the first of several CTs to reach its paired threshold.
// timeout follows the same PTL_TIME_FOREVER/0/positive-millisecond
// semantics as EQPoll, including the distinguished (-1, 0, 0, nil)
// none-reached result on the poll's own expiry.
func (n *Node) CTPoll(ctx context.Context, hs []handle.Handle, thresholds []uint64, timeout ptl.Time) (int, uint64, uint64, error) {
	pollCtx, cancel, err := pollDeadline(ctx, timeout)
	if err != nil {
		return -1, 0, 0, err
	}
	defer cancel()

	for {
		for i, h := range hs {
			ct, err := n.cts.Get(h)
			if err != nil {
				continue
			}
			s, f := ct.snapshot()
			if s >= thresholds[i] || f > 0 {
				return i, s, f, nil
			}
		}
		if pollCtx.Err() != nil {
			if ctx.Err() != nil {
				return -1, 0, 0, ctx.Err()
			}
			return -1, 0, 0, nil
		}
		n.Host.Yield(pollCtx)
	}
}

// --- data-movement operations ---

// PutParams bundles PtlPut's arguments.
type PutParams struct {
	MD           handle.Handle
	LocalOffset  uint64
	Length       uint64
	AckReq       int
	Target       ProcID
	PT           uint32
	MatchBits    uint64
	RemoteOffset uint64
	UserPtr      interface{}
	HeaderData   uint64
	VN           ptl.VN
}

func (n *Node) lookupMD(h handle.Handle) (MD, error) {
	md, err := n.mds.Get(h)
	if err != nil {
		return MD{}, ErrInvalidHandle
	}
	return md.Copy(), nil
}

func (n *Node) buildPutRequest(srcPID uint32, p PutParams) (*Request, error) {
	md, err := n.lookupMD(p.MD)
	if err != nil {
		return nil, err
	}
	req := n.newRequest(&Request{
		Kind:         ReqPut,
		SourcePID:    srcPID,
		MD:           md,
		Matching:     true,
		MatchBits:    p.MatchBits,
		TargetNID:    p.Target.NID,
		TargetPID:    p.Target.PID,
		TargetPT:     p.PT,
		LocalOffset:  p.LocalOffset,
		RemoteOffset: p.RemoteOffset,
		Length:       p.Length,
		UserPtr:      p.UserPtr,
		VN:           p.VN,
		HeaderData:   p.HeaderData,
		AckReq:       p.AckReq,
	})
	req.MD.Buf = sliceFor(md.Buf, p.LocalOffset, p.Length)
	return req, nil
}

// Put issues a Portals Put: asynchronous, returns once the Request is
// queued (not once it completes); completion is reported through the MD's
// EQ/CT. It blocks if the command queue is at capacity.
func (n *Node) Put(ctx context.Context, srcPID uint32, p PutParams) error {
	req, err := n.buildPutRequest(srcPID, p)
	if err != nil {
		return err
	}
	return sendRequest(ctx, n, req)
}

// PutNB is Put's non-blocking sibling: it returns ErrTryAgain immediately,
// rather than blocking, when flow-control credit or a command-queue slot
// is not available right now.
func (n *Node) PutNB(srcPID uint32, p PutParams) error {
	req, err := n.buildPutRequest(srcPID, p)
	if err != nil {
		return err
	}
	return trySendRequest(n, req)
}

func (n *Node) buildGetRequest(srcPID uint32, p PutParams) (*Request, error) {
	md, err := n.lookupMD(p.MD)
	if err != nil {
		return nil, err
	}
	req := n.newRequest(&Request{
		Kind:         ReqGet,
		SourcePID:    srcPID,
		MD:           md,
		Matching:     true,
		MatchBits:    p.MatchBits,
		TargetNID:    p.Target.NID,
		TargetPID:    p.Target.PID,
		TargetPT:     p.PT,
		LocalOffset:  p.LocalOffset,
		RemoteOffset: p.RemoteOffset,
		Length:       p.Length,
		UserPtr:      p.UserPtr,
		VN:           p.VN,
	})
	return req, nil
}

// Get issues a Portals Get.
func (n *Node) Get(ctx context.Context, srcPID uint32, p PutParams) error {
	req, err := n.buildGetRequest(srcPID, p)
	if err != nil {
		return err
	}
	return sendRequest(ctx, n, req)
}

// GetNB is Get's non-blocking sibling; see PutNB.
func (n *Node) GetNB(srcPID uint32, p PutParams) error {
	req, err := n.buildGetRequest(srcPID, p)
	if err != nil {
		return err
	}
	return trySendRequest(n, req)
}

// AtomicParams bundles PtlAtomic/PtlFetchAtomic/PtlSwap's extra fields
// over PutParams.
type AtomicParams struct {
	PutParams
	Op       ptl.Op
	Datatype ptl.Datatype
	FetchMD  handle.Handle // FetchAtomic/Swap only
	Constant []byte        // Swap's CSWAP/MSWAP comparand only
}

func (n *Node) buildAtomicRequest(srcPID uint32, p AtomicParams) (*Request, error) {
	md, err := n.lookupMD(p.MD)
	if err != nil {
		return nil, err
	}
	operand := sliceFor(md.Buf, p.LocalOffset, p.Length)
	req := n.newRequest(&Request{
		Kind:         ReqAtomic,
		SourcePID:    srcPID,
		MD:           md,
		Matching:     true,
		MatchBits:    p.MatchBits,
		TargetNID:    p.Target.NID,
		TargetPID:    p.Target.PID,
		TargetPT:     p.PT,
		LocalOffset:  p.LocalOffset,
		RemoteOffset: p.RemoteOffset,
		Length:       p.Length,
		UserPtr:      p.UserPtr,
		VN:           p.VN,
		HeaderData:   p.HeaderData,
		AckReq:       p.AckReq,
		Op:           p.Op,
		Datatype:     p.Datatype,
		Operand:      operand,
	})
	return req, nil
}

// Atomic issues a non-fetching atomic operation.
func (n *Node) Atomic(ctx context.Context, srcPID uint32, p AtomicParams) error {
	req, err := n.buildAtomicRequest(srcPID, p)
	if err != nil {
		return err
	}
	return sendRequest(ctx, n, req)
}

// AtomicNB is Atomic's non-blocking sibling; see PutNB.
func (n *Node) AtomicNB(srcPID uint32, p AtomicParams) error {
	req, err := n.buildAtomicRequest(srcPID, p)
	if err != nil {
		return err
	}
	return trySendRequest(n, req)
}

// FetchAtomic issues a fetching atomic operation; the pre-image is
// written into fetchMD at issue-matching offset once the response
// arrives.
func (n *Node) FetchAtomic(ctx context.Context, srcPID uint32, p AtomicParams) error {
	req, err := n.buildFetchingAtomicRequest(srcPID, p, ReqFetchAtomic, nil)
	if err != nil {
		return err
	}
	return sendRequest(ctx, n, req)
}

// FetchAtomicNB is FetchAtomic's non-blocking sibling; see PutNB.
func (n *Node) FetchAtomicNB(srcPID uint32, p AtomicParams) error {
	req, err := n.buildFetchingAtomicRequest(srcPID, p, ReqFetchAtomic, nil)
	if err != nil {
		return err
	}
	return trySendRequest(n, req)
}

// Swap issues PtlSwap: a plain swap when Op is OpSwap, or a conditional/
// masked swap (CSWAP family, MSWAP) when constant is supplied.
func (n *Node) Swap(ctx context.Context, srcPID uint32, p AtomicParams) error {
	req, err := n.buildFetchingAtomicRequest(srcPID, p, ReqSwap, p.Constant)
	if err != nil {
		return err
	}
	return sendRequest(ctx, n, req)
}

// SwapNB is Swap's non-blocking sibling; see PutNB.
func (n *Node) SwapNB(srcPID uint32, p AtomicParams) error {
	req, err := n.buildFetchingAtomicRequest(srcPID, p, ReqSwap, p.Constant)
	if err != nil {
		return err
	}
	return trySendRequest(n, req)
}

func (n *Node) buildFetchingAtomicRequest(srcPID uint32, p AtomicParams, kind RequestKind, constant []byte) (*Request, error) {
	md, err := n.lookupMD(p.MD)
	if err != nil {
		return nil, err
	}
	fetchMD, err := n.lookupMD(p.FetchMD)
	if err != nil {
		return nil, err
	}
	operand := sliceFor(md.Buf, p.LocalOffset, p.Length)
	req := n.newRequest(&Request{
		Kind:         kind,
		SourcePID:    srcPID,
		MD:           fetchMD,
		Matching:     true,
		MatchBits:    p.MatchBits,
		TargetNID:    p.Target.NID,
		TargetPID:    p.Target.PID,
		TargetPT:     p.PT,
		LocalOffset:  p.LocalOffset,
		RemoteOffset: p.RemoteOffset,
		Length:       p.Length,
		UserPtr:      p.UserPtr,
		VN:           p.VN,
		HeaderData:   p.HeaderData,
		AckReq:       p.AckReq,
		Op:           p.Op,
		Datatype:     p.Datatype,
		Operand:      operand,
		Constant:     constant,
	})
	return req, nil
}

func sliceFor(buf []byte, offset, length uint64) []byte {
	end := offset + length
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	if offset > end {
		return nil
	}
	return buf[offset:end]
}

// TriggeredPut and the rest of the triggered-operation family are out of
// scope; every one of them returns ErrUnimplemented rather than silently
// behaving like the untriggered form.
func (n *Node) TriggeredPut(context.Context, uint32, PutParams, handle.Handle, uint64) error {
	return ErrUnimplemented
}
