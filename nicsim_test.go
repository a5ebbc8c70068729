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
	"encoding/binary"
	"testing"
	"time"

	"github.com/bxi-sim/nicsim/internal/handle"
	"github.com/bxi-sim/nicsim/ptl"
	"github.com/bxi-sim/nicsim/simconfig"
	"github.com/bxi-sim/nicsim/simhost"
)

// twoNodeFixture wires two Nodes sharing one Mem host, each with one
// matching NI and one portal table entry open, the minimal rig every
// scenario test below starts from.
type twoNodeFixture struct {
	host  *simhost.Mem
	a, b  *Node
	niA   *NI
	niB   *NI
}

func newTwoNodeFixture(t *testing.T, cfg simconfig.Global) *twoNodeFixture {
	t.Helper()
	host := simhost.NewMem(simhost.DefaultLinkProfile)
	a := NewNode(1, host, cfg, nil)
	b := NewNode(2, host, cfg, nil)
	t.Cleanup(func() { a.Close(); b.Close() })

	niA, err := a.NIInit(ptl.NIMatching|ptl.NILogical, ptl.PidAny)
	if err != nil {
		t.Fatalf("NIInit a: %v", err)
	}
	niB, err := b.NIInit(ptl.NIMatching|ptl.NILogical, ptl.PidAny)
	if err != nil {
		t.Fatalf("NIInit b: %v", err)
	}
	return &twoNodeFixture{host: host, a: a, b: b, niA: niA, niB: niB}
}

func withDeadline(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestPutMatchesPriorityEntry grounds scenario S1: a Put against a
// priority-list Matching Entry delivers the payload and gives the initiator
// a SEND event followed by an ACK event, with no overflow/unexpected-header
// bookkeeping involved.
func TestPutMatchesPriorityEntry(t *testing.T) {
	f := newTwoNodeFixture(t, simconfig.Default())
	ctx := withDeadline(t)

	pt, err := f.niB.PTAlloc(0, handle.Handle{})
	if err != nil {
		t.Fatalf("PTAlloc: %v", err)
	}
	dstBuf := make([]byte, 8)
	meH, err := f.b.MEAppend(ctx, f.niB.PT(pt), ptl.PriorityList, MatchParams{
		Buf:     dstBuf,
		Options: ptl.MEOpPut,
	})
	if err != nil {
		t.Fatalf("MEAppend: %v", err)
	}
	_ = meH

	srcBuf := []byte("deadbeef")
	eq := f.a.EQAlloc(0)
	mdH := f.a.MDBind(srcBuf, ptl.MDEventCTAck, eq, handle.Handle{})

	err = f.a.Put(ctx, f.niA.PID, PutParams{
		MD:      mdH,
		Length:  uint64(len(srcBuf)),
		AckReq:  ptl.AckReq,
		Target:  ProcID{NID: f.b.NID, PID: f.niB.PID},
		PT:      pt,
		VN:      ptl.VNComputeRequest,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ev, err := f.a.EQWait(ctx, eq)
	if err != nil {
		t.Fatalf("EQWait (send): %v", err)
	}
	if ev.Kind != ptl.EventSend {
		t.Fatalf("first event kind = %v, want EventSend", ev.Kind)
	}
	ev, err = f.a.EQWait(ctx, eq)
	if err != nil {
		t.Fatalf("EQWait (ack): %v", err)
	}
	if ev.Kind != ptl.EventAck {
		t.Fatalf("event kind = %v, want EventAck", ev.Kind)
	}
	if string(dstBuf) != "deadbeef" {
		t.Fatalf("target buffer = %q, want %q", dstBuf, "deadbeef")
	}
}

// TestGetReturnsDataAndCompletesInitiator grounds a fetching Request: the
// response carries the target's data back and completes the initiator's
// CT without a separate PTL_ACK.
func TestGetReturnsDataAndCompletesInitiator(t *testing.T) {
	f := newTwoNodeFixture(t, simconfig.Default())
	ctx := withDeadline(t)

	pt, err := f.niB.PTAlloc(0, handle.Handle{})
	if err != nil {
		t.Fatalf("PTAlloc: %v", err)
	}
	srcBuf := []byte("01234567")
	_, err = f.b.MEAppend(ctx, f.niB.PT(pt), ptl.PriorityList, MatchParams{
		Buf:     srcBuf,
		Options: ptl.MEOpGet,
	})
	if err != nil {
		t.Fatalf("MEAppend: %v", err)
	}

	dstBuf := make([]byte, 8)
	ct := f.a.CTAlloc()
	mdH := f.a.MDBind(dstBuf, ptl.MDEventCTReply, handle.Handle{}, ct)

	err = f.a.Get(ctx, f.niA.PID, PutParams{
		MD:     mdH,
		Length: uint64(len(dstBuf)),
		Target: ProcID{NID: f.b.NID, PID: f.niB.PID},
		PT:     pt,
		VN:     ptl.VNComputeRequest,
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	s, _, err := f.a.CTWait(ctx, ct, 1)
	if err != nil {
		t.Fatalf("CTWait: %v", err)
	}
	if s != 1 {
		t.Fatalf("CT success = %d, want 1", s)
	}
	if string(dstBuf) != "01234567" {
		t.Fatalf("initiator buffer = %q, want %q", dstBuf, "01234567")
	}
}

// TestAtomicSumAppliesAtTarget grounds scenario S2 end to end (through the
// wire path rather than calling atomicop.Apply directly): an Atomic SUM of
// an 8-byte int64 operand against an int64 target mutates the target in
// place.
func TestAtomicSumAppliesAtTarget(t *testing.T) {
	f := newTwoNodeFixture(t, simconfig.Default())
	ctx := withDeadline(t)

	pt, err := f.niB.PTAlloc(0, handle.Handle{})
	if err != nil {
		t.Fatalf("PTAlloc: %v", err)
	}
	target := make([]byte, 8)
	binary.LittleEndian.PutUint64(target, 40)
	_, err = f.b.MEAppend(ctx, f.niB.PT(pt), ptl.PriorityList, MatchParams{
		Buf:     target,
		Options: ptl.MEOpPut,
	})
	if err != nil {
		t.Fatalf("MEAppend: %v", err)
	}

	operand := make([]byte, 8)
	binary.LittleEndian.PutUint64(operand, 2)
	ct := f.a.CTAlloc()
	mdH := f.a.MDBind(operand, ptl.MDEventCTAck, handle.Handle{}, ct)

	err = f.a.Atomic(ctx, f.niA.PID, AtomicParams{
		PutParams: PutParams{
			MD:     mdH,
			Length: 8,
			AckReq: ptl.AckReq,
			Target: ProcID{NID: f.b.NID, PID: f.niB.PID},
			PT:     pt,
			VN:     ptl.VNComputeRequest,
		},
		Op:       ptl.OpSum,
		Datatype: ptl.Int64T,
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}

	if _, _, err := f.a.CTWait(ctx, ct, 1); err != nil {
		t.Fatalf("CTWait: %v", err)
	}
	if got := binary.LittleEndian.Uint64(target); got != 42 {
		t.Fatalf("target = %d, want 42", got)
	}
}

// TestFetchAtomicReturnsPreImage grounds the fetching-atomic path: the
// initiator's fetch buffer receives the target's pre-operation value, and
// the target itself ends up combined.
func TestFetchAtomicReturnsPreImage(t *testing.T) {
	f := newTwoNodeFixture(t, simconfig.Default())
	ctx := withDeadline(t)

	pt, err := f.niB.PTAlloc(0, handle.Handle{})
	if err != nil {
		t.Fatalf("PTAlloc: %v", err)
	}
	target := make([]byte, 8)
	binary.LittleEndian.PutUint64(target, 40)
	_, err = f.b.MEAppend(ctx, f.niB.PT(pt), ptl.PriorityList, MatchParams{
		Buf:     target,
		Options: ptl.MEOpPut,
	})
	if err != nil {
		t.Fatalf("MEAppend: %v", err)
	}

	operand := make([]byte, 8)
	binary.LittleEndian.PutUint64(operand, 2)
	operandMD := f.a.MDBind(operand, 0, handle.Handle{}, handle.Handle{})

	fetchBuf := make([]byte, 8)
	ct := f.a.CTAlloc()
	fetchMD := f.a.MDBind(fetchBuf, ptl.MDEventCTReply, handle.Handle{}, ct)

	err = f.a.FetchAtomic(ctx, f.niA.PID, AtomicParams{
		PutParams: PutParams{
			MD:     operandMD,
			Length: 8,
			Target: ProcID{NID: f.b.NID, PID: f.niB.PID},
			PT:     pt,
			VN:     ptl.VNComputeRequest,
		},
		Op:       ptl.OpSum,
		Datatype: ptl.Int64T,
		FetchMD:  fetchMD,
	})
	if err != nil {
		t.Fatalf("FetchAtomic: %v", err)
	}

	if _, _, err := f.a.CTWait(ctx, ct, 1); err != nil {
		t.Fatalf("CTWait: %v", err)
	}
	if got := binary.LittleEndian.Uint64(fetchBuf); got != 40 {
		t.Fatalf("fetched pre-image = %d, want 40", got)
	}
	if got := binary.LittleEndian.Uint64(target); got != 42 {
		t.Fatalf("target = %d, want 42", got)
	}
}

// TestUnexpectedHeaderWalkedOnLateAppend grounds scenario S5: a Put that
// matches only an overflow-list ME lands its data immediately and retains
// an unexpected header (not a failure — there is nowhere else to put a
// truly unmatched message, but an overflow match always has the overflow
// entry's buffer to land in), and a subsequently appended priority-list ME
// that matches the same header resolves it instead of waiting for a new
// message to arrive.
func TestUnexpectedHeaderWalkedOnLateAppend(t *testing.T) {
	f := newTwoNodeFixture(t, simconfig.Default())
	ctx := withDeadline(t)

	pt, err := f.niB.PTAlloc(0, handle.Handle{})
	if err != nil {
		t.Fatalf("PTAlloc: %v", err)
	}
	overflowBuf := make([]byte, 8)
	_, err = f.b.MEAppend(ctx, f.niB.PT(pt), ptl.OverflowList, MatchParams{
		Buf:     overflowBuf,
		Options: ptl.MEOpPut,
	})
	if err != nil {
		t.Fatalf("MEAppend overflow: %v", err)
	}

	srcBuf := []byte("0123")
	eq := f.a.EQAlloc(0)
	mdH := f.a.MDBind(srcBuf, ptl.MDEventCTAck, eq, handle.Handle{})
	if err := f.a.Put(ctx, f.niA.PID, PutParams{
		MD:     mdH,
		Length: uint64(len(srcBuf)),
		AckReq: ptl.AckReq,
		Target: ProcID{NID: f.b.NID, PID: f.niB.PID},
		PT:     pt,
		VN:     ptl.VNComputeRequest,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	for _, want := range []ptl.EventKind{ptl.EventSend, ptl.EventAck} {
		ev, err := f.a.EQWait(ctx, eq)
		if err != nil {
			t.Fatalf("EQWait (%v for overflow-matched put): %v", want, err)
		}
		if ev.Kind != want {
			t.Fatalf("event kind = %v, want %v", ev.Kind, want)
		}
	}

	// By the time the ack above landed, the message matched the overflow
	// entry directly (no priority entry existed yet); the target appends
	// the unexpected header before it sends the ack, so the header is
	// already retained for a later priority entry to resolve.
	f.niB.PT(pt).mtx.Lock()
	if n := len(f.niB.PT(pt).UH); n == 0 {
		t.Fatalf("unexpected-header count = 0, want the overflow-matched header retained")
	}
	f.niB.PT(pt).mtx.Unlock()

	// Scenario S5: a second portal gets only an overflow-list, use_once ME
	// posted first; the Put that matches it lands its data right away but
	// the PUT_OVERFLOW event is retained until a later priority Append.
	targetEQ := f.b.EQAlloc(0)
	pt2Idx, err := f.niB.PTAlloc(0, targetEQ)
	if err != nil {
		t.Fatalf("PTAlloc: %v", err)
	}
	overflowBuf2 := make([]byte, 8)
	if _, err := f.b.MEAppend(ctx, f.niB.PT(pt2Idx), ptl.OverflowList, MatchParams{
		Buf:     overflowBuf2,
		Options: ptl.MEOpPut | ptl.MEUseOnce,
	}); err != nil {
		t.Fatalf("MEAppend overflow (pt2): %v", err)
	}

	src2 := []byte("late")
	eq2 := f.a.EQAlloc(0)
	md2 := f.a.MDBind(src2, ptl.MDEventCTAck, eq2, handle.Handle{})
	if err := f.a.Put(ctx, f.niA.PID, PutParams{
		MD:     md2,
		Length: uint64(len(src2)),
		AckReq: ptl.AckReq,
		Target: ProcID{NID: f.b.NID, PID: f.niB.PID},
		PT:     pt2Idx,
		VN:     ptl.VNComputeRequest,
	}); err != nil {
		t.Fatalf("Put (overflow-only match): %v", err)
	}

	// The initiator's SEND and ack arrive without waiting for a priority
	// entry: the data already landed in overflowBuf2 before the target sent
	// the ack, even though the target-side event is deferred.
	for _, want := range []ptl.EventKind{ptl.EventSend, ptl.EventAck} {
		ev, err := f.a.EQWait(ctx, eq2)
		if err != nil {
			t.Fatalf("EQWait (%v for overflow-matched put on pt2): %v", want, err)
		}
		if ev.Kind != want {
			t.Fatalf("pt2 event kind = %v, want %v", ev.Kind, want)
		}
	}
	if string(overflowBuf2[:4]) != "late" {
		t.Fatalf("overflowBuf2 = %q, want prefix %q", overflowBuf2, "late")
	}

	deadline := time.After(2 * time.Second)
	for {
		f.niB.PT(pt2Idx).mtx.Lock()
		n := len(f.niB.PT(pt2Idx).UH)
		f.niB.PT(pt2Idx).mtx.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("message never landed in the unexpected-header list")
		default:
			f.host.Yield(ctx)
		}
	}

	lateBuf := make([]byte, 8)
	if _, err := f.b.MEAppend(ctx, f.niB.PT(pt2Idx), ptl.PriorityList, MatchParams{
		Buf:     lateBuf,
		Options: ptl.MEOpPut,
	}); err != nil {
		t.Fatalf("MEAppend (late): %v", err)
	}

	// The use_once overflow entry was unlinked when the Put consumed it, so
	// its AUTO_UNLINK is queued ahead of the deferred PUT_OVERFLOW.
	unlink, err := f.b.EQWait(ctx, targetEQ)
	if err != nil {
		t.Fatalf("EQWait (auto-unlink of the use_once overflow entry): %v", err)
	}
	if unlink.Kind != ptl.EventAutoUnlink {
		t.Fatalf("event kind = %v, want EventAutoUnlink", unlink.Kind)
	}
	ev, err := f.b.EQWait(ctx, targetEQ)
	if err != nil {
		t.Fatalf("EQWait (deferred PUT_OVERFLOW event): %v", err)
	}
	if ev.Kind != ptl.EventPutOverflow {
		t.Fatalf("event kind = %v, want EventPutOverflow", ev.Kind)
	}
	// S5: the header's data already landed in the overflow entry at
	// arrival; resolving it on the late Append only emits the deferred
	// event, so the late priority ME's buffer stays untouched.
	for _, b := range lateBuf {
		if b != 0 {
			t.Fatalf("late priority ME buffer was written to, want untouched: %q", lateBuf)
		}
	}
}

// TestManageLocalAdvancesCursorAndAutoUnlinks grounds scenario S6: a
// manage_local ME ignores the caller's requested offset in favour of its
// own monotonically advancing cursor, and auto-unlinks once that cursor
// plus min_free would exceed the buffer's length.
func TestManageLocalAdvancesCursorAndAutoUnlinks(t *testing.T) {
	f := newTwoNodeFixture(t, simconfig.Default())
	ctx := withDeadline(t)

	const wordLen = 8
	buf := make([]byte, 4*wordLen)
	binary.LittleEndian.PutUint64(buf[0:], 999)
	binary.LittleEndian.PutUint64(buf[wordLen:], 999)
	binary.LittleEndian.PutUint64(buf[2*wordLen:], 69)
	binary.LittleEndian.PutUint64(buf[3*wordLen:], 999)

	targetEQ := f.b.EQAlloc(0)
	ptIdx, err := f.niB.PTAlloc(0, targetEQ)
	if err != nil {
		t.Fatalf("PTAlloc: %v", err)
	}
	if _, err := f.b.MEAppend(ctx, f.niB.PT(ptIdx), ptl.PriorityList, MatchParams{
		Buf:     buf,
		Options: ptl.MEOpPut | ptl.MEOpGet | ptl.MEManageLocal,
		MinFree: wordLen + 1,
	}); err != nil {
		t.Fatalf("MEAppend: %v", err)
	}

	send := func(value uint64) {
		t.Helper()
		src := make([]byte, wordLen)
		binary.LittleEndian.PutUint64(src, value)
		eq := f.a.EQAlloc(0)
		mdH := f.a.MDBind(src, ptl.MDEventCTAck, eq, handle.Handle{})
		if err := f.a.Put(ctx, f.niA.PID, PutParams{
			MD:     mdH,
			Length: wordLen,
			AckReq: ptl.AckReq,
			Target: ProcID{NID: f.b.NID, PID: f.niB.PID},
			PT:     ptIdx,
			VN:     ptl.VNComputeRequest,
		}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		for _, want := range []ptl.EventKind{ptl.EventSend, ptl.EventAck} {
			ev, err := f.a.EQWait(ctx, eq)
			if err != nil {
				t.Fatalf("EQWait (put %v): %v", want, err)
			}
			if ev.Kind != want {
				t.Fatalf("put event kind = %v, want %v", ev.Kind, want)
			}
		}
	}

	send(111)
	send(222)

	for i, want := range []uint64{0, wordLen} {
		ev, err := f.b.EQWait(ctx, targetEQ)
		if err != nil {
			t.Fatalf("EQWait (put %d): %v", i, err)
		}
		if ev.Kind != ptl.EventPut {
			t.Fatalf("event %d kind = %v, want EventPut", i, ev.Kind)
		}
		if ev.RemoteOffset != want {
			t.Fatalf("event %d offset = %d, want %d", i, ev.RemoteOffset, want)
		}
	}
	if got := binary.LittleEndian.Uint64(buf[0:]); got != 111 {
		t.Fatalf("buf[0] = %d, want 111", got)
	}
	if got := binary.LittleEndian.Uint64(buf[wordLen:]); got != 222 {
		t.Fatalf("buf[1] = %d, want 222", got)
	}

	getDst := make([]byte, wordLen)
	getEQ := f.a.EQAlloc(0)
	getMD := f.a.MDBind(getDst, ptl.MDEventCTReply, getEQ, handle.Handle{})
	if err := f.a.Get(ctx, f.niA.PID, PutParams{
		MD:     getMD,
		Length: wordLen,
		Target: ProcID{NID: f.b.NID, PID: f.niB.PID},
		PT:     ptIdx,
		VN:     ptl.VNComputeRequest,
	}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, want := range []ptl.EventKind{ptl.EventSend, ptl.EventReply} {
		ev, err := f.a.EQWait(ctx, getEQ)
		if err != nil {
			t.Fatalf("EQWait (get %v): %v", want, err)
		}
		if ev.Kind != want {
			t.Fatalf("get event kind = %v, want %v", ev.Kind, want)
		}
	}
	if got := binary.LittleEndian.Uint64(getDst); got != 69 {
		t.Fatalf("get result = %d, want 69 (pre-auto-unlink value at cursor)", got)
	}

	// AUTO_UNLINK is emitted before the operation event it precedes, so it
	// is the next thing on the queue even though the Get logically
	// "happened" first.
	unlink, err := f.b.EQWait(ctx, targetEQ)
	if err != nil {
		t.Fatalf("EQWait (auto-unlink event): %v", err)
	}
	if unlink.Kind != ptl.EventAutoUnlink {
		t.Fatalf("event kind = %v, want EventAutoUnlink (cursor+min_free exceeded length)", unlink.Kind)
	}

	ev, err := f.b.EQWait(ctx, targetEQ)
	if err != nil {
		t.Fatalf("EQWait (get event): %v", err)
	}
	if ev.Kind != ptl.EventGet {
		t.Fatalf("event kind = %v, want EventGet", ev.Kind)
	}
	if ev.RemoteOffset != 2*wordLen {
		t.Fatalf("get event offset = %d, want %d", ev.RemoteOffset, 2*wordLen)
	}
}

// TestPTDisableDropsIncoming grounds the flow-control/PT-disable edge
// case: a Put targeting a disabled portal table is answered with a
// PT_DISABLED failure rather than matched, and the initiator still observes a terminal event
// on its CT, just tagged as failure.
func TestPTDisableDropsIncoming(t *testing.T) {
	f := newTwoNodeFixture(t, simconfig.Default())
	ctx := withDeadline(t)

	ptIdx, err := f.niB.PTAlloc(0, handle.Handle{})
	if err != nil {
		t.Fatalf("PTAlloc: %v", err)
	}
	f.niB.PT(ptIdx).PTDisable()

	srcBuf := []byte("x")
	ct := f.a.CTAlloc()
	mdH := f.a.MDBind(srcBuf, ptl.MDEventCTAck, handle.Handle{}, ct)
	if err := f.a.Put(ctx, f.niA.PID, PutParams{
		MD:     mdH,
		Length: 1,
		AckReq: ptl.AckReq,
		Target: ProcID{NID: f.b.NID, PID: f.niB.PID},
		PT:     ptIdx,
		VN:     ptl.VNComputeRequest,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, f2, err := f.a.CTWait(ctx, ct, 1)
	if err != nil {
		t.Fatalf("CTWait: %v", err)
	}
	if f2 == 0 {
		t.Fatalf("failure counter = 0, want nonzero for a disabled-PT drop")
	}
}

// TestCTGetAgreesWithCTWait grounds the non-blocking CTGet poll against the
// blocking CTWait path: once a Put's ACK has landed, a direct CTGet must
// already observe exactly what the waiter was woken with, with E2E
// reliability left at its default (generous) timeout so the test has no
// dependency on retry timing.
func TestCTGetAgreesWithCTWait(t *testing.T) {
	f := newTwoNodeFixture(t, simconfig.Default())
	ctx := withDeadline(t)

	pt, err := f.niB.PTAlloc(0, handle.Handle{})
	if err != nil {
		t.Fatalf("PTAlloc: %v", err)
	}
	dstBuf := make([]byte, 1)
	if _, err := f.b.MEAppend(ctx, f.niB.PT(pt), ptl.PriorityList, MatchParams{
		Buf:     dstBuf,
		Options: ptl.MEOpPut,
	}); err != nil {
		t.Fatalf("MEAppend: %v", err)
	}

	srcBuf := []byte("x")
	ct := f.a.CTAlloc()
	mdH := f.a.MDBind(srcBuf, ptl.MDEventCTAck, handle.Handle{}, ct)
	if err := f.a.Put(ctx, f.niA.PID, PutParams{
		MD:     mdH,
		Length: 1,
		AckReq: ptl.AckReq,
		Target: ProcID{NID: f.b.NID, PID: f.niB.PID},
		PT:     pt,
		VN:     ptl.VNComputeRequest,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s, fl, err := f.a.CTWait(ctx, ct, 1)
	if err != nil {
		t.Fatalf("CTWait: %v", err)
	}
	if s != 1 || fl != 0 {
		t.Fatalf("CTWait = (%d,%d), want (1,0)", s, fl)
	}

	gs, gf, err := f.a.CTGet(ct)
	if err != nil {
		t.Fatalf("CTGet: %v", err)
	}
	if gs != s || gf != fl {
		t.Fatalf("CTGet = (%d,%d), want (%d,%d) to match CTWait's result", gs, gf, s, fl)
	}
}

// TestPutNBFailsFastWhenCommandQueueFull grounds the *NB family's
// distinguished try-again behavior: with a command queue of depth one kept
// occupied, a second PutNB must return ErrTryAgain immediately rather than
// block, while the blocking Put on a fresh fixture with the same depth
// would have waited.
func TestPutNBFailsFastWhenCommandQueueFull(t *testing.T) {
	cfg := simconfig.Default()
	cfg.CommandQueueCapacity = 1
	f := newTwoNodeFixture(t, cfg)
	ctx := withDeadline(t)

	pt, err := f.niB.PTAlloc(0, handle.Handle{})
	if err != nil {
		t.Fatalf("PTAlloc: %v", err)
	}
	dstBuf := make([]byte, 1)
	if _, err := f.b.MEAppend(ctx, f.niB.PT(pt), ptl.PriorityList, MatchParams{
		Buf:     dstBuf,
		Options: ptl.MEOpPut,
	}); err != nil {
		t.Fatalf("MEAppend: %v", err)
	}

	srcBuf := []byte("x")
	mdH := f.a.MDBind(srcBuf, 0, handle.Handle{}, handle.Handle{})
	params := PutParams{
		MD:     mdH,
		Length: 1,
		Target: ProcID{NID: f.b.NID, PID: f.niB.PID},
		PT:     pt,
		VN:     ptl.VNComputeRequest,
	}

	// Hammer PutNB; with a one-slot command queue it must eventually
	// observe no free slot and return ErrTryAgain rather than block, even
	// though the TxInitiator is concurrently draining the queue.
	const attempts = 100000
	for i := 0; i < attempts; i++ {
		err := f.a.PutNB(f.niA.PID, params)
		if err == nil {
			continue
		}
		if err == ErrTryAgain {
			return
		}
		t.Fatalf("PutNB: unexpected error %v", err)
	}
	t.Fatalf("PutNB never returned ErrTryAgain after %d attempts", attempts)
}
