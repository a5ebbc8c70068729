/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package nicsim

import (
	"sync"

	"github.com/bxi-sim/nicsim/internal/handle"
	"github.com/bxi-sim/nicsim/ptl"
	"github.com/bxi-sim/nicsim/simhost"
)

// ProcID identifies a process within the simulated cluster: a (NID, PID)
// pair.
type ProcID struct {
	NID uint32
	PID uint32
}

// NI is a Network Interface: created with a set of option flags
// (matching/non-matching, physical/logical addressed) and a process
// identifier. Matching/non-matching and physical/logical are immutable
// after creation; the PID is unique within its Node.
type NI struct {
	Node        *Node
	Options     int
	PID         uint32
	CommandSem  simhost.Semaphore
	Matching    bool
	Logical     bool

	mtx      sync.Mutex
	pt       []*PT   // fixed-size portal table, index == PT index
	ptFree   []uint32
	rankMap  map[uint32]ProcID // logical NI only
}

func newNI(n *Node, options int, pid uint32, ptCount int) *NI {
	ptFree := make([]uint32, ptCount)
	for i := range ptFree {
		// populate in descending order so ptFree[len-1] is 0: PTAlloc pops
		// off the end, so the first allocation yields index 0.
		ptFree[i] = uint32(ptCount - 1 - i)
	}
	ni := &NI{
		Node:     n,
		Options:  options,
		PID:      pid,
		Matching: options&ptl.NIMatching != 0,
		Logical:  options&ptl.NILogical != 0,
		pt:       make([]*PT, ptCount),
		ptFree:   ptFree,
		rankMap:  make(map[uint32]ProcID),
	}
	ni.CommandSem = n.Host.NewSemaphore(int64(n.Config.CommandQueueCapacity))
	return ni
}

// SetMap installs the rank-to-(NID,PID) table for a logical NI.
func (ni *NI) SetMap(ranks []ProcID) {
	ni.mtx.Lock()
	defer ni.mtx.Unlock()
	ni.rankMap = make(map[uint32]ProcID, len(ranks))
	for i, p := range ranks {
		ni.rankMap[uint32(i)] = p
	}
}

// GetMap resolves a logical rank to its (NID,PID).
func (ni *NI) GetMap(rank uint32) (ProcID, bool) {
	ni.mtx.Lock()
	defer ni.mtx.Unlock()
	p, ok := ni.rankMap[rank]
	return p, ok
}

// PTAlloc allocates a free portal-table index and returns it: the most
// recently freed index if there is one, otherwise the lowest index never
// yet allocated.
func (ni *NI) PTAlloc(options int, eq handle.Handle) (uint32, error) {
	ni.mtx.Lock()
	defer ni.mtx.Unlock()
	n := len(ni.ptFree)
	if n == 0 {
		return 0, ErrPTFull
	}
	idx := ni.ptFree[n-1]
	ni.ptFree = ni.ptFree[:n-1]
	ni.pt[idx] = &PT{Enabled: true, EQ: eq, Options: options}
	return idx, nil
}

// PTFree releases a portal-table slot.
func (ni *NI) PTFree(idx uint32) error {
	ni.mtx.Lock()
	defer ni.mtx.Unlock()
	if int(idx) >= len(ni.pt) || ni.pt[idx] == nil {
		return ErrArgInvalid
	}
	ni.pt[idx] = nil
	ni.ptFree = append(ni.ptFree, idx)
	return nil
}

// PT returns the portal at idx, or nil if unallocated.
func (ni *NI) PT(idx uint32) *PT {
	ni.mtx.Lock()
	defer ni.mtx.Unlock()
	if int(idx) >= len(ni.pt) {
		return nil
	}
	return ni.pt[idx]
}

// PT is a slot in an NI's portal table.
type PT struct {
	mtx sync.Mutex

	Enabled bool
	EQ      handle.Handle
	Options int

	Priority []*MatchEntry
	Overflow []*MatchEntry
	UH       []*UnexpectedHeader
}

// UnexpectedHeader is a retained header for a Message that matched only on
// the overflow list, kept until a later priority-list Append observes it.
// The overflow entry already consumed the data (copy/atomic-apply and any
// auto-unlink happen at arrival time); only the deferred *_OVERFLOW event
// waits on Overflow here.
type UnexpectedHeader struct {
	Msg      *Message
	Overflow *MatchEntry // the overflow entry it landed on
	Offset   uint64      // effective offset used at arrival (manage_local-aware)
	Mlength  uint64      // bytes actually moved at arrival
	Fail     ptl.NIFailType
}

// MatchEntry models both List Entries (non-matching NIs) and Matching
// Entries (matching NIs) as one type with a shared-fields-plus-match-bits
// shape, since the two differ only in whether MatchBits/IgnoreBits are
// consulted.
type MatchEntry struct {
	Handle handle.Handle

	Buf        []byte
	Options    int
	MatchBits  uint64
	IgnoreBits uint64
	SourceFilter *ProcID

	CT      handle.Handle
	UserPtr interface{}

	MinFree           uint64
	ManageLocalOffset uint64

	List ptl.ListType
	PT   *PT

	mtx          sync.Mutex
	useOnceSpent bool
	inUse        bool
	needsUnlink  bool
	unlinked     bool
}

func (me *MatchEntry) matchesOp(isPut bool) bool {
	if isPut {
		return me.Options&ptl.MEOpPut != 0
	}
	return me.Options&ptl.MEOpGet != 0
}

func (me *MatchEntry) matchesBits(matching bool, reqMatchBits uint64) bool {
	if !matching {
		return true
	}
	return (reqMatchBits^me.MatchBits)&^me.IgnoreBits == 0
}

// reserve computes the effective target offset for an operation against me
// and advances its manage_local cursor by length. When PTL_ME_MANAGE_LOCAL
// is set, the entry's own monotonically advancing cursor dictates the
// offset and the caller-requested offset is ignored; otherwise the
// requested offset is used unchanged and the cursor is left alone.
// autoUnlink reports whether min_free's threshold is now crossed, meaning
// me must be unlinked after this operation.
func (me *MatchEntry) reserve(requestedOffset, length uint64) (offset uint64, autoUnlink bool) {
	me.mtx.Lock()
	defer me.mtx.Unlock()
	if me.Options&ptl.MEManageLocal == 0 {
		return requestedOffset, false
	}
	offset = me.ManageLocalOffset
	me.ManageLocalOffset += length
	if me.MinFree > 0 && me.ManageLocalOffset+me.MinFree > uint64(len(me.Buf)) {
		autoUnlink = true
	}
	return offset, autoUnlink
}

// eligible reports whether me can still accept a new match: use_once not
// already spent, and not mid-unlink.
func (me *MatchEntry) eligible() bool {
	me.mtx.Lock()
	defer me.mtx.Unlock()
	if me.unlinked || me.needsUnlink {
		return false
	}
	if me.Options&ptl.MEUseOnce != 0 && me.useOnceSpent {
		return false
	}
	return true
}

// MD is a Memory Descriptor: a bound region of host memory for the
// initiator side. MDRelease is safe while operations are outstanding
// because the TxInitiator operates on a private per-request MD copy taken
// at issue time, not on *MD itself.
type MD struct {
	Handle  handle.Handle
	Buf     []byte
	Options int
	EQ      handle.Handle
	CT      handle.Handle
}

// Copy returns the value snapshot a Request keeps of this MD; safe to use
// even after the original MD is released.
func (md *MD) Copy() MD {
	return MD{Buf: md.Buf, Options: md.Options, EQ: md.EQ, CT: md.CT}
}

// Event is the payload delivered through an EQ.
type Event struct {
	Initiator ProcID
	Kind      ptl.EventKind
	PTIndex   uint32
	UserPtr   interface{}
	MatchBits uint64
	HeaderData uint64
	Rlength   uint64
	Mlength   uint64
	RemoteOffset uint64
	UID       uint32
	MatchedList ptl.ListType
	FailType  ptl.NIFailType
	Op        ptl.Op
	Datatype  ptl.Datatype
	Start     []byte
}

// EQ is a FIFO of Events, backed by a simhost Mailbox.
type EQ struct {
	Handle   handle.Handle
	Capacity int
	mailbox  simhost.Mailbox

	mtx     sync.Mutex
	pending int
	dropped bool
}

func newEQ(capacity int, mb simhost.Mailbox) *EQ {
	return &EQ{Capacity: capacity, mailbox: mb}
}

// Push delivers ev, or marks the EQ as having dropped an event if it is at
// capacity (capacity <= 0 means unbounded).
func (eq *EQ) Push(ev Event) {
	eq.mtx.Lock()
	if eq.Capacity > 0 && eq.pending >= eq.Capacity {
		eq.dropped = true
		eq.mtx.Unlock()
		return
	}
	eq.pending++
	eq.mtx.Unlock()
	eq.mailbox.PutAsync(ev, 0)
}

func (eq *EQ) afterGet() {
	eq.mtx.Lock()
	if eq.pending > 0 {
		eq.pending--
	}
	eq.mtx.Unlock()
}

// Get returns the oldest pending event without blocking, EQ_EMPTY style.
func (eq *EQ) Get() (Event, bool, bool) {
	v, ok := eq.mailbox.TryGet()
	wasDropped := false
	eq.mtx.Lock()
	if eq.dropped {
		wasDropped = true
		eq.dropped = false
	}
	eq.mtx.Unlock()
	if !ok {
		return Event{}, false, wasDropped
	}
	eq.afterGet()
	return v.(Event), true, wasDropped
}

// CT is a Counting Event: a pair of counters (success, failure) with
// threshold-wait and multi-CT poll support.
type CT struct {
	Handle handle.Handle

	mtx     sync.Mutex
	success uint64
	failure uint64
	waiters []*ctWaiter
}

type ctWaiter struct {
	threshold uint64
	notify    chan struct{}
}

func newCT() *CT {
	return &CT{}
}

func (ct *CT) snapshot() (uint64, uint64) {
	ct.mtx.Lock()
	defer ct.mtx.Unlock()
	return ct.success, ct.failure
}

// Inc increments success by deltaSuccess and failure by deltaFailure,
// waking every waiter whose threshold is now satisfied.
func (ct *CT) Inc(deltaSuccess, deltaFailure uint64) {
	ct.mtx.Lock()
	ct.success += deltaSuccess
	ct.failure += deltaFailure
	s, f := ct.success, ct.failure
	var wake []*ctWaiter
	remaining := ct.waiters[:0]
	for _, w := range ct.waiters {
		if s >= w.threshold || f > 0 {
			wake = append(wake, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	ct.waiters = remaining
	ct.mtx.Unlock()
	for _, w := range wake {
		close(w.notify)
	}
	_ = s
	_ = f
}

// Set overwrites both counters directly (PtlCTSet).
func (ct *CT) Set(success, failure uint64) {
	ct.mtx.Lock()
	ct.success, ct.failure = success, failure
	s, f := success, failure
	var wake []*ctWaiter
	remaining := ct.waiters[:0]
	for _, w := range ct.waiters {
		if s >= w.threshold || f > 0 {
			wake = append(wake, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	ct.waiters = remaining
	ct.mtx.Unlock()
	for _, w := range wake {
		close(w.notify)
	}
}

// addWaiter registers a threshold wait and returns either immediately
// (already satisfied) or a channel to block on.
func (ct *CT) addWaiter(threshold uint64) (chan struct{}, bool) {
	ct.mtx.Lock()
	defer ct.mtx.Unlock()
	if ct.success >= threshold || ct.failure > 0 {
		return nil, true
	}
	w := &ctWaiter{threshold: threshold, notify: make(chan struct{})}
	ct.waiters = append(ct.waiters, w)
	return w.notify, false
}
