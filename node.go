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

	"github.com/bxi-sim/nicsim/internal/handle"
	"github.com/bxi-sim/nicsim/ptl"
	"github.com/bxi-sim/nicsim/simconfig"
	"github.com/bxi-sim/nicsim/simhost"
	"github.com/bxi-sim/nicsim/simlog"
)

const defaultPTCount = 64

// Node is one simulated process's NIC: an immutable identity (NID), the
// NI/MD/EQ/CT handle tables shared by every NI the process opens, and the
// per-virtual-network pipeline of TransmitQueue + FlowControl + NicE2E that
// the three per-node actors (NicTxInitiator, NicRxTarget, NicE2E) drive.
type Node struct {
	NID    uint32
	Host   simhost.Host
	Config simconfig.Global
	Log    simlog.Logger

	mtx     sync.Mutex
	nis     map[uint32]*NI
	nextPID uint32

	mds handle.Table[*MD]
	eqs handle.Table[*EQ]
	cts handle.Table[*CT]
	mes handle.Table[*MatchEntry]

	vn [ptl.NumVN]*vnPipeline

	ctx    context.Context
	cancel context.CancelFunc
}

// vnPipeline bundles the per-virtual-network machinery: every VN gets its
// own TransmitQueue and FlowControl table so traffic classes never head-of
// -line block one another, matching the four-virtual-network isolation the
// governing specification requires.
type vnPipeline struct {
	vn    ptl.VN
	txq   *TransmitQueue
	flow  *FlowControl
	e2e   *E2EEngine
}

// NewNode constructs a Node and starts its three daemon actors
// (NicTxInitiator, NicRxTarget, NicE2E) against host, one set per virtual
// network. Callers must eventually cancel the returned context (via Close)
// to stop the actors.
func NewNode(nid uint32, host simhost.Host, cfg simconfig.Global, log simlog.Logger) *Node {
	if log == nil {
		log = simlog.NoLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		NID:    nid,
		Host:   host,
		Config: cfg,
		Log:    log,
		nis:    make(map[uint32]*NI),
		ctx:    ctx,
		cancel: cancel,
	}
	for vn := ptl.VN(0); vn < ptl.NumVN; vn++ {
		p := &vnPipeline{
			vn:   vn,
			txq:  newTransmitQueue(n, vn),
			flow: newFlowControl(cfg),
		}
		p.e2e = newE2EEngine(n, vn, p.txq)
		n.vn[vn] = p
	}
	for vn := ptl.VN(0); vn < ptl.NumVN; vn++ {
		p := n.vn[vn]
		host.Spawn("tx-initiator", func(context.Context) { host.Daemonize(ctx); runTxInitiator(ctx, n, p) })
		host.Spawn("rx-target", func(context.Context) { host.Daemonize(ctx); runRxTarget(ctx, n, p) })
		host.Spawn("e2e", func(context.Context) { host.Daemonize(ctx); p.e2e.run(ctx) })
	}
	return n
}

// Close stops this Node's daemon actors. It does not release any handle
// table entries; callers that want a clean teardown should NIFini every NI
// first.
func (n *Node) Close() {
	n.cancel()
}

// NIInit allocates a fresh NI bound to pid (ptl.PidAny picks the next free
// one) with the given option flags.
func (n *Node) NIInit(options int, pid uint32) (*NI, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if options&(ptl.NIMatching|ptl.NINoMatching) == 0 {
		return nil, ErrArgInvalid
	}
	if pid == ptl.PidAny {
		pid = n.nextPID
		for {
			if _, exists := n.nis[pid]; !exists {
				break
			}
			pid++
		}
	}
	if _, exists := n.nis[pid]; exists {
		return nil, ErrArgInvalid
	}
	ni := newNI(n, options, pid, defaultPTCount)
	n.nis[pid] = ni
	if pid >= n.nextPID {
		n.nextPID = pid + 1
	}
	return ni, nil
}

// NIFini releases an NI's PID for reuse. Any PT/MD/EQ/CT/ME still owned by
// it becomes orphaned; callers are expected to release those first, matching
// the specification's "undefined if resources remain bound" rule for the
// client API.
func (n *Node) NIFini(pid uint32) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.nis[pid]; !ok {
		return ErrNoSuchPID
	}
	delete(n.nis, pid)
	return nil
}

// NI looks up a still-open NI by PID.
func (n *Node) NI(pid uint32) (*NI, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	ni, ok := n.nis[pid]
	if !ok {
		return nil, ErrNoSuchPID
	}
	return ni, nil
}

// newRequest stamps a freshly constructed Request with its identity.
// Requests are never addressed by handle in the Portals API (only
// NI/PT/LE/ME/MD/EQ/CT are); they are reached through the user_ptr an
// event or response carries, and stay alive only as long as something
// still holds a pointer to them (see Request.retain/release).
func (n *Node) newRequest(r *Request) *Request {
	r.ID = uuid.New()
	r.SourceNID = n.NID
	r.refcount = 1
	return r
}

// rxMailboxName is the naming convention every Node uses to find another
// node's per-virtual-network receive mailbox on the shared simhost.Host:
// Message delivery never needs a Node registry, only this string key.
func rxMailboxName(nid uint32, vn ptl.VN) string {
	return "nic-rx-" + vn.String() + "-" + uitoa(nid)
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
