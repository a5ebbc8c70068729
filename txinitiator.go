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

	"github.com/bxi-sim/nicsim/ptl"
)

// runTxInitiator is the daemon actor that drains one virtual network's
// TransmitQueue and pushes each Message out over the simulated link,
// charging PCI issue cost and wire transfer time before the message
// becomes visible to the destination's NicRxTarget.
func runTxInitiator(ctx context.Context, n *Node, p *vnPipeline) {
	for {
		msg, err := p.txq.Dequeue(ctx)
		if err != nil {
			return
		}
		p.txq.ReleaseSlot()
		issueMessage(ctx, n, p, msg)
	}
}

// issueMessage models the command's departure from the NIC: a fixed PCI
// latency plus a per-byte term (pciCost), then the bandwidth/latency
// constrained network leg (simhost.Link.SendTo), matching the PCI-cost
// model the governing specification's TxInitiator section describes.
func issueMessage(ctx context.Context, n *Node, p *vnPipeline, msg *Message) {
	if err := n.Host.SleepFor(ctx, pciCost(n, msg)); err != nil {
		return
	}

	src := n.Host.NICEndpoint(n.NID)
	dst := n.Host.NICEndpoint(msg.TargetNID)
	if err := n.Host.SendTo(ctx, src, dst, int64(len(msg.Payload))); err != nil {
		return
	}

	if msg.Request != nil {
		deliverSendEvent(n, msg.Request)
	}

	if err := p.e2e.Enlist(ctx, msg); err != nil {
		return
	}
	if n.Config.QuickAcks {
		// quick_acks: close the retry-table entry the instant the message
		// is on the wire instead of waiting for its real E2E_ACK, trading
		// retry coverage for lower sustained pool pressure.
		p.e2e.Ack(msg.ID)
	}

	n.Host.Mailbox(rxMailboxName(msg.TargetNID, msg.VN)).PutAsync(msg, len(msg.Payload))
}

// pciCost estimates the host-to-NIC issue latency for msg: a fixed
// per-command latency plus a per-reference-packet overhead term, following
// the governing specification's size-constant table. When ModelPCI is off
// the cost collapses to zero, letting tests that don't care about timing
// run with a degenerate, instantaneous NIC.
func pciCost(n *Node, msg *Message) float64 {
	if !n.Config.ModelPCI {
		return 0
	}
	payload := float64(len(msg.Payload))
	packets := payload / ptl.PCIReferencePacketLen
	return (ptl.PCILatencyNS + packets*ptl.PCIPacketOverheadNS) / 1e9
}

// msgTypeForRequest picks the wire message type a freshly issued Request
// is carried as.
func msgTypeForRequest(req *Request) ptl.MsgType {
	switch req.Kind {
	case ReqPut:
		return ptl.MsgPut
	case ReqGet:
		return ptl.MsgGet
	case ReqAtomic:
		return ptl.MsgAtomic
	case ReqFetchAtomic, ReqSwap:
		return ptl.MsgFetchAtomic
	default:
		return ptl.MsgPut
	}
}

// sendRequest reserves flow-control credit for req's destination, builds
// its wire Message, and hands it to the per-VN TransmitQueue. It blocks
// until credit and a command-queue slot are both available, matching the
// specification's guarantee that a blocking entry point eventually admits
// the operation rather than failing fast under backpressure.
func sendRequest(ctx context.Context, n *Node, req *Request) error {
	p := n.vn[req.VN]
	if err := p.flow.Reserve(ctx, req.SourcePID, req.TargetNID, req.TargetPID); err != nil {
		return err
	}
	msg := newMessage(msgTypeForRequest(req), req)
	msg.Payload = req.payloadForWire()
	if err := p.txq.Enqueue(ctx, msg); err != nil {
		p.flow.Release(req.SourcePID, req.TargetNID, req.TargetPID)
		return err
	}
	return nil
}

// trySendRequest is sendRequest's non-blocking sibling, backing the *NB
// entry points: it never waits on flow-control credit or a full
// TransmitQueue, returning ErrTryAgain immediately instead.
func trySendRequest(n *Node, req *Request) error {
	p := n.vn[req.VN]
	if !p.flow.TryReserve(req.SourcePID, req.TargetNID, req.TargetPID) {
		return ErrTryAgain
	}
	msg := newMessage(msgTypeForRequest(req), req)
	msg.Payload = req.payloadForWire()
	if !p.txq.TryEnqueue(msg) {
		p.flow.Release(req.SourcePID, req.TargetNID, req.TargetPID)
		return ErrTryAgain
	}
	return nil
}

// payloadForWire returns the bytes a Request actually puts on the wire:
// the local MD slice for a plain Put, the combine operand for Atomic/
// FetchAtomic/Swap (applied against the target's memory), and nothing for
// a pure Get (no outbound data, only a header).
func (r *Request) payloadForWire() []byte {
	switch r.Kind {
	case ReqPut:
		return r.MD.Buf
	case ReqAtomic, ReqFetchAtomic, ReqSwap:
		return r.Operand
	default:
		return nil
	}
}
