/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package nicsim

import (
	"github.com/bxi-sim/nicsim/atomicop"
	"github.com/bxi-sim/nicsim/ptl"
)

// applyAtomicToTarget applies an in-flight atomic/fetch-atomic/swap
// message's operation to the matched entry's buffer at offset, returning
// the pre-image bytes as they were before the operation. No lock is held
// on the entry's memory during the call; each NicRxTarget actor handles
// one message at a time.
func applyAtomicToTarget(me *MatchEntry, offset uint64, length uint64, op ptl.Op, dt ptl.Datatype, operand, constant []byte) ([]byte, error) {
	end := offset + length
	if end > uint64(len(me.Buf)) {
		return nil, ErrArgInvalid
	}
	target := me.Buf[offset:end]
	pre, err := atomicop.Apply(op, dt, target, operand, constant)
	if err != nil {
		return nil, err
	}
	return pre, nil
}

// copyIntoTarget is the plain (non-atomic) Put/Get data-copy path, kept
// distinct from applyAtomicToTarget so the matching engine never has to
// special-case "op == ptl.OpMin with datatype irrelevant" for ordinary
// Puts.
func copyIntoTarget(me *MatchEntry, offset uint64, payload []byte) error {
	return copyIntoBuf(me.Buf, offset, payload)
}

// copyIntoBuf writes payload into buf at offset, used both for a
// MatchEntry's memory and, on the initiator side, for writing a Get/
// FetchAtomic response into the originating Request's MD.
func copyIntoBuf(buf []byte, offset uint64, payload []byte) error {
	end := offset + uint64(len(payload))
	if end > uint64(len(buf)) {
		return ErrArgInvalid
	}
	copy(buf[offset:end], payload)
	return nil
}

func readFromSource(md MD, offset, length uint64) ([]byte, error) {
	end := offset + length
	if end > uint64(len(md.Buf)) {
		return nil, ErrArgInvalid
	}
	return append([]byte(nil), md.Buf[offset:end]...), nil
}
