/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package nicsim implements the Portals 4 NIC protocol engine: the object
// model (NI/PT/LE/ME/MD/EQ/CT/Request/Message), the per-node three-actor
// pipeline (NicTxInitiator, NicRxTarget, NicE2E), the matching engine, and
// the atomic-operation engine, running against the simhost collaborator
// surface instead of a real discrete-event kernel.
package nicsim

import "errors"

// Handle/argument errors, surfaced synchronously as the API's ARG_INVALID
// return, matching the teacher's package-level sentinel style
// (ErrAllConnsDown, ErrNotRunning, ... in muxer.go).
var (
	ErrInvalidHandle     = errors.New("nicsim: invalid handle")
	ErrArgInvalid        = errors.New("nicsim: invalid argument")
	ErrInvalidTimeout    = errors.New("nicsim: negative timeout other than PTL_TIME_FOREVER")
	ErrNoSuchPID         = errors.New("nicsim: no NI with that PID on this node")
	ErrNotMatching       = errors.New("nicsim: NI is not a matching interface")
)

// Resource exhaustion, surfaced as PT_FULL or the distinguished try-again
// code.
var (
	ErrPTFull   = errors.New("nicsim: portal table is full")
	ErrTryAgain = errors.New("nicsim: would block; try again")
)

// ErrGaveUp describes a Request the E2E engine abandoned after max_retries.
// The engine's giveUp neither returns nor stores this value: it logs the
// give-up and forces the Request to FINISHED with an NIDropped failure, so
// its resources release normally.
var ErrGaveUp = errors.New("nicsim: end-to-end reliability gave up after max retries")
