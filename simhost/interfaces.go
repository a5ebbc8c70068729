/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package simhost names the collaborator surface the NIC protocol engine
// consumes from the discrete-event simulation kernel: cooperative actors,
// typed mailboxes, counting semaphores, timed sleeps, and point-to-point
// bandwidth-modeled transfers. The kernel itself (host model, link model,
// actor scheduling, the global clock) is an external collaborator and out
// of scope here; this package only fixes the interfaces the core programs
// against, plus one reference implementation (Mem, below) good enough to
// drive deterministic unit tests.
package simhost

import "context"

// Clock reads the simulation's monotonic time, in seconds.
type Clock interface {
	Now() float64
}

// Mailbox is a typed, named rendezvous point. Pointer-passing semantics
// (no serialization) are assumed: whatever is Put is the exact value Get
// returns.
type Mailbox interface {
	// PutAsync enqueues v without blocking the caller; weight is an
	// optional simulated transfer cost already charged by the caller
	// (e.g. an event-transfer cost) and is advisory only for this
	// interface — the kernel is free to use it for scheduling fairness.
	PutAsync(v interface{}, weight int)
	// Get blocks until a value is available or ctx is done.
	Get(ctx context.Context) (interface{}, error)
	// TryGet is the non-blocking form used by Poll's optimistic pass.
	TryGet() (interface{}, bool)
	// Ready reports whether a Get would not block right now.
	Ready() bool
	// Size returns the number of values currently queued.
	Size() int
}

// Semaphore is a counting semaphore with capacity up to at least 2^20.
type Semaphore interface {
	// Acquire blocks until a slot is free or ctx is done.
	Acquire(ctx context.Context) error
	// TryAcquire claims a slot without blocking, reporting whether it
	// succeeded.
	TryAcquire() bool
	// Release returns a slot.
	Release()
}

// Link models a point-to-point, bandwidth/latency-constrained transfer
// between two named hosts.
type Link interface {
	// SendTo blocks the caller for the simulated transfer duration of
	// moving bytes from src to dst, then returns.
	SendTo(ctx context.Context, src, dst string, bytes int64) error
	// SendToDetached starts the same transfer but does not block the
	// caller on its completion (fire-and-forget).
	SendToDetached(src, dst string, bytes int64)
}

// Actors spawns and controls cooperative tasks.
type Actors interface {
	// Spawn starts fn as a new actor under name, returning once fn has
	// been scheduled (not once it has completed).
	Spawn(name string, fn func(ctx context.Context))
	// Daemonize marks the calling actor as one the host need not wait on
	// at shutdown (the three NIC pipeline actors are daemons).
	Daemonize(ctx context.Context)
	// Yield gives other actors a chance to run.
	Yield(ctx context.Context)
	// SleepFor suspends the calling actor for the given simulated
	// duration, in seconds.
	SleepFor(ctx context.Context, seconds float64) error
	// SleepUntil suspends the calling actor until the simulated clock
	// reaches t, in seconds.
	SleepUntil(ctx context.Context, t float64) error
}

// Host is the full collaborator surface consumed by one simulated network
// node: a clock, a link, actor control, a mailbox factory, and a semaphore
// factory, plus the CPU/NIC host-catalog endpoints PCI costing needs.
type Host interface {
	Clock
	Actors
	Link

	// Mailbox returns the named mailbox, creating it on first use.
	Mailbox(name string) Mailbox
	// NewSemaphore creates a fresh counting semaphore of the given
	// capacity.
	NewSemaphore(capacity int64) Semaphore
	// CPUEndpoint and NICEndpoint name the per-node host-catalog entries
	// used to model the PCI leg between the CPU actor and the NIC actor.
	CPUEndpoint(nid uint32) string
	NICEndpoint(nid uint32) string
}
