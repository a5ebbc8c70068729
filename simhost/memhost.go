/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package simhost

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// LinkProfile describes the bandwidth/latency shape of one directed link,
// the same burst/sustained-rate pair the teacher's throttle.go applies to
// a single net.Conn, here applied per (src,dst) host pair.
type LinkProfile struct {
	LatencySeconds  float64
	BytesPerSecond  float64
}

// DefaultLinkProfile is a generic HPC-fabric-ish default: low latency,
// high bandwidth.
var DefaultLinkProfile = LinkProfile{LatencySeconds: 1e-6, BytesPerSecond: 1e10}

// Mem is a goroutine-and-channel reference Host, good enough to drive the
// scenarios of the governing specification's testable-properties section
// deterministically. It is not a general discrete-event scheduler: its
// logical clock only ever moves forward by the sum of the durations each
// actor charges itself, it does not reorder actors to respect a global
// event queue. That full scheduler is the out-of-scope simulation kernel;
// Mem exists to let this repository's own tests run without one.
type Mem struct {
	mtx   sync.Mutex
	clock float64

	mailboxes map[string]*mailbox
	limiters  map[string]*rate.Limiter
	profile   LinkProfile

	wg sync.WaitGroup
}

// NewMem returns a Host backed by in-process goroutines, using profile for
// every link (a single shared profile is enough for unit tests; production
// use of a real platform-aware kernel is out of scope).
func NewMem(profile LinkProfile) *Mem {
	return &Mem{
		mailboxes: make(map[string]*mailbox),
		limiters:  make(map[string]*rate.Limiter),
		profile:   profile,
	}
}

func (m *Mem) Now() float64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.clock
}

// advance bumps the logical clock forward by d seconds; it never moves the
// clock backward, so concurrently-suspended actors each see time move
// monotonically even though Mem does not serialize their interleaving.
func (m *Mem) advance(d float64) float64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.clock += d
	return m.clock
}

func (m *Mem) Mailbox(name string) Mailbox {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	mb, ok := m.mailboxes[name]
	if !ok {
		mb = newMailbox()
		m.mailboxes[name] = mb
	}
	return mb
}

func (m *Mem) NewSemaphore(capacity int64) Semaphore {
	return &weightedSemaphore{sem: semaphore.NewWeighted(capacity)}
}

func (m *Mem) CPUEndpoint(nid uint32) string { return fmt.Sprintf("node-%d-cpu", nid) }
func (m *Mem) NICEndpoint(nid uint32) string { return fmt.Sprintf("node-%d-nic", nid) }

func (m *Mem) limiterFor(src, dst string) *rate.Limiter {
	key := src + ">" + dst
	m.mtx.Lock()
	defer m.mtx.Unlock()
	lm, ok := m.limiters[key]
	if !ok {
		lm = rate.NewLimiter(rate.Limit(m.profile.BytesPerSecond), int(m.profile.BytesPerSecond))
		m.limiters[key] = lm
	}
	return lm
}

func (m *Mem) transferDuration(bytes int64) float64 {
	if m.profile.BytesPerSecond <= 0 {
		return m.profile.LatencySeconds
	}
	return m.profile.LatencySeconds + float64(bytes)/m.profile.BytesPerSecond
}

func (m *Mem) SendTo(ctx context.Context, src, dst string, bytes int64) error {
	lm := m.limiterFor(src, dst)
	if bytes > 0 {
		if err := lm.WaitN(ctx, clampBurst(lm, bytes)); err != nil {
			return err
		}
	}
	m.advance(m.transferDuration(bytes))
	return nil
}

func clampBurst(lm *rate.Limiter, bytes int64) int {
	b := lm.Burst()
	if b <= 0 {
		b = 1
	}
	if bytes > int64(b) {
		return b
	}
	return int(bytes)
}

func (m *Mem) SendToDetached(src, dst string, bytes int64) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = m.SendTo(context.Background(), src, dst, bytes)
	}()
}

func (m *Mem) Spawn(name string, fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(context.Background())
	}()
}

func (m *Mem) Daemonize(ctx context.Context) {
	// Daemonize does nothing in Mem: a daemonized actor stays counted in
	// Mem's WaitGroup like any other Spawned actor.
}

func (m *Mem) Yield(ctx context.Context) {
	runtime.Gosched()
}

func (m *Mem) SleepFor(ctx context.Context, seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("simhost: negative sleep duration %f", seconds)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.advance(seconds)
	runtime.Gosched()
	return nil
}

func (m *Mem) SleepUntil(ctx context.Context, t float64) error {
	now := m.Now()
	if t <= now {
		runtime.Gosched()
		return nil
	}
	return m.SleepFor(ctx, t-now)
}

// Wait blocks until every actor started via Spawn/SendToDetached has
// returned, daemonized actors included: Daemonize does not exempt an actor
// from Wait.
func (m *Mem) Wait() {
	m.wg.Wait()
}

type weightedSemaphore struct {
	sem *semaphore.Weighted
}

func (w *weightedSemaphore) Acquire(ctx context.Context) error {
	return w.sem.Acquire(ctx, 1)
}

func (w *weightedSemaphore) TryAcquire() bool {
	return w.sem.TryAcquire(1)
}

func (w *weightedSemaphore) Release() {
	w.sem.Release(1)
}

// mailbox is a FIFO queue guarded by a mutex and signalled via
// sync.Cond, the same coordination primitive pairing the teacher's
// IngestMuxer uses (mtx *sync.RWMutex plus sig *sync.Cond in muxer.go) to
// wake consumers without polling.
type mailbox struct {
	mtx   sync.Mutex
	cond  *sync.Cond
	items []interface{}
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mtx)
	return mb
}

func (mb *mailbox) PutAsync(v interface{}, weight int) {
	mb.mtx.Lock()
	mb.items = append(mb.items, v)
	mb.mtx.Unlock()
	mb.cond.Signal()
}

func (mb *mailbox) TryGet() (interface{}, bool) {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	if len(mb.items) == 0 {
		return nil, false
	}
	v := mb.items[0]
	mb.items = mb.items[1:]
	return v, true
}

func (mb *mailbox) Ready() bool {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	return len(mb.items) > 0
}

func (mb *mailbox) Size() int {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	return len(mb.items)
}

func (mb *mailbox) Get(ctx context.Context) (interface{}, error) {
	done := make(chan struct{})
	var cancelOnce sync.Once
	stop := func() { cancelOnce.Do(func() { close(done) }) }
	defer stop()

	go func() {
		select {
		case <-ctx.Done():
			mb.cond.Broadcast()
		case <-done:
		}
	}()

	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	for len(mb.items) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mb.cond.Wait()
	}
	v := mb.items[0]
	mb.items = mb.items[1:]
	return v, nil
}
