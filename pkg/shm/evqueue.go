/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	internalshm "github.com/srediag/shmif/internal/shm"
	"github.com/srediag/shmif/internal/logging"
	"github.com/srediag/shmif/pkg/event"
)

// Ring header offsets. front is written only by the consumer, back only by
// the producer. data and space are futex sequence words bumped after every
// enqueue and dequeue respectively.
const (
	ringFront = 0
	ringBack  = 4
	ringCap   = 8
	ringData  = 12
	ringSpace = 16
)

// DefaultEnqueueTimeout bounds a blocking enqueue when none is configured.
const DefaultEnqueueTimeout = 2 * time.Second

type ring struct {
	mem   []byte
	cap   uint32
	front *uint32
	back  *uint32
	data  *uint32
	space *uint32
}

func mapRing(mem []byte, queueCap uint32) *ring {
	return &ring{
		mem:   mem,
		cap:   queueCap,
		front: internalshm.Uint32At(mem, ringFront),
		back:  internalshm.Uint32At(mem, ringBack),
		data:  internalshm.Uint32At(mem, ringData),
		space: internalshm.Uint32At(mem, ringSpace),
	}
}

func (r *ring) init() {
	atomic.StoreUint32(r.front, 0)
	atomic.StoreUint32(r.back, 0)
	atomic.StoreUint32(internalshm.Uint32At(r.mem, ringCap), r.cap)
}

func (r *ring) headerCap() uint32 {
	return atomic.LoadUint32(internalshm.Uint32At(r.mem, ringCap))
}

// indices loads both indices and rejects values a sane peer cannot produce.
func (r *ring) indices() (front, back uint32, err error) {
	front = atomic.LoadUint32(r.front)
	back = atomic.LoadUint32(r.back)
	if front >= r.cap || back >= r.cap {
		return 0, 0, fmt.Errorf("%w: ring index front=%d back=%d cap=%d", ErrProtocolViolation, front, back, r.cap)
	}
	return front, back, nil
}

func (r *ring) slot(i uint32) []byte {
	off := RingHeaderSize + int(i)*event.Size
	return r.mem[off : off+event.Size]
}

func (r *ring) len() int {
	front, back, err := r.indices()
	if err != nil {
		return 0
	}
	return int((back + r.cap - front) % r.cap)
}

// QueueStats counts what happened on the producing side of a queue.
type QueueStats struct {
	Enqueued  uint64
	Dequeued  uint64
	Rejected  uint64
	Coalesced uint64
}

// EventQueue is one side's endpoint of a segment's event channel: it
// produces into one ring and consumes from the other. Each ring is single
// producer, single consumer; the mutexes only serialize goroutines of the
// same process.
//
// Saturation policy, by event.Policy:
//   - PolicyBlock (system, video and audio control): wait for space up to the
//     enqueue timeout, then fail with ErrQueueSaturated. Never dropped.
//   - PolicyReject (input): fail with ErrQueueSaturated at once.
//   - PolicyCoalesce (display hints, analog input): when the ring is full the
//     event replaces any older pending event with the same key and is
//     flushed, in arrival order, before the next event is enqueued.
type EventQueue struct {
	tx *ring
	rx *ring

	alive   func() bool
	timeout atomic.Int64

	txMu         sync.Mutex
	seq          uint32
	pending      map[uint64]event.Event
	pendingOrder []uint64

	rxMu sync.Mutex

	enqueued  atomic.Uint64
	dequeued  atomic.Uint64
	rejected  atomic.Uint64
	coalesced atomic.Uint64

	name string
	warn *rate.Limiter
}

func newEventQueue(name string, tx, rx *ring, alive func() bool) *EventQueue {
	q := &EventQueue{
		tx:      tx,
		rx:      rx,
		alive:   alive,
		pending: make(map[uint64]event.Event),
		name:    name,
		warn:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	q.timeout.Store(int64(DefaultEnqueueTimeout))
	return q
}

// SetEnqueueTimeout bounds blocking enqueues.
func (q *EventQueue) SetEnqueueTimeout(d time.Duration) {
	if d > 0 {
		q.timeout.Store(int64(d))
	}
}

// Cap returns the number of slots per ring; at most Cap-1 events are queued.
func (q *EventQueue) Cap() int {
	return int(q.tx.cap)
}

// Enqueue sends ev according to its saturation policy.
func (q *EventQueue) Enqueue(ev event.Event) error {
	q.txMu.Lock()
	defer q.txMu.Unlock()

	switch ev.Policy() {
	case event.PolicyCoalesce:
		if len(q.pendingOrder) == 0 {
			ok, err := q.tryPush(ev)
			if err != nil || ok {
				return err
			}
		}
		q.hold(ev)
		_, err := q.flushLocked()
		if errors.Is(err, ErrQueueSaturated) {
			return nil
		}
		return err
	case event.PolicyReject:
		flushed, err := q.flushLocked()
		if err != nil && !errors.Is(err, ErrQueueSaturated) {
			return err
		}
		if flushed {
			ok, err := q.tryPush(ev)
			if err != nil || ok {
				return err
			}
		}
		q.rejected.Add(1)
		logging.Internal.LimitedWarnf(q.warn, "%s: event queue full, rejected %s", q.name, ev)
		return fmt.Errorf("%s: %w", q.name, ErrQueueSaturated)
	}

	deadline := time.Now().Add(time.Duration(q.timeout.Load()))
	for len(q.pendingOrder) > 0 {
		key := q.pendingOrder[0]
		if err := q.pushBlocking(q.pending[key], deadline); err != nil {
			return err
		}
		q.unhold(key)
	}
	return q.pushBlocking(ev, deadline)
}

// TryEnqueue sends ev only if it fits right now, whatever its policy. Held
// coalesced events go first. It reports whether ev was sent.
func (q *EventQueue) TryEnqueue(ev event.Event) (bool, error) {
	q.txMu.Lock()
	defer q.txMu.Unlock()
	flushed, err := q.flushLocked()
	if !flushed {
		if errors.Is(err, ErrQueueSaturated) {
			return false, nil
		}
		return false, err
	}
	return q.tryPush(ev)
}

// Flush tries to send coalesced events still held back. It never blocks and
// returns ErrQueueSaturated if some remain.
func (q *EventQueue) Flush() error {
	q.txMu.Lock()
	defer q.txMu.Unlock()
	_, err := q.flushLocked()
	return err
}

// Held returns the number of coalesced events waiting for ring space.
func (q *EventQueue) Held() int {
	q.txMu.Lock()
	defer q.txMu.Unlock()
	return len(q.pendingOrder)
}

func (q *EventQueue) hold(ev event.Event) {
	key := ev.CoalesceKey()
	if _, ok := q.pending[key]; ok {
		q.coalesced.Add(1)
	} else {
		q.pendingOrder = append(q.pendingOrder, key)
	}
	q.pending[key] = ev
}

func (q *EventQueue) unhold(key uint64) {
	delete(q.pending, key)
	q.pendingOrder = q.pendingOrder[1:]
}

func (q *EventQueue) flushLocked() (bool, error) {
	for len(q.pendingOrder) > 0 {
		key := q.pendingOrder[0]
		ok, err := q.tryPush(q.pending[key])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("%s: %w", q.name, ErrQueueSaturated)
		}
		q.unhold(key)
	}
	return true, nil
}

func (q *EventQueue) pushBlocking(ev event.Event, deadline time.Time) error {
	for {
		seen := atomic.LoadUint32(q.tx.space)
		ok, err := q.tryPush(ev)
		if err != nil || ok {
			return err
		}
		if q.alive != nil && !q.alive() {
			return fmt.Errorf("%s: %w", q.name, ErrPeerDead)
		}
		left := time.Until(deadline)
		if left <= 0 {
			logging.Internal.LimitedWarnf(q.warn, "%s: event queue stayed full, %s not delivered", q.name, ev)
			return fmt.Errorf("%s: %s: %w", q.name, ev, ErrQueueSaturated)
		}
		if left > waitSlice {
			left = waitSlice
		}
		_ = internalshm.FutexWait(q.tx.space, seen, left)
	}
}

func (q *EventQueue) tryPush(ev event.Event) (bool, error) {
	front, back, err := q.tx.indices()
	if err != nil {
		return false, err
	}
	next := (back + 1) % q.tx.cap
	if next == front {
		return false, nil
	}
	q.seq++
	ev.Seq = q.seq
	ev.MarshalTo(q.tx.slot(back))
	atomic.StoreUint32(q.tx.back, next)
	atomic.AddUint32(q.tx.data, 1)
	_ = internalshm.FutexWake(q.tx.data, 1)
	q.enqueued.Add(1)
	return true, nil
}

// Poll returns the next event without blocking.
func (q *EventQueue) Poll() (event.Event, bool, error) {
	q.rxMu.Lock()
	defer q.rxMu.Unlock()
	return q.pollLocked()
}

func (q *EventQueue) pollLocked() (event.Event, bool, error) {
	front, back, err := q.rx.indices()
	if err != nil {
		return event.Event{}, false, err
	}
	if front == back {
		return event.Event{}, false, nil
	}
	ev, derr := event.Unmarshal(q.rx.slot(front))
	atomic.StoreUint32(q.rx.front, (front+1)%q.rx.cap)
	atomic.AddUint32(q.rx.space, 1)
	_ = internalshm.FutexWake(q.rx.space, 1)
	q.dequeued.Add(1)
	if derr != nil {
		return event.Event{}, false, fmt.Errorf("%w: %v", ErrProtocolViolation, derr)
	}
	return ev, true, nil
}

// Wait returns the next event, sleeping up to timeout for one to arrive.
func (q *EventQueue) Wait(timeout time.Duration) (event.Event, WaitResult, error) {
	q.rxMu.Lock()
	defer q.rxMu.Unlock()

	var (
		ev  event.Event
		err error
	)
	res := waitUntil(timeout, q.alive, func() (bool, uint32) {
		seen := atomic.LoadUint32(q.rx.data)
		var ok bool
		ev, ok, err = q.pollLocked()
		return ok || err != nil, seen
	}, q.rx.data)
	if err != nil {
		return event.Event{}, Ready, err
	}
	return ev, res, nil
}

// Len returns the number of events waiting to be polled.
func (q *EventQueue) Len() int {
	return q.rx.len()
}

// Outstanding returns the number of sent events the peer has not consumed.
func (q *EventQueue) Outstanding() int {
	return q.tx.len()
}

func (q *EventQueue) Stats() QueueStats {
	return QueueStats{
		Enqueued:  q.enqueued.Load(),
		Dequeued:  q.dequeued.Load(),
		Rejected:  q.rejected.Load(),
		Coalesced: q.coalesced.Load(),
	}
}

// wake releases waiters on both rings, used on close.
func (q *EventQueue) wake() {
	for _, w := range []*uint32{q.tx.data, q.tx.space, q.rx.data, q.rx.space} {
		atomic.AddUint32(w, 1)
		_ = internalshm.FutexWake(w, 1<<30)
	}
}
