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

package segment

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/srediag/shmif/internal/logging"
	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/lifecycle"
	"github.com/srediag/shmif/pkg/shm"
)

// maxBacklog bounds the events kept for an application that does not poll.
const maxBacklog = 1024

// SideChannel carries descriptors to the peer of a segment.
type SideChannel interface {
	SendHandle(reqID uint32, fd int) error
	Close() error
}

// Segment is one shared-memory channel and its negotiation state. It is
// owned by the Manager's arena and addressed by Handle.
type Segment struct {
	handle  Handle
	role    Role
	surface Surface
	machine *lifecycle.Machine

	// mu guards the region's lifetime: waits hold it shared, Close takes it
	// exclusively before unmapping.
	mu     sync.RWMutex
	region *shm.Region

	// guarded by Manager.mu
	parent   Handle
	children []Handle
	side     SideChannel
	nextReq  uint32

	evMu      sync.Mutex
	backlog   []event.Event
	metrics   *Metrics
	dropLim   *rate.Limiter
	expectAck bool
	resizeCh  chan event.Event

	peerPID  atomic.Int64
	lastPong atomic.Uint32
	future   *Future
	reqID    uint32
	created  time.Time
	closeErr atomic.Pointer[error]
}

func (s *Segment) Handle() Handle {
	return s.handle
}

func (s *Segment) Role() Role {
	return s.role
}

func (s *Segment) Kind() Kind {
	return s.surface.Kind()
}

func (s *Segment) Surface() Surface {
	return s.surface
}

func (s *Segment) State() lifecycle.State {
	return s.machine.State()
}

// PeerPID is the pid from the last accepted Ack, 0 before that.
func (s *Segment) PeerPID() int {
	return int(s.peerPID.Load())
}

// LastPong returns the nonce of the newest Pong.
func (s *Segment) LastPong() uint32 {
	return s.lastPong.Load()
}

// Alive reports whether the region is mapped and its dead-man flag is set.
// A region the peer broke reads as dead.
func (s *Segment) Alive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.region == nil {
		return false
	}
	alive := false
	_ = shm.Guard(s.PeerPID(), "alive", func() error {
		alive = s.region.Alive()
		return nil
	})
	return alive
}

// CloseReason is the error that closed the segment, nil for an explicit
// Close or while it is open.
func (s *Segment) CloseReason() error {
	if p := s.closeErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Segment) push(ev event.Event) {
	s.evMu.Lock()
	s.pushLocked(ev)
	s.evMu.Unlock()
}

// pushLocked appends ev to the backlog. A full backlog gives up its oldest
// non-system event first; system events go only when nothing else is left.
func (s *Segment) pushLocked(ev event.Event) {
	if len(s.backlog) >= maxBacklog {
		i := 0
		for j, old := range s.backlog {
			if old.Category != event.CategorySystem {
				i = j
				break
			}
		}
		dropped := s.backlog[i]
		s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
		if s.metrics != nil {
			s.metrics.BacklogDropped.WithLabelValues(dropped.Category.String()).Inc()
		}
		logging.Internal.LimitedWarnf(s.dropLim, "segment %s: backlog full, dropped %s", s.handle, dropped)
	}
	s.backlog = append(s.backlog, ev)
}

func (s *Segment) takeBacklog() []event.Event {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	out := s.backlog
	s.backlog = nil
	return out
}

// Future resolves when a requested subsegment becomes Active or fails.
type Future struct {
	m      *Manager
	handle Handle
	kind   Kind

	once sync.Once
	done chan struct{}
	err  error
}

func newFuture(m *Manager, h Handle, kind Kind) *Future {
	return &Future{m: m, handle: h, kind: kind, done: make(chan struct{})}
}

// Handle is the child segment, usable before it is Active.
func (f *Future) Handle() Handle {
	return f.handle
}

func (f *Future) Kind() Kind {
	return f.kind
}

// Done is closed once the outcome is known.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err is the outcome, valid after Done.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait drives the child's negotiation until it is Active, fails, or ctx
// ends. A child not acknowledged within WaitTimeout of its offer is closed
// and the future fails with ErrPeerTimeout.
func (f *Future) Wait(ctx context.Context) (Handle, error) {
	for {
		select {
		case <-f.done:
			return f.handle, f.err
		case <-ctx.Done():
			return f.handle, ctx.Err()
		default:
		}
		s := f.m.lookup(f.handle)
		if s == nil {
			f.resolve(ErrUnknownHandle)
			continue
		}
		if f.m.requestExpired(s) {
			f.m.expire(s)
			continue
		}
		// a decline arrives on the parent's ring
		if p := f.m.lookup(f.m.Parent(f.handle)); p != nil {
			_ = f.m.pumpSegment(p, 0)
		}
		if err := f.m.pumpSegment(s, pumpSlice); err != nil {
			f.resolve(err)
		}
	}
}
