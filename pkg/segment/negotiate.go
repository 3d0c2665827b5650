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
	"errors"
	"fmt"

	"github.com/srediag/shmif/internal/logging"
	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/lifecycle"
	"github.com/srediag/shmif/pkg/shm"
)

// handle applies one event from the peer of s. A non-nil error closes the
// segment. The caller holds s.mu shared and s.evMu.
func (m *Manager) handle(s *Segment, region *shm.Region, ev event.Event) error {
	if ev.Is(event.CategorySystem, event.KindAck) {
		return m.onAck(s, region, ev)
	}
	if s.expectAck {
		return fmt.Errorf("%s: %w: %s after handover, want ack", s.handle, shm.ErrProtocolViolation, ev)
	}
	if st := s.State(); st == lifecycle.Requested || st == lifecycle.Pending {
		return fmt.Errorf("%s: %w: %s before ack", s.handle, shm.ErrProtocolViolation, ev)
	}

	switch ev.Category {
	case event.CategorySystem:
		return m.onSystem(s, region, ev)
	case event.CategoryVideo:
		switch ev.Kind {
		case event.KindResizeProposal:
			return m.onPeerResize(s, region, ev)
		case event.KindResizeAccepted, event.KindResizeRejected:
			m.onResizeReply(s, ev)
			return nil
		}
	}
	s.pushLocked(ev)
	return nil
}

func (m *Manager) onAck(s *Segment, region *shm.Region, ev event.Event) error {
	cookie, pid := ev.AckInfo()
	check := func() error {
		if err := m.validator.ValidateCookie(cookie); err != nil {
			return fmt.Errorf("%s: %w: %v", s.handle, shm.ErrProtocolMismatch, err)
		}
		if err := m.validator.ValidatePeer(pid); err != nil {
			return fmt.Errorf("%s: %w: %v", s.handle, shm.ErrProtocolMismatch, err)
		}
		if hp := region.Page().PeerPID(); hp != 0 && hp != pid {
			return fmt.Errorf("%s: %w: ack pid %d, header pid %d", s.handle, shm.ErrProtocolMismatch, pid, hp)
		}
		return nil
	}

	if s.expectAck {
		if err := check(); err != nil {
			return err
		}
		prev := s.PeerPID()
		s.expectAck = false
		s.peerPID.Store(int64(pid))
		s.pushLocked(ev)
		logging.Internal.Infof("segment %s handed over: pid %d -> %d", s.handle, prev, pid)
		m.auditEvent("segment.handover.ack", s, map[string]interface{}{"previous_pid": prev})
		return nil
	}
	if s.State() != lifecycle.Requested {
		return fmt.Errorf("%s: %w: ack in state %s", s.handle, shm.ErrProtocolViolation, s.State())
	}
	if err := s.machine.TransitionFrom(lifecycle.Requested, lifecycle.Pending); err != nil {
		return err
	}
	m.metrics.Transitions.WithLabelValues(lifecycle.Pending.String()).Inc()
	if err := check(); err != nil {
		return err
	}
	s.peerPID.Store(int64(pid))
	if err := s.machine.TransitionFrom(lifecycle.Pending, lifecycle.Active); err != nil {
		return err
	}
	m.metrics.Transitions.WithLabelValues(lifecycle.Active.String()).Inc()
	if s.future != nil {
		s.future.resolve(nil)
	}
	logging.Internal.Infof("segment %s active, peer pid %d", s.handle, pid)
	return nil
}

func (m *Manager) onSystem(s *Segment, region *shm.Region, ev event.Event) error {
	switch ev.Kind {
	case event.KindExit:
		s.pushLocked(ev)
		return fmt.Errorf("%s: %w", s.handle, errPeerExit)
	case event.KindHandover:
		s.expectAck = true
		s.pushLocked(ev)
		return nil
	case event.KindPing:
		if ok, err := region.Events().TryEnqueue(event.Pong(ev.Nonce())); err != nil {
			return err
		} else if !ok {
			logging.Internal.Debugf("segment %s: pong dropped, queue full", s.handle)
		}
		return nil
	case event.KindPong:
		s.lastPong.Store(ev.Nonce())
		return nil
	case event.KindSegmentRequest:
		return m.onSegmentRequest(s, region, ev)
	case event.KindRequestFailed:
		m.onDeclined(s, ev)
	}
	s.pushLocked(ev)
	return nil
}

// onDeclined closes the child the peer refused to take. Ids the peer chose
// itself are only reported.
func (m *Manager) onDeclined(s *Segment, ev event.Event) {
	reqID, reason := ev.Failure()
	if reqID&ownerReqBit == 0 {
		return
	}
	child := m.childByRequest(s, reqID)
	if child == nil || child.State() != lifecycle.Requested {
		logging.Protocol.Debugf("segment %s: decline of unknown request %d", s.handle, reqID)
		return
	}
	kind := shm.ErrorKind(reason)
	m.metrics.SubsegmentResults.WithLabelValues("owner", "declined").Inc()
	logging.Internal.Infof("segment %s: peer declined subsegment %s: %s", s.handle, child.handle, kind)
	m.closeSegment(child, fmt.Errorf("%s: subsegment declined: %w", child.handle, declineErr(kind)))
}

// ErrDeclined is the close reason of a subsegment its peer refused.
var ErrDeclined = errors.New("subsegment declined by peer")

func declineErr(k shm.ErrorKind) error {
	if err := k.Err(); err != nil && k != shm.KindPeerDead {
		return fmt.Errorf("%w: %w", ErrDeclined, err)
	}
	return ErrDeclined
}

func (m *Manager) childByRequest(s *Segment, reqID uint32) *Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range s.children {
		if c := m.arena.get(h); c != nil && c.reqID == reqID {
			return c
		}
	}
	return nil
}

func (m *Manager) onSegmentRequest(s *Segment, region *shm.Region, ev event.Event) error {
	kind, reqID := ev.Request()
	child, err := m.grantLocked(context.Background(), s, region, Kind(kind), reqID)
	if err == nil {
		m.metrics.SubsegmentResults.WithLabelValues("peer", "granted").Inc()
		s.pushLocked(event.NewSegment(kind, reqID, child.handle.String()))
		return nil
	}
	if errors.Is(err, shm.ErrPeerDead) {
		return err
	}
	reason := shm.KindOf(err)
	m.metrics.SubsegmentResults.WithLabelValues("peer", reason.String()).Inc()
	logging.Internal.Warnf("segment %s: subsegment request %d (%s) refused: %v", s.handle, reqID, Kind(kind), err)
	failed := event.RequestFailed(reqID, uint32(reason))
	s.pushLocked(failed)
	if qerr := region.Events().Enqueue(failed); errors.Is(qerr, shm.ErrPeerDead) {
		return qerr
	}
	return nil
}

// onPeerResize answers a proposal from the peer. Accepting commits at once:
// the peer proposed it and stops using the old layout until it sees the
// answer.
func (m *Manager) onPeerResize(s *Segment, region *shm.Region, ev event.Event) error {
	r := ev.Resize()
	g := shm.GeometryFromResize(r)
	reject := func(reason shm.ErrorKind) error {
		m.metrics.Resizes.WithLabelValues("peer", "rejected").Inc()
		out := event.ResizeRejected(g.ResizePayload(region.Generation(), reason))
		s.pushLocked(out)
		if err := region.Events().Enqueue(out); errors.Is(err, shm.ErrPeerDead) {
			return err
		}
		return nil
	}

	if s.State() != lifecycle.Active {
		// an owner proposal is in flight; the peer answers that one first
		return reject(shm.KindUnknown)
	}
	err := s.surface.Accept(g)
	if err == nil {
		_, err = region.Validate(g)
	}
	if err != nil {
		logging.Protocol.Debugf("segment %s: rejecting peer resize %s: %v", s.handle, g, err)
		return reject(shm.KindOf(err))
	}
	if err := s.machine.TransitionFrom(lifecycle.Active, lifecycle.Resizing); err != nil {
		return reject(shm.KindUnknown)
	}
	gen, err := region.Commit(g)
	if s.machine.TransitionFrom(lifecycle.Resizing, lifecycle.Active) == nil {
		m.metrics.Transitions.WithLabelValues(lifecycle.Active.String()).Inc()
	}
	if err != nil {
		return reject(shm.KindOf(err))
	}
	m.metrics.Resizes.WithLabelValues("peer", "accepted").Inc()
	out := event.ResizeAccepted(region.Geometry().ResizePayload(gen, shm.KindNone))
	s.pushLocked(out)
	if err := region.Events().Enqueue(out); err != nil {
		if errors.Is(err, shm.ErrPeerDead) {
			return err
		}
		logging.Internal.Warnf("segment %s: resize answer not delivered: %v", s.handle, err)
	}
	return nil
}

func (m *Manager) onResizeReply(s *Segment, ev event.Event) {
	if s.State() != lifecycle.Resizing {
		logging.Protocol.Debugf("segment %s: stale resize answer %s", s.handle, ev)
		return
	}
	select {
	case s.resizeCh <- ev:
	default:
		logging.Protocol.Debugf("segment %s: duplicate resize answer %s", s.handle, ev)
	}
}
