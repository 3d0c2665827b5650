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

//go:build linux

// Package plugin is the frameserver side of a segment: what a peer process
// links against to map the segment it was handed, publish frames and talk
// to the trusted core.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/srediag/shmif/internal/logging"
	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/shm"
	"github.com/srediag/shmif/pkg/transport"
)

// Environment a supervisor passes to a spawned frameserver.
const (
	EnvKey    = "SHMIF_KEY"
	EnvFd     = "SHMIF_FD"
	EnvSockFd = "SHMIF_SOCK_FD"
)

// DefaultTimeout bounds waits on the side channel.
const DefaultTimeout = 2 * time.Second

var (
	// ErrResizePending is returned by Signal* between a resize proposal and
	// its answer, when the buffers may move.
	ErrResizePending = errors.New("resize pending")
	ErrNoOffer       = errors.New("no such subsegment offer")
	ErrClosed        = errors.New("segment closed")
)

// Option adjusts Acquire.
type Option func(*Segment)

// WithSideChannel attaches the descriptor channel used for subsegments.
func WithSideChannel(c *transport.Conn) Option {
	return func(s *Segment) { s.side = c }
}

// WithPID overrides the pid announced in the Ack.
func WithPID(pid int) Option {
	return func(s *Segment) { s.pid = pid }
}

// WithTimeout bounds side channel waits.
func WithTimeout(d time.Duration) Option {
	return func(s *Segment) { s.timeout = d }
}

// Offer is a subsegment the core granted, announced by NewSegment.
type Offer struct {
	ReqID uint32
	Kind  uint32
	Key   shm.Key
}

// Segment is a mapped segment seen from the peer.
type Segment struct {
	region  *shm.Region
	side    *transport.Conn
	ownSide bool
	pid     int
	timeout time.Duration

	mu            sync.Mutex
	resizePending bool
	nextReq       uint32
	fds           map[uint32]int
	offers        map[uint32]Offer
	closed        bool
}

// Acquire maps the segment behind key, checks the protocol cookie and
// answers the core with an Ack.
func Acquire(ctx context.Context, key shm.Key, opts ...Option) (*Segment, error) {
	region, err := shm.OpenRegion(ctx, key)
	if err != nil {
		return nil, err
	}
	s := &Segment{
		region:  region,
		pid:     os.Getpid(),
		timeout: DefaultTimeout,
		fds:     make(map[uint32]int),
		offers:  make(map[uint32]Offer),
	}
	for _, opt := range opts {
		opt(s)
	}
	region.Page().SetPeerPID(s.pid)
	if err := region.Events().Enqueue(event.Ack(shm.ProtocolCookie, s.pid)); err != nil {
		_ = region.Close()
		return nil, fmt.Errorf("ack: %w", err)
	}
	logging.Internal.Debugf("acquired %s as pid %d: %s gen %d", key, s.pid, region.Geometry(), region.Generation())
	return s, nil
}

// AcquireFromEnv acquires the segment a supervisor handed over through
// SHMIF_KEY, SHMIF_FD and SHMIF_SOCK_FD.
func AcquireFromEnv(ctx context.Context, opts ...Option) (*Segment, error) {
	raw := os.Getenv(EnvKey)
	if raw == "" {
		return nil, fmt.Errorf("%s not set", EnvKey)
	}
	key, err := shm.ParseKey(raw)
	if err != nil {
		return nil, err
	}
	if v := os.Getenv(EnvFd); v != "" {
		fd, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvFd, err)
		}
		key = key.WithFd(fd)
	}
	var side *transport.Conn
	if v := os.Getenv(EnvSockFd); v != "" {
		fd, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvSockFd, err)
		}
		if side, err = transport.FromFd(fd); err != nil {
			return nil, err
		}
		opts = append([]Option{WithSideChannel(side)}, opts...)
	}
	s, err := Acquire(ctx, key, opts...)
	if err != nil {
		if side != nil {
			_ = side.Close()
		}
		return nil, err
	}
	s.ownSide = side != nil
	return s, nil
}

func (s *Segment) Region() *shm.Region {
	return s.region
}

func (s *Segment) Geometry() shm.Geometry {
	return s.region.Geometry()
}

func (s *Segment) Generation() uint64 {
	return s.region.Generation()
}

// Kind returns the segment kind tag from the header.
func (s *Segment) Kind() uint32 {
	return s.region.Page().Kind()
}

// Video returns the video buffer of the current generation.
func (s *Segment) Video() []byte {
	return s.region.Video().Bytes()
}

// Audio returns the audio buffer of the current generation.
func (s *Segment) Audio() []byte {
	return s.region.Audio().Bytes()
}

// WaitReleased waits until the core released the last frame on ch, after
// which the buffer may be written.
func (s *Segment) WaitReleased(ch shm.ChannelKind, timeout time.Duration) shm.WaitResult {
	return s.region.Channel(ch).WaitReleased(timeout)
}

// SignalVideo publishes n bytes of video.
func (s *Segment) SignalVideo(n int) error {
	return s.signal(shm.ChannelVideo, n)
}

// SignalAudio publishes n bytes of audio.
func (s *Segment) SignalAudio(n int) error {
	return s.signal(shm.ChannelAudio, n)
}

func (s *Segment) signal(ch shm.ChannelKind, n int) error {
	s.mu.Lock()
	pending := s.resizePending
	s.mu.Unlock()
	if pending {
		return ErrResizePending
	}
	return s.region.Channel(ch).Publish(n)
}

// ResizePending reports whether buffers may move before the next answer.
func (s *Segment) ResizePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resizePending
}

// Resize proposes g. The answer arrives as ResizeAccepted or ResizeRejected
// through Poll or Wait; until then publishing fails with ErrResizePending.
func (s *Segment) Resize(g shm.Geometry) error {
	if _, err := s.region.Validate(g); err != nil {
		return err
	}
	s.mu.Lock()
	if s.resizePending {
		s.mu.Unlock()
		return ErrResizePending
	}
	s.resizePending = true
	s.mu.Unlock()
	if err := s.region.Events().Enqueue(event.ResizeProposal(g.ResizePayload(s.region.Generation(), shm.KindNone))); err != nil {
		s.setResizePending(false)
		return err
	}
	return nil
}

func (s *Segment) setResizePending(v bool) {
	s.mu.Lock()
	s.resizePending = v
	s.mu.Unlock()
}

// Enqueue sends ev to the core.
func (s *Segment) Enqueue(ev event.Event) error {
	return s.region.Events().Enqueue(ev)
}

// Poll returns the next event for the application without blocking.
// Protocol traffic (pings, resize commits, descriptor transfers) is handled
// on the way.
func (s *Segment) Poll() (event.Event, bool, error) {
	for {
		ev, ok, err := s.region.Events().Poll()
		if err != nil || !ok {
			if err == nil && !s.region.Alive() {
				return event.Event{}, false, shm.ErrPeerDead
			}
			return event.Event{}, false, err
		}
		deliver, err := s.handle(ev)
		if err != nil {
			return ev, false, err
		}
		if deliver {
			return ev, true, nil
		}
	}
}

// Wait is Poll that sleeps up to timeout for an event.
func (s *Segment) Wait(timeout time.Duration) (event.Event, shm.WaitResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		ev, res, err := s.region.Events().Wait(time.Until(deadline))
		if err != nil || res != shm.Ready {
			return ev, res, err
		}
		deliver, err := s.handle(ev)
		if err != nil {
			return ev, shm.Ready, err
		}
		if deliver {
			return ev, shm.Ready, nil
		}
		if !time.Now().Before(deadline) {
			return event.Event{}, shm.Timeout, nil
		}
	}
}

// handle applies protocol events and reports whether ev goes to the caller.
func (s *Segment) handle(ev event.Event) (bool, error) {
	switch {
	case ev.Is(event.CategorySystem, event.KindPing):
		if _, err := s.region.Events().TryEnqueue(event.Pong(ev.Nonce())); err != nil {
			return false, err
		}
		return false, nil
	case ev.Is(event.CategorySystem, event.KindFDTransfer):
		return false, s.receiveFd(ev.U32(0))
	case ev.Is(event.CategorySystem, event.KindNewSegment):
		s.recordOffer(ev)
	case ev.Is(event.CategoryVideo, event.KindResizeProposal):
		return true, s.answerProposal(ev)
	case ev.Is(event.CategoryVideo, event.KindResizeAccepted):
		if _, err := s.region.Refresh(); err != nil {
			return true, err
		}
		s.setResizePending(false)
	case ev.Is(event.CategoryVideo, event.KindResizeRejected):
		s.setResizePending(false)
	}
	return true, nil
}

// answerProposal accepts a core-proposed geometry the region can hold. The
// commit follows as a ResizeAccepted from the core.
func (s *Segment) answerProposal(ev event.Event) error {
	r := ev.Resize()
	g := shm.GeometryFromResize(r)
	s.mu.Lock()
	busy := s.resizePending
	s.mu.Unlock()
	if busy {
		return s.region.Events().Enqueue(event.ResizeRejected(g.ResizePayload(r.Generation, shm.KindUnknown)))
	}
	if _, err := s.region.Validate(g); err != nil {
		return s.region.Events().Enqueue(event.ResizeRejected(g.ResizePayload(r.Generation, shm.KindOf(err))))
	}
	s.setResizePending(true)
	return s.region.Events().Enqueue(event.ResizeAccepted(g.ResizePayload(r.Generation, shm.KindNone)))
}

func (s *Segment) receiveFd(reqID uint32) error {
	if s.side == nil {
		logging.Internal.Warnf("descriptor %d announced without a side channel", reqID)
		return nil
	}
	got, fd, err := s.side.RecvHandle(s.timeout)
	if err != nil {
		return fmt.Errorf("receive descriptor %d: %w", reqID, err)
	}
	if got != reqID {
		logging.Internal.Warnf("descriptor for request %d, expected %d", got, reqID)
	}
	s.mu.Lock()
	if old, ok := s.fds[got]; ok {
		_ = closeFd(old)
	}
	s.fds[got] = fd
	s.mu.Unlock()
	return nil
}

func (s *Segment) recordOffer(ev event.Event) {
	kind, reqID := ev.Request()
	key, err := shm.ParseKey(ev.Key())
	if err != nil {
		logging.Internal.Warnf("bad subsegment key %q: %v", ev.Key(), err)
		return
	}
	s.mu.Lock()
	s.offers[reqID] = Offer{ReqID: reqID, Kind: kind, Key: key}
	s.mu.Unlock()
}

// RequestSegment asks the core for a subsegment of kind. The answer is a
// NewSegment or RequestFailed event carrying the returned request id.
func (s *Segment) RequestSegment(kind uint32) (uint32, error) {
	s.mu.Lock()
	s.nextReq++
	reqID := s.nextReq
	s.mu.Unlock()
	return reqID, s.region.Events().Enqueue(event.SegmentRequest(kind, reqID))
}

// Offers returns the subsegments granted so far and not yet acquired.
func (s *Segment) Offers() []Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Offer, 0, len(s.offers))
	for _, o := range s.offers {
		out = append(out, o)
	}
	return out
}

// AcquireSubsegment maps the subsegment granted for reqID.
func (s *Segment) AcquireSubsegment(ctx context.Context, reqID uint32) (*Segment, error) {
	s.mu.Lock()
	offer, ok := s.offers[reqID]
	fd, hasFd := s.fds[reqID]
	delete(s.offers, reqID)
	delete(s.fds, reqID)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("request %d: %w", reqID, ErrNoOffer)
	}
	key := offer.Key
	if hasFd {
		key = key.WithFd(fd)
		// OpenRegion dups the descriptor
		defer closeFd(fd)
	}
	return Acquire(ctx, key, WithPID(s.pid), WithSideChannel(s.side), WithTimeout(s.timeout))
}

// Decline refuses the subsegment granted for reqID with reason. The core
// closes the offered segment and fails the request that made it.
func (s *Segment) Decline(reqID uint32, reason shm.ErrorKind) error {
	s.mu.Lock()
	_, ok := s.offers[reqID]
	fd, hasFd := s.fds[reqID]
	delete(s.offers, reqID)
	delete(s.fds, reqID)
	s.mu.Unlock()
	if hasFd {
		_ = closeFd(fd)
	}
	if !ok {
		return fmt.Errorf("request %d: %w", reqID, ErrNoOffer)
	}
	return s.region.Events().Enqueue(event.RequestFailed(reqID, uint32(reason)))
}

// Handover tells the core a successor process takes over this segment and
// unmaps it without clearing the dead-man flag.
func (s *Segment) Handover() error {
	if err := s.region.Events().Enqueue(event.Handover()); err != nil {
		return err
	}
	return s.Detach()
}

// Detach unmaps the segment and leaves it alive for another process.
func (s *Segment) Detach() error {
	return s.release(false)
}

// Close tells the core this peer is done, clears the dead-man flag and
// unmaps the segment.
func (s *Segment) Close() error {
	return s.release(true)
}

func (s *Segment) release(dead bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fds := s.fds
	s.fds = nil
	s.mu.Unlock()
	for _, fd := range fds {
		_ = closeFd(fd)
	}
	if dead {
		_, _ = s.region.Events().TryEnqueue(event.Exit(0))
		s.region.MarkDead()
	}
	err := s.region.Close()
	if s.ownSide && s.side != nil {
		_ = s.side.Close()
	}
	return err
}
