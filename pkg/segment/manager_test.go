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

package segment

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmif/pkg/config"
	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/lifecycle"
	"github.com/srediag/shmif/pkg/shm"
	"github.com/srediag/shmif/pkg/transport"
	"github.com/srediag/shmif/plugin"
)

func testConfig() *config.Config {
	c := config.DefaultConfig()
	c.MaxRegionSize = 8 << 20
	c.MaxWidth = 1920
	c.MaxHeight = 1080
	c.EventQueueCap = 16
	c.MaxSegments = 16
	c.MaxSubsegments = 4
	c.WaitTimeout = time.Second
	c.EnqueueTimeout = 200 * time.Millisecond
	return c
}

func transportPair() (*transport.Conn, *transport.Conn, error) {
	local, f, err := transport.Pair()
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	remote, err := transport.FromFile(f)
	if err != nil {
		_ = local.Close()
		return nil, nil, err
	}
	return local, remote, nil
}

func metricValue(m prometheus.Metric) float64 {
	var d dto.Metric
	_ = m.Write(&d)
	if d.Counter != nil {
		return d.GetCounter().GetValue()
	}
	return d.GetGauge().GetValue()
}

type ManagerTestSuite struct {
	suite.Suite
	ctx   context.Context
	reg   *prometheus.Registry
	m     *Manager
	peers []*plugin.Segment
}

func (s *ManagerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.reg = prometheus.NewRegistry()
	s.m = s.newManager(nil)
	s.peers = nil
}

func (s *ManagerTestSuite) TearDownTest() {
	for _, p := range s.peers {
		_ = p.Close()
	}
	s.m.Shutdown()
}

func (s *ManagerTestSuite) newManager(adjust func(*config.Config)) *Manager {
	c := testConfig()
	if adjust != nil {
		adjust(c)
	}
	reg := s.reg
	if adjust != nil {
		reg = prometheus.NewRegistry()
	}
	m, err := NewManager(Options{Config: c, Registerer: reg})
	s.Require().NoError(err)
	return m
}

// acquire maps h as an in-process peer and returns it once h is Active.
func (s *ManagerTestSuite) acquire(m *Manager, h Handle) *plugin.Segment {
	key, err := m.Key(h)
	s.Require().NoError(err)
	peer, err := plugin.Acquire(s.ctx, key)
	s.Require().NoError(err)
	s.peers = append(s.peers, peer)
	s.Require().NoError(m.AwaitActive(s.ctx, h))
	return peer
}

func (s *ManagerTestSuite) openActive(kind Kind, opts ...OpenOption) (Handle, *plugin.Segment) {
	h, err := s.m.OpenSegment(s.ctx, Primary, kind, opts...)
	s.Require().NoError(err)
	s.Equal(lifecycle.Requested, s.m.State(h))
	return h, s.acquire(s.m, h)
}

// answerOnce lets peer handle the next event in the background, which is
// what an owner-initiated resize needs while the test goroutine blocks in
// Resize.
func answerOnce(peer *plugin.Segment) <-chan event.Event {
	out := make(chan event.Event, 1)
	go func() {
		ev, _, _ := peer.Wait(time.Second)
		out <- ev
	}()
	return out
}

func (s *ManagerTestSuite) TestOpenAndAck() {
	h, peer := s.openActive(Application)
	s.Equal(lifecycle.Active, s.m.State(h))

	seg, ok := s.m.Get(h)
	s.Require().True(ok)
	s.Equal(os.Getpid(), seg.PeerPID())
	s.True(seg.Alive())
	s.Equal(uint32(Application), peer.Kind())

	g, _, err := s.m.Geometry(h)
	s.Require().NoError(err)
	s.Equal(shm.Geometry{Width: 640, Height: 480, BPP: 32, Channels: 2, SampleRate: 48000}, g)
	l, err := shm.ComputeLayout(g, s.m.Config().Limits())
	s.Require().NoError(err)
	for _, sp := range l.Spans() {
		s.Zero(sp.Offset%64, sp.Name)
	}
	open, limit := s.m.Capacity()
	s.Equal(1, open)
	s.Equal(16, limit)
	s.Equal(1.0, metricValue(s.m.Metrics().SegmentsOpen.WithLabelValues("application")))
}

func (s *ManagerTestSuite) TestOpenRejectsBadGeometry() {
	_, err := s.m.OpenSegment(s.ctx, Primary, Clipboard, WithGeometry(shm.Geometry{Width: 8, Height: 8, BPP: 32, Channels: 2, SampleRate: 48000}))
	s.ErrorIs(err, shm.ErrGeometryInvalid)
	_, err = s.m.OpenSegment(s.ctx, Primary, Application, WithGeometry(shm.Geometry{Width: 4096, Height: 4096, BPP: 32}))
	s.Error(err)
	_, err = s.m.OpenSegment(s.ctx, Primary, Kind(99))
	s.Error(err)
	_, err = s.m.OpenSegment(s.ctx, Subsegment, Clipboard)
	s.ErrorIs(err, ErrNoParent)
}

func (s *ManagerTestSuite) TestCookieMismatchCloses() {
	h, err := s.m.OpenSegment(s.ctx, Primary, Application)
	s.Require().NoError(err)
	key, err := s.m.Key(h)
	s.Require().NoError(err)
	raw, err := shm.OpenRegion(s.ctx, key)
	s.Require().NoError(err)
	defer raw.Close()
	s.Require().NoError(raw.Events().Enqueue(event.Ack(0xbad, os.Getpid())))

	err = s.m.AwaitActive(s.ctx, h)
	s.ErrorIs(err, shm.ErrProtocolMismatch)
	s.Equal(lifecycle.Closed, s.m.State(h))
	s.ErrorIs(s.m.Release(h, shm.ChannelVideo), shm.ErrRegionClosed)
}

func (s *ManagerTestSuite) TestEventBeforeAckIsViolation() {
	h, err := s.m.OpenSegment(s.ctx, Primary, Application)
	s.Require().NoError(err)
	key, err := s.m.Key(h)
	s.Require().NoError(err)
	raw, err := shm.OpenRegion(s.ctx, key)
	s.Require().NoError(err)
	defer raw.Close()
	s.Require().NoError(raw.Events().Enqueue(event.Digital(1, true)))

	s.ErrorIs(s.m.AwaitActive(s.ctx, h), shm.ErrProtocolViolation)
	s.Equal(lifecycle.Closed, s.m.State(h))
}

func (s *ManagerTestSuite) TestAckTimeout() {
	m := s.newManager(func(c *config.Config) { c.WaitTimeout = 50 * time.Millisecond })
	defer m.Shutdown()
	h, err := m.OpenSegment(s.ctx, Primary, Application)
	s.Require().NoError(err)
	s.ErrorIs(m.AwaitActive(s.ctx, h), shm.ErrPeerTimeout)
	s.Equal(lifecycle.Requested, m.State(h))
}

// TestScenario walks a segment through open, resize, a subsegment request
// at the cap and a peer crash.
func (s *ManagerTestSuite) TestScenario() {
	h, peer := s.openActive(Application)
	_, gen0, err := s.m.Geometry(h)
	s.Require().NoError(err)

	answered := answerOnce(peer)
	big := shm.Geometry{Width: 1280, Height: 720, BPP: 32, Channels: 2, SampleRate: 48000}
	res, err := s.m.Resize(s.ctx, h, big)
	s.Require().NoError(err)
	s.True(res.Accepted)
	s.Equal(gen0+1, res.Generation)
	s.Equal(big, res.Geometry)
	s.True((<-answered).Is(event.CategoryVideo, event.KindResizeProposal))
	s.Equal(lifecycle.Active, s.m.State(h))

	ev, r, err := peer.Wait(time.Second)
	s.Require().NoError(err)
	s.Require().Equal(shm.Ready, r)
	s.True(ev.Is(event.CategoryVideo, event.KindResizeAccepted))
	s.Equal(gen0+1, peer.Generation())
	s.Equal(big, peer.Geometry())
	s.False(peer.ResizePending())
	s.Len(peer.Video(), 1280*720*4)

	for i := 0; i < 4; i++ {
		_, err := s.m.RequestSubsegment(s.ctx, h, Clipboard)
		s.Require().NoError(err)
	}
	_, err = s.m.RequestSubsegment(s.ctx, h, Clipboard)
	s.ErrorIs(err, shm.ErrResourceExhausted)
	s.Len(s.m.Children(h), 4)

	peer.Region().MarkDead()
	evs, err := s.m.WaitEvents(s.ctx, h, time.Second)
	s.Require().NoError(err)
	s.Require().NotEmpty(evs)
	last := evs[len(evs)-1]
	s.True(last.Is(event.CategorySystem, event.KindPeerDead))
	s.Equal(os.Getpid(), last.PID())
	s.Equal(lifecycle.Closed, s.m.State(h))
	s.Empty(s.m.Segments())
	s.Equal(1.0, metricValue(s.m.Metrics().Closes.WithLabelValues("peer-dead")))
	s.Equal(4.0, metricValue(s.m.Metrics().Closes.WithLabelValues("parent")))
}

func (s *ManagerTestSuite) TestOwnerResizeRejected() {
	h, peer := s.openActive(Application)
	_, gen0, _ := s.m.Geometry(h)

	s.Require().NoError(peer.Resize(shm.Geometry{Width: 320, Height: 200, BPP: 32, Channels: 2, SampleRate: 48000}))
	// the owner proposal crosses the peer's own pending one
	answered := answerOnce(peer)
	res, err := s.m.Resize(s.ctx, h, shm.Geometry{Width: 800, Height: 600, BPP: 32, Channels: 2, SampleRate: 48000})
	s.Require().NoError(err)
	s.False(res.Accepted)
	s.Equal(shm.KindUnknown, res.Reason)
	s.Equal(gen0, res.Generation)
	<-answered

	_, gen, _ := s.m.Geometry(h)
	s.Equal(gen0, gen)
	s.Equal(lifecycle.Active, s.m.State(h))
	s.Equal(1.0, metricValue(s.m.Metrics().Resizes.WithLabelValues("owner", "rejected")))
}

func (s *ManagerTestSuite) TestOwnerResizeInvalid() {
	h, _ := s.openActive(Application)
	res, err := s.m.Resize(s.ctx, h, shm.Geometry{Width: 1920, Height: 1080, BPP: 7})
	s.ErrorIs(err, shm.ErrGeometryInvalid)
	s.Equal(shm.KindGeometryInvalid, res.Reason)
	s.Equal(lifecycle.Active, s.m.State(h))

	_, err = s.m.Resize(s.ctx, Handle{Index: 9, Gen: 9}, shm.Geometry{Width: 64, Height: 64, BPP: 32})
	s.ErrorIs(err, ErrUnknownHandle)
}

func (s *ManagerTestSuite) TestOwnerResizeTimeoutUnblocksPeer() {
	m := s.newManager(func(c *config.Config) { c.WaitTimeout = 100 * time.Millisecond })
	defer m.Shutdown()
	h, err := m.OpenSegment(s.ctx, Primary, Application)
	s.Require().NoError(err)
	peer := s.acquire(m, h)
	_, gen0, _ := m.Geometry(h)

	res, err := m.Resize(s.ctx, h, shm.Geometry{Width: 800, Height: 600, BPP: 32})
	s.ErrorIs(err, shm.ErrPeerTimeout)
	s.False(res.Accepted)
	s.Equal(lifecycle.Active, m.State(h))

	ev, ok, err := peer.Poll()
	s.Require().NoError(err)
	s.Require().True(ok)
	s.True(ev.Is(event.CategoryVideo, event.KindResizeProposal))
	s.True(peer.ResizePending())
	ev, ok, err = peer.Poll()
	s.Require().NoError(err)
	s.Require().True(ok)
	s.True(ev.Is(event.CategoryVideo, event.KindResizeRejected))
	s.False(peer.ResizePending())

	// the late echo is stale by now
	s.NoError(m.Pump(h))
	_, gen, _ := m.Geometry(h)
	s.Equal(gen0, gen)
	s.Equal(gen0, peer.Generation())
}

func (s *ManagerTestSuite) TestPeerResize() {
	h, peer := s.openActive(Application)
	_, gen0, _ := s.m.Geometry(h)

	g := shm.Geometry{Width: 1024, Height: 768, BPP: 32, Channels: 2, SampleRate: 44100}
	s.Require().NoError(peer.Resize(g))
	s.ErrorIs(peer.SignalVideo(0), plugin.ErrResizePending)
	s.ErrorIs(peer.Resize(g), plugin.ErrResizePending)

	evs, err := s.m.WaitEvents(s.ctx, h, time.Second)
	s.Require().NoError(err)
	s.Require().Len(evs, 1)
	s.True(evs[0].Is(event.CategoryVideo, event.KindResizeAccepted))
	got, gen, _ := s.m.Geometry(h)
	s.Equal(g, got)
	s.Equal(gen0+1, gen)

	ev, _, err := peer.Wait(time.Second)
	s.Require().NoError(err)
	s.True(ev.Is(event.CategoryVideo, event.KindResizeAccepted))
	s.Equal(gen0+1, peer.Generation())
	s.NoError(peer.SignalVideo(16))
	s.Equal(1.0, metricValue(s.m.Metrics().Resizes.WithLabelValues("peer", "accepted")))
}

func (s *ManagerTestSuite) TestPeerResizeRejectedBySurface() {
	h, peer := s.openActive(Sink)
	_, gen0, _ := s.m.Geometry(h)

	s.Require().NoError(peer.Resize(shm.Geometry{Width: 64, Height: 64, BPP: 32, Channels: 2, SampleRate: 48000}))
	_, err := s.m.WaitEvents(s.ctx, h, time.Second)
	s.Require().NoError(err)

	ev, _, err := peer.Wait(time.Second)
	s.Require().NoError(err)
	s.True(ev.Is(event.CategoryVideo, event.KindResizeRejected))
	s.Equal(uint32(shm.KindGeometryInvalid), ev.Resize().Reason)
	s.False(peer.ResizePending())
	s.Equal(gen0, peer.Generation())
	_, gen, _ := s.m.Geometry(h)
	s.Equal(gen0, gen)

	s.Error(peer.Resize(shm.Geometry{Width: 64, Height: 64, BPP: 5}))
}

func (s *ManagerTestSuite) TestOwnerSubsegment() {
	h, peer := s.openActive(Application)
	f, err := s.m.RequestSubsegment(s.ctx, h, Clipboard)
	s.Require().NoError(err)
	s.Equal(Clipboard, f.Kind())
	s.Equal(lifecycle.Requested, s.m.State(f.Handle()))

	ev, _, err := peer.Wait(time.Second)
	s.Require().NoError(err)
	s.Require().True(ev.Is(event.CategorySystem, event.KindNewSegment))
	kind, reqID := ev.Request()
	s.Equal(uint32(Clipboard), kind)
	s.NotZero(reqID & ownerReqBit)

	child, err := peer.AcquireSubsegment(s.ctx, reqID)
	s.Require().NoError(err)
	s.peers = append(s.peers, child)
	got, err := f.Wait(s.ctx)
	s.Require().NoError(err)
	s.Equal(f.Handle(), got)
	s.NoError(f.Err())
	s.Equal(lifecycle.Active, s.m.State(got))
	s.Equal(h, s.m.Parent(got))
	s.Equal([]Handle{h, got}, s.m.Tree(h))
	s.Equal(shm.Geometry{Width: 32, Height: 32, BPP: 32}, child.Geometry())

	_, err = peer.AcquireSubsegment(s.ctx, reqID)
	s.ErrorIs(err, plugin.ErrNoOffer)
}

func (s *ManagerTestSuite) TestOwnerSubsegmentDeclined() {
	h, peer := s.openActive(Application)
	f, err := s.m.RequestSubsegment(s.ctx, h, Clipboard)
	s.Require().NoError(err)

	ev, _, err := peer.Wait(time.Second)
	s.Require().NoError(err)
	s.Require().True(ev.Is(event.CategorySystem, event.KindNewSegment))
	_, reqID := ev.Request()
	s.Require().NoError(peer.Decline(reqID, shm.KindResourceExhausted))
	s.ErrorIs(peer.Decline(reqID, shm.KindResourceExhausted), plugin.ErrNoOffer)

	ctx, cancel := context.WithTimeout(s.ctx, 500*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	s.Require().ErrorIs(err, ErrDeclined)
	s.ErrorIs(err, shm.ErrResourceExhausted)
	s.Equal(lifecycle.Closed, s.m.State(f.Handle()))
	s.Empty(s.m.Children(h))
	s.Equal(lifecycle.Active, s.m.State(h), "a decline leaves the parent alone")
	s.Equal(1.0, metricValue(s.m.Metrics().SubsegmentResults.WithLabelValues("owner", "declined")))

	evs, err := s.m.PollEvents(h)
	s.Require().NoError(err)
	s.Require().Len(evs, 1)
	s.True(evs[0].Is(event.CategorySystem, event.KindRequestFailed))
}

func (s *ManagerTestSuite) TestIgnoredOfferTimesOut() {
	m := s.newManager(func(c *config.Config) { c.WaitTimeout = 100 * time.Millisecond })
	defer m.Shutdown()
	h, err := m.OpenSegment(s.ctx, Primary, Application)
	s.Require().NoError(err)
	s.acquire(m, h)

	f, err := m.RequestSubsegment(s.ctx, h, Clipboard)
	s.Require().NoError(err)
	start := time.Now()
	_, err = f.Wait(context.Background())
	s.ErrorIs(err, shm.ErrPeerTimeout)
	s.Less(time.Since(start), time.Second)
	s.Equal(lifecycle.Closed, m.State(f.Handle()))
	s.Equal(lifecycle.Active, m.State(h))
}

func (s *ManagerTestSuite) TestIgnoredOffersReleaseTheCap() {
	m := s.newManager(func(c *config.Config) { c.WaitTimeout = 100 * time.Millisecond })
	defer m.Shutdown()
	h, err := m.OpenSegment(s.ctx, Primary, Application)
	s.Require().NoError(err)
	s.acquire(m, h)

	for i := 0; i < m.Config().MaxSubsegments; i++ {
		_, err = m.RequestSubsegment(s.ctx, h, Clipboard)
		s.Require().NoError(err, "offer %d", i)
	}
	_, err = m.RequestSubsegment(s.ctx, h, Clipboard)
	s.Require().ErrorIs(err, shm.ErrResourceExhausted)

	time.Sleep(150 * time.Millisecond)
	f, err := m.RequestSubsegment(s.ctx, h, Clipboard)
	s.Require().NoError(err, "expired offers no longer count against the cap")
	s.Equal([]Handle{f.Handle()}, m.Children(h))
}

func (s *ManagerTestSuite) TestOwnerSubsegmentOverSideChannel() {
	local, remote, err := transportPair()
	s.Require().NoError(err)
	h, err := s.m.OpenSegment(s.ctx, Primary, Application, WithSideChannel(local))
	s.Require().NoError(err)
	key, err := s.m.Key(h)
	s.Require().NoError(err)
	peer, err := plugin.Acquire(s.ctx, key, plugin.WithSideChannel(remote))
	s.Require().NoError(err)
	s.peers = append(s.peers, peer)
	defer remote.Close()
	s.Require().NoError(s.m.AwaitActive(s.ctx, h))

	f, err := s.m.RequestSubsegment(s.ctx, h, Debug)
	s.Require().NoError(err)
	ev, _, err := peer.Wait(time.Second)
	s.Require().NoError(err)
	s.Require().True(ev.Is(event.CategorySystem, event.KindNewSegment))
	_, reqID := ev.Request()
	child, err := peer.AcquireSubsegment(s.ctx, reqID)
	s.Require().NoError(err)
	s.peers = append(s.peers, child)
	_, err = f.Wait(s.ctx)
	s.Require().NoError(err)
	s.Equal(shm.Geometry{Width: 320, Height: 240, BPP: 32}, child.Geometry())
}

func (s *ManagerTestSuite) TestPeerSubsegment() {
	h, peer := s.openActive(Application)
	reqID, err := peer.RequestSegment(uint32(Sink))
	s.Require().NoError(err)
	s.Zero(reqID & ownerReqBit)

	evs, err := s.m.WaitEvents(s.ctx, h, time.Second)
	s.Require().NoError(err)
	s.Require().Len(evs, 1)
	s.True(evs[0].Is(event.CategorySystem, event.KindNewSegment))
	kids := s.m.Children(h)
	s.Require().Len(kids, 1)
	s.Equal(kids[0].String(), evs[0].Key())

	ev, _, err := peer.Wait(time.Second)
	s.Require().NoError(err)
	s.Require().True(ev.Is(event.CategorySystem, event.KindNewSegment))
	s.Len(peer.Offers(), 1)
	child, err := peer.AcquireSubsegment(s.ctx, reqID)
	s.Require().NoError(err)
	s.peers = append(s.peers, child)
	s.Require().NoError(s.m.AwaitActive(s.ctx, kids[0]))
	s.Equal(Sink, mustGet(s, kids[0]).Kind())

	bad, err := peer.RequestSegment(99)
	s.Require().NoError(err)
	evs, err = s.m.WaitEvents(s.ctx, h, time.Second)
	s.Require().NoError(err)
	s.Require().Len(evs, 1)
	s.True(evs[0].Is(event.CategorySystem, event.KindRequestFailed))
	ev, _, err = peer.Wait(time.Second)
	s.Require().NoError(err)
	s.Require().True(ev.Is(event.CategorySystem, event.KindRequestFailed))
	id, _ := ev.Failure()
	s.Equal(bad, id)
}

func mustGet(s *ManagerTestSuite, h Handle) *Segment {
	seg, ok := s.m.Get(h)
	s.Require().True(ok)
	return seg
}

func (s *ManagerTestSuite) TestCloseIsRecursiveAndIdempotent() {
	h, peer := s.openActive(Application)
	f, err := s.m.RequestSubsegment(s.ctx, h, Clipboard)
	s.Require().NoError(err)
	child := f.Handle()

	s.NoError(s.m.Close(h))
	s.Equal(lifecycle.Closed, s.m.State(h))
	s.Equal(lifecycle.Closed, s.m.State(child))
	s.ErrorIs(f.Err(), errParentClosed)
	s.NoError(s.m.Close(h))
	s.NoError(s.m.Close(child))
	s.Empty(s.m.Children(h))
	s.Equal(0.0, metricValue(s.m.Metrics().SegmentsOpen.WithLabelValues("application")))
	s.Equal(1.0, metricValue(s.m.Metrics().Closes.WithLabelValues("explicit")))

	var sawExit bool
	for i := 0; i < 4 && !sawExit; i++ {
		ev, res, err := peer.Wait(100 * time.Millisecond)
		if err != nil || res != shm.Ready {
			break
		}
		sawExit = ev.Is(event.CategorySystem, event.KindExit)
	}
	s.True(sawExit)
	s.False(peer.Region().Alive())
}

func (s *ManagerTestSuite) TestPeerExit() {
	h, peer := s.openActive(Application)
	s.Require().NoError(peer.Close())
	evs, err := s.m.WaitEvents(s.ctx, h, time.Second)
	s.Require().NoError(err)
	s.Require().Len(evs, 1)
	s.True(evs[0].Is(event.CategorySystem, event.KindExit))
	s.Equal(lifecycle.Closed, s.m.State(h))
	s.ErrorIs(mustGet(s, h).CloseReason(), errPeerExit)
	_, err = s.m.PollEvents(h)
	s.ErrorIs(err, errPeerExit)
}

func (s *ManagerTestSuite) TestStaleHandles() {
	m := s.newManager(func(c *config.Config) {
		c.MaxSegments = 2
		c.MaxSubsegments = 1
	})
	defer m.Shutdown()
	a, err := m.OpenSegment(s.ctx, Primary, Application)
	s.Require().NoError(err)
	_, err = m.OpenSegment(s.ctx, Primary, Application)
	s.Require().NoError(err)
	_, err = m.OpenSegment(s.ctx, Primary, Application)
	s.ErrorIs(err, shm.ErrResourceExhausted)

	s.NoError(m.Close(a))
	c, err := m.OpenSegment(s.ctx, Primary, Application)
	s.Require().NoError(err)
	s.Equal(a.Index, c.Index)
	s.NotEqual(a.Gen, c.Gen)
	s.Equal(lifecycle.Closed, m.State(a))
	s.Equal(lifecycle.Requested, m.State(c))
	_, err = m.Key(a)
	s.ErrorIs(err, ErrUnknownHandle)
	s.Equal(lifecycle.Closed, m.State(Handle{}))
}

func (s *ManagerTestSuite) TestWaitData() {
	h, peer := s.openActive(Application)

	res, err := s.m.WaitData(h, shm.ChannelVideo, 20*time.Millisecond)
	s.Require().NoError(err)
	s.Equal(shm.Timeout, res)

	copy(peer.Video(), "frame-one")
	s.Require().NoError(peer.SignalVideo(9))
	res, err = s.m.WaitData(h, shm.ChannelVideo, time.Second)
	s.Require().NoError(err)
	s.Require().Equal(shm.Ready, res)
	ch, err := s.m.Channel(h, shm.ChannelVideo)
	s.Require().NoError(err)
	s.Equal(9, ch.Used())
	s.Equal("frame-one", string(ch.Bytes()[:ch.Used()]))
	s.ErrorIs(peer.SignalVideo(9), shm.ErrChannelBusy)
	s.Require().NoError(s.m.Release(h, shm.ChannelVideo))
	s.Equal(shm.Ready, peer.WaitReleased(shm.ChannelVideo, time.Second))

	peer.Region().MarkDead()
	res, err = s.m.WaitData(h, shm.ChannelAudio, time.Second)
	s.ErrorIs(err, shm.ErrPeerDead)
	s.Equal(shm.Dead, res)
	s.Equal(lifecycle.Closed, s.m.State(h))
}

func (s *ManagerTestSuite) TestReadFrame() {
	h, peer := s.openActive(Application)
	err := s.m.ReadFrame(h, shm.ChannelVideo, func([]byte) error { return nil })
	s.ErrorIs(err, ErrNotActive, "no frame acquired yet")

	copy(peer.Video(), "frame-two")
	s.Require().NoError(peer.SignalVideo(9))
	res, err := s.m.WaitData(h, shm.ChannelVideo, time.Second)
	s.Require().NoError(err)
	s.Require().Equal(shm.Ready, res)
	var got string
	s.Require().NoError(s.m.ReadFrame(h, shm.ChannelVideo, func(b []byte) error {
		got = string(b)
		return nil
	}))
	s.Equal("frame-two", got)
	s.Require().NoError(s.m.Release(h, shm.ChannelVideo))
}

// A peer sharing a devshm region can shrink the file under the owner. The
// owner must see that as the death of that peer, not take a fatal SIGBUS.
func (s *ManagerTestSuite) TestTruncatedRegionIsPeerDeath() {
	m := s.newManager(func(c *config.Config) {
		c.MemMapType = config.MemMapDevShm
		c.ShareMemoryPathPrefix = "/dev/shm/shmif-test"
	})
	defer m.Shutdown()
	h, err := m.OpenSegment(s.ctx, Primary, Application)
	if err != nil {
		s.T().Skip("devshm unavailable:", err)
	}
	key, err := m.Key(h)
	s.Require().NoError(err)
	s.Require().NoError(os.Truncate(key.Path, 0))

	evs, err := m.PollEvents(h)
	s.Require().NoError(err)
	s.Require().Len(evs, 1)
	s.True(evs[0].Is(event.CategorySystem, event.KindPeerDead))
	s.Equal(lifecycle.Closed, m.State(h))

	_, err = m.PollEvents(h)
	s.Require().ErrorIs(err, shm.ErrPeerDead)
	var fault *shm.RecoverableFault
	s.Require().True(errors.As(err, &fault), "got %v", err)
	s.Equal("pump", fault.Op)
	s.Equal(1.0, metricValue(m.Metrics().Faults))

	h2, err := m.OpenSegment(s.ctx, Primary, Application)
	s.Require().NoError(err)
	key, err = m.Key(h2)
	s.Require().NoError(err)
	s.Require().NoError(os.Truncate(key.Path, 0))
	err = m.Notify(h2, event.DisplayHint(640, 480, 1))
	s.Require().ErrorIs(err, shm.ErrPeerDead)
	s.Equal(lifecycle.Closed, m.State(h2))
	s.Equal(2.0, metricValue(m.Metrics().Faults))
}

func (s *ManagerTestSuite) TestPingPong() {
	h, peer := s.openActive(Application)
	ok, err := s.m.Ping(h, 42)
	s.Require().NoError(err)
	s.True(ok)
	_, _, _ = peer.Poll()
	s.Require().NoError(s.m.Pump(h))
	s.Equal(uint32(42), mustGet(s, h).LastPong())
}

func (s *ManagerTestSuite) TestHandover() {
	h, peer := s.openActive(Application)
	key, err := s.m.Key(h)
	s.Require().NoError(err)

	s.Require().NoError(peer.Handover())
	successor, err := plugin.Acquire(s.ctx, key, plugin.WithPID(os.Getppid()))
	s.Require().NoError(err)
	s.peers = append(s.peers, successor)

	evs, err := s.m.WaitEvents(s.ctx, h, time.Second)
	s.Require().NoError(err)
	s.Require().Len(evs, 2)
	s.True(evs[0].Is(event.CategorySystem, event.KindHandover))
	s.True(evs[1].Is(event.CategorySystem, event.KindAck))
	s.Equal(os.Getppid(), mustGet(s, h).PeerPID())
	s.Equal(lifecycle.Active, s.m.State(h))
}

func (s *ManagerTestSuite) TestOwnerHandoverRequiresAck() {
	h, peer := s.openActive(Application)
	s.Require().NoError(s.m.BeginHandover(h))
	ev, _, err := peer.Wait(time.Second)
	s.Require().NoError(err)
	s.True(ev.Is(event.CategorySystem, event.KindHandover))

	s.Require().NoError(peer.Enqueue(event.Digital(1, true)))
	_, err = s.m.WaitEvents(s.ctx, h, time.Second)
	s.ErrorIs(err, shm.ErrProtocolViolation)
	s.Equal(lifecycle.Closed, s.m.State(h))
}

func (s *ManagerTestSuite) TestDetachAndAdopt() {
	a, peerA := s.openActive(Application)
	b, _ := s.openActive(Application)
	f, err := s.m.RequestSubsegment(s.ctx, a, Sink)
	s.Require().NoError(err)
	ev, _, err := peerA.Wait(time.Second)
	s.Require().NoError(err)
	_, reqID := ev.Request()
	childPeer, err := peerA.AcquireSubsegment(s.ctx, reqID)
	s.Require().NoError(err)
	s.peers = append(s.peers, childPeer)
	child, err := f.Wait(s.ctx)
	s.Require().NoError(err)

	s.ErrorIs(s.m.Adopt(s.ctx, child, b), lifecycle.ErrIllegalTransition)
	s.Require().NoError(s.m.Detach(child))
	s.Equal(lifecycle.Adopting, s.m.State(child))
	s.Empty(s.m.Children(a))
	s.False(s.m.Parent(child).Valid())

	s.Require().NoError(s.m.Adopt(s.ctx, child, b))
	s.Equal(lifecycle.Active, s.m.State(child))
	s.Equal(b, s.m.Parent(child))
	s.Equal([]Handle{child}, s.m.Children(b))

	ev, _, err = childPeer.Wait(time.Second)
	s.Require().NoError(err)
	s.True(ev.Is(event.CategorySystem, event.KindAdopted))
	s.Equal(os.Getpid(), ev.PID())
}

func (s *ManagerTestSuite) TestShutdown() {
	h, _ := s.openActive(Application)
	s.m.Shutdown()
	s.Equal(lifecycle.Closed, s.m.State(h))
	_, err := s.m.OpenSegment(s.ctx, Primary, Application)
	s.ErrorIs(err, ErrManagerClosed)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
