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

package shm

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// newPair maps one memfd region twice, as owner and as peer, the way two
// processes would.
func newPair(t *testing.T, g Geometry, lim Limits) (*Region, *Region) {
	t.Helper()
	ctx := context.Background()
	owner, err := CreateRegion(ctx, RegionOptions{
		Name: t.Name(), Type: MemMapTypeMemFd, Limits: lim, Geometry: g, Kind: 1, OwnerPID: 1,
	})
	if err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	peer, err := OpenRegion(ctx, owner.Key())
	if err != nil {
		_ = owner.Close()
		t.Fatalf("OpenRegion: %v", err)
	}
	t.Cleanup(func() {
		_ = peer.Close()
		_ = owner.Close()
	})
	return owner, peer
}

type RegionTestSuite struct {
	suite.Suite
}

func (s *RegionTestSuite) TestPeerSeesOwnerHeader() {
	g := Geometry{Width: 640, Height: 480, BPP: 32, Channels: 2, SampleRate: 48000}
	owner, peer := newPair(s.T(), g, testLimits())

	s.Require().True(owner.Owner())
	s.Require().False(peer.Owner())
	s.Require().Equal(owner.Layout(), peer.Layout())
	s.Require().Equal(g, peer.Geometry())
	s.Require().Equal(uint32(1), peer.Page().Kind())
	s.Require().Equal(1, peer.Page().OwnerPID())
	s.Require().True(peer.Alive())
	s.Require().Equal(owner.Size(), peer.Size())
}

func (s *RegionTestSuite) TestOpenRejectsWrongCookie() {
	owner, _ := newPair(s.T(), Geometry{}, testLimits())
	owner.Page().setCookie(ProtocolCookie + 1)

	_, err := OpenRegion(context.Background(), owner.Key())
	s.Require().ErrorIs(err, ErrProtocolMismatch)
}

func (s *RegionTestSuite) TestCommitRefresh() {
	owner, peer := newPair(s.T(), Geometry{Width: 640, Height: 480, BPP: 32}, testLimits())
	changed, err := peer.Refresh()
	s.Require().NoError(err)
	s.Require().False(changed)

	gen, err := owner.Commit(Geometry{Width: 1280, Height: 720, BPP: 32})
	s.Require().NoError(err)
	s.Require().Equal(uint64(1), gen)

	s.Require().Equal(uint64(0), peer.Generation(), "peer keeps the old layout until it refreshes")
	changed, err = peer.Refresh()
	s.Require().NoError(err)
	s.Require().True(changed)
	s.Require().Equal(uint64(1), peer.Generation())
	s.Require().Equal(owner.Layout(), peer.Layout())
	s.Require().Len(peer.Video().Bytes(), 1280*720*4)

	_, err = peer.Commit(Geometry{})
	s.Require().ErrorIs(err, ErrProtocolViolation)
}

func (s *RegionTestSuite) TestGenerationFollowsAcceptedProposalsOnly() {
	lim := testLimits()
	lim.MaxRegionSize = 8 << 20
	owner, peer := newPair(s.T(), Geometry{}, lim)

	rnd := rand.New(rand.NewSource(7))
	var accepted Geometry
	var lastGen uint64
	for i := 0; i < 200; i++ {
		g := Geometry{
			Width:  uint32(rnd.Intn(2400)),
			Height: uint32(rnd.Intn(1600)),
			BPP:    []uint32{8, 12, 16, 24, 32}[rnd.Intn(5)],
		}
		gen, err := owner.Commit(g)
		if err != nil {
			s.Require().True(KindOf(err) == KindGeometryInvalid || KindOf(err) == KindGeometryTooLarge)
			s.Require().Equal(lastGen, owner.Generation())
			continue
		}
		s.Require().Greater(gen, lastGen)
		lastGen = gen
		accepted = owner.Layout().Geometry
		_, err = peer.Refresh()
		s.Require().NoError(err)
		s.Require().Equal(accepted, peer.Geometry())
	}
	s.Require().NotZero(lastGen)
	s.Require().Equal(accepted, owner.Page().Geometry())
}

func (s *RegionTestSuite) TestPublishWhileReadyIsBusy() {
	owner, peer := newPair(s.T(), Geometry{Width: 8, Height: 8, BPP: 32}, testLimits())
	s.Require().NoError(peer.Video().Publish(-1))
	s.Require().ErrorIs(peer.Video().Publish(-1), ErrChannelBusy)
	s.Require().Equal(8*8*4, owner.Video().Used())

	s.Require().Equal(Ready, owner.Video().Acquire(time.Second))
	s.Require().ErrorIs(peer.Video().Publish(7), ErrChannelBusy)
	s.Require().Equal(8*8*4, owner.Video().Used(), "a refused publish must not touch the acquired frame")
	owner.Video().Release()
	s.Require().Equal(Ready, peer.Video().WaitReleased(time.Second))
	s.Require().NoError(peer.Video().Publish(16))
	s.Require().Equal(16, owner.Video().Used())
}

// The consumer must only ever see whole frames: every byte of an acquired
// buffer carries the same frame number.
func (s *RegionTestSuite) TestChannelAtMostOneWriter() {
	owner, peer := newPair(s.T(), Geometry{Width: 64, Height: 64, BPP: 32, Channels: 2, SampleRate: 48000}, testLimits())
	const frames = 300

	for _, ch := range []ChannelKind{ChannelVideo, ChannelAudio} {
		producer, consumer := peer.Channel(ch), owner.Channel(ch)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= frames; i++ {
				if producer.WaitReleased(5*time.Second) != Ready {
					s.T().Errorf("%s: frame %d never released", ch, i)
					return
				}
				buf := producer.Bytes()
				for j := range buf {
					buf[j] = byte(i)
				}
				if err := producer.Publish(len(buf)); err != nil {
					s.T().Errorf("%s: publish %d: %v", ch, i, err)
					return
				}
			}
		}()

		for i := 1; i <= frames; i++ {
			s.Require().Equal(Ready, consumer.Acquire(5*time.Second), "%s frame %d", ch, i)
			s.Require().True(consumer.Ready())
			buf := consumer.Bytes()
			want := byte(i)
			for j := range buf {
				if buf[j] != want {
					s.FailNowf("torn frame", "%s frame %d byte %d = %d", ch, i, j, buf[j])
				}
			}
			consumer.Release()
		}
		wg.Wait()
	}
}

func (s *RegionTestSuite) TestAcquireTimesOut() {
	owner, _ := newPair(s.T(), Geometry{Width: 8, Height: 8, BPP: 32}, testLimits())
	start := time.Now()
	s.Require().Equal(Timeout, owner.Video().Acquire(30*time.Millisecond))
	s.Require().GreaterOrEqual(time.Since(start), 25*time.Millisecond)
}

func (s *RegionTestSuite) TestDeadManFlagEndsWaits() {
	owner, peer := newPair(s.T(), Geometry{Width: 8, Height: 8, BPP: 32}, testLimits())

	done := make(chan WaitResult, 1)
	go func() {
		done <- owner.Video().Acquire(10 * time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	// a crashed peer never posts; only the flag changes
	peer.Page().SetAlive(false)

	select {
	case res := <-done:
		s.Require().Equal(Dead, res)
	case <-time.After(time.Second):
		s.FailNow("dead-man flag not observed")
	}
	s.Require().ErrorIs(peer.Video().Publish(0), ErrPeerDead)
}

func (s *RegionTestSuite) TestCommitDropsPendingFrame() {
	owner, peer := newPair(s.T(), Geometry{Width: 8, Height: 8, BPP: 32}, testLimits())
	s.Require().NoError(peer.Video().Publish(-1))
	_, err := owner.Commit(Geometry{Width: 16, Height: 16, BPP: 32})
	s.Require().NoError(err)
	s.Require().False(owner.Video().Ready())
	s.Require().Equal(Timeout, owner.Video().Acquire(20*time.Millisecond))
}

func (s *RegionTestSuite) TestCloseIsIdempotent() {
	owner, peer := newPair(s.T(), Geometry{}, testLimits())
	s.Require().NoError(peer.Close())
	s.Require().NoError(peer.Close())
	s.Require().False(peer.Alive())
	s.Require().Nil(peer.Video().Bytes())
	peer.MarkDead()
	s.Require().True(owner.Alive())
}

func (s *RegionTestSuite) TestParseKey() {
	k, err := ParseKey("memfd:12")
	s.Require().NoError(err)
	s.Require().Equal(MemMapTypeMemFd, k.Type)
	s.Require().Equal(12, k.Fd)
	s.Require().Equal("memfd:12", k.String())

	k, err = ParseKey("/dev/shm/shmif_1_abc")
	s.Require().NoError(err)
	s.Require().Equal(MemMapTypeDevShmFile, k.Type)
	s.Require().Equal("/dev/shm/shmif_1_abc", k.String())

	_, err = ParseKey("memfd:x")
	s.Require().Error(err)
	_, err = ParseKey("")
	s.Require().Error(err)
}

func TestRegionTestSuite(t *testing.T) {
	suite.Run(t, new(RegionTestSuite))
}
