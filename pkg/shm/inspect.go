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
	"fmt"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// RingSnapshot is the state of one event ring at one instant.
type RingSnapshot struct {
	Front uint32
	Back  uint32
	Cap   uint32
	Len   int
	Err   error
}

// Snapshot is a read-only dump of a region, for debugging. It is taken
// without trusting the contents, so every field is reported as found.
type Snapshot struct {
	Cookie     uint64
	CookieOK   bool
	Size       uint64
	Geometry   Geometry
	Kind       uint32
	Generation uint64
	Alive      bool
	OwnerPID   int
	PeerPID    int
	QueueCap   uint32
	VideoReady bool
	AudioReady bool
	VideoUsed  uint32
	AudioUsed  uint32
	Layout     Layout
	LayoutErr  error
	In         RingSnapshot
	Out        RingSnapshot
}

// Inspect reads the header and ring indices found in mem.
func Inspect(mem []byte) (Snapshot, error) {
	p, err := NewPage(mem)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		Cookie:     p.Cookie(),
		Size:       p.Size(),
		Geometry:   p.Geometry(),
		Kind:       p.Kind(),
		Generation: p.Generation(),
		Alive:      p.Alive(),
		OwnerPID:   p.OwnerPID(),
		PeerPID:    p.PeerPID(),
		QueueCap:   p.QueueCap(),
		VideoReady: atomic.LoadUint32(p.readyWord(ChannelVideo)) == 1,
		AudioReady: atomic.LoadUint32(p.readyWord(ChannelAudio)) == 1,
		VideoUsed:  atomic.LoadUint32(p.usedWord(ChannelVideo)),
		AudioUsed:  atomic.LoadUint32(p.usedWord(ChannelAudio)),
	}
	s.CookieOK = s.Cookie == ProtocolCookie
	s.Layout, s.LayoutErr = ComputeLayout(s.Geometry, Limits{MaxRegionSize: uint64(len(mem)), QueueCap: s.QueueCap})
	if s.LayoutErr != nil {
		return s, nil
	}
	s.In = snapshotRing(mem, s.Layout.InRingOffset(), s.Layout.RingSize, s.QueueCap)
	s.Out = snapshotRing(mem, s.Layout.OutRingOffset(), s.Layout.RingSize, s.QueueCap)
	return s, nil
}

func snapshotRing(mem []byte, off, size uint64, queueCap uint32) RingSnapshot {
	r := mapRing(mem[off:off+size], queueCap)
	front, back, err := r.indices()
	return RingSnapshot{
		Front: atomic.LoadUint32(r.front),
		Back:  atomic.LoadUint32(r.back),
		Cap:   r.headerCap(),
		Len:   int((back + queueCap - front) % queueCap),
		Err:   err,
	}
}

func (s Snapshot) String() string {
	b := bytebufferpool.Get()
	defer bytebufferpool.Put(b)
	fmt.Fprintf(b, "cookie:%#x ok:%t size:%d kind:%d gen:%d alive:%t owner:%d peer:%d\n",
		s.Cookie, s.CookieOK, s.Size, s.Kind, s.Generation, s.Alive, s.OwnerPID, s.PeerPID)
	fmt.Fprintf(b, "geometry:%s video ready:%t used:%d audio ready:%t used:%d\n",
		s.Geometry, s.VideoReady, s.VideoUsed, s.AudioReady, s.AudioUsed)
	if s.LayoutErr != nil {
		fmt.Fprintf(b, "layout: %v\n", s.LayoutErr)
		return b.String()
	}
	for _, sp := range s.Layout.Spans() {
		fmt.Fprintf(b, "  %-8s off:%-10d size:%d\n", sp.Name, sp.Offset, sp.Size)
	}
	for _, r := range []struct {
		name string
		snap RingSnapshot
	}{{"inRing", s.In}, {"outRing", s.Out}} {
		fmt.Fprintf(b, "%s cap:%d front:%d back:%d len:%d", r.name, r.snap.Cap, r.snap.Front, r.snap.Back, r.snap.Len)
		if r.snap.Err != nil {
			fmt.Fprintf(b, " err:%v", r.snap.Err)
		}
		_ = b.WriteByte('\n')
	}
	return b.String()
}
