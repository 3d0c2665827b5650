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

	internalshm "github.com/srediag/shmif/internal/shm"
	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/security"
)

// Header field offsets. The order is fixed; see HeaderSize.
const (
	offCookie     = 0
	offSize       = 8
	offWidth      = 16
	offHeight     = 20
	offBPP        = 24
	offChannels   = 28
	offSampleRate = 32
	offKind       = 36
	offGeneration = 40
	offDeadMan    = 48
	offVideoReady = 52
	offAudioReady = 56
	offVideoSig   = 60
	offAudioSig   = 64
	offOwnerPID   = 68
	offPeerPID    = 72
	offQueueCap   = 76
	offVideoUsed  = 80
	offAudioUsed  = 84
)

// ProtocolCookie is the value every header must carry.
var ProtocolCookie = security.ComputeCookie(security.ProtocolVersion,
	HeaderSize, RingHeaderSize, event.Size, Alignment, AudioChunksPerSecond)

// Page gives typed, atomic access to the header of a mapped region. Every
// field is read and written atomically because the other side may be
// touching it at the same time.
type Page struct {
	mem []byte
}

// NewPage wraps the first HeaderSize bytes of mem.
func NewPage(mem []byte) (*Page, error) {
	if len(mem) < HeaderSize {
		return nil, fmt.Errorf("%w: region of %d bytes has no header", ErrProtocolViolation, len(mem))
	}
	return &Page{mem: mem}, nil
}

func (p *Page) u32(off int) *uint32 {
	return internalshm.Uint32At(p.mem, off)
}

func (p *Page) u64(off int) *uint64 {
	return internalshm.Uint64At(p.mem, off)
}

func (p *Page) Cookie() uint64 {
	return atomic.LoadUint64(p.u64(offCookie))
}

func (p *Page) setCookie(c uint64) {
	atomic.StoreUint64(p.u64(offCookie), c)
}

// Size is the mapped size recorded by the owner.
func (p *Page) Size() uint64 {
	return atomic.LoadUint64(p.u64(offSize))
}

// Geometry reads the committed geometry.
func (p *Page) Geometry() Geometry {
	return Geometry{
		Width:      atomic.LoadUint32(p.u32(offWidth)),
		Height:     atomic.LoadUint32(p.u32(offHeight)),
		BPP:        atomic.LoadUint32(p.u32(offBPP)),
		Channels:   atomic.LoadUint32(p.u32(offChannels)),
		SampleRate: atomic.LoadUint32(p.u32(offSampleRate)),
	}
}

func (p *Page) setGeometry(g Geometry) {
	atomic.StoreUint32(p.u32(offWidth), g.Width)
	atomic.StoreUint32(p.u32(offHeight), g.Height)
	atomic.StoreUint32(p.u32(offBPP), g.BPP)
	atomic.StoreUint32(p.u32(offChannels), g.Channels)
	atomic.StoreUint32(p.u32(offSampleRate), g.SampleRate)
}

// Kind is the segment type tag.
func (p *Page) Kind() uint32 {
	return atomic.LoadUint32(p.u32(offKind))
}

func (p *Page) Generation() uint64 {
	return atomic.LoadUint64(p.u64(offGeneration))
}

func (p *Page) bumpGeneration() uint64 {
	return atomic.AddUint64(p.u64(offGeneration), 1)
}

// Alive reads the dead-man flag.
func (p *Page) Alive() bool {
	return atomic.LoadUint32(p.u32(offDeadMan)) == 1
}

// SetAlive sets or clears the dead-man flag.
func (p *Page) SetAlive(alive bool) {
	var v uint32
	if alive {
		v = 1
	}
	atomic.StoreUint32(p.u32(offDeadMan), v)
}

func (p *Page) OwnerPID() int {
	return int(atomic.LoadUint32(p.u32(offOwnerPID)))
}

func (p *Page) PeerPID() int {
	return int(atomic.LoadUint32(p.u32(offPeerPID)))
}

// SetPeerPID is written by the peer when it maps the region.
func (p *Page) SetPeerPID(pid int) {
	atomic.StoreUint32(p.u32(offPeerPID), uint32(pid))
}

func (p *Page) QueueCap() uint32 {
	return atomic.LoadUint32(p.u32(offQueueCap))
}

func (p *Page) readyWord(ch ChannelKind) *uint32 {
	if ch == ChannelAudio {
		return p.u32(offAudioReady)
	}
	return p.u32(offVideoReady)
}

func (p *Page) signalWord(ch ChannelKind) *uint32 {
	if ch == ChannelAudio {
		return p.u32(offAudioSig)
	}
	return p.u32(offVideoSig)
}

func (p *Page) usedWord(ch ChannelKind) *uint32 {
	if ch == ChannelAudio {
		return p.u32(offAudioUsed)
	}
	return p.u32(offVideoUsed)
}

// init writes a fresh header. The cookie goes last so a peer that validates
// it sees every other field already in place.
func (p *Page) init(size uint64, g Geometry, kind uint32, ownerPID int, queueCap uint32) {
	atomic.StoreUint64(p.u64(offSize), size)
	p.setGeometry(g)
	atomic.StoreUint32(p.u32(offKind), kind)
	atomic.StoreUint64(p.u64(offGeneration), 0)
	atomic.StoreUint32(p.u32(offOwnerPID), uint32(ownerPID))
	atomic.StoreUint32(p.u32(offQueueCap), queueCap)
	p.SetAlive(true)
	p.setCookie(ProtocolCookie)
}

// Wake releases every waiter sleeping on a header word, used on close.
func (p *Page) Wake() {
	for _, off := range []int{offVideoReady, offAudioReady, offVideoSig, offAudioSig} {
		_ = internalshm.FutexWake(p.u32(off), 1<<30)
	}
}
