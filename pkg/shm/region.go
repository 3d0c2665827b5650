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
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	internalshm "github.com/srediag/shmif/internal/shm"
)

// MemMapType selects how a region is backed.
type MemMapType = internalshm.MemMapType

const (
	MemMapTypeDevShmFile = internalshm.MemMapTypeDevShmFile
	MemMapTypeMemFd      = internalshm.MemMapTypeMemFd
)

const memfdKeyPrefix = "memfd:"

// Key is the out-of-band reference a peer needs to map a region: a
// descriptor number for memfd regions or a path for /dev/shm regions.
type Key struct {
	Type MemMapType
	Path string
	Fd   int
}

func (k Key) String() string {
	if k.Type == MemMapTypeMemFd {
		return memfdKeyPrefix + strconv.Itoa(k.Fd)
	}
	return k.Path
}

// WithFd returns a copy of k pointing at descriptor fd.
func (k Key) WithFd(fd int) Key {
	k.Fd = fd
	return k
}

// ParseKey parses the String form of a Key.
func ParseKey(s string) (Key, error) {
	if strings.HasPrefix(s, memfdKeyPrefix) {
		fd, err := strconv.Atoi(strings.TrimPrefix(s, memfdKeyPrefix))
		if err != nil || fd < 0 {
			return Key{}, fmt.Errorf("bad memfd key %q", s)
		}
		return Key{Type: MemMapTypeMemFd, Fd: fd}, nil
	}
	if s == "" {
		return Key{}, fmt.Errorf("empty key")
	}
	return Key{Type: MemMapTypeDevShmFile, Path: s, Fd: -1}, nil
}

// RegionOptions configure CreateRegion.
type RegionOptions struct {
	Name     string
	Type     MemMapType
	Limits   Limits
	Geometry Geometry
	Kind     uint32
	OwnerPID int
}

// Region is one mapped segment region: header, event rings and data
// channels. The owner maps Limits.MaxRegionSize once so a resize only moves
// offsets and never remaps.
type Region struct {
	mapped  *internalshm.MappedRegion
	page    *Page
	limits  Limits
	owner   bool
	layout  atomic.Pointer[Layout]
	seenGen atomic.Uint64

	video  *Channel
	audio  *Channel
	events *EventQueue

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// CreateRegion allocates and initialises a region as its owner.
func CreateRegion(ctx context.Context, opts RegionOptions) (*Region, error) {
	lim := opts.Limits
	if lim.MaxRegionSize == 0 {
		lim.MaxRegionSize = DefaultLimits().MaxRegionSize
	}
	l, err := ComputeLayout(opts.Geometry, lim)
	if err != nil {
		return nil, err
	}
	size := roundToPage(lim.MaxRegionSize)
	mapped, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:   opts.Name,
		Size:   int(size),
		Create: true,
		Type:   opts.Type,
	})
	if err != nil {
		return nil, err
	}
	r := &Region{mapped: mapped, limits: lim, owner: true}
	if r.page, err = NewPage(mapped.Addr); err != nil {
		_ = internalshm.UnmapRegion(ctx, mapped)
		return nil, err
	}
	in := mapRing(r.span(l.InRingOffset(), l.RingSize), lim.QueueCap)
	out := mapRing(r.span(l.OutRingOffset(), l.RingSize), lim.QueueCap)
	in.init()
	out.init()
	r.layout.Store(&l)
	r.page.init(size, l.Geometry, opts.Kind, opts.OwnerPID, lim.QueueCap)
	r.video = newChannel(r, ChannelVideo)
	r.audio = newChannel(r, ChannelAudio)
	r.events = newEventQueue(opts.Name+"/in", in, out, r.Alive)
	return r, nil
}

// OpenRegion maps an existing region as its peer. The cookie is checked
// before anything else in the region is read.
func OpenRegion(ctx context.Context, key Key) (*Region, error) {
	opts := internalshm.MapOptions{Type: key.Type, Name: key.Path, Fd: key.Fd}
	mapped, err := internalshm.MapRegion(ctx, opts)
	if err != nil {
		return nil, err
	}
	r, err := attach(mapped)
	if err != nil {
		_ = internalshm.UnmapRegion(ctx, mapped)
		return nil, err
	}
	return r, nil
}

func attach(mapped *internalshm.MappedRegion) (*Region, error) {
	r := &Region{mapped: mapped}
	var err error
	if r.page, err = NewPage(mapped.Addr); err != nil {
		return nil, err
	}
	if c := r.page.Cookie(); c != ProtocolCookie {
		return nil, fmt.Errorf("%w: cookie %#x", ErrProtocolMismatch, c)
	}
	if size := r.page.Size(); size > uint64(len(mapped.Addr)) {
		return nil, fmt.Errorf("%w: header size %d exceeds mapping %d", ErrProtocolViolation, size, len(mapped.Addr))
	}
	r.limits = Limits{MaxRegionSize: uint64(len(mapped.Addr)), QueueCap: r.page.QueueCap()}
	gen := r.page.Generation()
	l, err := ComputeLayout(r.page.Geometry(), r.limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	in := mapRing(r.span(l.InRingOffset(), l.RingSize), r.limits.QueueCap)
	out := mapRing(r.span(l.OutRingOffset(), l.RingSize), r.limits.QueueCap)
	if in.headerCap() != r.limits.QueueCap || out.headerCap() != r.limits.QueueCap {
		return nil, fmt.Errorf("%w: ring capacity disagrees with header", ErrProtocolViolation)
	}
	r.layout.Store(&l)
	r.seenGen.Store(gen)
	r.video = newChannel(r, ChannelVideo)
	r.audio = newChannel(r, ChannelAudio)
	r.events = newEventQueue(mapped.Path+"/out", out, in, r.Alive)
	return r, nil
}

func roundToPage(n uint64) uint64 {
	ps := uint64(os.Getpagesize())
	return (n + ps - 1) / ps * ps
}

func (r *Region) mem() []byte {
	return r.mapped.Addr
}

func (r *Region) span(off, size uint64) []byte {
	return r.mapped.Addr[off : off+size : off+size]
}

// Key returns the reference a peer passes to OpenRegion. For memfd regions
// the descriptor is only meaningful in this process or once inherited.
func (r *Region) Key() Key {
	return Key{Type: r.mapped.Type, Path: r.mapped.Path, Fd: r.mapped.Fd}
}

// Fd returns the memfd descriptor, or -1.
func (r *Region) Fd() int {
	return r.mapped.Fd
}

// Size returns the mapped length.
func (r *Region) Size() int {
	return len(r.mapped.Addr)
}

func (r *Region) Page() *Page {
	return r.page
}

func (r *Region) Limits() Limits {
	return r.limits
}

// Owner reports whether this side created the region.
func (r *Region) Owner() bool {
	return r.owner
}

// Layout returns the layout of the generation this side last applied.
func (r *Region) Layout() Layout {
	return *r.layout.Load()
}

func (r *Region) Geometry() Geometry {
	return r.Layout().Geometry
}

// Generation returns the generation this side last applied. The owner's
// copy is private, so a peer rewriting the header cannot move it.
func (r *Region) Generation() uint64 {
	return r.seenGen.Load()
}

func (r *Region) Video() *Channel {
	return r.video
}

func (r *Region) Audio() *Channel {
	return r.audio
}

// Channel returns the channel of kind ch.
func (r *Region) Channel(ch ChannelKind) *Channel {
	if ch == ChannelAudio {
		return r.audio
	}
	return r.video
}

func (r *Region) Events() *EventQueue {
	return r.events
}

// Alive reads the dead-man flag. A closed region is never alive.
func (r *Region) Alive() bool {
	return !r.closed.Load() && r.page.Alive()
}

// MarkDead clears the dead-man flag and wakes every waiter on either side.
func (r *Region) MarkDead() {
	if r.closed.Load() {
		return
	}
	r.page.SetAlive(false)
	r.page.Wake()
	r.events.wake()
}

// Validate computes the layout g would have in this region.
func (r *Region) Validate(g Geometry) (Layout, error) {
	return ComputeLayout(g, r.limits)
}

// Commit makes g the active geometry and returns the new generation. Only
// the owner commits. A frame still pending in either channel belongs to the
// old geometry and is dropped.
func (r *Region) Commit(g Geometry) (uint64, error) {
	if !r.owner {
		return 0, fmt.Errorf("commit on peer side: %w", ErrProtocolViolation)
	}
	if r.closed.Load() {
		return 0, ErrRegionClosed
	}
	l, err := ComputeLayout(g, r.limits)
	if err != nil {
		return 0, err
	}
	r.video.drop()
	r.audio.drop()
	r.page.setGeometry(l.Geometry)
	gen := r.page.bumpGeneration()
	r.layout.Store(&l)
	r.seenGen.Store(gen)
	return gen, nil
}

// Refresh applies a geometry committed by the owner. It reports whether the
// generation changed.
func (r *Region) Refresh() (bool, error) {
	if r.closed.Load() {
		return false, ErrRegionClosed
	}
	gen := r.page.Generation()
	if gen == r.seenGen.Load() {
		return false, nil
	}
	l, err := ComputeLayout(r.page.Geometry(), r.limits)
	if err != nil {
		return false, fmt.Errorf("%w: committed geometry: %v", ErrProtocolViolation, err)
	}
	r.layout.Store(&l)
	r.seenGen.Store(gen)
	return true, nil
}

// Closed reports whether Close was called.
func (r *Region) Closed() bool {
	return r.closed.Load()
}

// Close unmaps the region. The caller guarantees no goroutine still touches
// its memory. Close is idempotent.
func (r *Region) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeErr = internalshm.UnmapRegion(context.Background(), r.mapped)
	})
	return r.closeErr
}
