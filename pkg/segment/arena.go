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
	"fmt"

	"github.com/srediag/shmif/pkg/lifecycle"
	"github.com/srediag/shmif/pkg/shm"
)

// Handle is a stable reference to a segment: an arena slot and the slot
// generation it was issued for. A handle whose slot has been reused is stale
// and behaves like a closed segment.
type Handle struct {
	Index uint32
	Gen   uint32
}

// Valid reports whether h was ever issued. The zero Handle is never issued.
func (h Handle) Valid() bool {
	return h.Gen != 0
}

func (h Handle) String() string {
	return fmt.Sprintf("seg#%d.%d", h.Index, h.Gen)
}

type slot struct {
	gen uint32
	seg *Segment
}

// arena owns every segment. Closed segments stay in their slot as
// tombstones until the arena needs the room.
type arena struct {
	slots []slot
	free  []uint32
	max   int
	live  int
}

func newArena(limit int) *arena {
	return &arena{max: limit}
}

func (a *arena) insert(s *Segment) (Handle, error) {
	if len(a.free) == 0 && len(a.slots) >= a.max {
		a.reap()
	}
	var idx uint32
	switch {
	case len(a.free) > 0:
		idx = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case len(a.slots) < a.max:
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{})
	default:
		return Handle{}, fmt.Errorf("%w: %d segments open", shm.ErrResourceExhausted, a.live)
	}
	sl := &a.slots[idx]
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	sl.seg = s
	a.live++
	h := Handle{Index: idx, Gen: sl.gen}
	s.handle = h
	return h, nil
}

// reap frees the slots of closed segments.
func (a *arena) reap() int {
	n := 0
	for i := range a.slots {
		sl := &a.slots[i]
		if sl.seg != nil && sl.seg.State() == lifecycle.Closed {
			sl.seg = nil
			a.free = append(a.free, uint32(i))
			a.live--
			n++
		}
	}
	return n
}

func (a *arena) get(h Handle) *Segment {
	if !h.Valid() || int(h.Index) >= len(a.slots) {
		return nil
	}
	sl := a.slots[h.Index]
	if sl.gen != h.Gen {
		return nil
	}
	return sl.seg
}

// each visits every segment that is not a tombstone.
func (a *arena) each(fn func(*Segment)) {
	for i := range a.slots {
		if s := a.slots[i].seg; s != nil && s.State() != lifecycle.Closed {
			fn(s)
		}
	}
}

// open counts segments that are not yet Closed.
func (a *arena) open() int {
	n := 0
	a.each(func(*Segment) { n++ })
	return n
}
