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
	"time"

	internalshm "github.com/srediag/shmif/internal/shm"
)

// ChannelKind selects one of the two bulk data channels.
type ChannelKind int

const (
	ChannelVideo ChannelKind = iota
	ChannelAudio
)

func (c ChannelKind) String() string {
	if c == ChannelAudio {
		return "audio"
	}
	return "video"
}

// Channel is one single-buffered data channel of a region. The producer
// fills Bytes, then Publish marks the buffer ready and posts the signal. The
// consumer Acquires, reads, then Releases; only after that may the producer
// write again. The ready word is the ownership token: whoever holds it may
// touch the buffer.
type Channel struct {
	region *Region
	kind   ChannelKind
	ready  *uint32
	used   *uint32
	signal Signal
}

func newChannel(r *Region, kind ChannelKind) *Channel {
	return &Channel{
		region: r,
		kind:   kind,
		ready:  r.page.readyWord(kind),
		used:   r.page.usedWord(kind),
		signal: Signal{word: r.page.signalWord(kind)},
	}
}

// Kind returns the channel kind.
func (c *Channel) Kind() ChannelKind {
	return c.kind
}

// Bytes returns the buffer at the current generation's offsets. The slice
// is only valid until the next accepted resize.
func (c *Channel) Bytes() []byte {
	if c.region.Closed() {
		return nil
	}
	l := c.region.Layout()
	off, size := l.VideoOffset, l.VideoSize
	if c.kind == ChannelAudio {
		off, size = l.AudioOffset, l.AudioSize
	}
	if size == 0 {
		return nil
	}
	return c.region.mem()[off : off+size : off+size]
}

// Ready reports whether a published frame awaits the consumer.
func (c *Channel) Ready() bool {
	return atomic.LoadUint32(c.ready) == 1
}

// Used returns the number of bytes the producer marked as valid.
func (c *Channel) Used() int {
	return int(atomic.LoadUint32(c.used))
}

// Publish hands the buffer to the consumer. n is the number of valid bytes,
// clamped to the buffer size. The buffer must be fully written before the call.
func (c *Channel) Publish(n int) error {
	if !c.region.Alive() {
		return ErrPeerDead
	}
	size := len(c.Bytes())
	if n < 0 || n > size {
		n = size
	}
	// only the consumer clears ready, so seeing 0 keeps the buffer ours
	if atomic.LoadUint32(c.ready) != 0 {
		return fmt.Errorf("%s: %w", c.kind, ErrChannelBusy)
	}
	atomic.StoreUint32(c.used, uint32(n))
	if !atomic.CompareAndSwapUint32(c.ready, 0, 1) {
		return fmt.Errorf("%s: %w", c.kind, ErrChannelBusy)
	}
	c.signal.Post()
	return nil
}

// Acquire waits for a published frame. On Ready the consumer owns the
// buffer until Release.
func (c *Channel) Acquire(timeout time.Duration) WaitResult {
	deadline := time.Now().Add(timeout)
	for {
		res := c.signal.Wait(time.Until(deadline), c.region.Alive)
		if res == Dead {
			return Dead
		}
		// a frame can be ready without a post when a resize drained the
		// signal, and a post can be stale when a resize dropped its frame
		if c.Ready() {
			return Ready
		}
		if res == Timeout {
			return Timeout
		}
	}
}

// Release returns the buffer to the producer.
func (c *Channel) Release() {
	atomic.StoreUint32(c.ready, 0)
	_ = internalshm.FutexWake(c.ready, 1)
}

// WaitReleased blocks the producer until the consumer released the last
// frame.
func (c *Channel) WaitReleased(timeout time.Duration) WaitResult {
	return waitUntil(timeout, c.region.Alive, func() (bool, uint32) {
		v := atomic.LoadUint32(c.ready)
		return v == 0, v
	}, c.ready)
}

// drop discards a pending frame and any posts for it.
func (c *Channel) drop() {
	for c.signal.TryWait() {
	}
	c.Release()
}
