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

	"github.com/srediag/shmif/pkg/event"
)

const (
	// Alignment is the boundary every sub-region starts on.
	Alignment = 64
	// HeaderSize is the size of the fixed page header.
	HeaderSize = 256
	// RingHeaderSize precedes the records of each event ring.
	RingHeaderSize = 64
	// AudioChunksPerSecond sizes the audio buffer as 1/25 s of s16 samples.
	AudioChunksPerSecond = 25
	// AudioSampleSize is the size of one s16 sample.
	AudioSampleSize = 2

	MaxAudioChannels = 8
	MaxSampleRate    = 192000
	// MaxDimension bounds width and height when no tighter limit is configured.
	MaxDimension = 16384
	MaxQueueCap  = 4096
)

// Geometry is the negotiated shape of a segment's two data channels.
// A zero Width and Height disables video; zero Channels disables audio.
type Geometry struct {
	Width      uint32
	Height     uint32
	BPP        uint32 // bits per pixel: 8, 16, 24 or 32
	Channels   uint32
	SampleRate uint32
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d@%dbpp %dch/%dHz", g.Width, g.Height, g.BPP, g.Channels, g.SampleRate)
}

// HasVideo reports whether the video channel is enabled.
func (g Geometry) HasVideo() bool {
	return g.Width != 0 && g.Height != 0
}

// HasAudio reports whether the audio channel is enabled.
func (g Geometry) HasAudio() bool {
	return g.Channels != 0
}

// ResizePayload converts g to the event payload form.
func (g Geometry) ResizePayload(gen uint64, reason ErrorKind) event.Resize {
	return event.Resize{
		Width:      g.Width,
		Height:     g.Height,
		BPP:        g.BPP,
		Channels:   g.Channels,
		SampleRate: g.SampleRate,
		Generation: gen,
		Reason:     uint32(reason),
	}
}

// GeometryFromResize is the inverse of ResizePayload.
func GeometryFromResize(r event.Resize) Geometry {
	return Geometry{Width: r.Width, Height: r.Height, BPP: r.BPP, Channels: r.Channels, SampleRate: r.SampleRate}
}

// Limits bound what ComputeLayout accepts.
type Limits struct {
	MaxWidth      uint32
	MaxHeight     uint32
	MaxRegionSize uint64
	// QueueCap is the number of slots per event ring, a power of two.
	QueueCap uint32
}

// DefaultLimits fit a 4K frame with stereo audio.
func DefaultLimits() Limits {
	return Limits{
		MaxWidth:      3840,
		MaxHeight:     2160,
		MaxRegionSize: 48 << 20,
		QueueCap:      64,
	}
}

// Layout holds the byte offsets of every sub-region of a segment.
type Layout struct {
	Geometry Geometry
	QueueCap uint32

	EventOffset uint64 // first of the two rings
	EventSize   uint64 // both rings
	RingSize    uint64 // one ring
	AudioOffset uint64
	AudioSize   uint64
	VideoOffset uint64
	VideoSize   uint64
	Stride      uint64
	TotalSize   uint64
}

// InRingOffset is the owner to peer ring.
func (l Layout) InRingOffset() uint64 {
	return l.EventOffset
}

// OutRingOffset is the peer to owner ring.
func (l Layout) OutRingOffset() uint64 {
	return l.EventOffset + l.RingSize
}

// Span is a [Offset, Offset+Size) range of the region.
type Span struct {
	Name   string
	Offset uint64
	Size   uint64
}

// End returns the first byte past the span.
func (s Span) End() uint64 {
	return s.Offset + s.Size
}

// Spans lists the sub-regions in address order.
func (l Layout) Spans() []Span {
	return []Span{
		{"header", 0, HeaderSize},
		{"events-in", l.InRingOffset(), l.RingSize},
		{"events-out", l.OutRingOffset(), l.RingSize},
		{"audio", l.AudioOffset, l.AudioSize},
		{"video", l.VideoOffset, l.VideoSize},
	}
}

func alignUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// RingSize returns the bytes one event ring of queueCap slots occupies.
func RingSize(queueCap uint32) uint64 {
	return alignUp(RingHeaderSize + uint64(queueCap)*event.Size)
}

// ValidateGeometry checks g against lim without computing the region size.
func ValidateGeometry(g Geometry, lim Limits) error {
	maxW, maxH := lim.MaxWidth, lim.MaxHeight
	if maxW == 0 || maxW > MaxDimension {
		maxW = MaxDimension
	}
	if maxH == 0 || maxH > MaxDimension {
		maxH = MaxDimension
	}
	if (g.Width == 0) != (g.Height == 0) {
		return fmt.Errorf("%w: partial video dimensions %dx%d", ErrGeometryInvalid, g.Width, g.Height)
	}
	if g.HasVideo() {
		switch g.BPP {
		case 8, 16, 24, 32:
		default:
			return fmt.Errorf("%w: bpp %d", ErrGeometryInvalid, g.BPP)
		}
		if g.Width > maxW || g.Height > maxH {
			return fmt.Errorf("%w: %dx%d exceeds %dx%d", ErrGeometryInvalid, g.Width, g.Height, maxW, maxH)
		}
	}
	if g.Channels > MaxAudioChannels {
		return fmt.Errorf("%w: %d audio channels", ErrGeometryInvalid, g.Channels)
	}
	if g.HasAudio() && (g.SampleRate == 0 || g.SampleRate > MaxSampleRate) {
		return fmt.Errorf("%w: sample rate %d", ErrGeometryInvalid, g.SampleRate)
	}
	return nil
}

func validQueueCap(c uint32) bool {
	return c >= 2 && c <= MaxQueueCap && c&(c-1) == 0
}

// ComputeLayout maps a geometry to the offsets of every sub-region. It is a
// pure function: both sides call it with the geometry from the header and
// must get identical results. The order is header, the two event rings,
// audio, then video, each starting on an Alignment boundary. The event rings
// depend only on the queue capacity so a resize never moves them.
func ComputeLayout(g Geometry, lim Limits) (Layout, error) {
	if !validQueueCap(lim.QueueCap) {
		return Layout{}, fmt.Errorf("%w: queue capacity %d", ErrGeometryInvalid, lim.QueueCap)
	}
	if err := ValidateGeometry(g, lim); err != nil {
		return Layout{}, err
	}

	l := Layout{Geometry: g, QueueCap: lim.QueueCap}
	if !g.HasVideo() {
		l.Geometry.BPP = 0
	}
	if !g.HasAudio() {
		l.Geometry.SampleRate = 0
	}
	l.EventOffset = alignUp(HeaderSize)
	l.RingSize = RingSize(lim.QueueCap)
	l.EventSize = 2 * l.RingSize

	l.AudioOffset = alignUp(l.EventOffset + l.EventSize)
	if g.HasAudio() {
		l.AudioSize = uint64(g.Channels) * uint64(g.SampleRate) * AudioSampleSize / AudioChunksPerSecond
	}

	l.VideoOffset = alignUp(l.AudioOffset + l.AudioSize)
	if g.HasVideo() {
		l.Stride = uint64(g.Width) * uint64(g.BPP) / 8
		l.VideoSize = l.Stride * uint64(g.Height)
	}

	l.TotalSize = alignUp(l.VideoOffset + l.VideoSize)
	if lim.MaxRegionSize != 0 && l.TotalSize > lim.MaxRegionSize {
		return Layout{}, fmt.Errorf("%w: %s needs %d bytes, limit %d",
			ErrGeometryTooLarge, g, l.TotalSize, lim.MaxRegionSize)
	}
	return l, nil
}
