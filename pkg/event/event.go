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

// Package event defines the fixed-size records exchanged over a segment's
// event rings. An Event is a plain value: it never points outside itself and
// is copied verbatim into shared memory.
//
// Wire format (little-endian, Size bytes):
//
//	[0]      category
//	[1]      kind
//	[2:4]    flags
//	[4:8]    sequence number, stamped by the producing ring
//	[8:128]  payload, thirty 4-byte slots or a NUL-terminated string
package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

const (
	// Size is the encoded size of one Event.
	Size = 128
	// PayloadSize is the number of payload bytes.
	PayloadSize = Size - headerSize
	// Slots is the number of 4-byte payload slots.
	Slots = PayloadSize / 4

	headerSize = 8
)

// ErrMalformed is returned when a record read from shared memory is not a valid Event.
var ErrMalformed = errors.New("malformed event record")

// Category groups event kinds. The zero value is invalid on the wire.
type Category uint8

const (
	CategorySystem Category = iota + 1
	CategoryInput
	CategoryVideo
	CategoryAudio
)

// Kind identifies an event within its category.
type Kind uint8

// System kinds.
const (
	KindExit Kind = iota + 1
	KindAck
	KindPeerDead
	KindHandover
	KindSegmentRequest
	KindNewSegment
	KindRequestFailed
	KindFDTransfer
	KindPing
	KindPong
	KindAdopted
	KindReset
)

// Video kinds.
const (
	KindResizeProposal Kind = iota + 1
	KindResizeAccepted
	KindResizeRejected
	KindDisplayHint
	KindStepFrame
)

// Audio kinds.
const (
	KindUnderrun Kind = iota + 1
	KindGainHint
)

// Input kinds.
const (
	KindDigital Kind = iota + 1
	KindAnalog
	KindTouch
)

// Policy is what a producer does when the ring is full.
type Policy uint8

const (
	// PolicyBlock waits for space, bounded by the enqueue timeout.
	PolicyBlock Policy = iota
	// PolicyReject fails immediately.
	PolicyReject
	// PolicyCoalesce keeps only the newest pending event of the same key.
	PolicyCoalesce
)

// Event is one fixed-size record.
type Event struct {
	Category Category
	Kind     Kind
	Flags    uint16
	Seq      uint32
	Data     [PayloadSize]byte
}

// New returns an empty event of the given category and kind.
func New(c Category, k Kind) Event {
	return Event{Category: c, Kind: k}
}

// Is reports whether e has category c and kind k.
func (e Event) Is(c Category, k Kind) bool {
	return e.Category == c && e.Kind == k
}

// Policy returns the saturation policy for e.
func (e Event) Policy() Policy {
	if e.Coalescable() {
		return PolicyCoalesce
	}
	if e.Category == CategoryInput {
		return PolicyReject
	}
	return PolicyBlock
}

// Coalescable reports whether e is a high-frequency hint where only the
// newest value matters.
func (e Event) Coalescable() bool {
	return e.Is(CategoryVideo, KindDisplayHint) || e.Is(CategoryInput, KindAnalog)
}

// CoalesceKey identifies the pending slot a coalescable event replaces.
func (e Event) CoalesceKey() uint64 {
	key := uint64(e.Category)<<40 | uint64(e.Kind)<<32
	if e.Is(CategoryInput, KindAnalog) {
		key |= uint64(e.U32(0))
	}
	return key
}

func (e Event) U32(slot int) uint32 {
	return binary.LittleEndian.Uint32(e.Data[slot*4:])
}

func (e *Event) SetU32(slot int, v uint32) {
	binary.LittleEndian.PutUint32(e.Data[slot*4:], v)
}

func (e Event) I32(slot int) int32 {
	return int32(e.U32(slot))
}

func (e *Event) SetI32(slot int, v int32) {
	e.SetU32(slot, uint32(v))
}

func (e Event) F32(slot int) float32 {
	return math.Float32frombits(e.U32(slot))
}

func (e *Event) SetF32(slot int, v float32) {
	e.SetU32(slot, math.Float32bits(v))
}

// U64 reads slots slot and slot+1.
func (e Event) U64(slot int) uint64 {
	return binary.LittleEndian.Uint64(e.Data[slot*4:])
}

func (e *Event) SetU64(slot int, v uint64) {
	binary.LittleEndian.PutUint64(e.Data[slot*4:], v)
}

// Str reads a NUL-terminated string starting at slot.
func (e Event) Str(slot int) string {
	b := e.Data[slot*4:]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// SetStr writes s at slot, truncated so the terminating NUL always fits.
// It returns false when s had to be truncated.
func (e *Event) SetStr(slot int, s string) bool {
	b := e.Data[slot*4:]
	n := copy(b[:len(b)-1], s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
	return n == len(s)
}

// MarshalTo encodes e into b, which must hold at least Size bytes.
func (e *Event) MarshalTo(b []byte) {
	_ = b[Size-1]
	b[0] = byte(e.Category)
	b[1] = byte(e.Kind)
	binary.LittleEndian.PutUint16(b[2:], e.Flags)
	binary.LittleEndian.PutUint32(b[4:], e.Seq)
	copy(b[headerSize:Size], e.Data[:])
}

// Unmarshal decodes one record. Unknown kinds are passed through, an unknown
// category is rejected.
func Unmarshal(b []byte) (Event, error) {
	var e Event
	if len(b) < Size {
		return e, fmt.Errorf("%w: short record (%d bytes)", ErrMalformed, len(b))
	}
	e.Category = Category(b[0])
	e.Kind = Kind(b[1])
	if e.Category < CategorySystem || e.Category > CategoryAudio {
		return e, fmt.Errorf("%w: category %d", ErrMalformed, b[0])
	}
	e.Flags = binary.LittleEndian.Uint16(b[2:])
	e.Seq = binary.LittleEndian.Uint32(b[4:])
	copy(e.Data[:], b[headerSize:Size])
	return e, nil
}

func (c Category) String() string {
	switch c {
	case CategorySystem:
		return "system"
	case CategoryInput:
		return "input"
	case CategoryVideo:
		return "video"
	case CategoryAudio:
		return "audio"
	}
	return "category(" + strconv.Itoa(int(c)) + ")"
}

var kindNames = map[Category][]string{
	CategorySystem: {"", "exit", "ack", "peer-dead", "handover", "segment-request", "new-segment",
		"request-failed", "fd-transfer", "ping", "pong", "adopted", "reset"},
	CategoryVideo: {"", "resize-proposal", "resize-accepted", "resize-rejected", "display-hint", "step-frame"},
	CategoryAudio: {"", "underrun", "gain-hint"},
	CategoryInput: {"", "digital", "analog", "touch"},
}

// KindName returns the name of k within c.
func KindName(c Category, k Kind) string {
	if names, ok := kindNames[c]; ok && int(k) > 0 && int(k) < len(names) {
		return names[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

func (e Event) String() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.WriteString(e.Category.String())
	_ = buf.WriteByte('/')
	_, _ = buf.WriteString(KindName(e.Category, e.Kind))
	_, _ = buf.WriteString(" seq=")
	_, _ = buf.WriteString(strconv.FormatUint(uint64(e.Seq), 10))
	_, _ = buf.WriteString(" [")
	for i := 0; i < 4; i++ {
		if i > 0 {
			_ = buf.WriteByte(' ')
		}
		_, _ = buf.WriteString(strconv.FormatUint(uint64(e.U32(i)), 10))
	}
	_, _ = buf.WriteString(" ...]")
	return buf.String()
}
