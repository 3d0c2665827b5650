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

package event

// Payload layouts of the typed constructors below. Slots are 4 bytes.
//
//	Ack            cookie [0:2], pid [2]
//	Exit           reason [0]
//	PeerDead       pid [0], reason [1]
//	Adopted        pid [0], parent pid [1]
//	SegmentRequest segment kind [0], request id [1]
//	NewSegment     segment kind [0], request id [1], key string [2:]
//	RequestFailed  request id [0], reason [1]
//	FDTransfer     request id [0]
//	Ping, Pong     nonce [0]
//	Resize*        width [0], height [1], bpp [2], channels [3],
//	               sample rate [4], generation [5:7], reason [7]
//	DisplayHint    width [0], height [1], density [2] (float)
//	StepFrame      frames [0]
//	Underrun       frames [0]
//	GainHint       gain [0] (float)
//	Digital        device [0], pressed [1]
//	Analog         device [0], axis count [1], axes [2:10] (float)
//	Touch          device [0], x [1], y [2] (float), pressed [3]

// MaxKeyLen is the longest segment key NewSegment can carry.
const MaxKeyLen = PayloadSize - 2*4 - 1

// MaxAnalogAxes is the number of axes one Analog event carries.
const MaxAnalogAxes = 8

func Exit(reason uint32) Event {
	e := New(CategorySystem, KindExit)
	e.SetU32(0, reason)
	return e
}

func Ack(cookie uint64, pid int) Event {
	e := New(CategorySystem, KindAck)
	e.SetU64(0, cookie)
	e.SetU32(2, uint32(pid))
	return e
}

// AckInfo returns the cookie and pid carried by an Ack.
func (e Event) AckInfo() (cookie uint64, pid int) {
	return e.U64(0), int(e.U32(2))
}

func PeerDead(pid int, reason uint32) Event {
	e := New(CategorySystem, KindPeerDead)
	e.SetU32(0, uint32(pid))
	e.SetU32(1, reason)
	return e
}

// Adopted tells a recovered segment which process owns it now.
func Adopted(pid, parentPID int) Event {
	e := New(CategorySystem, KindAdopted)
	e.SetU32(0, uint32(pid))
	e.SetU32(1, uint32(parentPID))
	return e
}

// PID returns the pid carried by PeerDead and Adopted.
func (e Event) PID() int {
	return int(e.U32(0))
}

func Handover() Event {
	return New(CategorySystem, KindHandover)
}

func Reset() Event {
	return New(CategorySystem, KindReset)
}

func SegmentRequest(kind, reqID uint32) Event {
	e := New(CategorySystem, KindSegmentRequest)
	e.SetU32(0, kind)
	e.SetU32(1, reqID)
	return e
}

// Request returns the segment kind and request id of a SegmentRequest or NewSegment.
func (e Event) Request() (kind, reqID uint32) {
	return e.U32(0), e.U32(1)
}

// NewSegment announces a granted segment. The key locates the region; when
// it is a descriptor it was sent on the side channel after an FDTransfer
// with the same request id.
func NewSegment(kind, reqID uint32, key string) Event {
	e := New(CategorySystem, KindNewSegment)
	e.SetU32(0, kind)
	e.SetU32(1, reqID)
	e.SetStr(2, key)
	return e
}

// Key returns the key string of a NewSegment.
func (e Event) Key() string {
	return e.Str(2)
}

func RequestFailed(reqID, reason uint32) Event {
	e := New(CategorySystem, KindRequestFailed)
	e.SetU32(0, reqID)
	e.SetU32(1, reason)
	return e
}

// Failure returns the request id and reason of a RequestFailed.
func (e Event) Failure() (reqID, reason uint32) {
	return e.U32(0), e.U32(1)
}

func FDTransfer(reqID uint32) Event {
	e := New(CategorySystem, KindFDTransfer)
	e.SetU32(0, reqID)
	return e
}

func Ping(nonce uint32) Event {
	e := New(CategorySystem, KindPing)
	e.SetU32(0, nonce)
	return e
}

func Pong(nonce uint32) Event {
	e := New(CategorySystem, KindPong)
	e.SetU32(0, nonce)
	return e
}

// Nonce returns the nonce of a Ping or Pong.
func (e Event) Nonce() uint32 {
	return e.U32(0)
}

// Resize is the payload shared by the resize negotiation kinds.
type Resize struct {
	Width      uint32
	Height     uint32
	BPP        uint32
	Channels   uint32
	SampleRate uint32
	Generation uint64
	Reason     uint32
}

func resizeEvent(k Kind, r Resize) Event {
	e := New(CategoryVideo, k)
	e.SetU32(0, r.Width)
	e.SetU32(1, r.Height)
	e.SetU32(2, r.BPP)
	e.SetU32(3, r.Channels)
	e.SetU32(4, r.SampleRate)
	e.SetU64(5, r.Generation)
	e.SetU32(7, r.Reason)
	return e
}

func ResizeProposal(r Resize) Event {
	return resizeEvent(KindResizeProposal, r)
}

func ResizeAccepted(r Resize) Event {
	return resizeEvent(KindResizeAccepted, r)
}

func ResizeRejected(r Resize) Event {
	return resizeEvent(KindResizeRejected, r)
}

// Resize decodes the payload of the resize kinds.
func (e Event) Resize() Resize {
	return Resize{
		Width:      e.U32(0),
		Height:     e.U32(1),
		BPP:        e.U32(2),
		Channels:   e.U32(3),
		SampleRate: e.U32(4),
		Generation: e.U64(5),
		Reason:     e.U32(7),
	}
}

func DisplayHint(width, height uint32, density float32) Event {
	e := New(CategoryVideo, KindDisplayHint)
	e.SetU32(0, width)
	e.SetU32(1, height)
	e.SetF32(2, density)
	return e
}

func StepFrame(frames uint32) Event {
	e := New(CategoryVideo, KindStepFrame)
	e.SetU32(0, frames)
	return e
}

func Underrun(frames uint32) Event {
	e := New(CategoryAudio, KindUnderrun)
	e.SetU32(0, frames)
	return e
}

func GainHint(gain float32) Event {
	e := New(CategoryAudio, KindGainHint)
	e.SetF32(0, gain)
	return e
}

func Digital(device uint32, pressed bool) Event {
	e := New(CategoryInput, KindDigital)
	e.SetU32(0, device)
	if pressed {
		e.SetU32(1, 1)
	}
	return e
}

// Analog carries up to MaxAnalogAxes axis values; extra values are dropped.
func Analog(device uint32, axes ...float32) Event {
	e := New(CategoryInput, KindAnalog)
	if len(axes) > MaxAnalogAxes {
		axes = axes[:MaxAnalogAxes]
	}
	e.SetU32(0, device)
	e.SetU32(1, uint32(len(axes)))
	for i, v := range axes {
		e.SetF32(2+i, v)
	}
	return e
}

// Axes returns the axis values of an Analog event.
func (e Event) Axes() []float32 {
	n := int(e.U32(1))
	if n > MaxAnalogAxes {
		n = MaxAnalogAxes
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = e.F32(2 + i)
	}
	return out
}

func Touch(device uint32, x, y float32, pressed bool) Event {
	e := New(CategoryInput, KindTouch)
	e.SetU32(0, device)
	e.SetF32(1, x)
	e.SetF32(2, y)
	if pressed {
		e.SetU32(3, 1)
	}
	return e
}
