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

	"github.com/srediag/shmif/pkg/shm"
)

// Role of a segment in its tree.
type Role uint8

const (
	Primary Role = iota
	Subsegment
)

func (r Role) String() string {
	if r == Primary {
		return "primary"
	}
	return "subsegment"
}

// Kind is the type tag stored in the page header.
type Kind uint32

const (
	Application Kind = iota + 1
	Media
	Clipboard
	Sink
	Encoder
	Debug
)

var kindNames = map[Kind]string{
	Application: "application",
	Media:       "media",
	Clipboard:   "clipboard",
	Sink:        "sink",
	Encoder:     "encoder",
	Debug:       "debug",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown segment kind %q", s)
}

// Surface is the kind-specific behaviour of a segment, resolved once when
// the segment is created.
type Surface interface {
	Kind() Kind
	// Default is the geometry a segment of this kind starts with.
	Default() shm.Geometry
	// Accept rejects geometries this kind cannot carry.
	Accept(g shm.Geometry) error
	// Adoptable reports whether an orphan of this kind may be re-parented
	// after the process that requested it died.
	Adoptable() bool
}

var defaultAV = shm.Geometry{Width: 640, Height: 480, BPP: 32, Channels: 2, SampleRate: 48000}

type avSurface struct {
	kind      Kind
	adoptable bool
}

func (s avSurface) Kind() Kind                { return s.kind }
func (s avSurface) Default() shm.Geometry     { return defaultAV }
func (s avSurface) Accept(shm.Geometry) error { return nil }
func (s avSurface) Adoptable() bool           { return s.adoptable }

// clipboardSurface moves pasted images; it never carries audio.
type clipboardSurface struct{}

func (clipboardSurface) Kind() Kind { return Clipboard }

func (clipboardSurface) Default() shm.Geometry {
	return shm.Geometry{Width: 32, Height: 32, BPP: 32}
}

func (clipboardSurface) Accept(g shm.Geometry) error {
	if g.HasAudio() {
		return fmt.Errorf("%w: clipboard segments carry no audio", shm.ErrGeometryInvalid)
	}
	return nil
}

func (clipboardSurface) Adoptable() bool { return false }

// sinkSurface is an accessory audio output.
type sinkSurface struct{}

func (sinkSurface) Kind() Kind { return Sink }

func (sinkSurface) Default() shm.Geometry {
	return shm.Geometry{Channels: 2, SampleRate: 48000}
}

func (sinkSurface) Accept(g shm.Geometry) error {
	if g.HasVideo() {
		return fmt.Errorf("%w: sink segments carry no video", shm.ErrGeometryInvalid)
	}
	return nil
}

func (sinkSurface) Adoptable() bool { return true }

// debugSurface is a small video-only view into a peer.
type debugSurface struct{}

func (debugSurface) Kind() Kind { return Debug }

func (debugSurface) Default() shm.Geometry {
	return shm.Geometry{Width: 320, Height: 240, BPP: 32}
}

func (debugSurface) Accept(g shm.Geometry) error {
	if g.HasAudio() {
		return fmt.Errorf("%w: debug segments carry no audio", shm.ErrGeometryInvalid)
	}
	return nil
}

func (debugSurface) Adoptable() bool { return false }

// SurfaceFor resolves the surface of kind k.
func SurfaceFor(k Kind) (Surface, error) {
	switch k {
	case Application:
		return avSurface{kind: Application, adoptable: true}, nil
	case Media:
		return avSurface{kind: Media, adoptable: true}, nil
	case Encoder:
		return avSurface{kind: Encoder, adoptable: true}, nil
	case Clipboard:
		return clipboardSurface{}, nil
	case Sink:
		return sinkSurface{}, nil
	case Debug:
		return debugSurface{}, nil
	}
	return nil, fmt.Errorf("%w: unknown segment kind %d", shm.ErrGeometryInvalid, uint32(k))
}
