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

// Package shm contains the platform helpers behind pkg/shm: mapping shared
// memory, cross-process futex waits and atomic access to mapped words.
package shm

import "errors"

// MemMapType selects how a shared region is backed.
type MemMapType uint8

const (
	// MemMapTypeDevShmFile backs the region with a file under /dev/shm.
	MemMapTypeDevShmFile MemMapType = iota
	// MemMapTypeMemFd backs the region with an anonymous memfd.
	MemMapTypeMemFd
)

func (t MemMapType) String() string {
	switch t {
	case MemMapTypeMemFd:
		return "memfd"
	case MemMapTypeDevShmFile:
		return "devshm"
	}
	return "unknown"
}

const devShmDir = "/dev/shm"

var (
	// ErrShareMemoryHadNotLeftSpace is returned when /dev/shm cannot hold the region.
	ErrShareMemoryHadNotLeftSpace = errors.New("share memory had not left space")
	// ErrUnsupported is returned on platforms without shared memory support.
	ErrUnsupported = errors.New("shared memory is not supported on this platform")
	// ErrFutexTimeout is returned when a futex wait ran out of time.
	ErrFutexTimeout = errors.New("futex wait timed out")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	// Fd stays open for memfd regions so it can be passed to a peer; -1 otherwise.
	Fd   int
	Path string
	Type MemMapType
	// Owner regions unlink their backing file on unmap.
	Owner bool
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	// Name is the memfd name or the /dev/shm path (absolute or relative to /dev/shm).
	Name string
	// Size is the mapping length. When mapping an existing region a zero
	// Size maps the whole backing object.
	Size   int
	Create bool
	Type   MemMapType
	// Fd maps an existing memfd. It is duplicated, the caller keeps its own.
	Fd int
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
