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

//go:build !linux

package shm

import (
	"context"
	"sync/atomic"
	"time"
)

// MapRegion is not available on this platform.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// UnmapRegion is not available on this platform.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return ErrUnsupported
}

// DevShmPath returns name unchanged on this platform.
func DevShmPath(name string) string {
	return name
}

// MemfdCreate is not available on this platform.
func MemfdCreate(name string) (int, error) {
	return -1, ErrUnsupported
}

// FutexWait polls *addr in 1ms steps.
func FutexWait(addr *uint32, val uint32, d time.Duration) error {
	deadline := time.Now().Add(d)
	for atomic.LoadUint32(addr) == val {
		if !time.Now().Before(deadline) {
			return ErrFutexTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// FutexWake is a no-op; waiters poll.
func FutexWake(addr *uint32, n int) error {
	return nil
}
