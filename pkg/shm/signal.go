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
	"sync/atomic"
	"time"

	internalshm "github.com/srediag/shmif/internal/shm"
)

// WaitResult is the outcome of a bounded wait.
type WaitResult int

const (
	Ready WaitResult = iota
	Timeout
	Dead
)

func (r WaitResult) String() string {
	switch r {
	case Ready:
		return "ready"
	case Timeout:
		return "timeout"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// waitSlice bounds one futex sleep so a cleared dead-man flag is noticed
// even when nobody posts.
const waitSlice = 10 * time.Millisecond

// Signal is a counting semaphore living in a shared word.
type Signal struct {
	word *uint32
}

// Post increments the count and wakes one waiter.
func (s Signal) Post() {
	atomic.AddUint32(s.word, 1)
	_ = internalshm.FutexWake(s.word, 1)
}

// Count returns the current count.
func (s Signal) Count() uint32 {
	return atomic.LoadUint32(s.word)
}

// TryWait takes one count without blocking.
func (s Signal) TryWait() bool {
	for {
		v := atomic.LoadUint32(s.word)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.word, v, v-1) {
			return true
		}
	}
}

// Wait takes one count, sleeping up to timeout. alive is polled between
// sleeps; when it turns false the wait ends with Dead.
func (s Signal) Wait(timeout time.Duration, alive func() bool) WaitResult {
	return waitUntil(timeout, alive, func() (bool, uint32) {
		if s.TryWait() {
			return true, 0
		}
		return false, 0
	}, s.word)
}

// waitUntil runs cond until it holds, the deadline passes or alive fails.
// cond returns the word value it observed so the futex sleep only happens
// while the word still has that value.
func waitUntil(timeout time.Duration, alive func() bool, cond func() (bool, uint32), word *uint32) WaitResult {
	deadline := time.Now().Add(timeout)
	for {
		ok, seen := cond()
		if ok {
			return Ready
		}
		if alive != nil && !alive() {
			return Dead
		}
		left := time.Until(deadline)
		if left <= 0 {
			return Timeout
		}
		if left > waitSlice {
			left = waitSlice
		}
		_ = internalshm.FutexWait(word, seen, left)
	}
}
