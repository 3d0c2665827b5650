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
	"runtime"
	"runtime/debug"
)

// RecoverableFault is a memory fault taken while touching a peer's shared
// memory, typically SIGBUS after the peer truncated the backing file. It is
// handled as the death of that peer only.
type RecoverableFault struct {
	PID  int
	Op   string
	Addr uintptr
	Err  error
}

func (f *RecoverableFault) Error() string {
	return fmt.Sprintf("fault in %s of pid %d at %#x: %v", f.Op, f.PID, f.Addr, f.Err)
}

func (f *RecoverableFault) Unwrap() error {
	return f.Err
}

// Guard runs fn with memory faults on the calling goroutine turned into a
// *RecoverableFault. Other panics propagate. fn must not leave locks held
// when it faults midway.
func Guard(pid int, op string, fn func() error) (err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		re, ok := r.(runtime.Error)
		if !ok {
			panic(r)
		}
		fault, ok := r.(interface{ Addr() uintptr })
		if !ok {
			panic(r)
		}
		err = &RecoverableFault{PID: pid, Op: op, Addr: fault.Addr(), Err: re}
	}()
	return fn()
}
