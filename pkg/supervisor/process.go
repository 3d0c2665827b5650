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

//go:build linux

package supervisor

import (
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/srediag/shmif/pkg/health"
	"github.com/srediag/shmif/pkg/segment"
	"github.com/srediag/shmif/pkg/shm"
)

// SpawnArgs describe a frameserver to start.
type SpawnArgs struct {
	Path string
	Args []string
	// Env is added to the supervisor's own environment.
	Env []string
	Dir string

	Kind     segment.Kind
	Geometry *shm.Geometry

	// Respawn allows a replacement after the process dies. The replacement
	// adopts the orphaned subsegments.
	Respawn bool

	Stdout io.Writer
	Stderr io.Writer
}

// Process is one supervised frameserver and its primary segment.
type Process struct {
	id       string
	args     SpawnArgs
	cmd      *exec.Cmd
	primary  segment.Handle
	tracker  *health.Tracker
	started  time.Time
	restarts int

	exited  chan struct{}
	exitErr error

	nonce     atomic.Uint32
	sentNonce atomic.Uint32
	dying     atomic.Bool
}

func (p *Process) ID() string {
	return p.id
}

func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Primary is the segment the process was started with.
func (p *Process) Primary() segment.Handle {
	return p.primary
}

func (p *Process) Liveness() health.Liveness {
	return p.tracker.State()
}

// Restarts counts the predecessors this process replaced.
func (p *Process) Restarts() int {
	return p.restarts
}

func (p *Process) Started() time.Time {
	return p.started
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr is the wait status, valid after Exited.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

func (p *Process) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.exited)
}

// kill stops the process if it still runs and waits up to grace for it to
// be reaped.
func (p *Process) kill(grace time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.exited:
	case <-time.After(grace):
	}
}
