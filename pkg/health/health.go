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

// Package health tracks peer liveness from probe results.
package health

import (
	"fmt"
	"sync"
	"time"
)

// Liveness of a frameserver process as seen by the supervisor.
type Liveness uint32

const (
	Alive Liveness = iota
	Unresponsive
	Dead
	Adopted
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Unresponsive:
		return "unresponsive"
	case Dead:
		return "dead"
	case Adopted:
		return "adopted"
	}
	return fmt.Sprintf("Liveness(%d)", uint32(l))
}

// DefaultMissedResponseLimit is the number of consecutive missed probe
// responses that declares a peer dead.
const DefaultMissedResponseLimit = 3

// Tracker folds probe outcomes into a Liveness. Dead and Adopted are sticky.
type Tracker struct {
	mu       sync.Mutex
	limit    int
	misses   int
	state    Liveness
	lastSeen time.Time
	reason   string
}

func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultMissedResponseLimit
	}
	return &Tracker{limit: limit, state: Alive, lastSeen: time.Now()}
}

// Hit records a timely response.
func (t *Tracker) Hit() Liveness {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Dead || t.state == Adopted {
		return t.state
	}
	t.misses = 0
	t.state = Alive
	t.lastSeen = time.Now()
	return t.state
}

// Miss records a missed response and returns the new state.
func (t *Tracker) Miss() Liveness {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Dead || t.state == Adopted {
		return t.state
	}
	t.misses++
	if t.misses >= t.limit {
		t.state = Dead
		t.reason = fmt.Sprintf("%d missed responses", t.misses)
	} else {
		t.state = Unresponsive
	}
	return t.state
}

// MarkDead forces Dead. It returns false if the tracker already was Dead.
func (t *Tracker) MarkDead(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Dead {
		return false
	}
	t.state = Dead
	t.reason = reason
	return true
}

// MarkAdopted records that the process's orphans went to a replacement.
func (t *Tracker) MarkAdopted() {
	t.mu.Lock()
	t.state = Adopted
	t.mu.Unlock()
}

func (t *Tracker) State() Liveness {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) Misses() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.misses
}

// Reason returns why the tracker went Dead, if it did.
func (t *Tracker) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Tracker) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}
