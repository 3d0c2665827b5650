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

// Package lifecycle holds the negotiation state machine every segment runs:
//
//	Requested -> Pending -> Active <-> Resizing
//	Active|Resizing -> Adopting -> Active
//	any -> Closing -> Closed
package lifecycle

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// State of a segment.
type State uint32

const (
	Requested State = iota
	Pending
	Active
	Resizing
	Adopting
	Closing
	Closed
)

var stateNames = [...]string{"Requested", "Pending", "Active", "Resizing", "Adopting", "Closing", "Closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Closed
}

// Live reports whether a segment in state s can carry data.
func (s State) Live() bool {
	return s == Active || s == Resizing
}

var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	Requested: {Pending, Closing},
	Pending:   {Active, Closing},
	Active:    {Resizing, Adopting, Closing},
	Resizing:  {Active, Adopting, Closing},
	Adopting:  {Active, Closing},
	Closing:   {Closed},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine is a lock-free state holder. The zero value is in Requested.
type Machine struct {
	state atomic.Uint32
}

// NewMachine returns a machine in state s.
func NewMachine(s State) *Machine {
	m := &Machine{}
	m.state.Store(uint32(s))
	return m
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

// Transition moves to the given state, failing with ErrIllegalTransition if
// the current state does not allow it.
func (m *Machine) Transition(to State) error {
	for {
		from := m.State()
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		if m.state.CompareAndSwap(uint32(from), uint32(to)) {
			return nil
		}
	}
}

// TransitionFrom moves from -> to only if the machine is still in from.
func (m *Machine) TransitionFrom(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if !m.state.CompareAndSwap(uint32(from), uint32(to)) {
		return fmt.Errorf("%w: %s -> %s (state is %s)", ErrIllegalTransition, from, to, m.State())
	}
	return nil
}

// BeginClose moves any non-terminal state to Closing. It returns false when
// the machine was already Closing or Closed, so only one caller tears down.
func (m *Machine) BeginClose() bool {
	for {
		from := m.State()
		if from == Closing || from == Closed {
			return false
		}
		if m.state.CompareAndSwap(uint32(from), uint32(Closing)) {
			return true
		}
	}
}
