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

package lifecycle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LifecycleTestSuite struct {
	suite.Suite
}

func (s *LifecycleTestSuite) TestOpenSequence() {
	m := NewMachine(Requested)
	s.Require().NoError(m.Transition(Pending))
	s.Require().NoError(m.Transition(Active))
	s.Require().True(m.State().Live())
	s.Require().NoError(m.Transition(Resizing))
	s.Require().NoError(m.Transition(Active))
	s.Require().NoError(m.Transition(Adopting))
	s.Require().NoError(m.Transition(Active))
}

func (s *LifecycleTestSuite) TestIllegal() {
	cases := []struct{ from, to State }{
		{Requested, Active},
		{Pending, Resizing},
		{Closed, Active},
		{Closing, Active},
		{Requested, Adopting},
		{Adopting, Resizing},
	}
	for _, c := range cases {
		m := NewMachine(c.from)
		err := m.Transition(c.to)
		s.Require().ErrorIs(err, ErrIllegalTransition, "%s -> %s", c.from, c.to)
		s.Require().Equal(c.from, m.State())
	}
}

func (s *LifecycleTestSuite) TestEveryStateCanClose() {
	for _, st := range []State{Requested, Pending, Active, Resizing, Adopting} {
		m := NewMachine(st)
		s.Require().True(m.BeginClose(), st.String())
		s.Require().False(m.BeginClose())
		s.Require().NoError(m.Transition(Closed))
		s.Require().True(m.State().Terminal())
		s.Require().False(m.BeginClose())
	}
}

func (s *LifecycleTestSuite) TestTransitionFrom() {
	m := NewMachine(Active)
	s.Require().ErrorIs(m.TransitionFrom(Resizing, Active), ErrIllegalTransition)
	s.Require().NoError(m.TransitionFrom(Active, Resizing))
}

func (s *LifecycleTestSuite) TestSingleCloser() {
	m := NewMachine(Active)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.BeginClose() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Require().Equal(1, winners)
}

func (s *LifecycleTestSuite) TestString() {
	s.Require().Equal("Resizing", Resizing.String())
	s.Require().Equal("State(42)", State(42).String())
}

func TestLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(LifecycleTestSuite))
}
