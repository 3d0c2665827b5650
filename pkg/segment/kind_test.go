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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmif/pkg/lifecycle"
	"github.com/srediag/shmif/pkg/shm"
)

func TestParseKind(t *testing.T) {
	for k, name := range kindNames {
		got, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("window")
	assert.Error(t, err)
}

func TestSurfaces(t *testing.T) {
	sink, err := SurfaceFor(Sink)
	require.NoError(t, err)
	assert.True(t, sink.Adoptable())

	clip, err := SurfaceFor(Clipboard)
	require.NoError(t, err)
	assert.False(t, clip.Adoptable())
	assert.Error(t, clip.Accept(shm.Geometry{Width: 32, Height: 32, BPP: 32, Channels: 2, SampleRate: 48000}))

	_, err = SurfaceFor(Kind(99))
	assert.Error(t, err)
}

func TestArenaReapsTombstones(t *testing.T) {
	a := newArena(2)
	s1 := &Segment{machine: lifecycle.NewMachine(lifecycle.Requested)}
	s2 := &Segment{machine: lifecycle.NewMachine(lifecycle.Requested)}
	h1, err := a.insert(s1)
	require.NoError(t, err)
	_, err = a.insert(s2)
	require.NoError(t, err)

	_, err = a.insert(&Segment{machine: lifecycle.NewMachine(lifecycle.Requested)})
	assert.ErrorIs(t, err, shm.ErrResourceExhausted)

	require.NoError(t, s1.machine.Transition(lifecycle.Closing))
	require.NoError(t, s1.machine.Transition(lifecycle.Closed))
	assert.Equal(t, 1, a.open())

	h3, err := a.insert(&Segment{machine: lifecycle.NewMachine(lifecycle.Requested)})
	require.NoError(t, err)
	assert.Equal(t, h1.Index, h3.Index)
	assert.NotEqual(t, h1.Gen, h3.Gen)
	assert.Nil(t, a.get(h1))
	assert.NotNil(t, a.get(h3))
}
