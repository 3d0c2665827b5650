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

package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmif/pkg/event"
)

func TestFullBacklogKeepsSystemEvents(t *testing.T) {
	s := &Segment{metrics: NewMetrics(nil)}
	s.push(event.PeerDead(42, 1))
	for i := 1; i < maxBacklog; i++ {
		s.push(event.Digital(uint32(i), true))
	}
	s.push(event.RequestFailed(7, 1))

	got := s.takeBacklog()
	require.Len(t, got, maxBacklog)
	assert.True(t, got[0].Is(event.CategorySystem, event.KindPeerDead))
	assert.Equal(t, uint32(2), got[1].U32(0), "the oldest input event went first")
	assert.True(t, got[maxBacklog-1].Is(event.CategorySystem, event.KindRequestFailed))
	assert.Equal(t, 1.0, metricValue(s.metrics.BacklogDropped.WithLabelValues("input")))
}

func TestBacklogOfSystemEventsDropsOldest(t *testing.T) {
	s := &Segment{metrics: NewMetrics(nil)}
	for i := 0; i <= maxBacklog; i++ {
		s.push(event.Ping(uint32(i)))
	}
	got := s.takeBacklog()
	require.Len(t, got, maxBacklog)
	assert.Equal(t, uint32(1), got[0].Nonce())
	assert.Equal(t, 1.0, metricValue(s.metrics.BacklogDropped.WithLabelValues("system")))
}
