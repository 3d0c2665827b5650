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

package plugin

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/shm"
)

type DebugTestSuite struct {
	suite.Suite
}

func (s *DebugTestSuite) TestSegmentDetail() {
	lim := shm.Limits{MaxRegionSize: 1 << 20, MaxWidth: 256, MaxHeight: 256, QueueCap: 8}
	owner, err := shm.CreateRegion(context.Background(), shm.RegionOptions{
		Name:     "debug-detail",
		Type:     shm.MemMapTypeMemFd,
		Limits:   lim,
		Geometry: shm.Geometry{Width: 64, Height: 64, BPP: 32},
		Kind:     3,
		OwnerPID: os.Getpid(),
	})
	s.Require().NoError(err)
	defer owner.Close()
	s.Require().NoError(owner.Events().Enqueue(event.Ping(7)))

	var out bytes.Buffer
	s.Require().NoError(DebugSegmentDetail(&out, KeyPath(os.Getpid(), owner.Key())))
	s.Contains(out.String(), "ok:true")
	s.Contains(out.String(), "kind:3")
	s.Contains(out.String(), "alive:true")
	s.Contains(out.String(), "inRing cap:8 front:0 back:1 len:1")
}

func (s *DebugTestSuite) TestGarbage() {
	path := filepath.Join(s.T().TempDir(), "garbage")
	s.Require().NoError(os.WriteFile(path, make([]byte, 4096), 0o600))
	var out bytes.Buffer
	s.Require().NoError(DebugSegmentDetail(&out, path))
	s.Contains(out.String(), "ok:false")

	s.Error(DebugSegmentDetail(&out, filepath.Join(s.T().TempDir(), "missing")))
}

func TestDebugTestSuite(t *testing.T) {
	suite.Run(t, new(DebugTestSuite))
}
