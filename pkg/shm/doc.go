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

// Package shm implements the shared region a trusted process and one
// frameserver exchange frames and events through.
//
// A region starts with a fixed header (see Page), followed by two event
// rings and the audio and video buffers. Offsets are never stored: both
// sides derive them from the committed Geometry with ComputeLayout.
//
// Example usage:
//
//	r, err := shm.CreateRegion(ctx, shm.RegionOptions{
//	  Name:     "fsrv",
//	  Type:     shm.MemMapTypeMemFd,
//	  Limits:   shm.DefaultLimits(),
//	  Geometry: shm.Geometry{Width: 640, Height: 480, BPP: 32},
//	})
//	// hand r.Key() to the peer, which calls shm.OpenRegion
//	if r.Video().Acquire(time.Second) == shm.Ready {
//	  consume(r.Video().Bytes())
//	  r.Video().Release()
//	}
package shm
