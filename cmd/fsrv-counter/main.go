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

// Command fsrv-counter is a sample frameserver. It fills every video frame
// with a colour derived from a frame counter, follows display hints with
// resize requests and exits when told to.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/srediag/shmif/internal/logging"
	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/shm"
	"github.com/srediag/shmif/plugin"
)

func main() {
	fps := flag.Int("fps", 30, "frames per second")
	flag.Parse()
	if *fps <= 0 {
		*fps = 30
	}

	seg, err := plugin.AcquireFromEnv(context.Background())
	if err != nil {
		logging.Internal.Errorf("fsrv-counter: %v", err)
		os.Exit(1)
	}
	os.Exit(run(seg, time.Second/time.Duration(*fps)))
}

func run(seg *plugin.Segment, period time.Duration) int {
	var frame uint32
	next := time.Now()
	for {
		for {
			ev, ok, err := seg.Poll()
			if err != nil {
				return exitOn(seg, err)
			}
			if !ok {
				break
			}
			if done, code := onEvent(seg, ev); done {
				return code
			}
		}

		if time.Now().After(next) {
			next = next.Add(period)
			if err := draw(seg, frame); err == nil {
				frame++
			} else if !errors.Is(err, plugin.ErrResizePending) {
				return exitOn(seg, err)
			}
		}

		ev, res, err := seg.Wait(time.Until(next))
		switch {
		case err != nil:
			return exitOn(seg, err)
		case res == shm.Dead:
			_ = seg.Detach()
			return 1
		case res == shm.Ready:
			if done, code := onEvent(seg, ev); done {
				return code
			}
		}
	}
}

func onEvent(seg *plugin.Segment, ev event.Event) (bool, int) {
	switch {
	case ev.Is(event.CategorySystem, event.KindExit):
		_ = seg.Close()
		return true, 0
	case ev.Is(event.CategorySystem, event.KindHandover):
		_ = seg.Detach()
		return true, 0
	case ev.Is(event.CategoryVideo, event.KindDisplayHint):
		g := seg.Geometry()
		g.Width, g.Height = ev.U32(0), ev.U32(1)
		if g != seg.Geometry() && !seg.ResizePending() {
			if err := seg.Resize(g); err != nil {
				logging.Internal.Infof("fsrv-counter: display hint %dx%d: %v", g.Width, g.Height, err)
			}
		}
	case ev.Is(event.CategoryVideo, event.KindResizeRejected):
		r := ev.Resize()
		logging.Internal.Infof("fsrv-counter: resize to %dx%d rejected: %s", r.Width, r.Height, shm.ErrorKind(r.Reason))
	}
	return false, 0
}

// draw fills the video buffer once the previous frame was released.
func draw(seg *plugin.Segment, frame uint32) error {
	g := seg.Geometry()
	if !g.HasVideo() {
		return nil
	}
	if seg.WaitReleased(shm.ChannelVideo, 0) != shm.Ready {
		return nil
	}
	buf := seg.Video()
	n := int(g.Width) * int(g.Height) * int(g.BPP/8)
	if n > len(buf) {
		n = len(buf)
	}
	px := 0xff000000 | (frame*7&0xff)<<16 | (frame*3&0xff)<<8 | frame&0xff
	for i := 0; i+4 <= n; i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], px)
	}
	return seg.SignalVideo(n)
}

func exitOn(seg *plugin.Segment, err error) int {
	logging.Internal.Warnf("fsrv-counter: %v", err)
	if errors.Is(err, shm.ErrPeerDead) {
		_ = seg.Detach()
	} else {
		_ = seg.Close()
	}
	return 1
}
