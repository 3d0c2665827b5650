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

package plugin

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/srediag/shmif/pkg/shm"
)

// DebugSegmentDetail prints the header and ring state of the region mapped
// at path. For a memfd region pass /proc/<pid>/fd/<n>.
func DebugSegmentDetail(w io.Writer, path string) error {
	mem, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	snap, err := shm.Inspect(mem)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	_, err = fmt.Fprintf(w, "path:%s\n%s", path, snap)
	return err
}

// KeyPath returns the file DebugSegmentDetail can read for key, as seen
// from process pid.
func KeyPath(pid int, key shm.Key) string {
	if key.Type == shm.MemMapTypeMemFd {
		return "/proc/" + strconv.Itoa(pid) + "/fd/" + strconv.Itoa(key.Fd)
	}
	return key.Path
}
