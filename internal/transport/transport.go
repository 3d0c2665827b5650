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

// Package transport holds the SCM_RIGHTS helpers behind the segment side channel.
package transport

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var ErrNoRights = errors.New("control message carries no descriptor")

// Rights encodes fds as an SCM_RIGHTS control message.
func Rights(fds ...int) []byte {
	return unix.UnixRights(fds...)
}

// OobSpace is the control buffer size needed to receive n descriptors.
func OobSpace(n int) int {
	return unix.CmsgSpace(n * 4)
}

// ParseRights extracts the descriptors of every SCM_RIGHTS message in oob.
func ParseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			CloseAll(fds)
			return nil, fmt.Errorf("parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	if len(fds) == 0 {
		return nil, ErrNoRights
	}
	return fds, nil
}

// CloseAll closes every descriptor, ignoring errors.
func CloseAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
