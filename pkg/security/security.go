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

// Package security holds the checks the trusted side applies before it
// trusts a peer-mapped region: the protocol cookie and region naming.
package security

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// ProtocolVersion is bumped whenever the shared layout changes incompatibly.
const ProtocolVersion uint32 = 1

// ErrCookieMismatch is returned when a peer presents a cookie built from a
// different protocol version or layout.
var ErrCookieMismatch = errors.New("protocol cookie mismatch")

// ComputeCookie folds the protocol version and the layout parameters that
// both sides must agree on into one 64-bit value.
func ComputeCookie(version uint32, params ...uint64) uint64 {
	buf := make([]byte, 4+8*len(params))
	binary.LittleEndian.PutUint32(buf, version)
	for i, p := range params {
		binary.LittleEndian.PutUint64(buf[4+8*i:], p)
	}
	// zero is reserved for "not initialised"
	if c := xxhash.Sum64(buf); c != 0 {
		return c
	}
	return 1
}

// CookieValidator checks cookies and ack pids against the expected values.
type CookieValidator struct {
	Expected uint64
}

// ValidateCookie checks the cookie found in a header or ack event.
func (v CookieValidator) ValidateCookie(cookie uint64) error {
	if cookie != v.Expected {
		return fmt.Errorf("%w: got %#x want %#x", ErrCookieMismatch, cookie, v.Expected)
	}
	return nil
}

// ValidatePeer rejects pids that cannot belong to a frameserver.
func (v CookieValidator) ValidatePeer(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid peer pid %d", pid)
	}
	return nil
}

// NewKeyName returns a fresh region name of the form <prefix>_<pid>_<rand>.
func NewKeyName(prefix string, pid int) string {
	if prefix == "" {
		prefix = "shmif"
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%d_%s", prefix, pid, id[:12])
}
