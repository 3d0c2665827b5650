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

package shm

import "errors"

var (
	// ErrProtocolMismatch means the cookie or version differs between the sides.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrProtocolViolation means the peer wrote something the protocol forbids,
	// such as an out-of-range ring index.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrGeometryTooLarge means the layout does not fit the maximum region size.
	ErrGeometryTooLarge = errors.New("geometry too large")
	// ErrGeometryInvalid means the geometry has unsupported values.
	ErrGeometryInvalid = errors.New("geometry invalid")
	// ErrPeerTimeout means the peer did not respond within the bound.
	ErrPeerTimeout = errors.New("peer timeout")
	// ErrPeerDead means the dead-man flag was cleared.
	ErrPeerDead = errors.New("peer dead")
	// ErrQueueSaturated means the event ring stayed full.
	ErrQueueSaturated = errors.New("event queue saturated")
	// ErrResourceExhausted means a segment or subsegment cap was reached.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrChannelBusy means a frame was published before the previous one was released.
	ErrChannelBusy = errors.New("channel busy")
	// ErrRegionClosed is returned by operations on an unmapped region.
	ErrRegionClosed = errors.New("region closed")
)

// ErrorKind classifies errors for reporting across the process boundary,
// where only a small integer fits in an event.
type ErrorKind uint32

const (
	KindNone ErrorKind = iota
	KindProtocolMismatch
	KindGeometryTooLarge
	KindGeometryInvalid
	KindPeerTimeout
	KindPeerDead
	KindQueueSaturated
	KindResourceExhausted
	KindUnknown
)

var kindErrors = []struct {
	kind ErrorKind
	err  error
}{
	{KindProtocolMismatch, ErrProtocolMismatch},
	{KindProtocolMismatch, ErrProtocolViolation},
	{KindGeometryTooLarge, ErrGeometryTooLarge},
	{KindGeometryInvalid, ErrGeometryInvalid},
	{KindPeerTimeout, ErrPeerTimeout},
	{KindPeerDead, ErrPeerDead},
	{KindQueueSaturated, ErrQueueSaturated},
	{KindResourceExhausted, ErrResourceExhausted},
}

// KindOf classifies err. A nil error is KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, ke := range kindErrors {
		if errors.Is(err, ke.err) {
			return ke.kind
		}
	}
	return KindUnknown
}

// Err returns the sentinel error for k, nil for KindNone.
func (k ErrorKind) Err() error {
	if k == KindNone {
		return nil
	}
	for _, ke := range kindErrors {
		if ke.kind == k {
			return ke.err
		}
	}
	return errors.New("unknown error kind")
}

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindProtocolMismatch:
		return "protocol-mismatch"
	case KindGeometryTooLarge:
		return "geometry-too-large"
	case KindGeometryInvalid:
		return "geometry-invalid"
	case KindPeerTimeout:
		return "peer-timeout"
	case KindPeerDead:
		return "peer-dead"
	case KindQueueSaturated:
		return "queue-saturated"
	case KindResourceExhausted:
		return "resource-exhausted"
	}
	return "unknown"
}
