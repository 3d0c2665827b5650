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

// Package transport is the segment side channel: a unix socket pair used to
// hand shared-memory descriptors to a peer process.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	internaltransport "github.com/srediag/shmif/internal/transport"
)

const (
	handleMagic  = 0x46524d53 // "SMRF"
	handleHdrLen = 8
)

var (
	ErrClosed     = errors.New("side channel closed")
	ErrBadMessage = errors.New("malformed side channel message")
	ErrTimeout    = errors.New("side channel timeout")
)

// Conn is one end of a side channel. Messages carry a request id and exactly
// one descriptor.
type Conn struct {
	uc *net.UnixConn

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// Pair creates a connected side channel. The local end is returned as a
// Conn, the remote end as a file meant for a child's ExtraFiles.
func Pair() (*Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	local := os.NewFile(uintptr(fds[0]), "shmif-side-local")
	remote := os.NewFile(uintptr(fds[1]), "shmif-side-remote")
	c, err := FromFile(local)
	// FileConn dups the descriptor
	_ = local.Close()
	if err != nil {
		_ = remote.Close()
		return nil, nil, err
	}
	return c, remote, nil
}

// FromFile wraps an inherited socket. f may be closed afterwards.
func FromFile(f *os.File) (*Conn, error) {
	nc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("side channel from %s: %w", f.Name(), err)
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		_ = nc.Close()
		return nil, fmt.Errorf("side channel from %s: %w: not a unix socket", f.Name(), ErrBadMessage)
	}
	return &Conn{uc: uc}, nil
}

// FromFd wraps an inherited socket descriptor, taking ownership of it.
func FromFd(fd int) (*Conn, error) {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("shmif-side-%d", fd))
	if f == nil {
		return nil, fmt.Errorf("side channel fd %d: %w", fd, ErrBadMessage)
	}
	defer f.Close()
	return FromFile(f)
}

// SendHandle sends fd tagged with reqID. The caller keeps ownership of fd.
func (c *Conn) SendHandle(reqID uint32, fd int) error {
	var hdr [handleHdrLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], handleMagic)
	binary.LittleEndian.PutUint32(hdr[4:], reqID)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, _, err := c.uc.WriteMsgUnix(hdr[:], internaltransport.Rights(fd), nil)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("send handle %d: %w", reqID, err)
	}
	return nil
}

// RecvHandle waits up to timeout for the next descriptor. The caller owns
// the returned fd. A zero timeout waits forever.
func (c *Conn) RecvHandle(timeout time.Duration) (uint32, int, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.uc.SetReadDeadline(deadline); err != nil {
		return 0, -1, fmt.Errorf("recv handle: %w", err)
	}
	var hdr [handleHdrLen]byte
	oob := make([]byte, internaltransport.OobSpace(1))
	n, oobn, _, _, err := c.uc.ReadMsgUnix(hdr[:], oob)
	if err != nil {
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			return 0, -1, ErrTimeout
		case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
			return 0, -1, ErrClosed
		}
		return 0, -1, fmt.Errorf("recv handle: %w", err)
	}
	if n == 0 && oobn == 0 {
		return 0, -1, ErrClosed
	}
	fds, err := internaltransport.ParseRights(oob[:oobn])
	if err != nil {
		return 0, -1, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if n != handleHdrLen || binary.LittleEndian.Uint32(hdr[0:]) != handleMagic || len(fds) != 1 {
		internaltransport.CloseAll(fds)
		return 0, -1, ErrBadMessage
	}
	return binary.LittleEndian.Uint32(hdr[4:]), fds[0], nil
}

func (c *Conn) Close() error {
	return c.uc.Close()
}
