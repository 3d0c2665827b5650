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

package shm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a shared memory region (Linux implementation).
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Type == MemMapTypeMemFd {
		if opts.Create {
			return createMemfdRegion(opts)
		}
		return mapMemfdRegion(opts)
	}
	return mapDevShmRegion(opts)
}

func createMemfdRegion(opts MapOptions) (*MappedRegion, error) {
	fd, err := MemfdCreate(opts.Name)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("createMemfdRegion truncate share memory failed,%w", err)
	}
	if err := SealSize(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, Fd: fd, Path: opts.Name, Type: MemMapTypeMemFd, Owner: true}, nil
}

func mapMemfdRegion(opts MapOptions) (*MappedRegion, error) {
	fd, err := unix.Dup(opts.Fd)
	if err != nil {
		return nil, fmt.Errorf("dup memfd %d: %w", opts.Fd, err)
	}
	size := opts.Size
	if size == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("fstat: %w", err)
		}
		size = int(st.Size)
	}
	if size <= 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("memfd %d is empty", opts.Fd)
	}
	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, Fd: fd, Path: opts.Name, Type: MemMapTypeMemFd}, nil
}

func mapDevShmRegion(opts MapOptions) (*MappedRegion, error) {
	shmPath := DevShmPath(opts.Name)
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		// ignore mkdir error
		_ = os.MkdirAll(filepath.Dir(shmPath), os.ModePerm)
		if !CanCreateOnDevShm(uint64(opts.Size), shmPath) {
			return nil, fmt.Errorf("err:%w path:%s, size:%d", ErrShareMemoryHadNotLeftSpace, shmPath, opts.Size)
		}
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	fd, err := unix.Open(shmPath, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", shmPath, err)
	}
	defer func() {
		_ = unix.Close(fd)
	}()
	size := opts.Size
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = os.Remove(shmPath)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	} else if size == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, fmt.Errorf("fstat: %w", err)
		}
		size = int(st.Size)
	}
	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if opts.Create {
			_ = os.Remove(shmPath)
		}
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, Fd: -1, Path: shmPath, Type: MemMapTypeDevShmFile, Owner: opts.Create}, nil
}

// DevShmPath resolves a region name to its path under /dev/shm.
func DevShmPath(name string) string {
	if filepath.IsAbs(name) && strings.HasPrefix(name, devShmDir) {
		return name
	}
	return filepath.Join(devShmDir, strings.TrimPrefix(name, "/"))
}

// UnmapRegion unmaps and closes the shared memory region (Linux implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	err := unix.Munmap(region.Addr)
	region.Addr = nil
	if err != nil {
		err = fmt.Errorf("munmap: %w", err)
	}
	if region.Fd >= 0 {
		if cerr := unix.Close(region.Fd); cerr != nil && err == nil {
			err = fmt.Errorf("close fd %d: %w", region.Fd, cerr)
		}
		region.Fd = -1
	}
	if region.Type == MemMapTypeDevShmFile && region.Owner {
		SafeRemove(region.Path)
	}
	return err
}
