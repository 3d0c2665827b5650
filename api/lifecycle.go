//go:build linux

// Package api defines public API contracts for shmif.
package api

import (
	"context"
	"time"

	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/shm"
	"github.com/srediag/shmif/pkg/supervisor"
)

// Lifecycle starts, stops and hot-restarts frameservers.
type Lifecycle interface {
	Spawn(ctx context.Context, args supervisor.SpawnArgs) (*supervisor.Process, error)
	Stop(ctx context.Context, id string) error
	// Restart replaces a running frameserver without renegotiating its
	// primary segment.
	Restart(ctx context.Context, id string) (*supervisor.Process, error)
}

// Frameserver is the peer-side view of one acquired segment.
type Frameserver interface {
	Resize(g shm.Geometry) error
	SignalVideo(n int) error
	SignalAudio(n int) error
	Enqueue(ev event.Event) error
	Poll() (event.Event, bool, error)
	Wait(timeout time.Duration) (event.Event, shm.WaitResult, error)
	RequestSegment(kind uint32) (uint32, error)
	Decline(reqID uint32, reason shm.ErrorKind) error
	Handover() error
	Close() error
}
