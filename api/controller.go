// Package api defines public API contracts for shmif.
package api

import (
	"context"
	"time"

	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/segment"
	"github.com/srediag/shmif/pkg/shm"
)

// Controller is the owner-side control surface over segments.
type Controller interface {
	OpenSegment(ctx context.Context, role segment.Role, kind segment.Kind, opts ...segment.OpenOption) (segment.Handle, error)
	RequestSubsegment(ctx context.Context, parent segment.Handle, kind segment.Kind) (*segment.Future, error)
	Resize(ctx context.Context, h segment.Handle, g shm.Geometry) (segment.ResizeResult, error)
	Close(h segment.Handle) error
	PollEvents(h segment.Handle) ([]event.Event, error)
	WaitData(h segment.Handle, ch shm.ChannelKind, timeout time.Duration) (shm.WaitResult, error)
	ReadFrame(h segment.Handle, ch shm.ChannelKind, fn func(frame []byte) error) error
}
