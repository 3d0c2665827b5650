// Package api defines public API contracts for shmif.
package api

import "time"

// HandleTransport moves descriptors between owner and peer, tagged with the
// request id announced by an FDTransfer event.
type HandleTransport interface {
	SendHandle(reqID uint32, fd int) error
	RecvHandle(timeout time.Duration) (reqID uint32, fd int, err error)
	Close() error
}
