// Package api defines public API contracts for shmif.
package api

import "github.com/srediag/shmif/pkg/health"

// Health reports the liveness of supervised frameservers.
type Health interface {
	Liveness(id string) (health.Liveness, error)
	// Ready fails while no further segment can be opened.
	Ready() error
}
