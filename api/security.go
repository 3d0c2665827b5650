// Package api defines public API contracts for shmif.
package api

// Validator decides whether an Ack comes from a compatible peer.
type Validator interface {
	ValidateCookie(cookie uint64) error
	ValidatePeer(pid int) error
}
