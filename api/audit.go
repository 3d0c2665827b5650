// Package api defines public API contracts for shmif.
package api

// Audit receives security-relevant segment events such as opens, handovers
// and adoptions.
type Audit interface {
	LogEvent(event string, details map[string]interface{}) error
}
