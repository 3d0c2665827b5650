//go:build linux

// Package adapter provides adapters for shmif integration with external systems.
package adapter

import (
	"fmt"
	"net/http"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/shmif/pkg/health"
	"github.com/srediag/shmif/pkg/supervisor"
)

// Health exposes supervisor state on /live and /ready.
type Health struct {
	sup     *supervisor.Supervisor
	handler healthcheck.Handler
}

func NewHealth(sup *supervisor.Supervisor) *Health {
	h := &Health{sup: sup, handler: healthcheck.NewHandler()}
	h.handler.AddLivenessCheck("frameservers", h.frameservers)
	h.handler.AddReadinessCheck("segment-capacity", h.Ready)
	return h
}

// Handler serves /live and /ready.
func (h *Health) Handler() http.Handler {
	return h.handler
}

// Liveness returns the liveness of the frameserver id.
func (h *Health) Liveness(id string) (health.Liveness, error) {
	p, ok := h.sup.Process(id)
	if !ok {
		return health.Dead, supervisor.ErrUnknownProcess
	}
	return p.Liveness(), nil
}

// Ready fails once the segment arena is full.
func (h *Health) Ready() error {
	open, limit := h.sup.Manager().Capacity()
	if open >= limit {
		return fmt.Errorf("segment arena full: %d/%d", open, limit)
	}
	return nil
}

func (h *Health) frameservers() error {
	for _, p := range h.sup.Processes() {
		if l := p.Liveness(); l == health.Dead {
			return fmt.Errorf("frameserver %s (pid %d) is %s", p.ID(), p.PID(), l)
		}
	}
	return nil
}
