//go:build linux

// Package adapter provides adapters for shmif integration with external systems.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/srediag/shmif/api"
)

// HotReload restarts frameservers in place through a handover.
type HotReload struct {
	lc      api.Lifecycle
	list    func() []string
	timeout time.Duration
}

// NewHotReload reloads through lc. list returns the ids ReloadAll visits.
func NewHotReload(lc api.Lifecycle, list func() []string, timeout time.Duration) *HotReload {
	return &HotReload{lc: lc, list: list, timeout: timeout}
}

// ReloadPlugin restarts the frameserver id and returns its new id.
func (a *HotReload) ReloadPlugin(ctx context.Context, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	p, err := a.lc.Restart(ctx, id)
	if err != nil {
		return "", err
	}
	return p.ID(), nil
}

// ReloadAll restarts every frameserver and joins the failures.
func (a *HotReload) ReloadAll(ctx context.Context) error {
	var errs []error
	for _, id := range a.list() {
		if _, err := a.ReloadPlugin(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
