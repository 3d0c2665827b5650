// Package adapter provides adapters for shmif integration with external systems.
package adapter

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/srediag/shmif/api"
	"github.com/srediag/shmif/pkg/config"
	"github.com/srediag/shmif/pkg/segment"
)

const instrumentationName = "github.com/srediag/shmif"

// ManagerOptions builds segment.Options that trace and measure through the
// globally registered OpenTelemetry providers.
func ManagerOptions(cfg *config.Config, reg prometheus.Registerer, audit api.Audit) segment.Options {
	opts := segment.Options{
		Config:     cfg,
		Registerer: reg,
		Tracer:     otel.Tracer(instrumentationName),
		Meter:      otel.Meter(instrumentationName),
	}
	if audit != nil {
		opts.Auditor = audit
	}
	return opts
}
