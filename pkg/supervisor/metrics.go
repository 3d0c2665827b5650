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

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of a Supervisor.
type Metrics struct {
	Processes   prometheus.Gauge
	Spawns      *prometheus.CounterVec
	Deaths      *prometheus.CounterVec
	Respawns    *prometheus.CounterVec
	Adoptions   *prometheus.CounterVec
	ProbeMisses prometheus.Counter
	Dropped     prometheus.Counter
}

// NewMetrics registers the supervisor collectors with reg, or with a private
// registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Processes: f.NewGauge(prometheus.GaugeOpts{
			Name: "shmif_supervisor_processes",
			Help: "Frameserver processes under supervision.",
		}),
		Spawns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shmif_supervisor_spawns_total",
			Help: "Frameserver spawn attempts, by result.",
		}, []string{"result"}),
		Deaths: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shmif_supervisor_deaths_total",
			Help: "Frameserver deaths, by cause.",
		}, []string{"cause"}),
		Respawns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shmif_supervisor_respawns_total",
			Help: "Replacement spawns after a death, by result.",
		}, []string{"result"}),
		Adoptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shmif_supervisor_adoptions_total",
			Help: "Orphaned subsegments handed to a replacement, by result.",
		}, []string{"result"}),
		ProbeMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "shmif_supervisor_probe_misses_total",
			Help: "Liveness pings left unanswered.",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "shmif_supervisor_outbox_dropped_total",
			Help: "System events dropped because the outbox was full.",
		}),
	}
}
