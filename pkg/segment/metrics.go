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

package segment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of a Manager.
type Metrics struct {
	SegmentsOpen      *prometheus.GaugeVec
	Transitions       *prometheus.CounterVec
	Resizes           *prometheus.CounterVec
	Events            *prometheus.CounterVec
	SubsegmentResults *prometheus.CounterVec
	Closes            *prometheus.CounterVec
	Faults            prometheus.Counter
	BacklogDropped    *prometheus.CounterVec
}

// NewMetrics registers the segment collectors with reg. A nil reg uses a
// private registry, so several managers can live in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		SegmentsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shmif_segments_open",
			Help: "Segments not yet closed, by kind.",
		}, []string{"kind"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shmif_segment_transitions_total",
			Help: "Negotiation state transitions, by target state.",
		}, []string{"state"}),
		Resizes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shmif_segment_resizes_total",
			Help: "Resize negotiations, by origin and result.",
		}, []string{"origin", "result"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shmif_segment_events_total",
			Help: "Events received from peers, by category.",
		}, []string{"category"}),
		SubsegmentResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shmif_subsegment_requests_total",
			Help: "Subsegment requests, by origin and result.",
		}, []string{"origin", "result"}),
		Closes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shmif_segment_closes_total",
			Help: "Closed segments, by reason.",
		}, []string{"reason"}),
		Faults: f.NewCounter(prometheus.CounterOpts{
			Name: "shmif_segment_faults_total",
			Help: "Memory faults taken on peer-shared regions.",
		}),
		BacklogDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shmif_segment_backlog_dropped_total",
			Help: "Events dropped from a full application backlog, by category.",
		}, []string{"category"}),
	}
}
