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
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmif/pkg/shm"
)

const instrumentationName = "github.com/srediag/shmif/pkg/segment"

type telemetry struct {
	tracer   trace.Tracer
	waitHist metric.Float64Histogram
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter) telemetry {
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	hist, err := meter.Float64Histogram("shmif.segment.wait.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent waiting for a data channel signal."))
	if err != nil {
		hist, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Float64Histogram("shmif.segment.wait.duration")
	}
	return telemetry{tracer: tracer, waitHist: hist}
}

func (t telemetry) start(ctx context.Context, name string, s *Segment, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s != nil {
		attrs = append(attrs,
			attribute.String("shmif.segment", s.handle.String()),
			attribute.String("shmif.kind", s.Kind().String()),
			attribute.String("shmif.role", s.role.String()))
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t telemetry) recordWait(s *Segment, ch shm.ChannelKind, res shm.WaitResult, d time.Duration) {
	t.waitHist.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("shmif.kind", s.Kind().String()),
		attribute.String("shmif.channel", ch.String()),
		attribute.String("shmif.result", res.String())))
}

func geometryAttrs(g shm.Geometry) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("shmif.width", int(g.Width)),
		attribute.Int("shmif.height", int(g.Height)),
		attribute.Int("shmif.channels", int(g.Channels)),
	}
}
