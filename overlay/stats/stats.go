// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stats exposes OpenTelemetry counters and histograms for the
// overlay's own operations (as distinct from whatever the mount's fs layer
// tracks above it): directory saves/loads, reclamation throughput, and
// fsck repairs. It follows the teacher's common/otel_metrics.go shape —
// a struct of pre-built instruments behind a handful of typed recording
// methods — generalized from gcsfuse's filesystem-op/GCS-request metrics
// to the overlay's own C1-C5 operations.
package stats

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var overlayMeter = otel.Meter("overlay")

// defaultLatencyDistribution mirrors the teacher's bucket boundaries for
// operation-latency histograms, in microseconds.
var defaultLatencyDistribution = metric.WithExplicitBucketBoundaries(
	1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100,
	130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000)

// Metrics is the overlay's metric handle: one instance per process,
// passed down to the facade and fsck so both can record against the same
// instruments. A nil *Metrics is valid and records nothing, so callers
// that don't export metrics (tests, the standalone fsck subcommand) can
// pass nil instead of wiring a no-op provider.
type Metrics struct {
	dirOpCount      metric.Int64Counter
	dirOpLatency    metric.Float64Histogram
	fileOpCount     metric.Int64Counter
	fileOpLatency   metric.Float64Histogram
	reclaimedCount  metric.Int64Counter
	fsckProblems    metric.Int64Counter
	pendingReclaims *atomic.Int64
}

// New builds the overlay's instruments against the global MeterProvider
// (set by ConfigurePrometheus or left as the OTel no-op default).
func New() (*Metrics, error) {
	dirOpCount, err1 := overlayMeter.Int64Counter("overlay/directory_op_count",
		metric.WithDescription("Count of catalog load/save operations, by op and outcome."))
	dirOpLatency, err2 := overlayMeter.Float64Histogram("overlay/directory_op_latency",
		metric.WithDescription("Latency of catalog load/save operations."), metric.WithUnit("us"), defaultLatencyDistribution)
	fileOpCount, err3 := overlayMeter.Int64Counter("overlay/file_op_count",
		metric.WithDescription("Count of content store operations, by op and outcome."))
	fileOpLatency, err4 := overlayMeter.Float64Histogram("overlay/file_op_latency",
		metric.WithDescription("Latency of content store operations."), metric.WithUnit("us"), defaultLatencyDistribution)
	reclaimedCount, err5 := overlayMeter.Int64Counter("overlay/reclaimed_inode_count",
		metric.WithDescription("Count of inodes removed by the background reclamation worker."))
	fsckProblems, err6 := overlayMeter.Int64Counter("overlay/fsck_problem_count",
		metric.WithDescription("Count of problems found by the consistency checker, by kind."))

	var pendingReclaims atomic.Int64
	_, err7 := overlayMeter.Int64ObservableGauge("overlay/pending_reclaim_count",
		metric.WithDescription("Number of reclamation requests currently queued."),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			obsrv.Observe(pendingReclaims.Load())
			return nil
		}))

	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7); err != nil {
		return nil, err
	}
	return &Metrics{
		dirOpCount:      dirOpCount,
		dirOpLatency:    dirOpLatency,
		fileOpCount:     fileOpCount,
		fileOpLatency:   fileOpLatency,
		reclaimedCount:  reclaimedCount,
		fsckProblems:    fsckProblems,
		pendingReclaims: &pendingReclaims,
	}, nil
}

// RecordDirOp records one catalog operation (e.g. "load", "save",
// "add_child") and its outcome ("ok" or "error").
func (m *Metrics) RecordDirOp(ctx context.Context, op, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributeSet(attribute.NewSet(attribute.String("op", op), attribute.String("outcome", outcome)))
	m.dirOpCount.Add(ctx, 1, attrs)
	m.dirOpLatency.Record(ctx, float64(latency.Microseconds()), attrs)
}

// RecordFileOp records one content-store operation and its outcome.
func (m *Metrics) RecordFileOp(ctx context.Context, op, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributeSet(attribute.NewSet(attribute.String("op", op), attribute.String("outcome", outcome)))
	m.fileOpCount.Add(ctx, 1, attrs)
	m.fileOpLatency.Record(ctx, float64(latency.Microseconds()), attrs)
}

// RecordReclaimed increments the count of inodes the background worker
// has removed.
func (m *Metrics) RecordReclaimed(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.reclaimedCount.Add(ctx, n)
}

// SetPendingReclaims updates the observable gauge backing the queue depth.
func (m *Metrics) SetPendingReclaims(n int64) {
	if m == nil {
		return
	}
	m.pendingReclaims.Store(n)
}

// RecordFsckProblem increments the problem counter for the given kind
// (e.g. "Orphan", "HardLink", "CorruptData").
func (m *Metrics) RecordFsckProblem(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.fsckProblems.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String("kind", kind))))
}
