// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for the replication core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	snapshotsStarted   metric.Int64Counter
	snapshotsCompleted metric.Int64Counter
	snapshotsDiscarded metric.Int64Counter
	snapshotsAdopted   metric.Int64Counter
	snapshotDuration   metric.Float64Histogram

	markersDropped  metric.Int64Counter
	progressEmitted metric.Int64Counter
	progressApplied metric.Int64Counter

	entriesReplicated metric.Int64Counter
	linkReconnects    metric.Int64Counter
	linkIdleCloses    metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("geoflux-replication"),
	}

	var err error
	if m.snapshotsStarted, err = m.meter.Int64Counter(
		"replication.snapshots.started.total",
		metric.WithDescription("Snapshot attempts started"),
	); err != nil {
		return nil, fmt.Errorf("failed to create snapshotsStarted counter: %w", err)
	}
	if m.snapshotsCompleted, err = m.meter.Int64Counter(
		"replication.snapshots.completed.total",
		metric.WithDescription("Snapshot attempts completed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create snapshotsCompleted counter: %w", err)
	}
	if m.snapshotsDiscarded, err = m.meter.Int64Counter(
		"replication.snapshots.discarded.total",
		metric.WithDescription("Snapshot attempts discarded on timeout"),
	); err != nil {
		return nil, fmt.Errorf("failed to create snapshotsDiscarded counter: %w", err)
	}
	if m.snapshotsAdopted, err = m.meter.Int64Counter(
		"replication.snapshots.adopted.total",
		metric.WithDescription("Completed snapshots adopted from peer regions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create snapshotsAdopted counter: %w", err)
	}
	if m.snapshotDuration, err = m.meter.Float64Histogram(
		"replication.snapshot.duration.seconds",
		metric.WithDescription("Time from snapshot request to completion"),
	); err != nil {
		return nil, fmt.Errorf("failed to create snapshotDuration histogram: %w", err)
	}
	if m.markersDropped, err = m.meter.Int64Counter(
		"replication.markers.dropped.total",
		metric.WithDescription("Inbound markers dropped due to a full controller inbox"),
	); err != nil {
		return nil, fmt.Errorf("failed to create markersDropped counter: %w", err)
	}
	if m.progressEmitted, err = m.meter.Int64Counter(
		"replication.progress.emitted.total",
		metric.WithDescription("Subscription progress markers emitted"),
	); err != nil {
		return nil, fmt.Errorf("failed to create progressEmitted counter: %w", err)
	}
	if m.progressApplied, err = m.meter.Int64Counter(
		"replication.progress.applied.total",
		metric.WithDescription("Subscription progress markers applied to local cursors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create progressApplied counter: %w", err)
	}
	if m.entriesReplicated, err = m.meter.Int64Counter(
		"replication.entries.replicated.total",
		metric.WithDescription("Entries mirrored to remote regions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create entriesReplicated counter: %w", err)
	}
	if m.linkReconnects, err = m.meter.Int64Counter(
		"replication.link.reconnects.total",
		metric.WithDescription("Replicator link reconnection attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create linkReconnects counter: %w", err)
	}
	if m.linkIdleCloses, err = m.meter.Int64Counter(
		"replication.link.idle_closes.total",
		metric.WithDescription("Replicator producers torn down after idle grace"),
	); err != nil {
		return nil, fmt.Errorf("failed to create linkIdleCloses counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordSnapshotStarted(ctx context.Context, partition string) {
	if m == nil {
		return
	}
	m.snapshotsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("partition", partition)))
}

func (m *Metrics) recordSnapshotCompleted(ctx context.Context, partition string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("partition", partition))
	m.snapshotsCompleted.Add(ctx, 1, attrs)
	m.snapshotDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) recordSnapshotDiscarded(ctx context.Context, partition string) {
	if m == nil {
		return
	}
	m.snapshotsDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("partition", partition)))
}

func (m *Metrics) recordSnapshotAdopted(ctx context.Context, partition string) {
	if m == nil {
		return
	}
	m.snapshotsAdopted.Add(ctx, 1, metric.WithAttributes(attribute.String("partition", partition)))
}

func (m *Metrics) recordMarkerDropped(ctx context.Context, partition string) {
	if m == nil {
		return
	}
	m.markersDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("partition", partition)))
}

func (m *Metrics) recordProgressEmitted(ctx context.Context, subscription string) {
	if m == nil {
		return
	}
	m.progressEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("subscription", subscription)))
}

func (m *Metrics) recordProgressApplied(ctx context.Context, subscription string) {
	if m == nil {
		return
	}
	m.progressApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("subscription", subscription)))
}

func (m *Metrics) recordEntriesReplicated(ctx context.Context, remoteRegion string, n int) {
	if m == nil {
		return
	}
	m.entriesReplicated.Add(ctx, int64(n), metric.WithAttributes(attribute.String("remote_region", remoteRegion)))
}

func (m *Metrics) recordLinkReconnect(ctx context.Context, remoteRegion string) {
	if m == nil {
		return
	}
	m.linkReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("remote_region", remoteRegion)))
}

func (m *Metrics) recordLinkIdleClose(ctx context.Context, remoteRegion string) {
	if m == nil {
		return
	}
	m.linkIdleCloses.Add(ctx, 1, metric.WithAttributes(attribute.String("remote_region", remoteRegion)))
}
