// Package metrics exposes the update pipeline's counters over Prometheus,
// via OpenTelemetry's metrics API, mirroring the progress aggregator's own
// fields so an operator running many workspaces unattended can graph
// fleet-wide throughput and failure rates rather than reading per-run
// progress callbacks.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds every counter this client reports.
type Metrics struct {
	DownloadedBytesTotal metric.Int64Counter
	AppliedFilesTotal    metric.Int64Counter
	AppliedBytesTotal    metric.Int64Counter
	FailedOpsTotal       metric.Int64Counter
	RepairedFilesTotal   metric.Int64Counter
	UnrecoverableTotal   metric.Int64Counter
	RunsTotal            metric.Int64Counter
}

// New wires a Prometheus exporter behind an OTel meter provider and
// instantiates every counter this package reports.
func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/a-h/revctl")

	if m.DownloadedBytesTotal, err = meter.Int64Counter("downloaded_bytes_total", metric.WithDescription("Total bytes pulled from the repository by the downloader task")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create downloaded_bytes_total counter: %w", err)
	}
	if m.AppliedFilesTotal, err = meter.Int64Counter("applied_files_total", metric.WithDescription("Total operations committed to the workspace")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create applied_files_total counter: %w", err)
	}
	if m.AppliedBytesTotal, err = meter.Int64Counter("applied_bytes_total", metric.WithDescription("Total decompressed/patched bytes written to final paths")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create applied_bytes_total counter: %w", err)
	}
	if m.FailedOpsTotal, err = meter.Int64Counter("failed_ops_total", metric.WithDescription("Total operations that failed a commit-protocol integrity check")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create failed_ops_total counter: %w", err)
	}
	if m.RepairedFilesTotal, err = meter.Int64Counter("repaired_files_total", metric.WithDescription("Total paths repaired from an alternative package")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create repaired_files_total counter: %w", err)
	}
	if m.UnrecoverableTotal, err = meter.Int64Counter("unrecoverable_files_total", metric.WithDescription("Total paths that could not be repaired from any candidate package")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create unrecoverable_files_total counter: %w", err)
	}
	if m.RunsTotal, err = meter.Int64Counter("runs_total", metric.WithDescription("Total update runs started, labeled by outcome")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create runs_total counter: %w", err)
	}

	return m, nil
}

// ListenAndServe exposes the Prometheus scrape endpoint at addr, blocking
// until the server exits.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

// RecordDownload adds n bytes to downloaded_bytes_total, labeled by the
// caller's repository label so a multi-repository fleet can be broken down.
func (m Metrics) RecordDownload(ctx context.Context, repository string, n int64) {
	if m.DownloadedBytesTotal == nil {
		return
	}
	m.DownloadedBytesTotal.Add(ctx, n, metric.WithAttributes(attribute.String("repository", repository)))
}

// RecordApply adds one committed operation and n output bytes to the
// applied counters.
func (m Metrics) RecordApply(ctx context.Context, repository string, n int64) {
	if m.AppliedFilesTotal == nil || m.AppliedBytesTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("repository", repository))
	m.AppliedFilesTotal.Add(ctx, 1, attrs)
	m.AppliedBytesTotal.Add(ctx, n, attrs)
}

// RecordFailedOp records one operation that failed its commit-protocol
// integrity check, labeled by the stage it failed at.
func (m Metrics) RecordFailedOp(ctx context.Context, stage string) {
	if m.FailedOpsTotal == nil {
		return
	}
	m.FailedOpsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordRepair records one path the repair driver resolved, successfully or not.
func (m Metrics) RecordRepair(ctx context.Context, recovered bool) {
	if recovered {
		if m.RepairedFilesTotal != nil {
			m.RepairedFilesTotal.Add(ctx, 1)
		}
		return
	}
	if m.UnrecoverableTotal != nil {
		m.UnrecoverableTotal.Add(ctx, 1)
	}
}

// RecordRunOutcome increments runs_total labeled by outcome: "success",
// "cancelled", or an error kind tag.
func (m Metrics) RecordRunOutcome(ctx context.Context, outcome string) {
	if m.RunsTotal == nil {
		return
	}
	m.RunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
