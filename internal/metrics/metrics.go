// Package metrics provides the OpenTelemetry-based metrics exporter for
// the content plane, bridged to Prometheus, with counters and
// histograms for commits, LFS transfers, pack synthesis, and the
// fallback proxy.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	meter metric.Meter

	CommitsTotal           metric.Int64Counter
	CommitBytesTotal       metric.Int64Counter
	QuotaRejectionsTotal   metric.Int64Counter
	LFSTransfersTotal      metric.Int64Counter
	LFSDedupHitsTotal      metric.Int64Counter
	PackSynthesisDuration  metric.Float64Histogram
	PackObjectsTotal       metric.Int64Counter
	FallbackProbesTotal    metric.Int64Counter
	FallbackCacheHitsTotal metric.Int64Counter
)

// Init wires a Prometheus exporter into an OTel meter provider and creates
// every instrument this package exposes. The returned func shuts the
// provider down; callers defer it.
func Init(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter = provider.Meter("kohakuhub")

	if CommitsTotal, err = meter.Int64Counter("kohakuhub_commits_total"); err != nil {
		return nil, err
	}
	if CommitBytesTotal, err = meter.Int64Counter("kohakuhub_commit_bytes_total"); err != nil {
		return nil, err
	}
	if QuotaRejectionsTotal, err = meter.Int64Counter("kohakuhub_quota_rejections_total"); err != nil {
		return nil, err
	}
	if LFSTransfersTotal, err = meter.Int64Counter("kohakuhub_lfs_transfers_total"); err != nil {
		return nil, err
	}
	if LFSDedupHitsTotal, err = meter.Int64Counter("kohakuhub_lfs_dedup_hits_total"); err != nil {
		return nil, err
	}
	if PackSynthesisDuration, err = meter.Float64Histogram("kohakuhub_git_pack_synthesis_seconds"); err != nil {
		return nil, err
	}
	if PackObjectsTotal, err = meter.Int64Counter("kohakuhub_git_pack_objects_total"); err != nil {
		return nil, err
	}
	if FallbackProbesTotal, err = meter.Int64Counter("kohakuhub_fallback_probes_total"); err != nil {
		return nil, err
	}
	if FallbackCacheHitsTotal, err = meter.Int64Counter("kohakuhub_fallback_cache_hits_total"); err != nil {
		return nil, err
	}

	return func(context.Context) error {
		return provider.Shutdown(context.Background())
	}, nil
}
