// Package metrics wires the install engine's counters through an OTel
// meter backed by a Prometheus exporter, the same stack the teacher's
// metrics package uses for its download/upload counters, generalized to
// the install/upgrade/uninstall lifecycle.
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

// Metrics holds the counters incremented across the install engine.
type Metrics struct {
	PackagesInstalledTotal   metric.Int64Counter
	PackagesUpgradedTotal    metric.Int64Counter
	PackagesUninstalledTotal metric.Int64Counter
	DownloadedBytesTotal     metric.Int64Counter
	InstallFailuresTotal     metric.Int64Counter
	CacheHitsTotal           metric.Int64Counter
	CacheMissesTotal         metric.Int64Counter
}

// New builds the meter provider and registers every counter.
func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/samukelogift/br")

	if m.PackagesInstalledTotal, err = meter.Int64Counter("packages_installed_total", metric.WithDescription("Total number of packages successfully installed")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create packages_installed_total counter: %w", err)
	}
	if m.PackagesUpgradedTotal, err = meter.Int64Counter("packages_upgraded_total", metric.WithDescription("Total number of packages successfully upgraded")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create packages_upgraded_total counter: %w", err)
	}
	if m.PackagesUninstalledTotal, err = meter.Int64Counter("packages_uninstalled_total", metric.WithDescription("Total number of packages uninstalled")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create packages_uninstalled_total counter: %w", err)
	}
	if m.DownloadedBytesTotal, err = meter.Int64Counter("downloaded_bytes_total", metric.WithDescription("Total bytes downloaded from the registry")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create downloaded_bytes_total counter: %w", err)
	}
	if m.InstallFailuresTotal, err = meter.Int64Counter("install_failures_total", metric.WithDescription("Total number of failed per-package install attempts")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create install_failures_total counter: %w", err)
	}
	if m.CacheHitsTotal, err = meter.Int64Counter("metadata_cache_hits_total", metric.WithDescription("Total metadata cache hits")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create metadata_cache_hits_total counter: %w", err)
	}
	if m.CacheMissesTotal, err = meter.Int64Counter("metadata_cache_misses_total", metric.WithDescription("Total metadata cache misses")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create metadata_cache_misses_total counter: %w", err)
	}

	return m, nil
}

// ListenAndServe serves the Prometheus scrape endpoint on addr. Intended
// to run in a background goroutine for the lifetime of the process.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

func (m Metrics) IncrementInstalled(ctx context.Context, pkg string) {
	if m.PackagesInstalledTotal == nil {
		return
	}
	m.PackagesInstalledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("package", pkg)))
}

func (m Metrics) IncrementUpgraded(ctx context.Context, pkg string) {
	if m.PackagesUpgradedTotal == nil {
		return
	}
	m.PackagesUpgradedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("package", pkg)))
}

func (m Metrics) IncrementUninstalled(ctx context.Context, pkg string) {
	if m.PackagesUninstalledTotal == nil {
		return
	}
	m.PackagesUninstalledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("package", pkg)))
}

func (m Metrics) AddDownloadedBytes(ctx context.Context, pkg string, n int64) {
	if m.DownloadedBytesTotal == nil {
		return
	}
	m.DownloadedBytesTotal.Add(ctx, n, metric.WithAttributes(attribute.String("package", pkg)))
}

func (m Metrics) IncrementInstallFailure(ctx context.Context, pkg string) {
	if m.InstallFailuresTotal == nil {
		return
	}
	m.InstallFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("package", pkg)))
}

func (m Metrics) IncrementCacheHit(ctx context.Context) {
	if m.CacheHitsTotal == nil {
		return
	}
	m.CacheHitsTotal.Add(ctx, 1)
}

func (m Metrics) IncrementCacheMiss(ctx context.Context) {
	if m.CacheMissesTotal == nil {
		return
	}
	m.CacheMissesTotal.Add(ctx, 1)
}
