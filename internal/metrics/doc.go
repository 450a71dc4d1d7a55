/*
Package metrics exports graphfs cache and allocator metrics to Prometheus.

# Overview

A Collector owns a private Prometheus registry, so several collectors can
live in one process (and in parallel tests) without clashing on the default
registry. It implements both cache.MetricsRecorder and
freespace.MetricsRecorder and is handed to those packages as an option.

	┌─────────────┐   RecordFlush / RecordEviction / SetOccupancy
	│ cache.Cache │ ─────────────────────────────────┐
	└─────────────┘                                  │
	┌───────────────────┐  RecordAllocatorOp         ▼
	│ freespace.Manager │ ─────────────────────► ┌───────────┐     ┌──────────┐
	└───────────────────┘  SetReservedBits       │ Collector │ ──► │ /metrics │
	                                             └───────────┘     └──────────┘

# Exported Series

Cache (labelled by cache name):

	<ns>_cache_in_use                       gauge
	<ns>_cache_capacity                     gauge
	<ns>_cache_flushes_total{result}        counter
	<ns>_cache_evictions_total{reason}      counter  (sweep, victim, explicit)
	<ns>_cache_callback_errors_total{callback}

Allocator:

	<ns>_allocator_operations_total{op,result}
	<ns>_allocator_operation_duration_seconds{op}  histogram
	<ns>_allocator_reserved_bits                   gauge

The result label collapses error codes into success, exhausted, timeout,
storage_error and error to keep cardinality bounded.

# Health

The server also answers /health with the JSON Report of the tracker passed
to SetHealth (status 503 once any component is unavailable). Without a
tracker it always reports healthy.

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Addr:      ":9090",
		Namespace: "graphfs",
	}, logger)
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

	tracker := health.NewTracker(cfg.Health)
	collector.SetHealth(tracker)
	go tracker.StartHealthChecks(ctx, func(ctx context.Context, _ string) error {
		return blockdev.CheckHealth(ctx, dev)
	})

	mgr, err := freespace.Open(ctx, dev, freespace.Options{
		TotalBits:    cfg.Allocator.TotalBits,
		Metrics:      collector,
		CacheMetrics: collector,
		Health:       tracker,
	})

A disabled collector accepts every call and registers nothing, so callers
never need to nil-check it.
*/
package metrics
