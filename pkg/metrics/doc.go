/*
Package metrics provides Prometheus metrics collection and exposition for Bazaar.

The metrics package defines and registers every Bazaar metric series with the
Prometheus client library, providing observability into model lifecycles, job
submission, the report queue, the inference runtime, and the API surface. Both
the control plane and each deployment runtime expose the same /metrics
endpoint through Handler.

# Architecture

	┌───────────────────── METRICS SYSTEM ─────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Metric Definitions                │           │
	│  │  - Entity gauges (models/deployments/      │           │
	│  │    reports by status)                      │           │
	│  │  - Job submission counters by kind         │           │
	│  │  - API/inference request histograms        │           │
	│  │  - Reconciler sweep counters               │           │
	│  │  - Permission cache hit/miss counters      │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │             Collector                      │           │
	│  │  - Pulls entity counts from the store      │           │
	│  │  - 15s cadence, immediate first collect    │           │
	│  │  - Publishes gauges                        │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Exposition (/metrics)             │           │
	│  │  - promhttp text format                    │           │
	│  │  - served by control plane and runtimes    │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Metric Categories

Entity gauges reflect the current store contents and are refreshed by the
Collector. Counters and histograms are incremented inline at the call sites
that own the event: the cluster driver counts submissions, the reconciler
counts vanished jobs, the report queue counts leases and stale rejections,
API and runtime middleware time requests.

# Usage

Incrementing a counter at the event site:

	metrics.JobsSubmitted.WithLabelValues(string(kind)).Inc()

Timing a request:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, route)

Running the collector (control plane only):

	collector := metrics.NewCollector(store, 15*time.Second)
	collector.Start()
	defer collector.Stop()

# Integration Points

  - pkg/cluster: submission counters
  - pkg/reconciler: sweep cycle counters and durations
  - pkg/reports: lease counters
  - pkg/api, pkg/runtime: request counters and durations via middleware
  - pkg/auth: permission cache hit/miss counters
  - pkg/updatelog: durable write counters
  - pkg/datagen: LLM call outcome counters

# See Also

  - pkg/log for the textual side of observability
*/
package metrics
