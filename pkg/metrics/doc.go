/*
Package metrics provides Prometheus metrics collection and exposition for
the order polling bridge.

Metrics fall into two groups: counters/histograms updated inline by the
Worker and Scheduler as cycles run (CycleDuration, CyclesTotal,
OrdersFoundTotal, OrdersSentTotal, TaskRestartsTotal), and gauges
refreshed out-of-band by Collector from Store state every 15s
(ActiveConnections, BreakerState, RetryQueueDepth) since those reflect
durable state rather than an event stream.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  Worker/Scheduler ──inline──▶ CycleDuration, CyclesTotal   │
	│                               OrdersFoundTotal, ...        │
	│                                                            │
	│  Collector (ticker, 15s) ──▶ Store.ListActiveConnections   │
	│                          ──▶ ActiveConnections gauge       │
	│                          ──▶ BreakerState gauge per conn   │
	│                          ──▶ RetryQueueDepth gauge per conn│
	│                                                            │
	│  promhttp.Handler() ──▶ GET /metrics                       │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

All metrics are registered at package init against the default Prometheus
registry; Handler() exposes them for scraping.
*/
package metrics
