// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TicksProcessed counts ticker events handled per symbol.
var TicksProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ptbot",
		Subsystem: "session",
		Name:      "ticks_total",
		Help:      "Total number of ticker events processed",
	},
	[]string{"symbol"},
)

// OrdersPlaced counts outbound orders by kind (limit, market).
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ptbot",
		Subsystem: "exchange",
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed",
	},
	[]string{"symbol", "kind"},
)

// FillsProcessed counts execution reports reconciled per symbol.
var FillsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ptbot",
		Subsystem: "session",
		Name:      "fills_total",
		Help:      "Total number of fills reconciled",
	},
	[]string{"symbol", "target"}, // target: session, isolated, miss
)

// RescueActions counts liquidity rescue actions by kind (cancel, market).
var RescueActions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ptbot",
		Subsystem: "strategy",
		Name:      "rescue_actions_total",
		Help:      "Total number of liquidity rescue actions",
	},
	[]string{"symbol", "kind"},
)

// SessionStops counts ended sessions by quit mode.
var SessionStops = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ptbot",
		Subsystem: "session",
		Name:      "stops_total",
		Help:      "Total number of session terminations",
	},
	[]string{"symbol", "mode"},
)

// Reconnects counts hot reconnects of the exchange adapter.
var Reconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ptbot",
		Subsystem: "exchange",
		Name:      "reconnects_total",
		Help:      "Total number of hot reconnects",
	},
)

// Serve exposes /metrics on the given address. Blocks until the server fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
