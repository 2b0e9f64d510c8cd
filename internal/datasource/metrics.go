package datasource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backendConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sigcore_datasource_backend_connected",
		Help: "1 if the named backend (cam_db/signal_db) is currently connected, 0 otherwise.",
	}, []string{"backend"})

	queryRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigcore_datasource_query_retries_total",
		Help: "Total retry attempts issued against a backend's query transport.",
	}, []string{"backend"})

	queryFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigcore_datasource_query_failures_total",
		Help: "Total queries that failed after exhausting retries.",
	}, []string{"backend"})

	reconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigcore_datasource_reconnect_attempts_total",
		Help: "Total background reconnect attempts per backend.",
	}, []string{"backend"})
)
