package signal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigcore_signal_transitions_total",
		Help: "Total green/red transition events emitted by the signal inference engine.",
	}, []string{"kind"})

	syncFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigcore_signal_sync_failures_total",
		Help: "Total failed resync attempts against the signal plan source.",
	})

	currentPhaseGreen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigcore_signal_current_phase_green",
		Help: "1 if the target phase is currently green, 0 otherwise.",
	})
)
