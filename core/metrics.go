package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kcbridge_probe_total",
		Help: "Silent session probes by result (disabled, authenticated, anonymous, error).",
	}, []string{"result"})

	exchangeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kcbridge_exchange_total",
		Help: "Token exchanges by result (skipped, ok, failed).",
	}, []string{"result"})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kcbridge_state_transitions_total",
		Help: "Session coordinator transitions by target state.",
	}, []string{"to"})
)
