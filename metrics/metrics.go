package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_match_attempts_total",
			Help: "Candidate selection attempts by outcome.",
		},
		[]string{"outcome"},
	)
	Candidates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_candidates_total",
			Help: "Maker responses added to candidate pools.",
		},
	)
	SweepRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_sweep_rows_total",
			Help: "Rows changed by reconciler sweeps.",
		},
		[]string{"sweep"},
	)
	FanoutMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_fanout_messages_total",
			Help: "Messages published to the fanout channel.",
		},
		[]string{"op"},
	)
)

func Register(registry *prometheus.Registry) {
	registry.MustRegister(MatchAttempts, Candidates, SweepRows, FanoutMessages)
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
