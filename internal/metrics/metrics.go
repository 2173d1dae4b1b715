// Package metrics exposes prometheus collectors for upstream races.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "doh_proxy"

// Metrics records attempt and race outcomes. It implements doh.Observer.
type Metrics struct {
	AttemptCount    *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	RaceCount       *prometheus.CounterVec
	RaceWinner      *prometheus.CounterVec
	RaceDuration    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Duration of upstream attempts, including cancelled ones.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		RaceCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "races_total",
			Help:      "Races by outcome.",
		}, []string{"outcome"}),
		RaceWinner: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "race_winner_total",
			Help:      "Races won per upstream endpoint.",
		}, []string{"endpoint"}),
		RaceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "race_duration_seconds",
			Help:      "Time from fan-out to the first success or the last failure.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.AttemptCount, m.AttemptDuration, m.RaceCount, m.RaceWinner, m.RaceDuration)

	return m
}

// ObserveAttempt records one upstream attempt.
func (m *Metrics) ObserveAttempt(endpoint string, err error, d time.Duration) {
	m.AttemptCount.WithLabelValues(endpoint, outcome(err)).Inc()
	m.AttemptDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveRace records the result of one race.
func (m *Metrics) ObserveRace(winner string, err error, d time.Duration) {
	m.RaceCount.WithLabelValues(outcome(err)).Inc()
	m.RaceDuration.Observe(d.Seconds())
	if err == nil {
		m.RaceWinner.WithLabelValues(winner).Inc()
	}
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
