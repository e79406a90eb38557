// Package metrics holds the prometheus collectors shared by the auth gate,
// the mail layer and the HTTP handlers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quackmail_auth_attempts_total",
			Help: "Register, login and token verification attempts by result.",
		},
		[]string{"op", "result"},
	)

	SessionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quackmail_sessions_reaped_total",
			Help: "Expired sessions removed by the reaper.",
		},
	)

	MailOps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quackmail_mail_op_duration_seconds",
			Help:    "Mail server operations by result.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"op", "result"},
	)

	ParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quackmail_message_parse_failures_total",
			Help: "Messages skipped in a page because they could not be parsed.",
		},
	)

	Handles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quackmail_mail_handles",
			Help: "Mail handles currently cached.",
		},
	)

	HandleEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quackmail_mail_handle_evictions_total",
			Help: "Mail handles evicted or disconnected, by reason.",
		},
		[]string{"reason"},
	)
)

// Result maps an error to a metric label
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveMailOp records the duration of a mail operation started at t0
func ObserveMailOp(op string, t0 time.Time, err error) {
	MailOps.WithLabelValues(op, Result(err)).Observe(time.Since(t0).Seconds())
}
