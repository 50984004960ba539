// pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Activations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actigate_activations_total",
		Help: "Activation attempts by backend, family and outcome.",
	}, []string{"backend", "family", "outcome", "kind"})

	ActivationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "actigate_activation_duration_seconds",
		Help:    "Wall-clock duration of activation attempts.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"backend"})

	PanelLogins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actigate_panel_logins_total",
		Help: "Remote panel logins by backend and outcome.",
	}, []string{"backend", "outcome"})

	CaptchaSolves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actigate_captcha_solves_total",
		Help: "CAPTCHA solve attempts by outcome.",
	}, []string{"outcome"})

	VoucherReservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actigate_voucher_reservations_total",
		Help: "Voucher reservations by tier and outcome.",
	}, []string{"tier", "outcome"})
)
