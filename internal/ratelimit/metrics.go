package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Denied *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Denied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollo_ratelimit_denied_total",
			Help: "Requests rejected by the per-subject rate limiter",
		}, []string{"class"}),
	}
}

func (m *Metrics) IncDenied(class Class) {
	if m == nil {
		return
	}
	m.Denied.WithLabelValues(string(class)).Inc()
}
