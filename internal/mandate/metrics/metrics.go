package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks mandate issuance, verification and authorization outcomes.
type Metrics struct {
	Issued        prometheus.Counter
	Revoked       prometheus.Counter
	Verifications *prometheus.CounterVec
	Denials       *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Issued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrollo_mandates_issued_total",
			Help: "Mandates issued",
		}),
		Revoked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrollo_mandates_revoked_total",
			Help: "Mandates revoked before expiry",
		}),
		Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollo_mandate_verifications_total",
			Help: "Mandate verifications by result",
		}, []string{"result"}), // result: "ok" or a verification kind
		Denials: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollo_mandate_authorization_denials_total",
			Help: "Authorization denials by reason and tool",
		}, []string{"reason", "tool"}),
	}
}

func (m *Metrics) IncIssued() {
	if m != nil {
		m.Issued.Inc()
	}
}

func (m *Metrics) IncRevoked() {
	if m != nil {
		m.Revoked.Inc()
	}
}

func (m *Metrics) IncVerification(result string) {
	if m != nil {
		m.Verifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncDenial(reason, tool string) {
	if m != nil {
		m.Denials.WithLabelValues(reason, tool).Inc()
	}
}
