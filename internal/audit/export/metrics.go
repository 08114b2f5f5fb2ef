package export

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Exported prometheus.Counter
	Failed   prometheus.Counter
	Dropped  prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Exported: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrollo_audit_export_records_total",
			Help: "Audit records produced to Kafka",
		}),
		Failed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrollo_audit_export_failures_total",
			Help: "Audit records that failed to produce",
		}),
		Dropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrollo_audit_export_dropped_total",
			Help: "Audit records dropped because the export queue was full",
		}),
	}
}

func (m *Metrics) IncExported() {
	if m != nil {
		m.Exported.Inc()
	}
}

func (m *Metrics) IncFailed() {
	if m != nil {
		m.Failed.Inc()
	}
}

func (m *Metrics) IncDropped() {
	if m != nil {
		m.Dropped.Inc()
	}
}
