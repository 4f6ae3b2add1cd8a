package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Denials      *prometheus.CounterVec
	GrantChanges *prometheus.CounterVec
	LedgerPaused prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Denials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustledger_access_denials_total",
			Help: "Capability checks that failed, by capability",
		}, []string{"capability"}),
		GrantChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustledger_access_grant_changes_total",
			Help: "Capability grants and revocations",
		}, []string{"capability", "change"}),
		LedgerPaused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trustledger_ledger_paused",
			Help: "1 while the ledger is paused",
		}),
	}
}

func (m *Metrics) IncrementDenial(capability string) {
	m.Denials.WithLabelValues(capability).Inc()
}

func (m *Metrics) IncrementGrantChange(capability, change string) {
	m.GrantChanges.WithLabelValues(capability, change).Inc()
}

func (m *Metrics) SetPaused(paused bool) {
	if paused {
		m.LedgerPaused.Set(1)
		return
	}
	m.LedgerPaused.Set(0)
}
