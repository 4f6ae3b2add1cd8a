package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Writes              *prometheus.CounterVec
	Removals            prometheus.Counter
	TransfersRejected   prometheus.Counter
	ScoreDeltaHistogram prometheus.Histogram
}

// New registers the identity ledger metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustledger_identity_writes_total",
			Help: "Committed identity writes by kind (created, updated)",
		}, []string{"kind"}),
		Removals: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustledger_identity_removals_total",
			Help: "Administrative identity removals",
		}),
		TransfersRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustledger_identity_transfers_rejected_total",
			Help: "Rejected soulbound record transfer attempts",
		}),
		ScoreDeltaHistogram: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustledger_identity_score_delta",
			Help:    "Absolute score change per committed update",
			Buckets: []float64{0, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

func (m *Metrics) IncrementWrite(kind string) {
	m.Writes.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveScoreDelta(delta int) {
	m.ScoreDeltaHistogram.Observe(float64(delta))
}

func (m *Metrics) IncrementRemoval() {
	m.Removals.Inc()
}

func (m *Metrics) IncrementTransferRejected() {
	m.TransfersRejected.Inc()
}
