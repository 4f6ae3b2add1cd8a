package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	LoansCreated    prometheus.Counter
	LoansRepaid     prometheus.Counter
	Rejections      *prometheus.CounterVec
	PrincipalIssued prometheus.Counter
	InterestPaid    prometheus.Counter
	OperationTime   *prometheus.HistogramVec
}

// New registers the lending metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LoansCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustledger_lending_loans_created_total",
			Help: "Loans opened from accepted offers",
		}),
		LoansRepaid: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustledger_lending_loans_repaid_total",
			Help: "Loans closed by repayment",
		}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustledger_lending_rejections_total",
			Help: "Rejected lending operations by operation and error code",
		}, []string{"operation", "code"}),
		PrincipalIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustledger_lending_principal_issued",
			Help: "Sum of disbursed principal in base units",
		}),
		InterestPaid: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustledger_lending_interest_paid",
			Help: "Sum of interest collected on repayment in base units",
		}),
		OperationTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustledger_lending_operation_duration_seconds",
			Help:    "Duration of lending operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncrementRejection(operation, code string) {
	m.Rejections.WithLabelValues(operation, code).Inc()
}

func (m *Metrics) RecordLoanCreated(principal float64) {
	m.LoansCreated.Inc()
	m.PrincipalIssued.Add(principal)
}

func (m *Metrics) RecordLoanRepaid(interest float64) {
	m.LoansRepaid.Inc()
	m.InterestPaid.Add(interest)
}

func (m *Metrics) ObserveDuration(operation string, seconds float64) {
	m.OperationTime.WithLabelValues(operation).Observe(seconds)
}
