package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Checks         *prometheus.CounterVec
	Bypassed       *prometheus.CounterVec
	ConfigChanges  *prometheus.CounterVec
	BreakerEnabled *prometheus.GaugeVec
}

// New registers the limiter metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Checks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustledger_ratelimit_checks_total",
			Help: "Circuit breaker checks by surface and outcome",
		}, []string{"surface", "outcome"}),
		Bypassed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustledger_ratelimit_bypassed_total",
			Help: "Operations that skipped the limiter because the breaker is disabled",
		}, []string{"surface"}),
		ConfigChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustledger_ratelimit_config_changes_total",
			Help: "Circuit breaker configuration changes",
		}, []string{"surface"}),
		BreakerEnabled: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trustledger_ratelimit_breaker_enabled",
			Help: "1 when the surface's circuit breaker is enabled",
		}, []string{"surface"}),
	}
}

func (m *Metrics) IncrementCheck(surface, outcome string) {
	m.Checks.WithLabelValues(surface, outcome).Inc()
}

func (m *Metrics) IncrementBypassed(surface string) {
	m.Bypassed.WithLabelValues(surface).Inc()
}

func (m *Metrics) RecordConfigChange(surface string, enabled bool) {
	m.ConfigChanges.WithLabelValues(surface).Inc()
	v := 0.0
	if enabled {
		v = 1
	}
	m.BreakerEnabled.WithLabelValues(surface).Set(v)
}
