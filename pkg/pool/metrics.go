package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AcquireTotal counts acquisitions by requested tier and result
	AcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genbroker_credential_acquire_total",
			Help: "Total number of credential acquisitions",
		},
		[]string{"tier", "result"},
	)

	// FailuresTotal counts failed upstream calls reported back to the pool
	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genbroker_credential_failures_total",
			Help: "Total number of failed calls reported per reason",
		},
		[]string{"reason"},
	)

	// InvalidatedTotal counts healthy-to-invalid transitions
	InvalidatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genbroker_credential_invalidated_total",
			Help: "Total number of credentials marked invalid",
		},
	)
)

func init() {
	prometheus.MustRegister(AcquireTotal)
	prometheus.MustRegister(FailuresTotal)
	prometheus.MustRegister(InvalidatedTotal)
}
