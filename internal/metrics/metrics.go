package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	ReconcileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ceres",
		Subsystem: "tenant_operator",
		Name:      "reconcile_seconds",
		Help:      "Duration of tenant reconcile runs.",
		Buckets:   prometheus.DefBuckets,
	})
	ProvisionStepSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ceres",
		Subsystem: "tenant_operator",
		Name:      "provision_step_seconds",
		Help:      "Duration of individual provisioning steps.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})
	ProvisionFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ceres",
		Subsystem: "tenant_operator",
		Name:      "provision_failures_total",
		Help:      "Provisioning step failures by error kind.",
	}, []string{"step", "kind"})
	TeardownAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ceres",
		Subsystem: "tenant_operator",
		Name:      "teardown_attempts_total",
		Help:      "Total tenant teardown attempts, including retries.",
	})
)

func init() {
	crmetrics.Registry.MustRegister(ReconcileSeconds, ProvisionStepSeconds, ProvisionFailuresTotal, TeardownAttemptsTotal)
}
