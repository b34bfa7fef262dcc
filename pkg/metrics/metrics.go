package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Executor metrics
	ReconcileCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storm_reconcile_cycles_total",
			Help: "Total number of reconcile cycles by executor",
		},
		[]string{"executor"},
	)

	ReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storm_reconcile_errors_total",
			Help: "Total number of failed reconcile cycles by executor",
		},
		[]string{"executor"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storm_reconcile_duration_seconds",
			Help:    "Reconcile cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor"},
	)

	// Trigger metrics
	TriggersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storm_triggers_submitted_total",
			Help: "Total number of triggers submitted by name",
		},
		[]string{"name"},
	)

	TriggersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storm_triggers_failed_total",
			Help: "Total number of triggers that terminated with an error",
		},
		[]string{"name"},
	)

	TriggersHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storm_triggers_handled_total",
			Help: "Total number of triggers executed by this handler host",
		},
		[]string{"name", "status"},
	)

	// Load-balancer metrics
	SlotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storm_haproxy_slots_in_use",
			Help: "Number of HAProxy slots bound to a backend address",
		},
		[]string{"service"},
	)

	// Consul metrics
	CatalogServicesRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storm_catalog_services_registered_total",
			Help: "Total number of Consul service registrations issued",
		},
	)

	CatalogServicesDeregistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storm_catalog_services_deregistered_total",
			Help: "Total number of Consul service deregistrations issued",
		},
	)
)

func init() {
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileErrorsTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(TriggersSubmitted)
	prometheus.MustRegister(TriggersFailed)
	prometheus.MustRegister(TriggersHandled)
	prometheus.MustRegister(SlotsInUse)
	prometheus.MustRegister(CatalogServicesRegistered)
	prometheus.MustRegister(CatalogServicesDeregistered)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
