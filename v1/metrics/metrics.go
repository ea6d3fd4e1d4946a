package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AdmissionCounter tracks admission attempts by outcome: admitted,
	// out_of_stock, already_ordered, rejected or error.
	AdmissionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_admission_total",
		Help: "Total number of admission attempts by outcome",
	}, []string{"outcome"})
	// FulfillmentCounter tracks handled fulfillment records by outcome:
	// persisted, duplicate, malformed, contended or error.
	FulfillmentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_fulfillment_total",
		Help: "Total number of fulfillment records handled by outcome",
	}, []string{"outcome"})
	// FulfillmentBacklog reports the number of unacknowledged records.
	FulfillmentBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flashsale_fulfillment_backlog",
		Help: "Current number of unacknowledged fulfillment records",
	})
	// CacheCounter tracks cache-aside reads by result: hit, miss, null,
	// stale, rebuild or exhausted.
	CacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_cache_total",
		Help: "Total number of cache-aside reads by result",
	}, []string{"entity", "result"})
	// LockCounter tracks lock acquisition attempts by result.
	LockCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_lock_total",
		Help: "Total number of lock acquisition attempts by result",
	}, []string{"result"})
	// IDCounter tracks issued identifiers.
	IDCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_ids_issued_total",
		Help: "Total number of identifiers issued by category",
	}, []string{"category"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the flash-sale metrics on the provided
// registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AdmissionCounter, FulfillmentCounter, FulfillmentBacklog, CacheCounter, LockCounter, IDCounter)
}
