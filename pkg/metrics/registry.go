// Package metrics wires the collision controller and page store into a
// dedicated Prometheus registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry wraps a Prometheus registry with the metrics exposed by the
// collision controller and the page store.
type Registry struct {
	registry *prometheus.Registry

	// Collision controller gauges, refreshed on every OnCollision pass.
	collisionRunningJobs          prometheus.Gauge
	collisionWaitingJobs          prometheus.Gauge
	collisionHeldJobs             prometheus.Gauge
	collisionStealRequestsPending prometheus.Gauge

	// Collision controller counters.
	collisionJobsStolenTotal        prometheus.Counter
	collisionStealRequestsSentTotal prometheus.Counter

	// Collision controller configuration, exposed as gauges so operators can
	// spot a misconfigured node without reading its config file.
	collisionActiveJobsThreshold prometheus.Gauge
	collisionWaitJobsThreshold   prometheus.Gauge
	collisionMaxStealingAttempts prometheus.Gauge
	collisionMsgExpireTimeSecs   prometheus.Gauge

	// Page store metrics.
	pagestoreAllocatedPages         prometheus.Gauge
	pagestoreIntegrityViolations    prometheus.Counter
}

// NewRegistry creates a metrics registry with every collision/pagestore
// metric registered and ready to record.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,

		collisionRunningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridworks_collision_running_jobs",
			Help: "Number of active jobs observed on the last collision pass.",
		}),
		collisionWaitingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridworks_collision_waiting_jobs",
			Help: "Number of waiting jobs observed on the last collision pass.",
		}),
		collisionHeldJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridworks_collision_held_jobs",
			Help: "Number of held jobs observed on the last collision pass.",
		}),
		collisionStealRequestsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridworks_collision_steal_requests_pending",
			Help: "Sum of outstanding peer steal-request capacity this node may still surrender jobs against.",
		}),

		collisionJobsStolenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridworks_collision_jobs_stolen_total",
			Help: "Total number of waiting jobs surrendered to a peer.",
		}),
		collisionStealRequestsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridworks_collision_steal_requests_sent_total",
			Help: "Total number of steal requests sent to overloaded peers.",
		}),

		collisionActiveJobsThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridworks_collision_active_jobs_threshold",
			Help: "Configured active jobs threshold.",
		}),
		collisionWaitJobsThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridworks_collision_wait_jobs_threshold",
			Help: "Configured wait jobs threshold.",
		}),
		collisionMaxStealingAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridworks_collision_max_stealing_attempts",
			Help: "Configured maximum stealing attempts per job.",
		}),
		collisionMsgExpireTimeSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridworks_collision_msg_expire_time_seconds",
			Help: "Configured steal message expiry time, in seconds.",
		}),

		pagestoreAllocatedPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridworks_pagestore_allocated_pages",
			Help: "Number of pages allocated in the page store.",
		}),
		pagestoreIntegrityViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridworks_pagestore_integrity_violations_total",
			Help: "Total number of page reads that failed CRC verification.",
		}),
	}

	r.registerMetrics()
	return r
}

func (r *Registry) registerMetrics() {
	collectors := []prometheus.Collector{
		r.collisionRunningJobs,
		r.collisionWaitingJobs,
		r.collisionHeldJobs,
		r.collisionStealRequestsPending,
		r.collisionJobsStolenTotal,
		r.collisionStealRequestsSentTotal,
		r.collisionActiveJobsThreshold,
		r.collisionWaitJobsThreshold,
		r.collisionMaxStealingAttempts,
		r.collisionMsgExpireTimeSecs,
		r.pagestoreAllocatedPages,
		r.pagestoreIntegrityViolations,
	}

	for _, c := range collectors {
		r.registry.MustRegister(c)
	}
}

// GetRegistry returns the underlying Prometheus registry, for wiring into
// an HTTP exposition handler.
func (r *Registry) GetRegistry() *prometheus.Registry {
	return r.registry
}

// SetCollisionSnapshot records the job population observed on the most
// recent OnCollision pass.
func (r *Registry) SetCollisionSnapshot(running, waiting, held, pendingSteals int64) {
	r.collisionRunningJobs.Set(float64(running))
	r.collisionWaitingJobs.Set(float64(waiting))
	r.collisionHeldJobs.Set(float64(held))
	r.collisionStealRequestsPending.Set(float64(pendingSteals))
}

// RecordJobsStolen increments the stolen-jobs counter by n.
func (r *Registry) RecordJobsStolen(n int) {
	if n > 0 {
		r.collisionJobsStolenTotal.Add(float64(n))
	}
}

// RecordStealRequestSent increments the steal-requests-sent counter.
func (r *Registry) RecordStealRequestSent() {
	r.collisionStealRequestsSentTotal.Inc()
}

// SetCollisionConfig publishes the configured thresholds, so they show up
// alongside the live counters in the same dashboard.
func (r *Registry) SetCollisionConfig(activeThreshold, waitThreshold, maxAttempts int, msgExpireSecs float64) {
	r.collisionActiveJobsThreshold.Set(float64(activeThreshold))
	r.collisionWaitJobsThreshold.Set(float64(waitThreshold))
	r.collisionMaxStealingAttempts.Set(float64(maxAttempts))
	r.collisionMsgExpireTimeSecs.Set(msgExpireSecs)
}

// SetPageStoreAllocatedPages records the current page store allocation count.
func (r *Registry) SetPageStoreAllocatedPages(pages uint64) {
	r.pagestoreAllocatedPages.Set(float64(pages))
}

// RecordIntegrityViolation increments the page-store CRC failure counter.
func (r *Registry) RecordIntegrityViolation() {
	r.pagestoreIntegrityViolations.Inc()
}
